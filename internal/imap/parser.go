package imap

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/thread"
)

// threadHeaders are the header fields the lightweight fetch asks for.
var threadHeaders = []string{"Message-ID", "In-Reply-To", "References"}

func threadHeaderSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    threadHeaders,
		},
		Peek: true,
	}
}

func fullBodySection() *imap.BodySectionName {
	return &imap.BodySectionName{Peek: true}
}

// headerFetchItems fetch everything needed to identify, classify and thread a message, without the body.
func headerFetchItems() []imap.FetchItem {
	return []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		threadHeaderSection().FetchItem(),
	}
}

// fullFetchItems additionally fetch the raw message for body and attachments.
func fullFetchItems() []imap.FetchItem {
	return []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		fullBodySection().FetchItem(),
	}
}

// fetchedMessage is a parsed message together with its decoded flag state.
type fetchedMessage struct {
	msg   *models.Message
	state category.State
	flags []string // as the server spelled them, for STORE -FLAGS
}

func (f *fetchedMessage) threadInput() thread.Input {
	return thread.Input{
		MessageID:  f.msg.MessageID,
		InReplyTo:  f.msg.InReplyTo,
		References: f.msg.References,
		Subject:    f.msg.Subject,
		Date:       f.msg.ReceivedAt,
	}
}

// ParseMessage converts a fetched IMAP message into our Message model. The
// mailbox field is derived from where the message was found and its flags.
func ParseMessage(imapMsg *imap.Message, folderMailbox string) (*models.Message, category.State, error) {
	if imapMsg == nil {
		return nil, category.State{}, fmt.Errorf("imap message is nil")
	}

	state := category.DecodeFlags(imapMsg.Flags)
	msg := &models.Message{
		UID:       imapMsg.Uid,
		Category:  state.Category,
		IsRead:    state.Seen,
		IsStarred: state.Starred,
		Mailbox:   mailboxFor(folderMailbox, state),
	}

	if env := imapMsg.Envelope; env != nil {
		msg.MessageID = thread.NormalizeMessageID(env.MessageId)
		msg.InReplyTo = firstID(env.InReplyTo)
		msg.Subject = env.Subject
		if len(env.From) > 0 && env.From[0] != nil {
			msg.FromName = env.From[0].PersonalName
			msg.FromAddress = formatAddress(env.From[0])
		}
		msg.ToAddresses = formatAddressList(env.To)
		if !env.Date.IsZero() {
			date := env.Date
			msg.ReceivedAt = &date
		}
	}
	msg.NormalizedSubject = thread.NormalizeSubject(msg.Subject)

	for section, body := range imapMsg.Body {
		if body == nil {
			continue
		}
		if section.Specifier == imap.HeaderSpecifier {
			if err := parseThreadHeaders(body, msg); err != nil {
				return msg, state, err
			}
			continue
		}
		if err := parseBody(body, msg); err != nil {
			return msg, state, err
		}
	}

	if msg.MessageID == "" {
		return msg, state, fmt.Errorf("message UID %d has no Message-ID", imapMsg.Uid)
	}
	return msg, state, nil
}

// mailboxFor maps a folder-level location to the logical mailbox of one message.
func mailboxFor(folderMailbox string, state category.State) string {
	if folderMailbox != models.MailboxInbox {
		return folderMailbox
	}
	if state.Archived {
		// Marked but not yet moved: an archive that was interrupted.
		return models.MailboxArchive
	}
	if state.Category.Kind == models.CategoryBucket {
		return state.Category.BucketID
	}
	return models.MailboxInbox
}

// parseThreadHeaders reads the References and In-Reply-To fields with go-message.
func parseThreadHeaders(r io.Reader, msg *models.Message) error {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("failed to parse thread headers: %w", err)
	}
	header := mail.Header{Header: message.Header{Header: h}}

	if refs, err := header.MsgIDList("References"); err == nil {
		msg.References = normalizeIDs(refs)
	} else {
		msg.References = thread.ParseIDList(header.Get("References"))
	}
	if msg.InReplyTo == "" {
		if ids, err := header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
			msg.InReplyTo = thread.NormalizeMessageID(ids[0])
		}
	}
	if msg.MessageID == "" {
		if id, err := header.MessageID(); err == nil {
			msg.MessageID = thread.NormalizeMessageID(id)
		}
	}
	return nil
}

// parseBody parses the raw message with enmime for text, HTML and attachments.
func parseBody(r io.Reader, msg *models.Message) error {
	envelope, err := enmime.ReadEnvelope(r)
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	msg.BodyText = envelope.Text
	msg.UnsafeBodyHTML = envelope.HTML
	if msg.UnsafeBodyHTML == "" {
		msg.UnsafeBodyHTML = strings.ReplaceAll(envelope.Text, "\n", "<br>")
	}
	if len(msg.References) == 0 {
		msg.References = thread.ParseIDList(envelope.GetHeader("References"))
	}
	if msg.InReplyTo == "" {
		msg.InReplyTo = firstID(envelope.GetHeader("In-Reply-To"))
	}

	for _, part := range append(envelope.Attachments, envelope.Inlines...) {
		attachment := models.Attachment{
			Filename:  part.FileName,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
			ContentID: part.ContentID,
			IsInline:  part.ContentID != "",
		}
		msg.Attachments = append(msg.Attachments, attachment)
	}
	return nil
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := thread.NormalizeMessageID(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func firstID(header string) string {
	if ids := thread.ParseIDList(header); len(ids) > 0 {
		return ids[0]
	}
	return thread.NormalizeMessageID(header)
}

// formatAddress formats an IMAP address as local@host.
func formatAddress(address *imap.Address) string {
	if address == nil || (address.MailboxName == "" && address.HostName == "") {
		return ""
	}
	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses, keeping display names.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted == "" {
			continue
		}
		if address.PersonalName != "" {
			formatted = fmt.Sprintf("%s <%s>", address.PersonalName, formatted)
		}
		result = append(result, formatted)
	}
	return result
}
