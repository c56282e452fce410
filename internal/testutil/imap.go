package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/bucketmail/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// TestMessage describes a message to append to the test server.
type TestMessage struct {
	MessageID  string
	Subject    string
	From       string
	To         string
	Date       time.Time // zero omits the Date header
	InReplyTo  string
	References []string
	Flags      []string
	Body       string
}

// StartIMAPServer starts an IMAP server with an in-memory backend on a
// random local port. The memory backend creates a default user with username
// "username" and password "password", and puts one message dated 2016 into
// its INBOX.
func StartIMAPServer() (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}, nil
}

// NewTestIMAPServer starts a server for a test and closes it when the test ends.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	srv, err := StartIMAPServer()
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// Close shuts down the test IMAP server. It is safe to call more than once.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Config returns connection settings for the server.
func (s *TestIMAPServer) Config() *models.IMAPConfig {
	host, port, _ := net.SplitHostPort(s.Address)
	var p int
	_, _ = fmt.Sscanf(port, "%d", &p)
	return &models.IMAPConfig{Host: host, Port: p, User: s.username, Pass: s.password}
}

// Dial opens a logged-in client connection to the server.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return client, nil
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.Dial()
	if err != nil {
		t.Fatal(err)
	}
	return client, func() { _ = client.Logout() }
}

// Mkdir creates a folder for the default user.
func (s *TestIMAPServer) Mkdir(name string) error {
	client, err := s.Dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout() }()

	if err := client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return nil
}

// CreateFolder creates a folder for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	if err := s.Mkdir(name); err != nil {
		t.Fatal(err)
	}
}

// Append appends msg to folderName and returns its UID.
func (s *TestIMAPServer) Append(folderName string, msg TestMessage) (uint32, error) {
	client, err := s.Dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout() }()

	if msg.From == "" {
		msg.From = "sender@example.com"
	}
	if msg.To == "" {
		msg.To = "username@example.com"
	}
	if msg.Body == "" {
		msg.Body = "Test message body."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msg.MessageID)
	if !msg.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\r\n", msg.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", msg.From, msg.To, msg.Subject)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(msg.References, " "))
	}
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", msg.Body)

	internalDate := msg.Date
	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	if err := client.Append(folderName, msg.Flags, internalDate, strings.NewReader(b.String())); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	// Deleted-flagged fixtures must resolve too.
	uids, err := searchAllUIDs(client, folderName, msg.MessageID)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message %s not found after append", msg.MessageID)
	}
	return uids[len(uids)-1], nil
}

// AddMessage appends msg to folderName and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName string, msg TestMessage) uint32 {
	t.Helper()

	uid, err := s.Append(folderName, msg)
	if err != nil {
		t.Fatal(err)
	}
	return uid
}

// Flags returns the flags of the message with messageID in folderName, or
// nil when it is not there.
func (s *TestIMAPServer) Flags(t *testing.T, folderName, messageID string) []string {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	uids := s.search(t, client, folderName, messageID)
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	messages := make(chan *imap.Message, len(uids))
	if err := client.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags}, messages); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}
	var flags []string
	for m := range messages {
		flags = append(flags, m.Flags...)
	}
	return flags
}

// Contains reports whether a non-deleted message with messageID is in folderName.
func (s *TestIMAPServer) Contains(t *testing.T, folderName, messageID string) bool {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	return len(s.search(t, client, folderName, messageID)) > 0
}

// SetFlags adds or removes flags on a message, as another mail client would.
func (s *TestIMAPServer) SetFlags(t *testing.T, folderName, messageID string, op imap.FlagsOp, flags ...string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	uids := s.search(t, client, folderName, messageID)
	if len(uids) == 0 {
		t.Fatalf("Message %s not found in %s", messageID, folderName)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	if err := client.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil); err != nil {
		t.Fatalf("Failed to store flags: %v", err)
	}
}

// Move moves a message between folders, as another mail client would.
func (s *TestIMAPServer) Move(t *testing.T, from, to, messageID string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	uids := s.search(t, client, from, messageID)
	if len(uids) == 0 {
		t.Fatalf("Message %s not found in %s", messageID, from)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	if err := client.UidMove(seqSet, to); err == nil {
		return
	}
	// The in-memory backend advertises MOVE but refuses it.
	if err := client.UidCopy(seqSet, to); err != nil {
		t.Fatalf("Failed to copy message: %v", err)
	}
	deleted := []interface{}{imap.DeletedFlag}
	if err := client.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
		t.Fatalf("Failed to flag moved message: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge moved message: %v", err)
	}
}

func (s *TestIMAPServer) search(t *testing.T, client *imapclient.Client, folderName, messageID string) []uint32 {
	t.Helper()

	uids, err := searchUIDs(client, folderName, messageID)
	if err != nil {
		t.Fatal(err)
	}
	return uids
}

func searchUIDs(client *imapclient.Client, folderName, messageID string) ([]uint32, error) {
	return searchMessage(client, folderName, messageID, []string{imap.DeletedFlag})
}

func searchAllUIDs(client *imapclient.Client, folderName, messageID string) ([]uint32, error) {
	return searchMessage(client, folderName, messageID, nil)
}

func searchMessage(client *imapclient.Client, folderName, messageID string, without []string) ([]uint32, error) {
	if _, err := client.Select(folderName, false); err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folderName, err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	criteria.WithoutFlags = without
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search for message: %w", err)
	}
	return uids, nil
}
