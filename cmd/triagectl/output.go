package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vdavid/bucketmail/internal/models"
)

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessages(cmd *cobra.Command, msgs []*models.Message) error {
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if msgs == nil {
			msgs = []*models.Message{}
		}
		return printJSON(out, msgs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DATE\tFROM\tSUBJECT\tLOCATION\tMESSAGE-ID")
	for _, m := range msgs {
		date := "-"
		if m.ReceivedAt != nil {
			date = m.ReceivedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", date, sender(m), m.Subject, location(m), m.MessageID)
	}
	return tw.Flush()
}

func printIDs(cmd *cobra.Command, ids []string) error {
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if ids == nil {
			ids = []string{}
		}
		return printJSON(out, ids)
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(out, id); err != nil {
			return err
		}
	}
	return nil
}

func sender(m *models.Message) string {
	if m.FromName != "" {
		return m.FromName
	}
	return m.FromAddress
}

func location(m *models.Message) string {
	switch {
	case m.Mailbox == models.MailboxSent:
		return "sent"
	case m.Category.Kind == models.CategoryArchived:
		if m.OriginalBucket != "" {
			return "archive (" + m.OriginalBucket + ")"
		}
		return "archive"
	case m.Category.Kind == models.CategoryBucket:
		return m.Category.BucketID
	default:
		return "inbox"
	}
}
