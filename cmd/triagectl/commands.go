package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/bucketmail/internal/models"
)

// envFunc returns the environment opened by the root command.
type envFunc func() *env

func newTriageCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "triage",
		Short: "List unfiled INBOX mail and refresh the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := env().service
			msgs, err := svc.FetchTriageEmails(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.FlushCache(cmd.Context()); err != nil {
				return err
			}
			return printMessages(cmd, msgs)
		},
	}
}

func newBucketCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "bucket <bucket-id>",
		Short: "List the mail filed into a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := env().service.FetchBucketEmails(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printMessages(cmd, msgs)
		},
	}
}

func newArchivedCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "archived",
		Short: "List the archive folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := env().service.FetchArchivedEmails(cmd.Context())
			if err != nil {
				return err
			}
			return printMessages(cmd, msgs)
		},
	}
}

func newInboxIDsCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox-ids",
		Short: "Print the Message-ID of everything in INBOX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := env().service.GetInboxMessageIDs(cmd.Context())
			if err != nil {
				return err
			}
			return printIDs(cmd, ids)
		},
	}
}

func newAssignCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <message-id> [bucket-id]",
		Short: "File a thread into a bucket, or unfile it when no bucket is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := env().service
			var buckets []string
			if len(args) == 2 {
				buckets = []string{args[1]}
			}
			if err := svc.AssignTags(cmd.Context(), args[0], buckets); err != nil {
				return err
			}
			return svc.FlushCache(cmd.Context())
		},
	}
}

func newArchiveCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <message-id>",
		Short: "Archive a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := env().service
			result, err := svc.ArchiveEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := svc.FlushCache(cmd.Context()); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			if result.AlreadyArchived {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "Already archived")
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Archived %d message(s)\n", len(result.PriorBucket))
			return err
		},
	}
}

func newUnarchiveCmd(env envFunc) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "unarchive <message-id>",
		Short: "Restore an archived thread to INBOX or a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := env().service
			msg, err := svc.UnarchiveEmail(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			if err := svc.FlushCache(cmd.Context()); err != nil {
				return err
			}
			return printMessages(cmd, []*models.Message{msg})
		},
	}
	cmd.Flags().StringVar(&target, "to", models.MailboxInbox, "Where to restore: inbox or a bucket id")
	return cmd
}

func newReadCmd(env envFunc) *cobra.Command {
	var uid uint32
	cmd := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env().service.MarkAsRead(cmd.Context(), args[0], uid)
		},
	}
	cmd.Flags().Uint32Var(&uid, "uid", 0, "UID hint in the message's current folder")
	return cmd
}

func newDiscoverCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Create cache buckets for keywords found on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := env().service.DiscoverAndCreateBuckets(cmd.Context())
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Discovered %d bucket(s), created %d\n", len(result.Discovered), len(result.Created))
			return err
		},
	}
}

func newReconcileCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Drop cache entries changed by other clients and resurrect archived threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := env().service
			report, err := svc.ReconcileInbox(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.FlushCache(cmd.Context()); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), report)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d, resurrected %d\n", len(report.Removed), len(report.Resurrected))
			return err
		},
	}
}

func newSyncSentCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-sent",
		Short: "Project the sent folder into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, write, err := env().service.SyncSentFolder(cmd.Context())
			if err != nil {
				return err
			}
			if err := write.Wait(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Synced %d sent message(s)\n", n)
			return err
		},
	}
}

func newBucketsCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "List the buckets known to the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			buckets, err := env().store.ListBuckets(cmd.Context())
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				if buckets == nil {
					buckets = []*models.Bucket{}
				}
				return printJSON(cmd.OutOrStdout(), buckets)
			}
			for _, b := range buckets {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", b.ID, b.Label, b.Color); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newNoteCmd(env envFunc) *cobra.Command {
	var due string
	cmd := &cobra.Command{
		Use:   "note <message-id> <text>",
		Short: "Attach a note and optional due date to a cached message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dueDate *time.Time
			if due != "" {
				d, err := time.Parse(time.DateOnly, due)
				if err != nil {
					return fmt.Errorf("invalid --due: %w", err)
				}
				dueDate = &d
			}
			return env().store.Annotate(cmd.Context(), args[0], args[1], dueDate)
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "Due date, YYYY-MM-DD")
	return cmd
}
