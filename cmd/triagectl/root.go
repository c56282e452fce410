package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(open opener) *cobra.Command {
	var e *env

	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Triage mail into buckets and the archive",
		Long:          "Runs the sync core's operations against the configured IMAP account and cache database.",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			var err error
			e, err = open(cmd.Context())
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e != nil && e.close != nil {
				e.close()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().Bool("json", false, "Print results as JSON")

	current := func() *env { return e }
	root.AddCommand(
		newTriageCmd(current),
		newBucketCmd(current),
		newArchivedCmd(current),
		newInboxIDsCmd(current),
		newAssignCmd(current),
		newArchiveCmd(current),
		newUnarchiveCmd(current),
		newReadCmd(current),
		newDiscoverCmd(current),
		newReconcileCmd(current),
		newSyncSentCmd(current),
		newBucketsCmd(current),
		newNoteCmd(current),
		newSettingsCmd(current),
	)
	return root
}
