package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/bucketmail/internal/models"
)

func newSettingsCmd(env envFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage the IMAP account and sync policy",
	}
	cmd.AddCommand(newSettingsSetCmd(env))
	return cmd
}

func newSettingsSetCmd(env envFunc) *cobra.Command {
	var (
		imapCfg       models.IMAPConfig
		passwordStdin bool
		startDate     string
		importStarred bool
		sentFolder    string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store the IMAP account and sync policy; the password is encrypted at rest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if imapCfg.Host == "" || imapCfg.User == "" {
				return errors.New("--host and --user are required")
			}
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				imapCfg.Pass = strings.TrimRight(line, "\r\n")
			}
			if imapCfg.Pass == "" {
				return errors.New("a password is required, pass --password or --password-stdin")
			}

			start, err := time.Parse(time.DateOnly, startDate)
			if err != nil {
				return fmt.Errorf("invalid --start-date: %w", err)
			}

			sync := &models.SyncSettings{
				StartDate:      start,
				ImportStarred:  importStarred,
				SentFolderName: sentFolder,
			}
			if err := env().settings.Save(cmd.Context(), &imapCfg, sync); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Saved settings for %s@%s\n", imapCfg.User, imapCfg.Address())
			return err
		},
	}

	cmd.Flags().StringVar(&imapCfg.Host, "host", "", "IMAP host")
	cmd.Flags().IntVar(&imapCfg.Port, "port", 993, "IMAP port")
	cmd.Flags().BoolVar(&imapCfg.Secure, "secure", true, "Use implicit TLS")
	cmd.Flags().StringVar(&imapCfg.User, "user", "", "IMAP username")
	cmd.Flags().StringVar(&imapCfg.Pass, "password", "", "IMAP password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the IMAP password from stdin")
	cmd.Flags().StringVar(&startDate, "start-date", time.Now().AddDate(0, -1, 0).Format(time.DateOnly), "Only sync mail received on or after this date, YYYY-MM-DD")
	cmd.Flags().BoolVar(&importStarred, "import-starred", true, "Sync starred mail regardless of date")
	cmd.Flags().StringVar(&sentFolder, "sent-folder", "Sent", "Name of the sent folder")
	return cmd
}
