package models

import (
	"fmt"
	"time"
)

// SyncSettings is the operator-configured fetch policy. It is read by every
// fetch and never written by the sync engine.
type SyncSettings struct {
	StartDate      time.Time `json:"start_date"`
	ImportStarred  bool      `json:"import_starred"`
	SentFolderName string    `json:"sent_folder_name"`
}

// InWindow reports whether a message received at receivedAt passes the
// cutoff policy. Messages without a date only pass when starred.
func (s *SyncSettings) InWindow(receivedAt *time.Time, starred bool) bool {
	if starred && s.ImportStarred {
		return true
	}
	if receivedAt == nil {
		return false
	}
	return !receivedAt.Before(s.StartDate)
}

// IMAPConfig holds the IMAP credentials, with the password already decrypted.
type IMAPConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
	User   string `json:"user"`
	Pass   string `json:"-"`
}

// Address returns host:port suitable for dialing.
func (c *IMAPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoredSettings is the settings row as persisted, with the IMAP password sealed.
type StoredSettings struct {
	IMAPHost              string
	IMAPPort              int
	IMAPSecure            bool
	IMAPUsername          string
	EncryptedIMAPPassword []byte
	SyncStartDate         time.Time
	ImportStarred         bool
	SentFolderName        string
	UpdatedAt             time.Time
}
