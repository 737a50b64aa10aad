package types

import "time"

// Message is the stored representation of a mail message, keyed by
// (account, folder, uid) within one UID-validity epoch.
type Message struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	FolderName  string    `json:"folder_name"`
	UID         uint32    `json:"uid"`
	MessageID   string    `json:"message_id"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Recipients  []string  `json:"recipients"`
	Date        time.Time `json:"date"`
	Size        uint32    `json:"size"`
	Flags       []string  `json:"flags,omitempty"`
	BodyText    string    `json:"body_text,omitempty"`
	BodyHTML    string    `json:"body_html,omitempty"`
	SyncVersion int       `json:"sync_version"`
	LastSynced  time.Time `json:"last_synced"`
}

// MessageSummary is a trimmed view of a message for search results.
type MessageSummary struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	FolderName  string    `json:"folder_name"`
	UID         uint32    `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet"`
}

// SyncStatus describes the state of the last sync attempt for a folder.
type SyncStatus string

const (
	SyncIdle     SyncStatus = "idle"
	SyncSyncing  SyncStatus = "syncing"
	SyncError    SyncStatus = "error"
	SyncComplete SyncStatus = "complete"
)

// FolderSyncState is the durable per-(account, folder) checkpoint that
// drives sync strategy selection. It is written after every sync attempt,
// whether or not the attempt succeeded.
type FolderSyncState struct {
	AccountID     string     `json:"account_id"`
	FolderName    string     `json:"folder_name"`
	UIDValidity   uint32     `json:"uid_validity"`
	UIDNext       uint32     `json:"uid_next"`
	HighestModSeq uint64     `json:"highest_modseq,omitempty"`
	LastSync      time.Time  `json:"last_sync"`
	MessageCount  uint32     `json:"message_count"`
	UnreadCount   uint32     `json:"unread_count"`
	Status        SyncStatus `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
}
