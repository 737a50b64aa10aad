package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Store provides methods for storing and retrieving messages and sync
// checkpoints
type Store struct {
	db     *DB
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// StoreMessage upserts a message, keyed by (account, folder, uid)
func (s *Store) StoreMessage(msg *types.Message) error {
	recipientsJSON, err := json.Marshal(msg.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	flagsJSON, err := json.Marshal(msg.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	query := `
		INSERT INTO messages (account_id, folder_name, uid, message_id, subject, sender_name, sender_email, recipients, date, size, flags, body_text, body_html, sync_version, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, folder_name, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			date = excluded.date,
			size = excluded.size,
			flags = excluded.flags,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			sync_version = excluded.sync_version,
			last_synced = CURRENT_TIMESTAMP
	`
	_, err = s.db.Conn().Exec(query,
		msg.AccountID,
		msg.FolderName,
		msg.UID,
		msg.MessageID,
		msg.Subject,
		msg.SenderName,
		msg.SenderEmail,
		string(recipientsJSON),
		msg.Date.UTC().Format(time.RFC3339),
		msg.Size,
		string(flagsJSON),
		msg.BodyText,
		msg.BodyHTML,
		msg.SyncVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	return nil
}

// GetMessageByUID retrieves a message by its folder-scoped UID.
// Returns (nil, nil) when the message is not stored.
func (s *Store) GetMessageByUID(accountID, folderName string, uid uint32) (*types.Message, error) {
	query := `
		SELECT id, account_id, folder_name, uid, message_id, subject, sender_name, sender_email, recipients, date, size, flags, body_text, body_html, sync_version, last_synced
		FROM messages
		WHERE account_id = ? AND folder_name = ? AND uid = ?
	`
	var msg types.Message
	var recipientsJSON, flagsJSON string
	var dateStr, lastSyncedStr sql.NullString
	var messageID, subject, senderName, senderEmail, bodyText, bodyHTML sql.NullString

	err := s.db.Conn().QueryRow(query, accountID, folderName, uid).Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.FolderName,
		&msg.UID,
		&messageID,
		&subject,
		&senderName,
		&senderEmail,
		&recipientsJSON,
		&dateStr,
		&msg.Size,
		&flagsJSON,
		&bodyText,
		&bodyHTML,
		&msg.SyncVersion,
		&lastSyncedStr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	msg.MessageID = messageID.String
	msg.Subject = subject.String
	msg.SenderName = senderName.String
	msg.SenderEmail = senderEmail.String
	msg.BodyText = bodyText.String
	msg.BodyHTML = bodyHTML.String
	msg.Date = parseStoredTime(dateStr)
	msg.LastSynced = parseStoredTime(lastSyncedStr)

	if err := json.Unmarshal([]byte(recipientsJSON), &msg.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(flagsJSON), &msg.Flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}

	return &msg, nil
}

// DeleteMessagesByUIDs removes messages no longer present on the server
func (s *Store) DeleteMessagesByUIDs(accountID, folderName string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	placeholders := make([]string, len(uids))
	args := make([]interface{}, 0, len(uids)+2)
	args = append(args, accountID, folderName)
	for i, uid := range uids {
		placeholders[i] = "?"
		args = append(args, uid)
	}

	query := fmt.Sprintf(
		"DELETE FROM messages WHERE account_id = ? AND folder_name = ? AND uid IN (%s)",
		strings.Join(placeholders, ","),
	)
	if _, err := s.db.Conn().Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// CountMessages counts stored messages for a folder
func (s *Store) CountMessages(accountID, folderName string) (int, error) {
	var count int
	err := s.db.Conn().QueryRow(
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND folder_name = ?",
		accountID, folderName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// UpdateFolderSyncState upserts the durable per-folder checkpoint
func (s *Store) UpdateFolderSyncState(state *types.FolderSyncState) error {
	query := `
		INSERT INTO folder_sync_state (account_id, folder_name, uid_validity, uid_next, highest_modseq, last_sync, message_count, unread_count, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_name) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			highest_modseq = excluded.highest_modseq,
			last_sync = excluded.last_sync,
			message_count = excluded.message_count,
			unread_count = excluded.unread_count,
			status = excluded.status,
			last_error = excluded.last_error
	`
	_, err := s.db.Conn().Exec(query,
		state.AccountID,
		state.FolderName,
		state.UIDValidity,
		state.UIDNext,
		state.HighestModSeq,
		state.LastSync.UTC().Format(time.RFC3339),
		state.MessageCount,
		state.UnreadCount,
		string(state.Status),
		state.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to update folder sync state: %w", err)
	}
	return nil
}

// GetFolderSyncState retrieves the checkpoint for a folder.
// Returns (nil, nil) when no sync has ever run.
func (s *Store) GetFolderSyncState(accountID, folderName string) (*types.FolderSyncState, error) {
	query := `
		SELECT account_id, folder_name, uid_validity, uid_next, highest_modseq, last_sync, message_count, unread_count, status, last_error
		FROM folder_sync_state
		WHERE account_id = ? AND folder_name = ?
	`
	var state types.FolderSyncState
	var lastSyncStr, lastError sql.NullString
	var status string

	err := s.db.Conn().QueryRow(query, accountID, folderName).Scan(
		&state.AccountID,
		&state.FolderName,
		&state.UIDValidity,
		&state.UIDNext,
		&state.HighestModSeq,
		&lastSyncStr,
		&state.MessageCount,
		&state.UnreadCount,
		&status,
		&lastError,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get folder sync state: %w", err)
	}

	state.Status = types.SyncStatus(status)
	state.LastError = lastError.String
	state.LastSync = parseStoredTime(lastSyncStr)
	return &state, nil
}

// parseStoredTime handles both SQLite's default datetime format and
// RFC3339 values written by this code
func parseStoredTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v.String); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", v.String); err == nil {
		return t
	}
	return time.Time{}
}
