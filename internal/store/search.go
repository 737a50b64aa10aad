package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID  *string
	FolderName *string
	Sender     *string
	Subject    *string
	Body       *string
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int
}

// Search performs a search on stored messages
func (s *Store) Search(opts SearchOptions) ([]types.MessageSummary, error) {
	var conditions []string
	var args []interface{}

	// Build WHERE clause
	if opts.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.FolderName != nil {
		conditions = append(conditions, "folder_name = ?")
		args = append(args, *opts.FolderName)
	}

	if opts.Sender != nil {
		conditions = append(conditions, "(sender_email LIKE ? OR sender_name LIKE ?)")
		searchTerm := "%" + *opts.Sender + "%"
		args = append(args, searchTerm, searchTerm)
	}

	if opts.Subject != nil {
		conditions = append(conditions, "subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.DateFrom != nil {
		conditions = append(conditions, "date >= ?")
		args = append(args, opts.DateFrom.UTC().Format(time.RFC3339))
	}

	if opts.DateTo != nil {
		conditions = append(conditions, "date <= ?")
		args = append(args, opts.DateTo.UTC().Format(time.RFC3339))
	}

	// Full-text search on body
	if opts.Body != nil {
		conditions = append(conditions, "id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, escapeFTS(*opts.Body))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, account_id, folder_name, uid, subject, sender_name, sender_email, date, body_text
		FROM messages
		%s
		ORDER BY date DESC
		LIMIT ?
	`, whereClause)

	args = append(args, clampLimit(opts.Limit))

	return s.querySummaries(query, args...)
}

// SearchFTS performs a full-text search using FTS5
func (s *Store) SearchFTS(query string, accountID *string, limit int) ([]types.MessageSummary, error) {
	conditions := []string{"id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)"}
	args := []interface{}{escapeFTS(query)}

	if accountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *accountID)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT id, account_id, folder_name, uid, subject, sender_name, sender_email, date, body_text
		FROM messages
		WHERE %s
		ORDER BY date DESC
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	args = append(args, clampLimit(limit))

	return s.querySummaries(sqlQuery, args...)
}

// RebuildSearchIndex rebuilds the FTS index from the messages table
func (s *Store) RebuildSearchIndex() error {
	if _, err := s.db.Conn().Exec("INSERT INTO messages_fts(messages_fts) VALUES('rebuild')"); err != nil {
		return fmt.Errorf("failed to rebuild search index: %w", err)
	}
	s.logger.Info("Search index rebuilt")
	return nil
}

func (s *Store) querySummaries(query string, args ...interface{}) ([]types.MessageSummary, error) {
	rows, err := s.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var results []types.MessageSummary
	for rows.Next() {
		var summary types.MessageSummary
		var subject, senderName, senderEmail sql.NullString
		var dateStr, bodyText sql.NullString

		err := rows.Scan(
			&summary.ID,
			&summary.AccountID,
			&summary.FolderName,
			&summary.UID,
			&subject,
			&senderName,
			&senderEmail,
			&dateStr,
			&bodyText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		summary.Subject = subject.String
		summary.SenderName = senderName.String
		summary.SenderEmail = senderEmail.String
		summary.Date = parseStoredTime(dateStr)

		// Create snippet from body
		if bodyText.Valid && len(bodyText.String) > 0 {
			snippet := bodyText.String
			if len(snippet) > 200 {
				snippet = snippet[:200] + "..."
			}
			summary.Snippet = snippet
		}

		results = append(results, summary)
	}

	return results, nil
}

// escapeFTS escapes special characters for FTS5
func escapeFTS(q string) string {
	q = strings.ReplaceAll(q, "\"", "\"\"")
	return strings.ReplaceAll(q, "'", "''")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
