package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EmailRecord is the mirror row for one Gmail message within one account.
type EmailRecord struct {
	MessageID       string
	AccountID       string
	ThreadID        string
	Subject         string
	Snippet         string
	FromEmail       string
	FromName        string
	Labels          []string
	Category        sql.NullString
	SizeBytes       int64
	HasAttachments  int // attachment count, not a flag
	Attachments     []Attachment
	IsUnread        bool
	IsStarred       bool
	IsTrash         bool
	IsSpam          bool
	IsImportant     bool
	InternalDate    int64
	SyncedAt        int64
	UnsubscribeLink sql.NullString
}

// Attachment describes one attachment's metadata.
type Attachment struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
}

// LabelState holds the columns derived from the labels array. It is the
// single source of truth for flag/category derivation: every write path that
// touches labels must go through DeriveLabelState.
type LabelState struct {
	IsUnread    bool
	IsStarred   bool
	IsTrash     bool
	IsSpam      bool
	IsImportant bool
	Category    sql.NullString
}

// DeriveLabelState computes the boolean flags and category from labels.
// Category is the first CATEGORY_* label, else "SENT" if present, else null.
func DeriveLabelState(labels []string) LabelState {
	var st LabelState
	sent := false
	for _, l := range labels {
		switch l {
		case "UNREAD":
			st.IsUnread = true
		case "STARRED":
			st.IsStarred = true
		case "TRASH":
			st.IsTrash = true
		case "SPAM":
			st.IsSpam = true
		case "IMPORTANT":
			st.IsImportant = true
		case "SENT":
			sent = true
		}
		if !st.Category.Valid && strings.HasPrefix(l, "CATEGORY_") {
			st.Category = sql.NullString{String: l, Valid: true}
		}
	}
	if !st.Category.Valid && sent {
		st.Category = sql.NullString{String: "SENT", Valid: true}
	}
	return st
}

// ApplyLabelState re-derives the record's flag columns from its labels.
func (r *EmailRecord) ApplyLabelState() {
	st := DeriveLabelState(r.Labels)
	r.IsUnread = st.IsUnread
	r.IsStarred = st.IsStarred
	r.IsTrash = st.IsTrash
	r.IsSpam = st.IsSpam
	r.IsImportant = st.IsImportant
	r.Category = st.Category
}

func encodeLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

func decodeLabels(s string) []string {
	var labels []string
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return nil
	}
	return labels
}

func encodeAttachments(atts []Attachment) sql.NullString {
	if len(atts) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(atts)
	return sql.NullString{String: string(b), Valid: true}
}

func decodeAttachments(s sql.NullString) []Attachment {
	if !s.Valid {
		return nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(s.String), &atts); err != nil {
		return nil
	}
	return atts
}

const emailColumns = `message_id, account_id, thread_id, subject, snippet,
	from_email, from_name, labels, category, size_bytes, has_attachments,
	attachments, is_unread, is_starred, is_trash, is_spam, is_important,
	internal_date, synced_at, unsubscribe_link`

func scanEmail(scan func(dest ...interface{}) error) (*EmailRecord, error) {
	var r EmailRecord
	var labels string
	var atts sql.NullString
	err := scan(
		&r.MessageID, &r.AccountID, &r.ThreadID, &r.Subject, &r.Snippet,
		&r.FromEmail, &r.FromName, &labels, &r.Category, &r.SizeBytes,
		&r.HasAttachments, &atts, &r.IsUnread, &r.IsStarred, &r.IsTrash,
		&r.IsSpam, &r.IsImportant, &r.InternalDate, &r.SyncedAt,
		&r.UnsubscribeLink,
	)
	if err != nil {
		return nil, err
	}
	r.Labels = decodeLabels(labels)
	r.Attachments = decodeAttachments(atts)
	return &r, nil
}

// ClearEmails wipes emails and senders for an account (full-resync path).
func (s *Store) ClearEmails(accountID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(s.rebind(`DELETE FROM emails WHERE account_id = ?`), accountID); err != nil {
			return fmt.Errorf("clear emails: %w", err)
		}
		if _, err := tx.Exec(s.rebind(`DELETE FROM senders WHERE account_id = ?`), accountID); err != nil {
			return fmt.Errorf("clear senders: %w", err)
		}
		return nil
	})
}

// UpsertEmails bulk-inserts records, updating all non-key columns on
// conflict. One transaction per call, so a crash mid-sync leaves whole
// chunks either fully persisted or absent.
func (s *Store) UpsertEmails(accountID string, records []*EmailRecord) error {
	if len(records) == 0 {
		return nil
	}

	const upsert = `
		INSERT INTO emails (` + emailColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, account_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			snippet = excluded.snippet,
			from_email = excluded.from_email,
			from_name = excluded.from_name,
			labels = excluded.labels,
			category = excluded.category,
			size_bytes = excluded.size_bytes,
			has_attachments = excluded.has_attachments,
			attachments = excluded.attachments,
			is_unread = excluded.is_unread,
			is_starred = excluded.is_starred,
			is_trash = excluded.is_trash,
			is_spam = excluded.is_spam,
			is_important = excluded.is_important,
			internal_date = excluded.internal_date,
			synced_at = excluded.synced_at,
			unsubscribe_link = excluded.unsubscribe_link`

	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(s.rebind(upsert))
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			r.ApplyLabelState()
			_, err := stmt.Exec(
				r.MessageID, accountID, r.ThreadID, r.Subject, r.Snippet,
				r.FromEmail, r.FromName, encodeLabels(r.Labels), r.Category,
				r.SizeBytes, r.HasAttachments, encodeAttachments(r.Attachments),
				boolInt(r.IsUnread), boolInt(r.IsStarred), boolInt(r.IsTrash),
				boolInt(r.IsSpam), boolInt(r.IsImportant),
				r.InternalDate, r.SyncedAt, r.UnsubscribeLink,
			)
			if err != nil {
				return fmt.Errorf("upsert email %s: %w", r.MessageID, err)
			}
		}
		return nil
	})
}

// GetEmail returns a single mirror row, or ErrNotFound.
func (s *Store) GetEmail(accountID, messageID string) (*EmailRecord, error) {
	row := s.queryRow(`SELECT `+emailColumns+` FROM emails WHERE account_id = ? AND message_id = ?`,
		accountID, messageID)
	r, err := scanEmail(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return r, nil
}

// UpdateLabels applies a label diff to one row: labels become
// (current ∪ added) \ removed, with flags and category re-derived in the
// same statement. Returns ErrNotFound if the row is not mirrored yet;
// delta sync handles that by fetching the full message.
func (s *Store) UpdateLabels(accountID, messageID string, added, removed []string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(s.rebind(
			`SELECT labels FROM emails WHERE account_id = ? AND message_id = ?`),
			accountID, messageID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read labels: %w", err)
		}

		labels := mergeLabels(decodeLabels(current), added, removed)
		st := DeriveLabelState(labels)

		_, err = tx.Exec(s.rebind(`
			UPDATE emails SET labels = ?, category = ?,
				is_unread = ?, is_starred = ?, is_trash = ?, is_spam = ?, is_important = ?,
				synced_at = ?
			WHERE account_id = ? AND message_id = ?`),
			encodeLabels(labels), st.Category,
			boolInt(st.IsUnread), boolInt(st.IsStarred), boolInt(st.IsTrash),
			boolInt(st.IsSpam), boolInt(st.IsImportant),
			time.Now().UnixMilli(), accountID, messageID)
		if err != nil {
			return fmt.Errorf("update labels: %w", err)
		}
		return nil
	})
}

// mergeLabels returns (current ∪ added) \ removed, preserving first-seen order.
func mergeLabels(current, added, removed []string) []string {
	seen := make(map[string]bool, len(current)+len(added))
	drop := make(map[string]bool, len(removed))
	for _, l := range removed {
		drop[l] = true
	}

	out := make([]string, 0, len(current)+len(added))
	for _, l := range append(append([]string{}, current...), added...) {
		if seen[l] || drop[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// MarkTrashed updates the local mirror after a remote batchModify(+TRASH):
// TRASH is added, INBOX removed, and flags re-derived per row.
func (s *Store) MarkTrashed(accountID string, messageIDs []string) error {
	return s.ApplyLabelDiff(accountID, messageIDs, []string{"TRASH"}, []string{"INBOX"})
}

// ApplyLabelDiff applies the same label diff to many rows, skipping ids
// that are not mirrored.
func (s *Store) ApplyLabelDiff(accountID string, messageIDs, added, removed []string) error {
	for _, id := range messageIDs {
		err := s.UpdateLabels(accountID, id, added, removed)
		if err != nil && err != ErrNotFound {
			return err
		}
	}
	return nil
}

// DeleteByIDs removes mirror rows after a remote permanent deletion
// observed via history (user emptied trash, etc). Idempotent.
func (s *Store) DeleteByIDs(accountID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		return s.execInChunksTx(tx, messageIDs, []interface{}{accountID},
			`DELETE FROM emails WHERE account_id = ? AND message_id IN (%s)`)
	})
}

// ArchiveAndDelete copies rows into deleted_emails then removes them from
// emails, in one transaction. The archive insert is ON CONFLICT DO NOTHING
// so re-archival after a crash retry is safe; a row can never end up
// deleted-but-not-archived.
func (s *Store) ArchiveAndDelete(accountID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return s.withTx(func(tx *sql.Tx) error {
		err := s.execInChunksTx(tx, messageIDs, []interface{}{now, accountID}, `
			INSERT INTO deleted_emails (
				message_id, account_id, thread_id, subject, snippet,
				from_email, from_name, labels, category, size_bytes,
				has_attachments, attachments, is_unread, is_starred,
				is_spam, is_important, internal_date, unsubscribe_link, deleted_at)
			SELECT message_id, account_id, thread_id, subject, snippet,
				from_email, from_name, labels, category, size_bytes,
				has_attachments, attachments, is_unread, is_starred,
				is_spam, is_important, internal_date, unsubscribe_link, ?
			FROM emails WHERE account_id = ? AND message_id IN (%s)
			ON CONFLICT (message_id, account_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("archive emails: %w", err)
		}

		err = s.execInChunksTx(tx, messageIDs, []interface{}{accountID},
			`DELETE FROM emails WHERE account_id = ? AND message_id IN (%s)`)
		if err != nil {
			return fmt.Errorf("delete archived emails: %w", err)
		}
		return nil
	})
}

// CountDeleted returns the number of archived rows for an account.
func (s *Store) CountDeleted(accountID string) (int64, error) {
	var n int64
	err := s.queryRow(`SELECT COUNT(*) FROM deleted_emails WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deleted: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
