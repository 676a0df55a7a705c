package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Sender is one aggregated sender row.
type Sender struct {
	Email     string
	Name      string
	Count     int64
	TotalSize int64
}

// RebuildSenderAggregates recomputes the senders table for an account from
// the emails table. Trash and spam are excluded so suggestions reflect what
// is actually cluttering the mailbox. The name is the most recent non-empty
// display name seen for the address.
func (s *Store) RebuildSenderAggregates(accountID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(s.rebind(`DELETE FROM senders WHERE account_id = ?`), accountID); err != nil {
			return fmt.Errorf("clear senders: %w", err)
		}
		_, err := tx.Exec(s.rebind(`
			INSERT INTO senders (account_id, email, name, count, total_size)
			SELECT e.account_id, e.from_email,
				COALESCE((
					SELECT e2.from_name FROM emails e2
					WHERE e2.account_id = e.account_id AND e2.from_email = e.from_email
						AND e2.from_name != ''
					ORDER BY e2.internal_date DESC LIMIT 1
				), ''),
				COUNT(*), SUM(e.size_bytes)
			FROM emails e
			WHERE e.account_id = ? AND e.from_email != ''
				AND e.is_trash = 0 AND e.is_spam = 0
			GROUP BY e.account_id, e.from_email`), accountID)
		if err != nil {
			return fmt.Errorf("rebuild senders: %w", err)
		}
		return nil
	})
}

// TopSenders returns the highest-volume senders for an account.
func (s *Store) TopSenders(accountID string, limit int) ([]Sender, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(`
		SELECT email, name, count, total_size FROM senders
		WHERE account_id = ?
		ORDER BY count DESC, email
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("top senders: %w", err)
	}
	defer rows.Close()
	return collectSenders(rows)
}

// SendersWithUnsubscribe returns senders that have at least one message with
// an unsubscribe link and have not already been marked unsubscribed, ordered
// by message count.
func (s *Store) SendersWithUnsubscribe(accountID string, limit int) ([]Sender, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(`
		SELECT sn.email, sn.name, sn.count, sn.total_size
		FROM senders sn
		WHERE sn.account_id = ?
			AND EXISTS (
				SELECT 1 FROM emails e
				WHERE e.account_id = sn.account_id AND e.from_email = sn.email
					AND e.unsubscribe_link IS NOT NULL
			)
			AND NOT EXISTS (
				SELECT 1 FROM unsubscribed_senders u
				WHERE u.account_id = sn.account_id AND u.sender_email = sn.email
			)
		ORDER BY sn.count DESC, sn.email
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("senders with unsubscribe: %w", err)
	}
	defer rows.Close()
	return collectSenders(rows)
}

// UnsubscribeLinkFor returns the most recent unsubscribe link recorded for a
// sender, or ErrNotFound.
func (s *Store) UnsubscribeLinkFor(accountID, senderEmail string) (string, error) {
	var link string
	err := s.queryRow(`
		SELECT unsubscribe_link FROM emails
		WHERE account_id = ? AND from_email = ? AND unsubscribe_link IS NOT NULL
		ORDER BY internal_date DESC LIMIT 1`, accountID, senderEmail).Scan(&link)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("unsubscribe link: %w", err)
	}
	return link, nil
}

// MarkUnsubscribed records that the user has unsubscribed from a sender.
// Marking twice is a no-op.
func (s *Store) MarkUnsubscribed(accountID, senderEmail string) error {
	_, err := s.exec(`
		INSERT INTO unsubscribed_senders (account_id, sender_email, unsubscribed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id, sender_email) DO NOTHING`,
		accountID, senderEmail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark unsubscribed: %w", err)
	}
	return nil
}

func collectSenders(rows *sql.Rows) ([]Sender, error) {
	var senders []Sender
	for rows.Next() {
		var sn Sender
		if err := rows.Scan(&sn.Email, &sn.Name, &sn.Count, &sn.TotalSize); err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		senders = append(senders, sn)
	}
	return senders, rows.Err()
}
