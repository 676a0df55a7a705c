package store

import (
	"fmt"
	"strings"
	"time"
)

// MailboxStats is the full per-account analysis snapshot rendered on the
// dashboard and fed to the agent.
type MailboxStats struct {
	Total      int64          `json:"total"`
	Unread     int64          `json:"unread"`
	Categories CategoryStats  `json:"categories"`
	Size       SizeStats      `json:"size"`
	Age        AgeStats       `json:"age"`
	Senders    SenderStats    `json:"senders"`
	Trash      CohortStats    `json:"trash"`
	Spam       CohortStats    `json:"spam"`
	Cleanup    CleanupStats   `json:"cleanup"`
	Deleted    DeletedStats   `json:"deleted"`
	ComputedAt int64          `json:"computed_at"`
}

type CategoryStats struct {
	Promotions int64 `json:"promotions"`
	Social     int64 `json:"social"`
	Updates    int64 `json:"updates"`
	Forums     int64 `json:"forums"`
	Primary    int64 `json:"primary"`
}

type SizeStats struct {
	Larger5MB         int64 `json:"larger5MB"`
	Larger10MB        int64 `json:"larger10MB"`
	TotalStorageBytes int64 `json:"totalStorageBytes"`
	TrashStorageBytes int64 `json:"trashStorageBytes"`
}

type AgeStats struct {
	OlderThan1Year  int64 `json:"olderThan1Year"`
	OlderThan2Years int64 `json:"olderThan2Years"`
}

type SenderStats struct {
	UniqueCount int64 `json:"uniqueCount"`
}

// CohortStats is a count plus byte total for one cohort.
type CohortStats struct {
	Count     int64 `json:"count"`
	SizeBytes int64 `json:"sizeBytes"`
}

// CleanupStats reports what a cleanup could reclaim per cohort. Cohorts
// exclude trash, spam, starred and important mail.
type CleanupStats struct {
	Promotions     CohortStats `json:"promotions"`
	Social         CohortStats `json:"social"`
	Updates        CohortStats `json:"updates"`
	Forums         CohortStats `json:"forums"`
	ReadPromotions CohortStats `json:"readPromotions"`
	OlderThan1Year CohortStats `json:"olderThan1Year"`
	OlderThan2Year CohortStats `json:"olderThan2Years"`
	Larger5MB      CohortStats `json:"larger5MB"`
	Larger10MB     CohortStats `json:"larger10MB"`
}

type DeletedStats struct {
	Count int64 `json:"count"`
}

const (
	mb5  = 5 * 1024 * 1024
	mb10 = 10 * 1024 * 1024
)

// CalculateStats computes the analysis snapshot in a handful of grouped
// scans. Inbox counts exclude trash and spam; cleanup cohorts additionally
// exclude starred and important so suggestions never touch pinned mail.
func (s *Store) CalculateStats(accountID string) (*MailboxStats, error) {
	now := time.Now()
	cutoff1y := now.AddDate(-1, 0, 0).UnixMilli()
	cutoff2y := now.AddDate(-2, 0, 0).UnixMilli()

	stats := &MailboxStats{ComputedAt: now.UnixMilli()}

	const inbox = `is_trash = 0 AND is_spam = 0`
	const cleanable = inbox + ` AND is_starred = 0 AND is_important = 0`

	err := s.queryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN `+inbox+` THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN `+inbox+` AND is_unread = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN `+inbox+` AND size_bytes > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN `+inbox+` AND size_bytes > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN `+inbox+` THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_trash = 1 THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN `+inbox+` AND internal_date < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN `+inbox+` AND internal_date < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_trash = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_spam = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_spam = 1 THEN size_bytes ELSE 0 END), 0)
		FROM emails WHERE account_id = ?`,
		mb5, mb10, cutoff1y, cutoff2y, accountID).Scan(
		&stats.Total, &stats.Unread,
		&stats.Size.Larger5MB, &stats.Size.Larger10MB,
		&stats.Size.TotalStorageBytes, &stats.Size.TrashStorageBytes,
		&stats.Age.OlderThan1Year, &stats.Age.OlderThan2Years,
		&stats.Trash.Count, &stats.Spam.Count, &stats.Spam.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("stats scan: %w", err)
	}
	stats.Trash.SizeBytes = stats.Size.TrashStorageBytes

	// Category counts over the inbox set.
	rows, err := s.query(`
		SELECT category, COUNT(*) FROM emails
		WHERE account_id = ? AND `+inbox+` AND category IS NOT NULL
		GROUP BY category`, accountID)
	if err != nil {
		return nil, fmt.Errorf("stats categories: %w", err)
	}
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan category stat: %w", err)
		}
		switch cat {
		case "CATEGORY_PROMOTIONS":
			stats.Categories.Promotions = n
		case "CATEGORY_SOCIAL":
			stats.Categories.Social = n
		case "CATEGORY_UPDATES":
			stats.Categories.Updates = n
		case "CATEGORY_FORUMS":
			stats.Categories.Forums = n
		case "CATEGORY_PERSONAL":
			stats.Categories.Primary = n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Cleanup cohorts, count plus bytes each.
	cohorts := []struct {
		dst  *CohortStats
		cond string
	}{
		{&stats.Cleanup.Promotions, `category = 'CATEGORY_PROMOTIONS'`},
		{&stats.Cleanup.Social, `category = 'CATEGORY_SOCIAL'`},
		{&stats.Cleanup.Updates, `category = 'CATEGORY_UPDATES'`},
		{&stats.Cleanup.Forums, `category = 'CATEGORY_FORUMS'`},
		{&stats.Cleanup.ReadPromotions, `category = 'CATEGORY_PROMOTIONS' AND is_unread = 0`},
		{&stats.Cleanup.OlderThan1Year, `internal_date < ` + fmt.Sprintf("%d", cutoff1y)},
		{&stats.Cleanup.OlderThan2Year, `internal_date < ` + fmt.Sprintf("%d", cutoff2y)},
		{&stats.Cleanup.Larger5MB, fmt.Sprintf(`size_bytes > %d`, mb5)},
		{&stats.Cleanup.Larger10MB, fmt.Sprintf(`size_bytes > %d`, mb10)},
	}

	selects := make([]string, 0, len(cohorts)*2)
	for _, c := range cohorts {
		selects = append(selects,
			fmt.Sprintf("COALESCE(SUM(CASE WHEN %s AND %s THEN 1 ELSE 0 END), 0)", cleanable, c.cond),
			fmt.Sprintf("COALESCE(SUM(CASE WHEN %s AND %s THEN size_bytes ELSE 0 END), 0)", cleanable, c.cond))
	}
	dests := make([]interface{}, 0, len(cohorts)*2)
	for _, c := range cohorts {
		dests = append(dests, &c.dst.Count, &c.dst.SizeBytes)
	}
	err = s.queryRow(`SELECT `+strings.Join(selects, ", ")+` FROM emails WHERE account_id = ?`,
		accountID).Scan(dests...)
	if err != nil {
		return nil, fmt.Errorf("stats cleanup: %w", err)
	}

	err = s.queryRow(`
		SELECT COUNT(DISTINCT from_email) FROM emails
		WHERE account_id = ? AND `+inbox+` AND from_email != ''`, accountID).
		Scan(&stats.Senders.UniqueCount)
	if err != nil {
		return nil, fmt.Errorf("stats senders: %w", err)
	}

	if stats.Deleted.Count, err = s.CountDeleted(accountID); err != nil {
		return nil, err
	}

	return stats, nil
}
