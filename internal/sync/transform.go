package sync

import (
	"database/sql"
	"time"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

// toEmailRecord maps one Gmail metadata message onto a mirror row. Flags
// and category are re-derived from labels at upsert time, so only the raw
// fields are set here.
func toEmailRecord(accountID string, m *gmail.MessageMeta) *store.EmailRecord {
	r := &store.EmailRecord{
		MessageID:    m.ID,
		AccountID:    accountID,
		ThreadID:     m.ThreadID,
		Subject:      m.Subject,
		Snippet:      m.Snippet,
		FromEmail:    m.FromEmail,
		FromName:     m.FromName,
		Labels:       m.LabelIDs,
		SizeBytes:    m.SizeEstimate,
		InternalDate: m.InternalDate,
		SyncedAt:     time.Now().UnixMilli(),
	}

	for _, a := range m.Attachments {
		r.Attachments = append(r.Attachments, store.Attachment{
			Filename: a.Filename,
			Mime:     a.MimeType,
			Size:     a.Size,
		})
	}
	r.HasAttachments = len(r.Attachments)

	if m.UnsubscribeLink != "" {
		r.UnsubscribeLink = sql.NullString{String: m.UnsubscribeLink, Valid: true}
	}
	return r
}

// chunkIDs splits ids into slices of at most size.
func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
