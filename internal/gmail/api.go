// Package gmail provides a Gmail REST client with multipart batching,
// adaptive throttling, and retry logic.
package gmail

import (
	"context"
	"errors"
	"fmt"
)

// ErrHistoryExpired indicates the requested start history id is no longer
// retained by Gmail (about one week); the caller must fall back to a full
// sync instead of retrying the delta.
var ErrHistoryExpired = errors.New("gmail: history expired")

// ErrAuthExpired indicates token refresh failed permanently; the account
// must be re-authenticated before any further calls.
var ErrAuthExpired = errors.New("gmail: authorization expired")

// NotFoundError indicates a 404 response for a specific resource.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// RateLimitError indicates a 429 (or quota 403) response. RetryAfter is
// zero when the server did not send a Retry-After header.
type RateLimitError struct {
	RetryAfterSec int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSec > 0 {
		return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSec)
	}
	return "rate limited"
}

// AccountReader provides read access to account-level Gmail data.
type AccountReader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)
}

// MessageReader provides read access to Gmail messages and history.
type MessageReader interface {
	// ListMessages returns one page of message ids, spam and trash included.
	ListMessages(ctx context.Context, pageToken string, maxResults int) (*MessageListResponse, error)

	// GetMessagesMetadata fetches up to 100 messages through the multipart
	// batch endpoint with format=metadata. Results come back in input
	// order, one per id, and the batch's wall-clock latency is reported
	// for the throttle.
	GetMessagesMetadata(ctx context.Context, messageIDs []string) (*BatchResponse, error)

	// ListHistory returns changes since the given history id, or
	// ErrHistoryExpired if Gmail no longer retains it.
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryResponse, error)
}

// MessageWriter provides bulk mutation operations.
type MessageWriter interface {
	// BatchModify adds and removes labels on up to 1,000 messages.
	BatchModify(ctx context.Context, messageIDs, addLabelIDs, removeLabelIDs []string) error

	// BatchDelete permanently deletes up to 1,000 messages.
	BatchDelete(ctx context.Context, messageIDs []string) error
}

// API defines the full Gmail surface the sync engine and job drivers use.
// The interface exists so tests can substitute a fake server-side mailbox.
type API interface {
	AccountReader
	MessageReader
	MessageWriter
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// Label represents a Gmail label.
type Label struct {
	ID   string
	Name string
	Type string // "system" or "user"
}

// MessageListResponse contains a page of message ids.
type MessageListResponse struct {
	Messages           []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageID references a message from list and history operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// MessageMeta is the metadata-format view of one message, with the headers
// the mirror needs already extracted.
type MessageMeta struct {
	ID              string
	ThreadID        string
	LabelIDs        []string
	Snippet         string
	HistoryID       uint64
	InternalDate    int64 // Unix milliseconds
	SizeEstimate    int64
	Subject         string
	FromEmail       string
	FromName        string
	UnsubscribeLink string
	Attachments     []AttachmentMeta
}

// AttachmentMeta describes one attachment without its content.
type AttachmentMeta struct {
	Filename string
	MimeType string
	Size     int64
}

// ItemError is the per-message failure inside a batch response.
type ItemError struct {
	Code    int
	Message string
	Status  string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("gmail item error %d (%s): %s", e.Code, e.Status, e.Message)
}

// IsNotFound reports whether the item failed with a 404.
func (e *ItemError) IsNotFound() bool { return e.Code == 404 }

// IsRateLimited reports whether the item failed with a 429.
func (e *ItemError) IsRateLimited() bool { return e.Code == 429 }

// StatusBatchFailed marks items whose whole batch failed at the HTTP level.
const StatusBatchFailed = "BATCH_FAILED"

// BatchItem pairs one requested id with its outcome.
type BatchItem struct {
	ID      string
	Message *MessageMeta
	Err     *ItemError
}

// BatchResponse is the result of one multipart batch call.
type BatchResponse struct {
	Items   []BatchItem
	Latency int64 // wall-clock milliseconds, for the throttle
}

// HistoryResponse contains changes since a history id.
type HistoryResponse struct {
	History       []HistoryRecord
	NextPageToken string
	HistoryID     uint64
}

// HistoryRecord represents a single history change.
type HistoryRecord struct {
	ID              uint64
	MessagesAdded   []MessageID
	MessagesDeleted []MessageID
	LabelsAdded     []HistoryLabelChange
	LabelsRemoved   []HistoryLabelChange
}

// HistoryLabelChange represents a label change in history.
type HistoryLabelChange struct {
	Message  MessageID
	LabelIDs []string
}
