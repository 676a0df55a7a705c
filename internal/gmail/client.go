package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	baseURL        = "https://gmail.googleapis.com/gmail/v1"
	maxRetries     = 3
	defaultTimeout = 10 * time.Second
	batchTimeout   = 60 * time.Second
)

// Client talks to the Gmail REST API. It is stateless with respect to
// pacing; the Adaptive Throttle imposes parallelism and delay from outside.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userID     string
	baseURL    string
	batchURL   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the underlying HTTP client. Tests use this to
// point the client at a fake server.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithEndpoints overrides the API and batch URLs. Tests point these at an
// httptest server.
func WithEndpoints(base, batch string) ClientOption {
	return func(c *Client) {
		c.baseURL = base
		c.batchURL = batch
	}
}

// NewClient creates a Gmail client for the authenticated user. The token
// source handles refresh; a 401 surviving one refreshed retry means the
// grant itself is dead and surfaces as ErrAuthExpired.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		userID:     "me",
		logger:     slog.Default(),
		baseURL:    baseURL,
		batchURL:   batchEndpoint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request performs one API call with bounded retries on transient failures.
// Quota errors are never retried here; they belong to the throttle.
func (c *Client) request(ctx context.Context, method, rawURL string, body []byte, contentType string, timeout time.Duration) ([]byte, error) {
	var lastErr error
	auth401 := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "url", rawURL)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case 429:
			retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return nil, &RateLimitError{RetryAfterSec: retryAfter}

		case 403:
			if isRateLimitBody(respBody) {
				return nil, &RateLimitError{}
			}
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case 401:
			// The oauth2 transport already tried a refresh to get here.
			// Allow exactly one more pass in case a rotated token races
			// the request; a second 401 is terminal.
			if auth401 {
				return nil, ErrAuthExpired
			}
			auth401 = true
			lastErr = ErrAuthExpired
			continue

		case 404:
			return nil, &NotFoundError{Path: rawURL}

		case 500, 502, 503, 504:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the delay for a retry attempt, exponential with
// full jitter.
func calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

func isRateLimitBody(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded")) ||
		bytes.Contains(body, []byte("quotaExceeded"))
}

func (c *Client) apiURL(path string) string {
	return c.baseURL + path
}

// GetProfile returns the authenticated user's profile, including the
// current history id used to anchor delta syncs.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	data, err := c.request(ctx, "GET", c.apiURL("/users/"+c.userID+"/profile"), nil, "", defaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp struct {
		EmailAddress  string `json:"emailAddress"`
		MessagesTotal int64  `json:"messagesTotal"`
		ThreadsTotal  int64  `json:"threadsTotal"`
		HistoryID     string `json:"historyId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)
	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
		HistoryID:     historyID,
	}, nil
}

// ListLabels returns all labels for the account.
func (c *Client) ListLabels(ctx context.Context) ([]*Label, error) {
	data, err := c.request(ctx, "GET", c.apiURL("/users/"+c.userID+"/labels"), nil, "", defaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Labels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}

	labels := make([]*Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, &Label{ID: l.ID, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

// ListMessages returns one page of message ids, spam and trash included so
// the mirror covers the whole mailbox.
func (c *Client) ListMessages(ctx context.Context, pageToken string, maxResults int) (*MessageListResponse, error) {
	if maxResults <= 0 || maxResults > 500 {
		maxResults = 500
	}

	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(maxResults))
	q.Set("includeSpamTrash", "true")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	data, err := c.request(ctx, "GET",
		c.apiURL("/users/"+c.userID+"/messages?"+q.Encode()), nil, "", defaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
		NextPageToken      string `json:"nextPageToken"`
		ResultSizeEstimate int64  `json:"resultSizeEstimate"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message list: %w", err)
	}

	out := &MessageListResponse{
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		out.Messages = append(out.Messages, MessageID{ID: m.ID, ThreadID: m.ThreadID})
	}
	return out, nil
}

// ListHistory returns changes since startHistoryID. A 404 here means Gmail
// expired the history window and is reported as ErrHistoryExpired so the
// caller escalates to a full sync.
func (c *Client) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryResponse, error) {
	q := url.Values{}
	q.Set("startHistoryId", strconv.FormatUint(startHistoryID, 10))
	q.Set("maxResults", "500")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	data, err := c.request(ctx, "GET",
		c.apiURL("/users/"+c.userID+"/history?"+q.Encode()), nil, "", defaultTimeout)
	if err != nil {
		if _, ok := err.(*NotFoundError); ok {
			return nil, ErrHistoryExpired
		}
		return nil, err
	}

	var resp struct {
		History []struct {
			ID            string `json:"id"`
			MessagesAdded []struct {
				Message struct {
					ID       string `json:"id"`
					ThreadID string `json:"threadId"`
				} `json:"message"`
			} `json:"messagesAdded"`
			MessagesDeleted []struct {
				Message struct {
					ID       string `json:"id"`
					ThreadID string `json:"threadId"`
				} `json:"message"`
			} `json:"messagesDeleted"`
			LabelsAdded []struct {
				Message struct {
					ID       string `json:"id"`
					ThreadID string `json:"threadId"`
				} `json:"message"`
				LabelIDs []string `json:"labelIds"`
			} `json:"labelsAdded"`
			LabelsRemoved []struct {
				Message struct {
					ID       string `json:"id"`
					ThreadID string `json:"threadId"`
				} `json:"message"`
				LabelIDs []string `json:"labelIds"`
			} `json:"labelsRemoved"`
		} `json:"history"`
		NextPageToken string `json:"nextPageToken"`
		HistoryID     string `json:"historyId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}

	out := &HistoryResponse{NextPageToken: resp.NextPageToken}
	out.HistoryID, _ = strconv.ParseUint(resp.HistoryID, 10, 64)
	for _, h := range resp.History {
		rec := HistoryRecord{}
		rec.ID, _ = strconv.ParseUint(h.ID, 10, 64)
		for _, m := range h.MessagesAdded {
			rec.MessagesAdded = append(rec.MessagesAdded, MessageID{ID: m.Message.ID, ThreadID: m.Message.ThreadID})
		}
		for _, m := range h.MessagesDeleted {
			rec.MessagesDeleted = append(rec.MessagesDeleted, MessageID{ID: m.Message.ID, ThreadID: m.Message.ThreadID})
		}
		for _, lc := range h.LabelsAdded {
			rec.LabelsAdded = append(rec.LabelsAdded, HistoryLabelChange{
				Message:  MessageID{ID: lc.Message.ID, ThreadID: lc.Message.ThreadID},
				LabelIDs: lc.LabelIDs,
			})
		}
		for _, lc := range h.LabelsRemoved {
			rec.LabelsRemoved = append(rec.LabelsRemoved, HistoryLabelChange{
				Message:  MessageID{ID: lc.Message.ID, ThreadID: lc.Message.ThreadID},
				LabelIDs: lc.LabelIDs,
			})
		}
		out.History = append(out.History, rec)
	}
	return out, nil
}

// GetMessagesMetadata fetches up to MaxBatchSize messages through the
// multipart batch endpoint. One whole-batch HTTP failure yields an
// all-items-failed vector rather than an error, so per-item handling stays
// uniform for callers.
func (c *Client) GetMessagesMetadata(ctx context.Context, messageIDs []string) (*BatchResponse, error) {
	if len(messageIDs) == 0 {
		return &BatchResponse{}, nil
	}
	if len(messageIDs) > MaxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds limit of %d", len(messageIDs), MaxBatchSize)
	}

	boundary := "batch_" + uuid.NewString()
	body := encodeBatchRequest(messageIDs, "metadata", boundary)

	start := time.Now()
	respBody, contentType, err := c.doBatch(ctx, body, boundary)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if err == ErrAuthExpired {
			return nil, err
		}
		if rle, ok := err.(*RateLimitError); ok {
			return nil, rle
		}
		items := make([]BatchItem, len(messageIDs))
		for i, id := range messageIDs {
			items[i] = BatchItem{ID: id, Err: &ItemError{
				Code: 502, Status: StatusBatchFailed, Message: err.Error(),
			}}
		}
		return &BatchResponse{Items: items, Latency: latency}, nil
	}

	return &BatchResponse{
		Items:   parseBatchResponse(respBody, contentType, messageIDs),
		Latency: latency,
	}, nil
}

// doBatch posts one multipart batch and returns body plus the response
// Content-Type (which carries the response boundary).
func (c *Client) doBatch(ctx context.Context, body []byte, boundary string) ([]byte, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", c.batchURL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/mixed; boundary="+boundary)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("batch request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read batch response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, resp.Header.Get("Content-Type"), nil
	case resp.StatusCode == 429:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, "", &RateLimitError{RetryAfterSec: retryAfter}
	case resp.StatusCode == 401:
		return nil, "", ErrAuthExpired
	default:
		return nil, "", fmt.Errorf("batch failed (%d)", resp.StatusCode)
	}
}

// BatchModify adds and removes labels on up to MaxMutationBatchSize
// messages in one call.
func (c *Client) BatchModify(ctx context.Context, messageIDs, addLabelIDs, removeLabelIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > MaxMutationBatchSize {
		return fmt.Errorf("batch modify size %d exceeds limit of %d", len(messageIDs), MaxMutationBatchSize)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"ids":            messageIDs,
		"addLabelIds":    addLabelIDs,
		"removeLabelIds": removeLabelIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal batch modify: %w", err)
	}

	_, err = c.request(ctx, "POST",
		c.apiURL("/users/"+c.userID+"/messages/batchModify"),
		payload, "application/json", batchTimeout)
	return err
}

// BatchDelete permanently deletes up to MaxMutationBatchSize messages.
// A 404 means the ids are already gone and counts as success.
func (c *Client) BatchDelete(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > MaxMutationBatchSize {
		return fmt.Errorf("batch delete size %d exceeds limit of %d", len(messageIDs), MaxMutationBatchSize)
	}

	payload, err := json.Marshal(map[string]interface{}{"ids": messageIDs})
	if err != nil {
		return fmt.Errorf("marshal batch delete: %w", err)
	}

	_, err = c.request(ctx, "POST",
		c.apiURL("/users/"+c.userID+"/messages/batchDelete"),
		payload, "application/json", batchTimeout)
	if _, ok := err.(*NotFoundError); ok {
		return nil
	}
	return err
}
