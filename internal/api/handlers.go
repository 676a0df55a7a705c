package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/jobs"
	"github.com/inboxorcist/inboxorcist/internal/store"
	mailsync "github.com/inboxorcist/inboxorcist/internal/sync"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// account loads the account from the URL, writing a 404 on failure.
func (s *Server) account(w http.ResponseWriter, r *http.Request) *store.Account {
	id := chi.URLParam(r, "accountID")
	a, err := s.store.GetAccount(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "not_found", "Account not found")
		return nil
	}
	if err != nil {
		s.logger.Error("failed to load account", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load account")
		return nil
	}
	return a
}

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Provider   string `json:"provider"`
	SyncStatus string `json:"sync_status"`
	HistoryID  uint64 `json:"history_id"`
	SyncError  string `json:"sync_error,omitempty"`
}

// handleListAccounts returns all connected accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}

	infos := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, AccountInfo{
			ID:         a.ID,
			Email:      a.Email,
			Provider:   a.Provider,
			SyncStatus: a.SyncStatus,
			HistoryID:  a.HistoryID,
			SyncError:  a.SyncError.String,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": infos})
}

// HealthResponse reports one account's sync and throttle state.
type HealthResponse struct {
	AccountID  string `json:"account_id"`
	Email      string `json:"email"`
	SyncStatus string `json:"sync_status"`
	SyncError  string `json:"sync_error,omitempty"`

	Processed int64 `json:"processed_messages"`
	Total     int64 `json:"total_messages"`

	Throttle *gmail.ThrottleStats `json:"throttle,omitempty"`
}

// handleAccountHealth reports sync status, progress of the active sync job,
// and live throttle stats for one account.
func (s *Server) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	resp := HealthResponse{
		AccountID:  a.ID,
		Email:      a.Email,
		SyncStatus: a.SyncStatus,
		SyncError:  a.SyncError.String,
	}

	// Progress comes from the newest non-terminal sync job, if any.
	active, err := s.store.ListJobs(a.ID, "", 20)
	if err != nil {
		s.logger.Error("failed to list jobs for health", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load job state")
		return
	}
	for _, j := range active {
		if j.Type == store.JobTypeSync && !j.Terminal() {
			resp.Processed = j.ProcessedMessages
			resp.Total = j.TotalMessages
			break
		}
	}

	if s.throttles != nil {
		resp.Throttle = s.throttles(a.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats returns mailbox statistics for an account.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	stats, err := s.store.CalculateStats(a.ID)
	if err != nil {
		s.logger.Error("failed to calculate stats", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to calculate statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SenderInfo is one aggregated sender in responses.
type SenderInfo struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Count     int64  `json:"count"`
	TotalSize int64  `json:"total_size"`
}

// handleSenders returns the highest-volume senders.
func (s *Server) handleSenders(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	senders, err := s.store.TopSenders(a.ID, limit)
	if err != nil {
		s.logger.Error("failed to list senders", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list senders")
		return
	}

	infos := make([]SenderInfo, len(senders))
	for i, sd := range senders {
		infos[i] = SenderInfo{Email: sd.Email, Name: sd.Name, Count: sd.Count, TotalSize: sd.TotalSize}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"senders": infos})
}

// SubscriptionInfo is one sender with an unsubscribe option.
type SubscriptionInfo struct {
	SenderInfo
	UnsubscribeLink string `json:"unsubscribe_link,omitempty"`
}

// handleSubscriptions lists senders that offer List-Unsubscribe and that
// the user has not unsubscribed from yet.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	senders, err := s.store.SendersWithUnsubscribe(a.ID, limit)
	if err != nil {
		s.logger.Error("failed to list subscriptions", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list subscriptions")
		return
	}

	infos := make([]SubscriptionInfo, len(senders))
	for i, sd := range senders {
		link, err := s.store.UnsubscribeLinkFor(a.ID, sd.Email)
		if err != nil && err != store.ErrNotFound {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list subscriptions")
			return
		}
		infos[i] = SubscriptionInfo{
			SenderInfo:      SenderInfo{Email: sd.Email, Name: sd.Name, Count: sd.Count, TotalSize: sd.TotalSize},
			UnsubscribeLink: link,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": infos})
}

// handleMarkUnsubscribed records that the user completed an unsubscribe
// flow so the sender drops out of the subscriptions list.
func (s *Server) handleMarkUnsubscribed(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	var req struct {
		SenderEmail string `json:"sender_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SenderEmail == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "sender_email is required")
		return
	}

	if err := s.store.MarkUnsubscribed(a.ID, req.SenderEmail); err != nil {
		s.logger.Error("failed to mark unsubscribed", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to record unsubscribe")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueryRequest is the body of a query or snapshot request.
type QueryRequest struct {
	Filter *store.Filter `json:"filter"`
	Page   int           `json:"page"`
	Limit  int           `json:"limit"`
	Sort   string        `json:"sort"`
}

// EmailSummary is one message in query responses.
type EmailSummary struct {
	MessageID      string   `json:"message_id"`
	ThreadID       string   `json:"thread_id"`
	Subject        string   `json:"subject"`
	Snippet        string   `json:"snippet,omitempty"`
	FromEmail      string   `json:"from_email"`
	FromName       string   `json:"from_name,omitempty"`
	Labels         []string `json:"labels"`
	Category       string   `json:"category,omitempty"`
	SizeBytes      int64    `json:"size_bytes"`
	HasAttachments bool     `json:"has_attachments"`
	IsUnread       bool     `json:"is_unread"`
	IsStarred      bool     `json:"is_starred"`
	InternalDate   int64    `json:"internal_date"`
}

func toSummary(r *store.EmailRecord) EmailSummary {
	return EmailSummary{
		MessageID:      r.MessageID,
		ThreadID:       r.ThreadID,
		Subject:        r.Subject,
		Snippet:        r.Snippet,
		FromEmail:      r.FromEmail,
		FromName:       r.FromName,
		Labels:         r.Labels,
		Category:       r.Category.String,
		SizeBytes:      r.SizeBytes,
		HasAttachments: r.HasAttachments != 0,
		IsUnread:       r.IsUnread,
		IsStarred:      r.IsStarred,
		InternalDate:   r.InternalDate,
	}
}

// handleQuery evaluates a filter and returns one page of matching messages
// plus the set's totals.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}

	records, err := s.store.QueryEmails(a.ID, req.Filter, req.Page, req.Limit, req.Sort)
	if err != nil {
		s.logger.Error("query failed", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Query failed")
		return
	}
	count, err := s.store.CountFiltered(a.ID, req.Filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Query failed")
		return
	}
	size, err := s.store.SumFilteredSize(a.ID, req.Filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Query failed")
		return
	}

	summaries := make([]EmailSummary, len(records))
	for i, rec := range records {
		summaries[i] = toSummary(rec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      count,
		"total_size": size,
		"emails":     summaries,
	})
}

// handleQuerySnapshot freezes a filter with its current totals and returns
// the handle a later bulk mutation can reference.
func (s *Server) handleQuerySnapshot(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filter == nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "A filter is required")
		return
	}

	count, err := s.store.CountFiltered(a.ID, req.Filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Snapshot failed")
		return
	}
	size, err := s.store.SumFilteredSize(a.ID, req.Filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Snapshot failed")
		return
	}
	queryID, err := s.store.SaveQuerySnapshot(a.ID, req.Filter, count, size)
	if err != nil {
		s.logger.Error("failed to save query snapshot", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Snapshot failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query_id":   queryID,
		"count":      count,
		"total_size": size,
	})
}

// BreakdownRequest is the body of a breakdown request.
type BreakdownRequest struct {
	Filter *store.Filter `json:"filter"`
	By     string        `json:"by"`
	SortBy string        `json:"sort_by"`
	Asc    bool          `json:"asc"`
	Limit  int           `json:"limit"`
}

// handleBreakdown aggregates the filtered set by sender, category, or month.
func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	var req BreakdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}

	rows, err := s.store.Breakdown(a.ID, req.Filter, req.By, req.SortBy, req.Asc, req.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_breakdown", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": rows})
}

// JobInfo is one job in responses.
type JobInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Processed   int64  `json:"processed_messages"`
	Total       int64  `json:"total_messages"`
	LastError   string `json:"last_error,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

func toJobInfo(j *store.Job) JobInfo {
	return JobInfo{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Processed:   j.ProcessedMessages,
		Total:       j.TotalMessages,
		LastError:   j.LastError,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt.Int64,
	}
}

// handleListJobs returns an account's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.store.ListJobs(a.ID, r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "account_id", a.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs")
		return
	}

	infos := make([]JobInfo, len(list))
	for i, j := range list {
		infos[i] = toJobInfo(j)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": infos})
}

// handleGetJob returns one job by id.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(chi.URLParam(r, "jobID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobInfo(j))
}

// SyncRequest selects the sync mode for an enqueued sync job.
type SyncRequest struct {
	Mode string `json:"mode"`
}

// handleEnqueueSync enqueues a sync job for the account.
func (s *Server) handleEnqueueSync(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	var req SyncRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Mode == "" {
		req.Mode = mailsync.ModeFull
	}
	if req.Mode != mailsync.ModeFull && req.Mode != mailsync.ModeDelta {
		writeError(w, http.StatusBadRequest, "invalid_mode", "Mode must be full or delta")
		return
	}

	job, err := s.jobs.Enqueue(a.ID, a.UserID, store.JobTypeSync, mailsync.Payload{Mode: req.Mode})
	if err != nil {
		writeError(w, http.StatusConflict, "sync_conflict", err.Error())
		return
	}

	s.logger.Info("sync enqueued via API", "account_id", a.ID, "mode", req.Mode)
	writeJSON(w, http.StatusAccepted, toJobInfo(job))
}

// BulkRequest is the body of a trash, delete, or label mutation request.
// Either a filter or a previously saved query_id identifies the target set.
type BulkRequest struct {
	Filter  *store.Filter `json:"filter,omitempty"`
	QueryID string        `json:"query_id,omitempty"`
	Add     []string      `json:"add,omitempty"`
	Remove  []string      `json:"remove,omitempty"`
}

// handleEnqueueBulk enqueues a bulk mutation job of the given type.
func (s *Server) handleEnqueueBulk(jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := s.account(w, r)
		if a == nil {
			return
		}

		var req BulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
			return
		}
		if req.Filter == nil && req.QueryID == "" {
			writeError(w, http.StatusBadRequest, "missing_target", "A filter or query_id is required")
			return
		}
		if jobType == store.JobTypeApplyLabel && len(req.Add) == 0 && len(req.Remove) == 0 {
			writeError(w, http.StatusBadRequest, "missing_labels", "A label diff is required")
			return
		}

		job, err := s.jobs.Enqueue(a.ID, a.UserID, jobType, jobs.BulkPayload{
			Filter:  req.Filter,
			QueryID: req.QueryID,
			Add:     req.Add,
			Remove:  req.Remove,
		})
		if err != nil {
			s.logger.Error("failed to enqueue bulk job", "account_id", a.ID, "type", jobType, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to enqueue job")
			return
		}

		s.logger.Info("bulk job enqueued via API", "account_id", a.ID, "type", jobType, "job_id", job.ID)
		writeJSON(w, http.StatusAccepted, toJobInfo(job))
	}
}

// handleJobAction cancels, pauses, or resumes a job.
func (s *Server) handleJobAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if _, err := s.store.GetJob(jobID); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}

		var err error
		switch action {
		case "cancel":
			err = s.jobs.Cancel(jobID)
		case "pause":
			err = s.jobs.Pause(jobID)
		case "resume":
			err = s.jobs.Resume(jobID)
		}
		if err != nil {
			writeError(w, http.StatusConflict, "invalid_transition", err.Error())
			return
		}

		j, err := s.store.GetJob(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to reload job")
			return
		}
		writeJSON(w, http.StatusOK, toJobInfo(j))
	}
}
