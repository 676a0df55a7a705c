package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobPaused    = "paused"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job types.
const (
	JobTypeSync       = "sync"
	JobTypeTrash      = "trash"
	JobTypeDelete     = "delete"
	JobTypeApplyLabel = "apply_label"
)

// Job is one durable unit of work against an account.
type Job struct {
	ID                string
	AccountID         string
	UserID            string
	Type              string
	Status            string
	Payload           json.RawMessage
	TotalMessages     int64
	ProcessedMessages int64
	NextPageToken     string
	LastError         string
	RetryCount        int
	ResumedAt         sql.NullInt64
	ProcessedAtResume int64
	StartedAt         sql.NullInt64
	CompletedAt       sql.NullInt64
	CreatedAt         int64
	UpdatedAt         int64
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

const jobColumns = `id, account_id, user_id, type, status, payload,
	total_messages, processed_messages, next_page_token, last_error,
	retry_count, resumed_at, processed_at_resume, started_at, completed_at,
	created_at, updated_at`

func scanJob(scan func(dest ...interface{}) error) (*Job, error) {
	var j Job
	var payload string
	err := scan(&j.ID, &j.AccountID, &j.UserID, &j.Type, &j.Status, &payload,
		&j.TotalMessages, &j.ProcessedMessages, &j.NextPageToken, &j.LastError,
		&j.RetryCount, &j.ResumedAt, &j.ProcessedAtResume, &j.StartedAt,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

// CreateJob inserts a pending job and returns it.
func (s *Store) CreateJob(accountID, userID, jobType string, payload interface{}) (*Job, error) {
	raw := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	now := time.Now().UnixMilli()
	j := &Job{
		ID:        NewID(),
		AccountID: accountID,
		UserID:    userID,
		Type:      jobType,
		Status:    JobPending,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.exec(`
		INSERT INTO jobs (id, account_id, user_id, type, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.AccountID, j.UserID, j.Type, j.Status, string(j.Payload), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns an account's jobs, newest first. An empty status lists
// all of them.
func (s *Store) ListJobs(accountID, status string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE account_id = ?`
	args := []interface{}{accountID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsInStatus returns every job in any of the given statuses across all
// accounts, oldest first. The runner uses this for startup recovery and for
// tick scheduling.
func (s *Store) JobsInStatus(statuses ...string) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = st
	}
	rows, err := s.query(`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`)
		ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs in status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// HasActiveJob reports whether the account has a job of the given type in a
// non-terminal state.
func (s *Store) HasActiveJob(accountID, jobType string) (bool, error) {
	var n int
	err := s.queryRow(`
		SELECT COUNT(*) FROM jobs
		WHERE account_id = ? AND type = ? AND status IN (?, ?, ?)`,
		accountID, jobType, JobPending, JobRunning, JobPaused).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has active job: %w", err)
	}
	return n > 0, nil
}

// TransitionJob moves a job from one of fromStatuses to toStatus with a
// compare-and-swap, so two runners can never both claim the same job.
// Returns ErrNotFound if the job was not in an eligible status.
func (s *Store) TransitionJob(jobID, toStatus string, fromStatuses ...string) error {
	now := time.Now().UnixMilli()

	q := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []interface{}{toStatus, now}
	switch toStatus {
	case JobRunning:
		q += `, started_at = COALESCE(started_at, ?), resumed_at = ?, processed_at_resume = processed_messages`
		args = append(args, now, now)
	case JobCompleted, JobFailed, JobCancelled:
		q += `, completed_at = ?`
		args = append(args, now)
	}

	q += ` WHERE id = ? AND status IN (`
	args = append(args, jobID)
	for i, st := range fromStatuses {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, st)
	}
	q += `)`

	res, err := s.exec(q, args...)
	if err != nil {
		return fmt.Errorf("transition job to %s: %w", toStatus, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress records chunk completion: processed count, resumption
// token, and total when it was just learned.
func (s *Store) UpdateJobProgress(jobID string, processed, total int64, nextPageToken string) error {
	_, err := s.exec(`
		UPDATE jobs SET processed_messages = ?, total_messages = ?,
			next_page_token = ?, updated_at = ?
		WHERE id = ?`,
		processed, total, nextPageToken, time.Now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// UpdateJobPayload replaces the job's payload. Bulk drivers use this to
// persist the materialized id snapshot so resumes act on the same set the
// user confirmed.
func (s *Store) UpdateJobPayload(jobID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.exec(`UPDATE jobs SET payload = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("update job payload: %w", err)
	}
	return nil
}

// SetJobError records a retryable failure without changing status.
func (s *Store) SetJobError(jobID, msg string) error {
	_, err := s.exec(`
		UPDATE jobs SET last_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`, msg, time.Now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("set job error: %w", err)
	}
	return nil
}

// FailJob moves a job to failed with its terminal error message.
func (s *Store) FailJob(jobID, msg string) error {
	now := time.Now().UnixMilli()
	_, err := s.exec(`
		UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`, JobFailed, msg, now, now, jobID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// PauseJobsForAccount pauses every pending or running job for an account.
// Used when the account's auth expires.
func (s *Store) PauseJobsForAccount(accountID, reason string) error {
	_, err := s.exec(`
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE account_id = ? AND status IN (?, ?)`,
		JobPaused, reason, time.Now().UnixMilli(), accountID, JobPending, JobRunning)
	if err != nil {
		return fmt.Errorf("pause account jobs: %w", err)
	}
	return nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
