// Package gmailtest provides an in-memory fake of the Gmail API surface
// for sync and job tests.
package gmailtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
)

// Fake is a server-side mailbox implementing gmail.API. Tests mutate it
// directly and assert on the calls the code under test makes.
type Fake struct {
	mu sync.Mutex

	Profile  gmail.Profile
	messages map[string]*gmail.MessageMeta
	order    []string

	history        []gmail.HistoryRecord
	historyExpired bool

	// Errs maps message ids to forced per-item batch errors.
	Errs map[string]*gmail.ItemError

	// errCountdown limits how many times a forced error is served before
	// it clears; absent means forever.
	errCountdown map[string]int

	// Recorded mutations.
	ModifyCalls []ModifyCall
	DeleteCalls [][]string

	// FailBatchModify and FailBatchDelete make those calls fail.
	FailBatchModify error
	FailBatchDelete error
}

// ModifyCall records one BatchModify invocation.
type ModifyCall struct {
	IDs    []string
	Add    []string
	Remove []string
}

// New returns an empty fake mailbox.
func New() *Fake {
	return &Fake{
		messages:     make(map[string]*gmail.MessageMeta),
		Errs:         make(map[string]*gmail.ItemError),
		errCountdown: make(map[string]int),
		Profile:      gmail.Profile{EmailAddress: "fake@example.com", HistoryID: 1},
	}
}

// Add inserts a message into the fake mailbox.
func (f *Fake) Add(m *gmail.MessageMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.messages[m.ID]; !exists {
		f.order = append(f.order, m.ID)
	}
	f.messages[m.ID] = m
}

// AddSimple inserts a minimal message with the given id and labels.
func (f *Fake) AddSimple(id string, labels ...string) {
	f.Add(&gmail.MessageMeta{
		ID:           id,
		ThreadID:     "t-" + id,
		LabelIDs:     labels,
		Subject:      "Subject " + id,
		FromEmail:    "sender@example.com",
		FromName:     "Sender",
		SizeEstimate: 1000,
		InternalDate: 1700000000000,
	})
}

// FailTimes forces a per-item error for id that clears after it has been
// served n times.
func (f *Fake) FailTimes(id string, n int, itemErr *gmail.ItemError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[id] = itemErr
	f.errCountdown[id] = n
}

// Remove deletes a message from the fake mailbox.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, id)
	for i, mid := range f.order {
		if mid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Get returns the message with the given id, or nil.
func (f *Fake) Get(id string) *gmail.MessageMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id]
}

// Count returns the number of messages in the mailbox.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// SetHistory replaces the history log served by ListHistory.
func (f *Fake) SetHistory(records ...gmail.HistoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = records
	f.historyExpired = false
}

// ExpireHistory makes ListHistory fail with ErrHistoryExpired.
func (f *Fake) ExpireHistory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyExpired = true
}

// GetProfile implements gmail.AccountReader.
func (f *Fake) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.Profile
	p.MessagesTotal = int64(len(f.messages))
	return &p, nil
}

// ListLabels implements gmail.AccountReader.
func (f *Fake) ListLabels(ctx context.Context) ([]*gmail.Label, error) {
	return []*gmail.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "TRASH", Name: "TRASH", Type: "system"},
	}, nil
}

// ListMessages implements gmail.MessageReader with page tokens of the form
// "p<offset>".
func (f *Fake) ListMessages(ctx context.Context, pageToken string, maxResults int) (*gmail.MessageListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken[1:])
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}

	resp := &gmail.MessageListResponse{ResultSizeEstimate: int64(len(f.order))}
	end := offset + maxResults
	if end > len(f.order) {
		end = len(f.order)
	}
	for _, id := range f.order[offset:end] {
		resp.Messages = append(resp.Messages, gmail.MessageID{ID: id, ThreadID: "t-" + id})
	}
	if end < len(f.order) {
		resp.NextPageToken = fmt.Sprintf("p%d", end)
	}
	return resp, nil
}

// GetMessagesMetadata implements gmail.MessageReader.
func (f *Fake) GetMessagesMetadata(ctx context.Context, messageIDs []string) (*gmail.BatchResponse, error) {
	if len(messageIDs) > gmail.MaxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds limit", len(messageIDs))
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &gmail.BatchResponse{Latency: 50}
	for _, id := range messageIDs {
		if itemErr, ok := f.Errs[id]; ok {
			resp.Items = append(resp.Items, gmail.BatchItem{ID: id, Err: itemErr})
			if n, limited := f.errCountdown[id]; limited {
				if n <= 1 {
					delete(f.Errs, id)
					delete(f.errCountdown, id)
				} else {
					f.errCountdown[id] = n - 1
				}
			}
			continue
		}
		m, ok := f.messages[id]
		if !ok {
			resp.Items = append(resp.Items, gmail.BatchItem{ID: id, Err: &gmail.ItemError{
				Code: 404, Status: "NOT_FOUND", Message: "not found",
			}})
			continue
		}
		cp := *m
		resp.Items = append(resp.Items, gmail.BatchItem{ID: id, Message: &cp})
	}
	return resp, nil
}

// ListHistory implements gmail.MessageReader.
func (f *Fake) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.HistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.historyExpired {
		return nil, gmail.ErrHistoryExpired
	}

	resp := &gmail.HistoryResponse{HistoryID: f.Profile.HistoryID}
	for _, h := range f.history {
		if h.ID > startHistoryID {
			resp.History = append(resp.History, h)
		}
	}
	return resp, nil
}

// BatchModify implements gmail.MessageWriter and applies the label diff to
// the fake mailbox.
func (f *Fake) BatchModify(ctx context.Context, messageIDs, addLabelIDs, removeLabelIDs []string) error {
	if len(messageIDs) > gmail.MaxMutationBatchSize {
		return fmt.Errorf("batch modify size %d exceeds limit", len(messageIDs))
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailBatchModify; err != nil {
		return err
	}

	f.ModifyCalls = append(f.ModifyCalls, ModifyCall{
		IDs: append([]string{}, messageIDs...), Add: addLabelIDs, Remove: removeLabelIDs,
	})

	for _, id := range messageIDs {
		m, ok := f.messages[id]
		if !ok {
			continue
		}
		m.LabelIDs = applyDiff(m.LabelIDs, addLabelIDs, removeLabelIDs)
	}
	return nil
}

// BatchDelete implements gmail.MessageWriter. Already-deleted ids succeed.
func (f *Fake) BatchDelete(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) > gmail.MaxMutationBatchSize {
		return fmt.Errorf("batch delete size %d exceeds limit", len(messageIDs))
	}
	f.mu.Lock()
	if err := f.FailBatchDelete; err != nil {
		f.mu.Unlock()
		return err
	}
	f.DeleteCalls = append(f.DeleteCalls, append([]string{}, messageIDs...))
	f.mu.Unlock()

	for _, id := range messageIDs {
		f.Remove(id)
	}
	return nil
}

// Labels returns a sorted copy of one message's labels for assertions.
func (f *Fake) Labels(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil
	}
	out := append([]string{}, m.LabelIDs...)
	sort.Strings(out)
	return out
}

func applyDiff(labels, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, l := range remove {
		drop[l] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, l := range append(append([]string{}, labels...), add...) {
		if drop[l] || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
