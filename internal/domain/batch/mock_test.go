package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/icdmap/icdmap/internal/domain/icd"
	"github.com/icdmap/icdmap/internal/platform/events"
)

type mockRepo struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*Job
	appendErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[uuid.UUID]*Job)}
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Codes = append([]string(nil), j.Codes...)
	cp.Results = append([]*icd.CodeReport{}, j.Results...)
	return &cp
}

func (m *mockRepo) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *mockRepo) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			all = append(all, copyJob(j))
		}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListResumable(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (m *mockRepo) transition(id uuid.UUID, next Status, at time.Time) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, j.Transition(next, at)
}

func (m *mockRepo) MarkProcessing(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transition(id, StatusProcessing, at)
	return err
}

func (m *mockRepo) AppendResult(_ context.Context, id uuid.UUID, processed int, rep *icd.CodeReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: append to %s job", ErrInvalidTransition, j.Status)
	}
	if j.Processed != processed {
		return fmt.Errorf("%w: at %d, expected %d", ErrStaleProgress, j.Processed, processed)
	}
	j.Record(rep)
	return nil
}

func (m *mockRepo) Finish(_ context.Context, id uuid.UUID, status Status, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.transition(id, status, at)
	if err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// codeFunc adapts a function to CodeProcessor.
type codeFunc func(ctx context.Context, raw, system string) (*icd.CodeReport, error)

func (f codeFunc) ProcessCode(ctx context.Context, raw, system string) (*icd.CodeReport, error) {
	return f(ctx, raw, system)
}

// recordingCodes converts every code except "boom", which fails.
type recordingCodes struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingCodes) ProcessCode(_ context.Context, raw, _ string) (*icd.CodeReport, error) {
	r.mu.Lock()
	r.calls = append(r.calls, raw)
	r.mu.Unlock()
	switch raw {
	case "boom":
		return nil, errors.New("store unreachable")
	case "Z999":
		return &icd.CodeReport{Input: raw, Status: icd.StatusNotFound}, nil
	}
	return &icd.CodeReport{Input: raw, Status: icd.StatusConverted, Code: raw}, nil
}

func (r *recordingCodes) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, evs ...events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

// blockingPublisher holds every publish until its context is done.
type blockingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingPublisher) Publish(ctx context.Context, _ ...events.Event) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingPublisher) Close() error { return nil }

func (b *blockingPublisher) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (f *fakePublisher) Types(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.Key == key {
			out = append(out, ev.Type)
		}
	}
	return out
}

func waitForStatus(t *testing.T, repo *mockRepo, id uuid.UUID, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := repo.GetByID(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := repo.GetByID(context.Background(), id)
	t.Fatalf("job %s did not reach %s, last state %+v", id, want, j)
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveCode(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[status]++
}

func (o *countingObserver) Count(status string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[status]
}
