package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*Job

	// beforeUpdate runs once per UpdateStatus call, before the status check.
	beforeUpdate func(r *memRepo, id string)
	updates      int
}

func newMemRepo(jobs ...*Job) *memRepo {
	r := &memRepo{jobs: make(map[string]*Job)}
	for _, j := range jobs {
		r.jobs[j.ID] = j.Clone()
	}
	return r
}

func (r *memRepo) CreateJob(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *memRepo) GetJob(_ context.Context, id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (r *memRepo) GetActiveJobs(_ context.Context) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Job
	for _, j := range r.jobs {
		if j.Status.IsActive() || (j.Status == JobStatusCanceled && j.CancelPending) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.Before(out[b].SubmittedAt) })
	return out, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id string, expected, next JobStatus, f UpdateFields) error {
	if hook := r.beforeUpdate; hook != nil {
		r.beforeUpdate = nil
		hook(r, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++

	j, ok := r.jobs[id]
	if !ok || j.Status != expected || (f.Unsubmitted && j.ExternalID != nil) {
		return ErrConflict
	}
	j.Status = next
	if f.ExternalID != nil && j.ExternalID == nil {
		v := *f.ExternalID
		j.ExternalID = &v
	}
	if f.PagesPrinted != nil {
		j.PagesPrinted = *f.PagesPrinted
	}
	if f.StatusMessage != nil {
		j.StatusMessage = *f.StatusMessage
	}
	if f.CancelPending != nil {
		j.CancelPending = *f.CancelPending
	}
	if f.CompletedAt != nil && j.CompletedAt == nil {
		v := *f.CompletedAt
		j.CompletedAt = &v
	}
	if f.SyncedAt != nil {
		v := *f.SyncedAt
		j.LastSyncedAt = &v
	}
	return nil
}

func (r *memRepo) get(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].Clone()
}

func (r *memRepo) set(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
}

type fakeSpooler struct {
	mu sync.Mutex

	active  *ActiveJobs
	listErr error

	attrs    map[int]*JobAttributes
	attrErrs map[int]error
	attrErr  error

	cancelErr error
	canceled  []int

	submitID  int
	submitErr error
	onSubmit  func()

	listCalls int
	attrCalls int
}

func newFakeSpooler() *fakeSpooler {
	return &fakeSpooler{
		active:   &ActiveJobs{Jobs: map[int]JobAttributes{}},
		attrs:    map[int]*JobAttributes{},
		attrErrs: map[int]error{},
	}
}

func (s *fakeSpooler) setActive(id int, state SpoolerState, impressions *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Jobs[id] = JobAttributes{ExternalID: id, State: state, ImpressionsCompleted: impressions}
}

func (s *fakeSpooler) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active.Jobs, id)
}

func (s *fakeSpooler) ListActiveJobs(_ context.Context) (*ActiveJobs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil && s.listErr != ErrPartialResult {
		return nil, s.listErr
	}
	out := &ActiveJobs{Jobs: map[int]JobAttributes{}, Incomplete: map[int]struct{}{}}
	for id, a := range s.active.Jobs {
		out.Jobs[id] = a
	}
	for id := range s.active.Incomplete {
		out.Incomplete[id] = struct{}{}
	}
	return out, s.listErr
}

func (s *fakeSpooler) GetJobAttributes(_ context.Context, id int) (*JobAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrCalls++
	if err, ok := s.attrErrs[id]; ok {
		return nil, err
	}
	if s.attrErr != nil {
		return nil, s.attrErr
	}
	if a, ok := s.attrs[id]; ok {
		c := *a
		return &c, nil
	}
	if a, ok := s.active.Jobs[id]; ok {
		return &a, nil
	}
	return nil, ErrNotFound
}

func (s *fakeSpooler) CancelJob(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, id)
	return s.cancelErr
}

func (s *fakeSpooler) SubmitJob(_ context.Context, _, _ string, _ SubmitOptions) (int, error) {
	if s.onSubmit != nil {
		s.onSubmit()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return 0, s.submitErr
	}
	return s.submitID, nil
}

func (s *fakeSpooler) canceledIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.canceled...)
}

type recorder struct {
	mu     sync.Mutex
	events []JobEvent
}

func (r *recorder) Publish(e JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobEvent(nil), r.events...)
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) Notify() {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func intPtr(v int) *int { return &v }
