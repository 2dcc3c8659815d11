package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	packages map[string]map[int]*Package
	cleanups map[string]*CleanupRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		packages: make(map[string]map[int]*Package),
		cleanups: make(map[string]*CleanupRecord),
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.Summary != nil {
		s := *j.Summary
		c.Summary = &s
	}
	return &c
}

func clonePackage(p *Package) *Package {
	c := *p
	c.ItemIDs = append([]string(nil), p.ItemIDs...)
	if p.Stats != nil {
		s := *p.Stats
		c.Stats = &s
	}
	return &c
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job, pkgs []*Package) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrInvalidTransition)
	}
	j := cloneJob(job)
	j.State = JobProcessing
	m.jobs[job.ID] = j
	byNum := make(map[int]*Package, len(pkgs))
	for _, p := range pkgs {
		c := clonePackage(p)
		c.JobID = job.ID
		c.State = PackagePending
		byNum[p.Number] = c
	}
	m.packages[job.ID] = byNum
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) FailJob(ctx context.Context, jobID, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.State != JobProcessing {
		return fmt.Errorf("job %s is %s: %w", jobID, j.State, ErrInvalidTransition)
	}
	j.State = JobFailed
	j.Error = reason
	j.FinishedAt = &at
	return nil
}

func (m *MemoryStore) GetPackage(ctx context.Context, jobID string, number int) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[jobID][number]
	if !ok {
		return nil, fmt.Errorf("package %s/%d: %w", jobID, number, ErrNotFound)
	}
	return clonePackage(p), nil
}

func (m *MemoryStore) ListPackages(ctx context.Context, jobID string) ([]*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Package, 0, len(m.packages[jobID]))
	for _, p := range m.packages[jobID] {
		out = append(out, clonePackage(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) ClaimPackage(ctx context.Context, jobID string, number int, now, leaseUntil time.Time) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	p, ok := m.packages[jobID][number]
	if !ok {
		return nil, fmt.Errorf("package %s/%d: %w", jobID, number, ErrNotFound)
	}
	if j.State != JobProcessing {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, j.State, ErrInvalidTransition)
	}
	switch {
	case p.State == PackagePending:
	case p.State == PackageRunning && (p.LeaseExp == nil || p.LeaseExp.Before(now)):
	case p.State == PackageRunning:
		return nil, fmt.Errorf("package %s/%d leased until %s: %w", jobID, number, p.LeaseExp.Format(time.RFC3339), ErrLeased)
	default:
		return nil, fmt.Errorf("package %s/%d is %s: %w", jobID, number, p.State, ErrInvalidTransition)
	}
	p.State = PackageRunning
	p.Attempts++
	p.LeaseExp = &leaseUntil
	p.UpdatedAt = now
	return clonePackage(p), nil
}

func (m *MemoryStore) FinishPackage(ctx context.Context, jobID string, number int, f Finish, at time.Time) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.State.Terminal() {
		return nil, fmt.Errorf("finish with %s: %w", f.State, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	p, ok := m.packages[jobID][number]
	if !ok {
		return nil, fmt.Errorf("package %s/%d: %w", jobID, number, ErrNotFound)
	}
	if p.State != PackageRunning || j.State != JobProcessing {
		return nil, fmt.Errorf("package %s/%d is %s: %w", jobID, number, p.State, ErrInvalidTransition)
	}

	stats := f.Stats
	p.State = f.State
	p.Stats = &stats
	p.Error = f.Error
	p.LeaseExp = nil
	p.UpdatedAt = at

	if f.State == PackageCompleted {
		j.PackagesCompleted++
		j.ItemsProcessed += f.Items
	} else {
		j.PackagesFailed++
	}
	if j.Terminated() >= j.TotalPackages {
		j.State = JobCompleted
		j.FinishedAt = &at
		j.Summary = summarize(j)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) PutCleanup(ctx context.Context, rec *CleanupRecord) (*CleanupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cleanups[rec.JobID]; ok {
		c := *existing
		return &c, nil
	}
	c := *rec
	m.cleanups[rec.JobID] = &c
	out := c
	return &out, nil
}

func (m *MemoryStore) GetCleanup(ctx context.Context, jobID string) (*CleanupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cleanups[jobID]
	if !ok {
		return nil, fmt.Errorf("cleanup %s: %w", jobID, ErrNotFound)
	}
	c := *rec
	return &c, nil
}

func (m *MemoryStore) MarkCleanupExecuted(ctx context.Context, jobID string, files int, freed int64, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cleanups[jobID]
	if !ok {
		return false, fmt.Errorf("cleanup %s: %w", jobID, ErrNotFound)
	}
	if rec.Executed {
		return false, nil
	}
	rec.Executed = true
	rec.ExecutedAt = &at
	rec.FilesDeleted = files
	rec.FreedBytes = freed
	return true, nil
}

func (m *MemoryStore) DueCleanups(ctx context.Context, now time.Time) ([]*CleanupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CleanupRecord
	for _, rec := range m.cleanups {
		if !rec.Executed && !rec.ScheduledFor.After(now) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}
