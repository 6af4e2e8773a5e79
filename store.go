package mailjobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultListLimit caps ListRecent results.
const DefaultListLimit = 20

// Retention bounds how long and how many terminal records a store keeps.
type Retention struct {
	MaxAge   time.Duration // terminal records older than this are evicted (0 disables)
	MaxCount int           // at most this many terminal records are kept (0 disables)
}

// record holds one job. The store's map lock protects the map only; each
// record is guarded by its own mutex so pollers never see a torn job.
type record struct {
	mu     sync.Mutex
	job    *Job
	cancel context.CancelFunc // set while the job is running
}

// Store is the registry of jobs of a single kind. It is safe for concurrent
// use: many pollers may read while the job's worker writes.
type Store struct {
	kind      JobKind
	retention Retention
	logger    *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*record
}

// NewStore creates an empty store for the given kind.
func NewStore(kind JobKind, retention Retention, logger *slog.Logger) *Store {
	return &Store{
		kind:      kind,
		retention: retention,
		logger:    logger,
		jobs:      make(map[string]*record),
	}
}

// Kind returns the job kind held by this store.
func (s *Store) Kind() JobKind { return s.kind }

// Put adds a new queued job.
func (s *Store) Put(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Kind != s.kind {
		return fmt.Errorf("job %s has kind %s, store holds %s", job.ID, job.Kind, s.kind)
	}
	if job.Status != JobStatusQueued {
		return fmt.Errorf("job %s must have status %s, got %s", job.ID, JobStatusQueued, job.Status)
	}
	if job.Total < 0 {
		return fmt.Errorf("job %s has negative total", job.ID)
	}

	prepared := cloneJob(job)
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	s.jobs[job.ID] = &record{job: prepared}
	s.logger.Debug("Put", "kind", s.kind, "jobID", job.ID, "total", job.Total)
	return nil
}

// Get returns a copy of the job with the given ID.
func (s *Store) Get(id string) (*Job, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneJob(rec.job), nil
}

// List returns up to limit jobs: queued and running first, then newest first.
// limit <= 0 means DefaultListLimit. Jobs beyond the cap stay retrievable by ID.
func (s *Store) List(limit int) []*Job {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	snapshot := make([]*Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		rec.mu.Lock()
		snapshot = append(snapshot, cloneJob(rec.job))
		rec.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		ai, aj := !snapshot[i].Status.IsTerminal(), !snapshot[j].Status.IsTerminal()
		if ai != aj {
			return ai
		}
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.After(snapshot[j].CreatedAt)
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	if len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	return snapshot
}

// Len returns the number of jobs currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Start moves a queued job to running and remembers cancel so that Cancel can
// interrupt in-flight I/O. It fails if the job was cancelled while queued.
func (s *Store) Start(id string, cancel context.CancelFunc) (*Job, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status != JobStatusQueued {
		return nil, fmt.Errorf("%w: %s is %s", errFinished, id, rec.job.Status)
	}
	now := time.Now()
	rec.job.Status = JobStatusRunning
	rec.job.StartedAt = &now
	rec.cancel = cancel
	s.logger.Debug("Start", "kind", s.kind, "jobID", id)
	return cloneJob(rec.job), nil
}

// SetTotal replaces the total of a running job before any item was processed.
func (s *Store) SetTotal(id string, total int, estimated bool) error {
	return s.mutate(id, func(job *Job) error {
		if total < 0 {
			return fmt.Errorf("negative total %d", total)
		}
		if job.Processed > 0 {
			return fmt.Errorf("total of %s cannot change after processing started", id)
		}
		job.Total = total
		job.TotalEstimated = estimated
		return nil
	})
}

// Advance records the outcome of one item.
func (s *Store) Advance(id string, ok bool) error {
	return s.mutate(id, func(job *Job) error {
		if !job.TotalEstimated && job.Processed >= job.Total {
			return fmt.Errorf("%w: %s at %d/%d", errTotalExceeded, id, job.Processed, job.Total)
		}
		if ok {
			job.Succeeded++
		} else {
			job.Failed++
		}
		job.Processed++
		return nil
	})
}

// SetDetail replaces the kind-specific detail of a running job.
func (s *Store) SetDetail(id string, detail Detail) error {
	return s.mutate(id, func(job *Job) error {
		job.Detail = detail
		return nil
	})
}

// Finish moves a running job to a terminal status. It returns false when the
// job already left running, which happens when a cancel won the race.
func (s *Store) Finish(id string, status JobStatus, errorMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	rec := s.lookup(id)
	if rec == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status != JobStatusRunning {
		return false, nil
	}
	now := time.Now()
	rec.job.Status = status
	rec.job.CompletedAt = &now
	if status == JobStatusFailed {
		rec.job.ErrorMessage = errorMsg
	}
	if status == JobStatusCompleted && rec.job.TotalEstimated {
		rec.job.Total = rec.job.Processed
	}
	rec.cancel = nil
	s.logger.Debug("Finish", "kind", s.kind, "jobID", id, "status", status)
	return true, nil
}

// Cancel moves a queued or running job to cancelled. It is the only transition
// another goroutine than the job's worker may perform; it returns false if the
// job is already terminal.
func (s *Store) Cancel(id string) (bool, error) {
	rec := s.lookup(id)
	if rec == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	if rec.job.Status.IsTerminal() {
		rec.mu.Unlock()
		return false, nil
	}
	now := time.Now()
	rec.job.Status = JobStatusCancelled
	rec.job.CompletedAt = &now
	cancel := rec.cancel
	rec.cancel = nil
	rec.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Debug("Cancel", "kind", s.kind, "jobID", id)
	return true, nil
}

// Remove deletes a job regardless of status. The engine uses it to withdraw a
// record whose submission to the pool failed.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Evict drops terminal jobs that exceed the retention policy and returns how
// many were dropped. Queued and running jobs are never evicted.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	type finished struct {
		id string
		at time.Time
	}
	terminal := make([]finished, 0)
	for id, rec := range s.jobs {
		rec.mu.Lock()
		if rec.job.Status.IsTerminal() {
			at := rec.job.CreatedAt
			if rec.job.CompletedAt != nil {
				at = *rec.job.CompletedAt
			}
			terminal = append(terminal, finished{id: id, at: at})
		}
		rec.mu.Unlock()
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].at.Before(terminal[j].at)
	})

	evicted := 0
	kept := terminal[:0]
	if s.retention.MaxAge > 0 {
		cutoff := now.Add(-s.retention.MaxAge)
		for _, f := range terminal {
			if f.at.Before(cutoff) {
				delete(s.jobs, f.id)
				evicted++
				continue
			}
			kept = append(kept, f)
		}
	} else {
		kept = terminal
	}

	if s.retention.MaxCount > 0 && len(kept) > s.retention.MaxCount {
		excess := len(kept) - s.retention.MaxCount
		for _, f := range kept[:excess] {
			delete(s.jobs, f.id)
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Debug("Evict", "kind", s.kind, "evicted", evicted, "remaining", len(s.jobs))
	}
	return evicted
}

func (s *Store) lookup(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// mutate applies fn to a running job under its lock.
func (s *Store) mutate(id string, fn func(job *Job) error) error {
	rec := s.lookup(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status != JobStatusRunning {
		return fmt.Errorf("%w: %s is %s", errFinished, id, rec.job.Status)
	}
	return fn(rec.job)
}
