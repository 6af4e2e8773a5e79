package mailjobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Plan is a handler's estimate of the work a payload represents.
type Plan struct {
	Total      int  // number of items
	Estimated  bool // Total came from a pre-scan; the real count may differ
	ForceAsync bool // never run inline, whatever the size
}

// Item is one unit of work.
type Item struct {
	Key  string // message id, folder name, etc.; used for logging
	Body []byte // optional raw content (import streams messages)
}

// Handler implements one job kind on top of the external collaborators.
type Handler interface {
	Kind() JobKind
	// Plan validates the payload for the caller and counts the work. Errors are
	// validation errors: no job is created.
	Plan(ctx context.Context, who Identity, payload Payload) (Plan, error)
	// Open prepares a run. An error fails the job.
	Open(ctx context.Context, run *Run) (Session, error)
}

// Session is the per-run state of a handler.
type Session interface {
	// Next returns the next item, or false when there are no more. An error
	// fails the job.
	Next(ctx context.Context) (Item, bool, error)
	// Perform processes one item. Errors count as failed items unless wrapped
	// with Fatal.
	Perform(ctx context.Context, item Item) error
	// Close releases the session. It is always called.
	Close() error
}

// Finalizer is implemented by sessions with a completion step that runs
// after the last item when the job was neither cancelled nor failed.
type Finalizer interface {
	Finalize(ctx context.Context) (*ArtifactSpec, error)
}

// Run gives a session access to its job.
type Run struct {
	job    *Job
	store  *Store
	logger *slog.Logger
}

// JobID returns the ID of the running job.
func (r *Run) JobID() string { return r.job.ID }

// OwnerID returns the requester of the running job.
func (r *Run) OwnerID() string { return r.job.OwnerID }

// Payload returns the job's payload.
func (r *Run) Payload() Payload { return r.job.Payload }

// Logger returns a logger annotated with the job.
func (r *Run) Logger() *slog.Logger { return r.logger }

// SetTotal replaces the total before the first item, for kinds that only know
// their work once running (sync lists folders on open).
func (r *Run) SetTotal(total int, estimated bool) error {
	return r.store.SetTotal(r.job.ID, total, estimated)
}

// Report publishes kind-specific progress.
func (r *Run) Report(detail Detail) {
	if err := r.store.SetDetail(r.job.ID, detail); err != nil {
		r.logger.Debug("Report: job no longer running", "error", err)
	}
}

// Executor runs the item loop of a job.
type Executor struct {
	artifacts *ArtifactManager
	logger    *slog.Logger
}

// NewExecutor creates an executor. artifacts may be nil when no handler
// produces files.
func NewExecutor(artifacts *ArtifactManager, logger *slog.Logger) *Executor {
	return &Executor{artifacts: artifacts, logger: logger}
}

// Execute runs the queued job id from store with handler h and returns the
// final snapshot. It never returns an error: every outcome is recorded on
// the job.
func (e *Executor) Execute(ctx context.Context, store *Store, h Handler, id string) *Job {
	logger := e.logger.With("kind", store.Kind(), "jobID", id)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	job, err := store.Start(id, cancel)
	if err != nil {
		logger.Debug("Execute: job not started", "error", err)
		return e.snapshot(store, id)
	}
	run := &Run{job: job, store: store, logger: logger}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Execute: handler panicked", "panic", r)
			e.fail(store, id, fmt.Errorf("internal error: %v", r), logger)
		}
	}()

	session, err := h.Open(jobCtx, run)
	if err != nil {
		e.stop(jobCtx, store, id, err, logger)
		return e.snapshot(store, id)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Execute: session close failed", "error", err)
		}
	}()

	if err := e.loop(jobCtx, store, session, id, logger); err != nil {
		e.stop(jobCtx, store, id, err, logger)
		return e.snapshot(store, id)
	}

	e.complete(jobCtx, store, session, id, logger)
	return e.snapshot(store, id)
}

// loop processes items until the source is exhausted. A nil return means the
// loop ran to the end; any error stops the job.
func (e *Executor) loop(ctx context.Context, store *Store, session Session, id string, logger *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, ok, err := session.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Fatal(err)
		}
		if !ok {
			return nil
		}

		perr := session.Perform(ctx, item)
		if perr != nil && IsFatal(perr) {
			return perr
		}
		if perr != nil && ctx.Err() != nil {
			// Interrupted by cancellation; the item is not counted.
			return ctx.Err()
		}
		if perr != nil {
			logger.Warn("item failed", "item", item.Key, "error", perr)
		}

		if err := store.Advance(id, perr == nil); err != nil {
			if errors.Is(err, errFinished) {
				return context.Canceled
			}
			return Fatal(err)
		}
	}
}

func (e *Executor) complete(ctx context.Context, store *Store, session Session, id string, logger *slog.Logger) {
	var spec *ArtifactSpec
	if fin, ok := session.(Finalizer); ok {
		var err error
		spec, err = fin.Finalize(ctx)
		if err != nil {
			e.stop(ctx, store, id, err, logger)
			return
		}
	}

	if spec != nil {
		if size, err := spec.size(); err == nil {
			_ = store.SetDetail(id, ArtifactDetail{FileName: spec.FileName, Size: size})
		}
	}

	finished, err := store.Finish(id, JobStatusCompleted, "")
	if err != nil {
		logger.Error("Execute: finish failed", "error", err)
	}
	if !finished {
		spec.discard(logger)
		return
	}

	owner := ""
	if job, _ := store.Get(id); job != nil {
		owner = job.OwnerID
		logger.Info("job completed", "processed", job.Processed, "succeeded", job.Succeeded, "failed", job.Failed)
	}
	if spec == nil {
		return
	}
	if e.artifacts == nil {
		logger.Error("Execute: artifact produced without an artifact manager")
		spec.discard(logger)
		return
	}
	if err := e.artifacts.Register(id, owner, *spec); err != nil {
		logger.Error("Execute: register artifact failed", "error", err)
		spec.discard(logger)
	}
}

// stop ends the job after err: cancelled when the job context is done,
// failed otherwise.
func (e *Executor) stop(ctx context.Context, store *Store, id string, err error, logger *slog.Logger) {
	if ctx.Err() != nil && !IsFatal(err) {
		if finished, _ := store.Finish(id, JobStatusCancelled, ""); finished {
			logger.Info("job cancelled by shutdown")
		} else {
			logger.Info("job cancelled")
		}
		return
	}
	e.fail(store, id, err, logger)
}

func (e *Executor) fail(store *Store, id string, err error, logger *slog.Logger) {
	finished, ferr := store.Finish(id, JobStatusFailed, err.Error())
	if ferr != nil {
		logger.Error("Execute: finish failed", "error", ferr)
		return
	}
	if finished {
		logger.Error("job failed", "error", err)
	}
}

func (e *Executor) snapshot(store *Store, id string) *Job {
	job, err := store.Get(id)
	if err != nil {
		return nil
	}
	return job
}
