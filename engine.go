package mailjobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Deps are the external collaborators the engine runs jobs against.
type Deps struct {
	Messages MessageStore
	Clients  MailClientFactory
	// Mbox opens import files. Defaults to FileMboxSource.
	Mbox MboxSource
	// Handoff overrides the backend selected by Config.HandoffBackend.
	Handoff Handoff
}

// Outcome is the answer to a submission: either the summary of an inline run
// or the id of a queued job.
type Outcome struct {
	Decision Decision `json:"decision"`
	JobID    string   `json:"job_id,omitempty"`
	Result   *Result  `json:"result,omitempty"`
}

// Staged is the answer to Stage: a token to present on the next request, or
// the outcome of the fallback when the ids could not be staged.
type Staged struct {
	Token   string   `json:"token,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Engine is the front-end facing surface of the job system.
type Engine struct {
	cfg    *Config
	logger *slog.Logger

	stores    map[JobKind]*Store
	handlers  map[JobKind]Handler
	router    *Router
	pool      *Pool
	executor  *Executor
	artifacts *ArtifactManager
	handoff   Handoff

	housekeeping *housekeeper
	closeOnce    sync.Once
}

// NewEngine wires an engine from cfg and starts its workers and housekeeping.
func NewEngine(cfg *Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Messages == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if deps.Mbox == nil {
		deps.Mbox = FileMboxSource{}
	}

	handoff := deps.Handoff
	if handoff == nil {
		var err error
		if handoff, err = openHandoff(cfg, logger); err != nil {
			return nil, err
		}
	}

	retention := Retention{MaxAge: cfg.JobRetention, MaxCount: cfg.MaxRetainedJobs}
	artifacts := NewArtifactManager(cfg.ArtifactRetention, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		stores:    make(map[JobKind]*Store, len(AllKinds)),
		router:    NewRouter(cfg.Thresholds),
		executor:  NewExecutor(artifacts, logger),
		artifacts: artifacts,
		handoff:   handoff,
		handlers: map[JobKind]Handler{
			KindRestore:         &restoreHandler{messages: deps.Messages, clients: deps.Clients},
			KindSync:            &syncHandler{messages: deps.Messages, clients: deps.Clients},
			KindImport:          &importHandler{messages: deps.Messages, mbox: deps.Mbox},
			KindExport:          &exportHandler{messages: deps.Messages, dir: cfg.ArtifactDir},
			KindSelectionExport: &selectionExportHandler{messages: deps.Messages, dir: cfg.ArtifactDir},
			KindDeletion:        &deletionHandler{messages: deps.Messages},
		},
	}
	for _, kind := range AllKinds {
		e.stores[kind] = NewStore(kind, retention, logger)
	}

	e.pool = NewPool(cfg.Workers, cfg.QueueSize, logger)

	hk, err := startHousekeeping(e, cfg.HousekeepingSpec, logger)
	if err != nil {
		e.pool.Close()
		_ = handoff.Close()
		return nil, err
	}
	e.housekeeping = hk
	return e, nil
}

func openHandoff(cfg *Config, logger *slog.Logger) (Handoff, error) {
	switch cfg.HandoffBackend {
	case HandoffBadger:
		return NewBadgerHandoff(cfg.BadgerPath, cfg.HandoffTTL, cfg.HandoffMaxBytes, logger)
	case HandoffRedis:
		return NewRedisHandoff(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.HandoffTTL, cfg.HandoffMaxBytes)
	case HandoffSQLite:
		return newSQLiteHandoff(cfg.SQLitePath, cfg.HandoffTTL, cfg.HandoffMaxBytes)
	default:
		return NewMemoryHandoff(cfg.HandoffTTL, cfg.HandoffMaxBytes), nil
	}
}

// Submit validates payload for who and routes it: rejected with an error,
// run inline with the result summary in the outcome, or queued with the job
// id in the outcome.
func (e *Engine) Submit(ctx context.Context, who Identity, payload Payload) (*Outcome, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	h, plan, err := e.plan(ctx, who, payload)
	if err != nil {
		return nil, err
	}
	req := RouteRequest{
		Items:      plan.Total,
		ForceAsync: plan.ForceAsync,
		HandoffOK:  true,
		WorkersUp:  e.pool.Accepting(),
	}
	return e.dispatch(ctx, who, h, payload, plan, req)
}

// Enqueue is Submit without the inline option.
func (e *Engine) Enqueue(ctx context.Context, who Identity, payload Payload) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	h, plan, err := e.plan(ctx, who, payload)
	if err != nil {
		return "", err
	}
	req := RouteRequest{Items: plan.Total, ForceAsync: true, HandoffOK: true, WorkersUp: e.pool.Accepting()}
	outcome, err := e.dispatch(ctx, who, h, payload, plan, req)
	if err != nil {
		return "", err
	}
	return outcome.JobID, nil
}

// Stage parks the id list of payload in the handoff channel and returns a
// token for SubmitStaged. When the list is too large for the channel, or the
// channel fails, the request is routed as if it could not be carried inline
// and the outcome is returned instead of a token.
func (e *Engine) Stage(ctx context.Context, who Identity, payload Payload) (*Staged, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	p, ok := payload.(idListPayload)
	if !ok {
		return nil, fmt.Errorf("%w: %T carries no id list", ErrInvalidPayload, payload)
	}
	h, plan, err := e.plan(ctx, who, payload)
	if err != nil {
		return nil, err
	}
	req := RouteRequest{
		Items:      plan.Total,
		ForceAsync: plan.ForceAsync,
		HandoffOK:  true,
		WorkersUp:  e.pool.Accepting(),
	}
	if route := e.router.Route(req); route.Decision == DecisionReject {
		return nil, route.Err
	}

	token := NewHandoffToken()
	err = e.handoff.Store(ctx, scopedToken(who, token), p.ids())
	if err == nil {
		e.logger.Debug("Stage", "kind", payload.Kind(), "token", token, "ids", len(p.ids()))
		return &Staged{Token: token}, nil
	}
	if errors.Is(err, ErrInvalidPayload) {
		return nil, err
	}
	if errors.Is(err, ErrTooLarge) {
		e.logger.Info("Stage: id list too large for handoff, routing directly", "kind", payload.Kind(), "ids", len(p.ids()))
	} else {
		e.logger.Warn("Stage: handoff storage failed, routing directly", "kind", payload.Kind(), "error", err)
	}

	req.HandoffOK = false
	outcome, err := e.dispatch(ctx, who, h, payload, plan, req)
	if err != nil {
		return nil, err
	}
	return &Staged{Outcome: outcome}, nil
}

// SubmitStaged completes a staged request: the ids staged under token replace
// the id list of payload, which is then submitted. The entry is left to
// expire so that a repeated confirmation still resolves.
func (e *Engine) SubmitStaged(ctx context.Context, who Identity, token string, payload Payload) (*Outcome, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	p, ok := payload.(idListPayload)
	if !ok {
		return nil, fmt.Errorf("%w: %T carries no id list", ErrInvalidPayload, payload)
	}
	if token == "" {
		return nil, ErrExpired
	}
	ids, err := e.handoff.Load(ctx, scopedToken(who, token))
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, who, p.withIDs(ids))
}

// scopedToken binds a token to the user that staged it.
func scopedToken(who Identity, token string) string {
	return who.UserID + ":" + token
}

func (e *Engine) plan(ctx context.Context, who Identity, payload Payload) (Handler, Plan, error) {
	if payload == nil {
		return nil, Plan{}, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	h, ok := e.handlers[payload.Kind()]
	if !ok {
		return nil, Plan{}, fmt.Errorf("%w: %s", ErrUnknownKind, payload.Kind())
	}
	plan, err := h.Plan(ctx, who, payload)
	if err != nil {
		return nil, Plan{}, err
	}
	return h, plan, nil
}

func (e *Engine) dispatch(ctx context.Context, who Identity, h Handler, payload Payload, plan Plan, req RouteRequest) (*Outcome, error) {
	route := e.router.Route(req)
	if route.Decision == DecisionEnqueue {
		id, err := e.enqueue(who, h, payload, plan)
		if err == nil {
			return &Outcome{Decision: DecisionEnqueue, JobID: id}, nil
		}
		e.logger.Warn("dispatch: enqueue failed, applying fallback", "kind", h.Kind(), "error", err)
		route = e.router.Fallback(req)
	}

	switch route.Decision {
	case DecisionRunInline:
		return e.runInline(ctx, who, h, payload, plan), nil
	default:
		return nil, route.Err
	}
}

func (e *Engine) newJob(who Identity, h Handler, payload Payload, plan Plan) *Job {
	return &Job{
		ID:             uuid.NewString(),
		Kind:           h.Kind(),
		Status:         JobStatusQueued,
		OwnerID:        who.UserID,
		Payload:        payload,
		CreatedAt:      time.Now(),
		Total:          plan.Total,
		TotalEstimated: plan.Estimated,
	}
}

func (e *Engine) enqueue(who Identity, h Handler, payload Payload, plan Plan) (string, error) {
	store := e.stores[h.Kind()]
	job := e.newJob(who, h, payload, plan)
	if err := store.Put(job); err != nil {
		return "", err
	}
	err := e.pool.Submit(func(ctx context.Context) {
		e.executor.Execute(ctx, store, h, job.ID)
	})
	if err != nil {
		store.Remove(job.ID)
		return "", err
	}
	e.logger.Info("job queued", "kind", job.Kind, "jobID", job.ID, "total", job.Total, "owner", job.OwnerID)
	return job.ID, nil
}

// runInline executes the job on the caller's goroutine against a throwaway
// store; nothing is registered.
func (e *Engine) runInline(ctx context.Context, who Identity, h Handler, payload Payload, plan Plan) *Outcome {
	store := NewStore(h.Kind(), Retention{}, e.logger)
	job := e.newJob(who, h, payload, plan)
	if err := store.Put(job); err != nil {
		return &Outcome{Decision: DecisionRunInline, Result: &Result{Kind: h.Kind(), Status: JobStatusFailed, ErrorMessage: err.Error()}}
	}
	final := e.executor.Execute(ctx, store, h, job.ID)
	return &Outcome{Decision: DecisionRunInline, Result: resultOf(final)}
}

// StatusView is the polling representation of a job.
type StatusView struct {
	ID              string        `json:"id"`
	Kind            JobKind       `json:"kind"`
	Status          JobStatus     `json:"status"`
	OwnerID         string        `json:"owner_id"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Total           int           `json:"total"`
	TotalEstimated  bool          `json:"total_estimated"`
	Processed       int           `json:"processed"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	ProgressPercent float64       `json:"progress_percent"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Detail          Detail        `json:"detail,omitempty"`
	Artifact        *ArtifactView `json:"artifact,omitempty"`
}

// ArtifactView describes the download of a completed export.
type ArtifactView struct {
	FileName  string `json:"file_name"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Available bool   `json:"available"`
}

func (e *Engine) view(job *Job) *StatusView {
	v := &StatusView{
		ID:              job.ID,
		Kind:            job.Kind,
		Status:          job.Status,
		OwnerID:         job.OwnerID,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Total:           job.Total,
		TotalEstimated:  job.TotalEstimated,
		Processed:       job.Processed,
		Succeeded:       job.Succeeded,
		Failed:          job.Failed,
		ProgressPercent: progressPercent(job.Processed, job.Total),
		ErrorMessage:    job.ErrorMessage,
		Detail:          job.Detail,
	}
	if job.Kind.ProducesArtifact() && job.Status == JobStatusCompleted {
		if d, ok := job.Detail.(ArtifactDetail); ok {
			_, err := e.artifacts.Fetch(job.ID)
			v.Artifact = &ArtifactView{
				FileName:  d.FileName,
				Size:      d.Size,
				SizeHuman: humanize.Bytes(uint64(d.Size)),
				Available: err == nil,
			}
		}
	}
	return v
}

func progressPercent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Status returns the current state of a job the caller may see.
func (e *Engine) Status(ctx context.Context, who Identity, kind JobKind, id string) (*StatusView, error) {
	job, err := e.authorizedJob(ctx, who, kind, id)
	if err != nil {
		return nil, err
	}
	return e.view(job), nil
}

// Cancel flags a queued or running job as cancelled. It returns false,
// without error, when the job had already finished.
func (e *Engine) Cancel(ctx context.Context, who Identity, kind JobKind, id string) (bool, error) {
	if _, err := e.authorizedJob(ctx, who, kind, id); err != nil {
		return false, err
	}
	cancelled, err := e.stores[kind].Cancel(id)
	if err != nil {
		return false, err
	}
	if cancelled {
		e.logger.Info("job cancel requested", "kind", kind, "jobID", id, "by", who.UserID)
	}
	return cancelled, nil
}

// ListRecent returns the caller's jobs of kind, queued and running first,
// then newest first. Administrators see every job.
func (e *Engine) ListRecent(who Identity, kind JobKind, limit int) ([]*StatusView, error) {
	store, ok := e.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	all := store.List(store.Len() + 1)
	views := make([]*StatusView, 0, limit)
	for _, job := range all {
		if !who.CanAccess(job.OwnerID) {
			continue
		}
		views = append(views, e.view(job))
		if len(views) == limit {
			break
		}
	}
	return views, nil
}

// Download hands out the artifact of a completed export exactly once. The
// file is deleted when the returned reader is closed.
func (e *Engine) Download(ctx context.Context, who Identity, kind JobKind, id string) (*Artifact, io.ReadCloser, error) {
	job, err := e.authorizedJob(ctx, who, kind, id)
	if err != nil {
		return nil, nil, err
	}
	if !kind.ProducesArtifact() {
		return nil, nil, fmt.Errorf("%w: %s jobs produce no file", ErrNotFound, kind)
	}
	if job.Status != JobStatusCompleted {
		return nil, nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, job.Status)
	}
	a, rc, err := e.artifacts.Open(id)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("artifact download", "kind", kind, "jobID", id, "by", who.UserID)
	return a, rc, nil
}

func (e *Engine) authorizedJob(ctx context.Context, who Identity, kind JobKind, id string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	store, ok := e.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	job, err := store.Get(id)
	if err != nil {
		return nil, err
	}
	if !who.CanAccess(job.OwnerID) {
		return nil, fmt.Errorf("%w: job %s", ErrForbidden, id)
	}
	return job, nil
}

// Thresholds returns the routing configuration in effect.
func (e *Engine) Thresholds() Thresholds { return e.router.Thresholds() }

// Close stops housekeeping, cancels running jobs, waits for the workers and
// closes the handoff storage.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.housekeeping.stop()
		e.pool.Close()
		err = e.handoff.Close()
	})
	return err
}
