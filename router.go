package mailjobs

import "fmt"

// Decision is the router's verdict for one request.
type Decision string

const (
	DecisionReject    Decision = "reject"
	DecisionRunInline Decision = "run_inline"
	DecisionEnqueue   Decision = "enqueue"
)

// Thresholds configure routing. They come from configuration; the router
// does not assume MaxSyncItems <= AsyncThreshold.
type Thresholds struct {
	AsyncThreshold int // above this many items a request is deferred
	MaxSyncItems   int // hard ceiling for running inline
	MaxAsyncItems  int // hard ceiling for any single operation
}

// RouteRequest describes one request to route.
type RouteRequest struct {
	Items      int  // number of work items (exact or estimated)
	ForceAsync bool // the kind never runs inline (exports, imports, sync, deletion)
	HandoffOK  bool // the id list can be carried to the inline step
	WorkersUp  bool // the worker pool accepts submissions
}

// Route is the outcome of routing.
type Route struct {
	Decision Decision
	Err      error // reason for DecisionReject, wraps a sentinel
}

// Router decides between rejecting, running inline, and enqueueing.
type Router struct {
	thresholds Thresholds
}

// NewRouter creates a router with the given thresholds.
func NewRouter(t Thresholds) *Router {
	return &Router{thresholds: t}
}

// Thresholds returns the configured thresholds.
func (r *Router) Thresholds() Thresholds { return r.thresholds }

// Route evaluates the policy in order: empty, over the maximum, deferred,
// inline.
func (r *Router) Route(req RouteRequest) Route {
	t := r.thresholds
	switch {
	case req.Items <= 0:
		return Route{Decision: DecisionReject, Err: ErrEmptySelection}
	case t.MaxAsyncItems > 0 && req.Items > t.MaxAsyncItems:
		return Route{
			Decision: DecisionReject,
			Err:      fmt.Errorf("%w: %d items, limit %d", ErrTooManyItems, req.Items, t.MaxAsyncItems),
		}
	}

	if req.Items > t.AsyncThreshold || req.ForceAsync || !req.HandoffOK || !r.inlineSafe(req.Items) {
		if req.WorkersUp {
			return Route{Decision: DecisionEnqueue}
		}
		return r.fallbackInline(req)
	}
	return Route{Decision: DecisionRunInline}
}

// Fallback is applied when an Enqueue decision could not be carried out
// because the pool refused the job.
func (r *Router) Fallback(req RouteRequest) Route {
	return r.fallbackInline(req)
}

func (r *Router) fallbackInline(req RouteRequest) Route {
	if !req.ForceAsync && req.HandoffOK && r.inlineSafe(req.Items) {
		return Route{Decision: DecisionRunInline}
	}
	return Route{
		Decision: DecisionReject,
		Err:      fmt.Errorf("%w: %d items cannot run inline", ErrWorkersUnavailable, req.Items),
	}
}

func (r *Router) inlineSafe(items int) bool {
	return r.thresholds.MaxSyncItems <= 0 || items <= r.thresholds.MaxSyncItems
}
