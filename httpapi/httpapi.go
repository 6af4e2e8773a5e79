// Package httpapi exposes the job engine over HTTP with gin.
//
// Authentication happens upstream; the authenticated user arrives in the
// X-User-Id header and an optional X-User-Role: admin header.
package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mailarchive/mailjobs"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

// API serves the job engine.
type API struct {
	engine *mailjobs.Engine
	logger *slog.Logger
}

// New returns an API backed by engine.
func New(engine *mailjobs.Engine, logger *slog.Logger) *API {
	return &API{engine: engine, logger: logger}
}

// Router builds a gin engine with every route registered.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	a.Register(router.Group("/"))
	return router
}

// Register adds the job routes to r.
func (a *API) Register(r gin.IRouter) {
	g := r.Group("/", identity())
	g.POST("/jobs/:kind", a.submit)
	g.GET("/jobs/:kind", a.list)
	g.GET("/jobs/:kind/:id", a.status)
	g.POST("/jobs/:kind/:id/cancel", a.cancel)
	g.GET("/jobs/:kind/:id/download", a.download)
	g.POST("/staged/:kind", a.stage)
	g.POST("/staged/:kind/:token", a.submitStaged)
}

// identity turns the upstream auth headers into a mailjobs.Identity.
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID})
			return
		}
		who := mailjobs.Identity{UserID: userID, Admin: c.GetHeader(HeaderUserRole) == roleAdmin}
		c.Request = c.Request.WithContext(mailjobs.WithIdentity(c.Request.Context(), who))
		c.Next()
	}
}

func who(c *gin.Context) mailjobs.Identity {
	id, _ := mailjobs.IdentityFrom(c.Request.Context())
	return id
}

func (a *API) kind(c *gin.Context) (mailjobs.JobKind, bool) {
	kind, err := mailjobs.ParseKind(c.Param("kind"))
	if err != nil {
		a.fail(c, fmt.Errorf("%w: %q", err, c.Param("kind")))
		return "", false
	}
	return kind, true
}

// newPayload returns an empty payload of kind to decode a request body into.
func newPayload(kind mailjobs.JobKind) mailjobs.Payload {
	switch kind {
	case mailjobs.KindRestore:
		return &mailjobs.RestorePayload{}
	case mailjobs.KindSync:
		return &mailjobs.SyncPayload{}
	case mailjobs.KindImport:
		return &mailjobs.ImportPayload{}
	case mailjobs.KindExport:
		return &mailjobs.ExportPayload{}
	case mailjobs.KindSelectionExport:
		return &mailjobs.SelectionExportPayload{}
	case mailjobs.KindDeletion:
		return &mailjobs.DeletionPayload{}
	}
	return nil
}

func (a *API) bindPayload(c *gin.Context) (mailjobs.Payload, bool) {
	kind, ok := a.kind(c)
	if !ok {
		return nil, false
	}
	payload := newPayload(kind)
	if err := c.ShouldBindJSON(payload); err != nil && !errors.Is(err, io.EOF) {
		a.fail(c, fmt.Errorf("%w: %v", mailjobs.ErrInvalidPayload, err))
		return nil, false
	}
	return payload, true
}

func (a *API) submit(c *gin.Context) {
	payload, ok := a.bindPayload(c)
	if !ok {
		return
	}
	outcome, err := a.engine.Submit(c.Request.Context(), who(c), payload)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.respondOutcome(c, payload.Kind(), outcome)
}

func (a *API) respondOutcome(c *gin.Context, kind mailjobs.JobKind, outcome *mailjobs.Outcome) {
	if outcome.Decision == mailjobs.DecisionEnqueue {
		c.Header("Location", fmt.Sprintf("/jobs/%s/%s", kind, outcome.JobID))
		c.JSON(http.StatusAccepted, outcome)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (a *API) stage(c *gin.Context) {
	payload, ok := a.bindPayload(c)
	if !ok {
		return
	}
	staged, err := a.engine.Stage(c.Request.Context(), who(c), payload)
	if err != nil {
		a.fail(c, err)
		return
	}
	if staged.Outcome != nil {
		a.respondOutcome(c, payload.Kind(), staged.Outcome)
		return
	}
	c.JSON(http.StatusCreated, staged)
}

func (a *API) submitStaged(c *gin.Context) {
	payload, ok := a.bindPayload(c)
	if !ok {
		return
	}
	outcome, err := a.engine.SubmitStaged(c.Request.Context(), who(c), c.Param("token"), payload)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.respondOutcome(c, payload.Kind(), outcome)
}

func (a *API) list(c *gin.Context) {
	kind, ok := a.kind(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.fail(c, fmt.Errorf("%w: limit %q", mailjobs.ErrInvalidPayload, raw))
			return
		}
		limit = n
	}
	views, err := a.engine.ListRecent(who(c), kind, limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (a *API) status(c *gin.Context) {
	kind, ok := a.kind(c)
	if !ok {
		return
	}
	view, err := a.engine.Status(c.Request.Context(), who(c), kind, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) cancel(c *gin.Context) {
	kind, ok := a.kind(c)
	if !ok {
		return
	}
	cancelled, err := a.engine.Cancel(c.Request.Context(), who(c), kind, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (a *API) download(c *gin.Context) {
	kind, ok := a.kind(c)
	if !ok {
		return
	}
	artifact, rc, err := a.engine.Download(c.Request.Context(), who(c), kind, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, artifact.Size, artifact.ContentType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", artifact.FileName),
	})
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, mailjobs.ErrEmptySelection),
		errors.Is(err, mailjobs.ErrInvalidPayload),
		errors.Is(err, mailjobs.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, mailjobs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, mailjobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mailjobs.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, mailjobs.ErrGone), errors.Is(err, mailjobs.ErrExpired):
		return http.StatusGone
	case errors.Is(err, mailjobs.ErrTooManyItems), errors.Is(err, mailjobs.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, mailjobs.ErrWorkersUnavailable),
		errors.Is(err, mailjobs.ErrPoolSaturated),
		errors.Is(err, mailjobs.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	a.logger.Debug("request rejected", "method", c.Request.Method, "path", c.FullPath(), "status", code, "error", err)
	c.JSON(code, gin.H{"error": err.Error()})
}
