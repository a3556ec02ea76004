// Package webhook provides the HTTP surface of the orchestrator: the push
// webhook that triggers runs and the read API for run status.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
	"github.com/slipway-ci/slipway/internal/shell/runner"
	"github.com/slipway-ci/slipway/internal/shell/store"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with "sha256=", as GitHub sends it.
const signatureHeader = "X-Hub-Signature-256"

// maxPayloadBytes bounds webhook request bodies.
const maxPayloadBytes = 1 << 20

// Enqueuer schedules a run for execution.
type Enqueuer interface {
	Enqueue(run *pipeline.Run, pl *pipeline.Pipeline) error
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the webhook and the run API.
type Handler struct {
	store    store.Store
	enqueuer Enqueuer
	pipeline *pipeline.Pipeline
	secret   []byte
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. secret signs incoming webhook
// payloads; an empty secret disables signature verification.
func NewHandler(s store.Store, e Enqueuer, pl *pipeline.Pipeline, secret string, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		store:    s,
		enqueuer: e,
		pipeline: pl,
		secret:   []byte(secret),
		logger:   l.With("component", "webhook"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)

	// Health endpoint
	r.Get("/health", h.handleHealth)

	// Webhook endpoint
	r.Post("/hooks/push", h.handlePush)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.handleCreateRun)
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
			r.Get("/number/{number}", h.handleGetRunByNumber)
		})
	})

	return r
}

// jsonContentType sets the JSON content type on all responses.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// PushEvent is the webhook payload that triggers a run.
type PushEvent struct {
	Ref   string `json:"ref"`   // e.g. "refs/heads/main"
	After string `json:"after"` // commit SHA
}

// CreateRunRequest triggers a run manually, outside the webhook flow.
type CreateRunRequest struct {
	CommitSHA string `json:"commit_sha,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// RunDetail is a run together with its stage results.
type RunDetail struct {
	Run    pipeline.Run           `json:"run"`
	Stages []pipeline.StageResult `json:"stages"`
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// handlePush verifies the payload signature, records a run, and queues it.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body", "bad_request")
		return
	}

	if len(h.secret) > 0 {
		if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
			h.logger.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
			h.writeError(w, http.StatusUnauthorized, "signature mismatch", "unauthorized")
			return
		}
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", "bad_request")
		return
	}

	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	run := pipeline.NewRun(h.pipeline.Name, event.After, branch)

	if err := h.store.CreateRun(r.Context(), run); err != nil {
		h.logger.Error("failed to create run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create run", "internal")
		return
	}

	if err := h.enqueuer.Enqueue(run, h.pipeline); err != nil {
		h.failUnqueuedRun(r.Context(), run, err)
		if errors.Is(err, runner.ErrQueueFull) {
			h.writeError(w, http.StatusServiceUnavailable, "run queue is full", "queue_full")
			return
		}
		h.logger.Error("failed to enqueue run", "run", run.Number, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue run", "internal")
		return
	}

	h.logger.Info("run accepted", "run", run.Number, "branch", branch, "commit", event.After)
	h.writeJSON(w, http.StatusAccepted, run)
}

// handleCreateRun triggers a run manually. Unlike the webhook it carries no
// signature; it is the operator-facing trigger on the local API.
func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", "bad_request")
		return
	}

	run := pipeline.NewRun(h.pipeline.Name, req.CommitSHA, req.Branch)

	if err := h.store.CreateRun(r.Context(), run); err != nil {
		h.logger.Error("failed to create run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create run", "internal")
		return
	}

	if err := h.enqueuer.Enqueue(run, h.pipeline); err != nil {
		h.failUnqueuedRun(r.Context(), run, err)
		if errors.Is(err, runner.ErrQueueFull) {
			h.writeError(w, http.StatusServiceUnavailable, "run queue is full", "queue_full")
			return
		}
		h.logger.Error("failed to enqueue run", "run", run.Number, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue run", "internal")
		return
	}

	h.logger.Info("run triggered manually", "run", run.Number)
	h.writeJSON(w, http.StatusAccepted, run)
}

// failUnqueuedRun marks a run that was persisted but never queued as failed,
// so it cannot linger pending forever.
func (h *Handler) failUnqueuedRun(ctx context.Context, run *pipeline.Run, cause error) {
	if err := run.TransitionToFailed("enqueue: " + cause.Error()); err != nil {
		h.logger.Error("failed to transition unqueued run", "run", run.Number, "error", err)
		return
	}
	if err := h.store.UpdateRun(ctx, run); err != nil {
		h.logger.Error("failed to persist unqueued run", "run", run.Number, "error", err)
	}
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal")
		return
	}
	h.writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "run not found")
		return
	}
	h.writeRunDetail(w, r, run)
}

func (h *Handler) handleGetRunByNumber(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "run number must be an integer", "bad_request")
		return
	}

	run, err := h.store.GetRunByNumber(r.Context(), number)
	if err != nil {
		h.writeStoreError(w, err, "run not found")
		return
	}
	h.writeRunDetail(w, r, run)
}

func (h *Handler) writeRunDetail(w http.ResponseWriter, r *http.Request, run *pipeline.Run) {
	stages, err := h.store.ListStageResults(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("failed to list stage results", "run", run.Number, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list stage results", "internal")
		return
	}
	h.writeJSON(w, http.StatusOK, RunDetail{Run: *run, Stages: stages})
}

// =============================================================================
// Helpers
// =============================================================================

// verifySignature checks the "sha256=<hex>" HMAC of the body.
func (h *Handler) verifySignature(body []byte, header string) bool {
	hexDigest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, notFoundMessage string) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, notFoundMessage, "not_found")
		return
	}
	h.logger.Error("store error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal error", "internal")
}

// Signature computes the "sha256=<hex>" signature for a payload. Callers
// configuring the sender side use it to sign outgoing test deliveries.
func Signature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
