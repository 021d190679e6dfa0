package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ent0n29/funnelbot/internal/config"
	"github.com/ent0n29/funnelbot/internal/observability"
	"github.com/ent0n29/funnelbot/internal/orchestrator"
	"github.com/ent0n29/funnelbot/internal/outbox"
)

// TurnHandler drives one inbound turn.
type TurnHandler interface {
	Handle(ctx context.Context, contactID, text string) []orchestrator.OutgoingAction
}

// Outbox is the part of the outbox the API exposes.
type Outbox interface {
	Publish(ctx context.Context, job outbox.Job) error
	QueueSize(ctx context.Context) (int, error)
	Mode() string
	Running() bool
}

type Options struct {
	Turns   TurnHandler
	Outbox  Outbox
	Metrics *observability.Metrics
	// Console serves the websocket console channel; nil disables it.
	Console http.Handler
	// Backends names the storage mode of each component for /readyz.
	Backends map[string]string
}

type Server struct {
	cfg      config.Config
	turns    TurnHandler
	outbox   Outbox
	metrics  *observability.Metrics
	console  http.Handler
	backends map[string]string
}

func New(cfg config.Config, opts Options) *Server {
	return &Server{
		cfg:      cfg,
		turns:    opts.Turns,
		outbox:   opts.Outbox,
		metrics:  opts.Metrics,
		console:  opts.Console,
		backends: opts.Backends,
	}
}

// CheckOrigin builds the websocket origin policy. By default only same-origin
// browsers and clients without an Origin header may connect.
func CheckOrigin(allowAny bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.cfg.AllowAnyOrigin {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/v1/inbound", s.handleInbound)
	r.Post("/v1/outbox/jobs", s.handlePublish)
	r.Get("/v1/outbox/size", s.handleQueueSize)
	r.Get("/v1/perf/turns", s.handlePerfTurns)
	r.Get("/v1/console/ws", s.handleConsole)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	running := s.outbox != nil && s.outbox.Running()
	status, code := "ready", http.StatusOK
	if !running {
		status, code = "starting", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":         status,
		"outbox_running": running,
		"backends":       s.backends,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "metrics not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

type inboundRequest struct {
	ContactID string `json:"contact_id"`
	Text      string `json:"text"`
}

type inboundResponse struct {
	ContactID string                        `json:"contact_id"`
	Actions   []orchestrator.OutgoingAction `json:"actions"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
		return
	}
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req inboundRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ContactID = strings.TrimSpace(req.ContactID)
	if req.ContactID == "" {
		respondError(w, http.StatusBadRequest, "missing_contact_id", "contact_id is required")
		return
	}

	// A turn runs to completion even if the caller hangs up.
	actions := s.turns.Handle(context.WithoutCancel(r.Context()), req.ContactID, req.Text)
	if actions == nil {
		actions = []orchestrator.OutgoingAction{}
	}
	respondJSON(w, http.StatusOK, inboundResponse{ContactID: req.ContactID, Actions: actions})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
		return
	}
	if s.outbox == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "outbox not configured")
		return
	}
	var job outbox.Job
	if err := decodeJSON(r, &job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	job.ID = uuid.NewString()
	job.EnqueuedAt = time.Time{}

	if err := s.outbox.Publish(r.Context(), job); err != nil {
		if errors.Is(err, outbox.ErrInvalidJob) {
			respondError(w, http.StatusBadRequest, "invalid_job", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "publish_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"id": job.ID})
}

func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	if s.outbox == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "outbox not configured")
		return
	}
	n, err := s.outbox.QueueSize(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"size": n, "mode": s.outbox.Mode()})
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if s.console == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "console channel not enabled")
		return
	}
	s.console.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.WebhookSecret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) == 1
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
