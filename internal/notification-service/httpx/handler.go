package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/pkg/workerpool"
)

const maxBodyBytes = 1 << 20

// EventRouter is implemented by *app.Router.
type EventRouter interface {
	Route(ctx context.Context, env events.Envelope) error
}

// Dispatcher is implemented by *workerpool.Pool.
type Dispatcher interface {
	Submit(name string, job workerpool.Job) error
}

type Handler struct {
	router EventRouter
	pool   Dispatcher
	logger *slog.Logger
}

func NewHandler(router EventRouter, pool Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{router: router, pool: pool, logger: logger}
}

type acceptedResponse struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ReceiveEvent accepts task_created over HTTP. It is kept for callers that
// predate the broker and answers 202 before the event is processed; the
// outcome still goes out through the broker.
func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body", Message: err.Error()})
		return
	}
	env, err := events.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed_event", Message: err.Error()})
		return
	}

	h.logger.WarnContext(r.Context(), "event received over deprecated HTTP endpoint", "type", env.Type)

	link := trace.SpanContextFromContext(r.Context())
	err = h.pool.Submit("event:"+env.Type, func(ctx context.Context) error {
		return h.router.Route(trace.ContextWithSpanContext(ctx, link), env)
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "busy", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Type: env.Type})
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
