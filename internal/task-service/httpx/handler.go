package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/task-sagas/internal/coordinator"
	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/task-sagas/internal/pkg/workerpool"
	"github.com/jcmexdev/task-sagas/internal/task-service/domain"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	maxBodyBytes    = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type TaskSaga interface {
	Execute(ctx context.Context, input domain.NewTask, ownerID string) (coordinator.Result, error)
}

type TaskReader interface {
	Get(ctx context.Context, id string) (*domain.Task, error)
}

type SagaLogReader interface {
	Recent(ctx context.Context, limit int) ([]sagalog.Entry, error)
	History(ctx context.Context, sagaID string) ([]sagalog.Entry, error)
}

// EventRouter is implemented by *app.Router.
type EventRouter interface {
	Route(ctx context.Context, env events.Envelope) error
}

// Dispatcher is implemented by *workerpool.Pool.
type Dispatcher interface {
	Submit(name string, job workerpool.Job) error
}

// Handler serves the task service HTTP API.
type Handler struct {
	saga   TaskSaga
	tasks  TaskReader
	logs   SagaLogReader
	router EventRouter
	pool   Dispatcher
	logger *slog.Logger

	earlyBackOff func() backoff.BackOff
	earlyWithin  time.Duration
}

// Option customises a Handler.
type Option func(*Handler)

// WithEarlyOutcomeRetry sets how an outcome received over HTTP is retried
// while the coordinator answers coordinator.ErrOutcomeTooEarly, and for how
// long in total.
func WithEarlyOutcomeRetry(newBackOff func() backoff.BackOff, within time.Duration) Option {
	return func(h *Handler) {
		h.earlyBackOff = newBackOff
		h.earlyWithin = within
	}
}

func NewHandler(saga TaskSaga, tasks TaskReader, logs SagaLogReader, router EventRouter, pool Dispatcher, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		saga:   saga,
		tasks:  tasks,
		logs:   logs,
		router: router,
		pool:   pool,
		logger: logger,
		earlyBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		earlyWithin: coordinator.DefaultPublishGrace + 5*time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateTask runs the creation saga. It answers once task_created is
// confirmed by the broker; the notification outcome is never waited for.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ownerID := interceptors.UserID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-Id header is required")
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Detach from the request so a client hang-up cannot interrupt the
	// saga between the local write and its compensation.
	ctx := context.WithoutCancel(r.Context())

	res, err := h.saga.Execute(ctx, domain.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.TaskStatus(req.Status),
	}, ownerID)
	if err != nil {
		h.logger.ErrorContext(ctx, "task saga failed", "saga_id", res.SagaID, "owner_id", ownerID, "error", err)
		code := "saga_failed"
		switch {
		case errors.Is(err, coordinator.ErrTaskCreation):
			code = "task_creation_failed"
		case errors.Is(err, coordinator.ErrPublish):
			code = "publish_failed"
		}
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: code, Message: err.Error(), SagaID: res.SagaID})
		return
	}

	writeJSON(w, http.StatusCreated, mapTaskToResponse(res.Task))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.tasks.Get(r.Context(), id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task_not_found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapTaskToResponse(task))
}

// ListSagaLogs returns the most recent saga log entries, newest first.
func (h *Handler) ListSagaLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := h.logs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_logs_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapEntries(entries))
}

// GetSagaHistory returns the ordered history of one saga and its current state.
func (h *Handler) GetSagaHistory(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	entries, err := h.logs.History(r.Context(), sagaID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_logs_unavailable", err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "saga_not_found", sagaID)
		return
	}

	state := entries[len(entries)-1].Status
	writeJSON(w, http.StatusOK, SagaHistoryResponse{
		SagaID:   sagaID,
		State:    string(state),
		Terminal: state.IsTerminal(),
		Valid:    sagalog.ValidateHistory(entries) == nil,
		Entries:  mapEntries(entries),
	})
}

// ReceiveEvent is the deprecated HTTP callback for outcome events. The
// broker queue is the supported path; this endpoint only hands the event to
// the same router on a worker and answers 202. There is no queue to requeue
// into here, so an outcome that arrives before the publish was recorded is
// retried on the worker until the publish grace has passed.
func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	env, err := events.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_event", err.Error())
		return
	}

	h.logger.WarnContext(r.Context(), "outcome received over deprecated HTTP callback", "type", env.Type)

	link := trace.SpanContextFromContext(r.Context())
	err = h.pool.Submit("event:"+env.Type, func(ctx context.Context) error {
		return h.routeOutcome(trace.ContextWithSpanContext(ctx, link), env)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, EventAcceptedResponse{Status: "accepted", Type: env.Type})
}

func (h *Handler) routeOutcome(ctx context.Context, env events.Envelope) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := h.router.Route(ctx, env)
		if err != nil && !errors.Is(err, coordinator.ErrOutcomeTooEarly) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(h.earlyBackOff()),
		backoff.WithMaxElapsedTime(h.earlyWithin),
		backoff.WithNotify(func(_ error, next time.Duration) {
			h.logger.InfoContext(ctx, "outcome arrived before publish was recorded, retrying", "type", env.Type, "retry_in", next)
		}),
	)
	return err
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func mapTaskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Code:        t.Code,
		Title:       t.Title,
		Description: t.Description,
		OwnerID:     t.OwnerID,
		Status:      string(t.Status),
		SagaID:      t.SagaID,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func mapEntries(entries []sagalog.Entry) []SagaLogResponse {
	out := make([]SagaLogResponse, len(entries))
	for i, e := range entries {
		out[i] = SagaLogResponse{
			SagaID:    e.SagaID,
			Status:    string(e.Status),
			Step:      e.Step,
			Details:   e.Details,
			TraceID:   e.TraceID,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
