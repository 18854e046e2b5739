package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/pkg/workerpool"
)

type fakeRouter struct {
	mu     sync.Mutex
	routed []events.Envelope
}

func (f *fakeRouter) Route(_ context.Context, env events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, env)
	return nil
}

type inlinePool struct{ err error }

func (p inlinePool) Submit(_ string, job workerpool.Job) error {
	if p.err != nil {
		return p.err
	}
	_ = job(context.Background())
	return nil
}

func newServer(router EventRouter, pool Dispatcher) http.Handler {
	return NewRouter(NewHandler(router, pool, slog.New(slog.DiscardHandler)), "notification-service-test")
}

func post(srv http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

const taskCreatedBody = `{"type":"task_created","payload":{"task_id":"t1","user_id":"42","title":"x","saga_id":"s1"}}`

func TestReceiveEventDispatches(t *testing.T) {
	router := &fakeRouter{}
	rec := post(newServer(router, inlinePool{}), taskCreatedBody)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))
	require.Len(t, router.routed, 1)
	assert.Equal(t, events.TypeTaskCreated, router.routed[0].Type)
}

func TestReceiveEventRejectsMalformed(t *testing.T) {
	router := &fakeRouter{}
	srv := newServer(router, inlinePool{})

	for _, body := range []string{`not json`, `{"payload":{}}`} {
		rec := post(srv, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, router.routed)
}

func TestReceiveEventWhenBusy(t *testing.T) {
	rec := post(newServer(&fakeRouter{}, inlinePool{err: workerpool.ErrQueueFull}), taskCreatedBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(&fakeRouter{}, inlinePool{})

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
