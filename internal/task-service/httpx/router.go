package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jcmexdev/task-sagas/internal/pkg/interceptors"
)

func NewRouter(handler *Handler, service string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(interceptors.RequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", handler.CreateTask)
		r.Get("/saga-logs", handler.ListSagaLogs)
		r.Get("/saga-logs/{sagaID}", handler.GetSagaHistory)
		r.Post("/events", handler.ReceiveEvent)
		r.Get("/{id}", handler.GetTask)
	})

	return otelhttp.NewHandler(r, service)
}
