package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/jcmexdev/task-sagas/internal/coordinator")

var (
	sagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_transitions_total",
		Help: "Saga log entries written, by status",
	}, []string{"status"})

	outcomesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_outcomes_ignored_total",
		Help: "Outcome events that did not change saga state, by event type and reason",
	}, []string{"type", "reason"})
)
