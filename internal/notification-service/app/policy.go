package app

import (
	"math/rand/v2"
	"sync"

	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

// Decision is what a FailurePolicy chose for one task.
type Decision struct {
	Fail   bool
	Reason string
}

// FailurePolicy decides whether delivering a notification should fail. It
// exists to exercise the saga's compensation path on demand.
type FailurePolicy interface {
	Decide(evt events.TaskCreated) Decision
}

// PolicyFunc adapts a function to FailurePolicy.
type PolicyFunc func(evt events.TaskCreated) Decision

func (f PolicyFunc) Decide(evt events.TaskCreated) Decision { return f(evt) }

func AlwaysSucceed() FailurePolicy {
	return PolicyFunc(func(events.TaskCreated) Decision { return Decision{} })
}

func AlwaysFail(reason string) FailurePolicy {
	return PolicyFunc(func(events.TaskCreated) Decision { return Decision{Fail: true, Reason: reason} })
}

var failureReasons = []string{"timeout", "smtp unavailable", "recipient rejected"}

// FailureRate fails a fraction rate of notifications, drawing from rnd.
// rate <= 0 never fails and rate >= 1 always does.
func FailureRate(rate float64, rnd *rand.Rand) FailurePolicy {
	var mu sync.Mutex
	return PolicyFunc(func(events.TaskCreated) Decision {
		mu.Lock()
		defer mu.Unlock()
		if rnd.Float64() >= rate {
			return Decision{}
		}
		return Decision{Fail: true, Reason: failureReasons[rnd.IntN(len(failureReasons))]}
	})
}
