package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Step represents a single unit of work in the saga.
// Each step must have a compensating action to undo its effects.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	// Compensate undoes a successful Execute. cause is the error of the
	// later step that made the rollback necessary.
	Compensate(ctx context.Context, cause error) error
}

// StepError reports which step failed and how the rollback went.
type StepError struct {
	Step string
	Err  error
	// CompensationErr joins the errors of every compensation that failed.
	CompensationErr error
}

func (e *StepError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("step %s: %v (compensation: %v)", e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Orchestrator runs a collection of Steps in order.
type Orchestrator struct {
	steps  []Step
	logger *slog.Logger
}

func NewOrchestrator(logger *slog.Logger, steps ...Step) *Orchestrator {
	return &Orchestrator{steps: steps, logger: logger}
}

// Start runs the steps sequentially. If a step fails, every previously
// successful step is compensated in reverse order and a *StepError is
// returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	var done []Step

	for _, step := range o.steps {
		o.logger.DebugContext(ctx, "executing step", "step", step.Name())
		if err := step.Execute(ctx); err != nil {
			o.logger.WarnContext(ctx, "step failed, starting rollback", "step", step.Name(), "error", err)
			return &StepError{
				Step:            step.Name(),
				Err:             err,
				CompensationErr: o.rollback(ctx, done, err),
			}
		}
		done = append(done, step)
	}
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, steps []Step, cause error) error {
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		o.logger.InfoContext(ctx, "compensating step", "step", step.Name())
		if err := step.Compensate(ctx, cause); err != nil {
			o.logger.ErrorContext(ctx, "CRITICAL: failed to compensate step", "step", step.Name(), "error", err)
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.Name(), err))
		}
	}
	return errors.Join(errs...)
}
