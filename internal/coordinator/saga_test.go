package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStep struct {
	name       string
	execErr    error
	compErr    error
	trail      *[]string
	compCauses []error
}

func (s *recordingStep) Name() string { return s.name }

func (s *recordingStep) Execute(context.Context) error {
	*s.trail = append(*s.trail, "exec "+s.name)
	return s.execErr
}

func (s *recordingStep) Compensate(_ context.Context, cause error) error {
	*s.trail = append(*s.trail, "undo "+s.name)
	s.compCauses = append(s.compCauses, cause)
	return s.compErr
}

func TestOrchestratorRunsAllSteps(t *testing.T) {
	var trail []string
	a := &recordingStep{name: "a", trail: &trail}
	b := &recordingStep{name: "b", trail: &trail}

	err := NewOrchestrator(slog.New(slog.DiscardHandler), a, b).Start(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"exec a", "exec b"}, trail)
}

func TestOrchestratorRollsBackInReverseOrder(t *testing.T) {
	var trail []string
	boom := errors.New("boom")
	a := &recordingStep{name: "a", trail: &trail}
	b := &recordingStep{name: "b", trail: &trail, compErr: errors.New("stuck")}
	c := &recordingStep{name: "c", trail: &trail, execErr: boom}
	d := &recordingStep{name: "d", trail: &trail}

	err := NewOrchestrator(slog.New(slog.DiscardHandler), a, b, c, d).Start(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "c", stepErr.Step)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, stepErr.CompensationErr, "compensate b: stuck")
	assert.Equal(t, []string{"exec a", "exec b", "exec c", "undo b", "undo a"}, trail)
	assert.Equal(t, []error{boom}, a.compCauses)
}

func TestOrchestratorFirstStepFailureCompensatesNothing(t *testing.T) {
	var trail []string
	a := &recordingStep{name: "a", trail: &trail, execErr: errors.New("boom")}

	err := NewOrchestrator(slog.New(slog.DiscardHandler), a).Start(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.NoError(t, stepErr.CompensationErr)
	assert.Equal(t, []string{"exec a"}, trail)
}
