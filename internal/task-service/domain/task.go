package domain

import (
	"crypto/rand"
	"errors"
	"time"
)

// ErrTaskNotFound is returned when no task has the requested id.
var ErrTaskNotFound = errors.New("task not found")

type Task struct {
	ID          string
	Code        string
	Title       string
	Description string
	OwnerID     string
	Status      TaskStatus
	// SagaID is the saga attempt that created the task. It never changes.
	SagaID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TaskStatus string

const (
	StatusTodo  TaskStatus = "todo"
	StatusDoing TaskStatus = "doing"
	StatusDone  TaskStatus = "done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

// NewTask is the input of a creation attempt.
type NewTask struct {
	Title       string
	Description string
	Status      TaskStatus
}

// CodeGenerator returns a candidate human-readable task code. Candidates may
// collide; the store retries with a fresh one.
type CodeGenerator func() string

const (
	codePrefix = "TSK-"
	codeLength = 6
	// no 0/O or 1/I
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// RandomCode draws a code such as TSK-7QH2MX.
func RandomCode() string {
	buf := make([]byte, codeLength)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return codePrefix + string(buf)
}
