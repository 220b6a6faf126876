package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Task.
type State int

const (
	StateUnscheduled State = iota
	StateScheduled
	// StateCancelled is terminal.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateUnscheduled:
		return "unscheduled"
	case StateScheduled:
		return "scheduled"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task is a unit of recurring work. A Task is scheduled at most once and
// cannot be revived after it is cancelled.
type Task struct {
	ID   string
	Name string

	work func(ctx context.Context)

	mu    sync.Mutex
	state State
	iter  Iterator
	armed *entry
	runs  int
}

// NewTask returns an unscheduled task running work.
func NewTask(name string, work func(ctx context.Context)) *Task {
	return &Task{ID: uuid.NewString(), Name: name, work: work}
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Runs returns how many times the work has been started.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// transition moves the task from one state to another. Callers hold t.mu.
func (t *Task) transition(from, to State) error {
	if t.state != from {
		return fmt.Errorf("scheduler: task %s: expected %s, got %s", t.Name, from, t.state)
	}
	if !allowed(from, to) {
		return fmt.Errorf("scheduler: task %s: disallowed transition %s -> %s", t.Name, from, to)
	}
	t.state = to
	return nil
}

func allowed(from, to State) bool {
	switch from {
	case StateUnscheduled:
		return to == StateScheduled || to == StateCancelled
	case StateScheduled:
		return to == StateScheduled || to == StateCancelled
	default:
		return false
	}
}
