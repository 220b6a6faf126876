// Package scheduler runs recurring tasks from a single timer goroutine.
// Each task follows a small state machine (unscheduled, scheduled,
// cancelled) guarded by its own lock; the lock order is task then
// scheduler.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrStarted is returned by Start on a scheduler that is already running.
var ErrStarted = errors.New("scheduler: already started")

// entry is one armed run of a task.
type entry struct {
	at        time.Time
	seq       uint64
	task      *Task
	index     int
	cancelled atomic.Bool
}

// entryHeap is a min-heap ordered by run time, then arming order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler fires armed tasks at their run times. Work runs on its own
// goroutine so a slow task never delays the timer loop; a task is re-armed
// only after its run returns, so runs of one task never overlap.
type Scheduler struct {
	logger hclog.Logger

	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}

	wake chan struct{}
	runs sync.WaitGroup
}

// New returns a stopped Scheduler.
func New(logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{
		logger: logger.Named("scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

// Schedule arms task with iter. If iter yields no first run time the task
// is cancelled without ever running. Scheduling a task twice is an error.
func (s *Scheduler) Schedule(task *Task, iter Iterator) error {
	task.mu.Lock()
	defer task.mu.Unlock()

	if task.state != StateUnscheduled {
		return task.transition(StateUnscheduled, StateScheduled)
	}
	task.iter = iter

	at, ok := iter.Next(time.Now())
	if !ok {
		s.logger.Debug("task has no run time", "task", task.Name, "id", task.ID)
		return task.transition(StateUnscheduled, StateCancelled)
	}
	if err := task.transition(StateUnscheduled, StateScheduled); err != nil {
		return err
	}
	s.arm(task, at)
	s.logger.Debug("task scheduled", "task", task.Name, "id", task.ID, "at", at)
	return nil
}

// Cleanup cancels task. A run already in progress completes, but nothing
// further is armed. Cleanup of a cancelled task is a no-op.
func (s *Scheduler) Cleanup(task *Task) {
	task.mu.Lock()
	defer task.mu.Unlock()

	if task.state == StateCancelled {
		return
	}
	task.state = StateCancelled
	if e := task.armed; e != nil {
		task.armed = nil
		e.cancelled.Store(true)
		s.mu.Lock()
		if e.index >= 0 {
			heap.Remove(&s.entries, e.index)
		}
		s.mu.Unlock()
		s.notify()
	}
	s.logger.Debug("task cancelled", "task", task.Name, "id", task.ID)
}

// arm queues a run of task at at. Callers hold task.mu.
func (s *Scheduler) arm(task *Task, at time.Time) {
	s.mu.Lock()
	s.seq++
	e := &entry{at: at, seq: s.seq, task: task}
	heap.Push(&s.entries, e)
	s.mu.Unlock()

	task.armed = e
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the timer loop. Tasks scheduled before Start fire once it
// runs. The loop stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop halts the timer loop, cancels the context passed to running work
// and waits for that work to return. Armed tasks stay scheduled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.runs.Wait()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		s.mu.Lock()
		if len(s.entries) > 0 {
			d := time.Until(s.entries[0].at)
			if d <= 0 {
				e := heap.Pop(&s.entries).(*entry)
				s.mu.Unlock()
				s.fire(ctx, e)
				continue
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if e.cancelled.Load() {
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.run(ctx, e)
	}()
}

// run executes one firing of e's task and re-arms it.
func (s *Scheduler) run(ctx context.Context, e *entry) {
	task := e.task

	task.mu.Lock()
	if task.state == StateCancelled || task.armed != e {
		task.mu.Unlock()
		return
	}
	task.armed = nil
	task.runs++
	task.mu.Unlock()

	s.invoke(ctx, task)

	task.mu.Lock()
	defer task.mu.Unlock()

	if task.state == StateCancelled {
		return
	}
	if ctx.Err() != nil {
		// Stopped; the task stays scheduled but is not re-armed.
		return
	}
	next, ok := task.iter.Next(time.Now())
	if !ok {
		_ = task.transition(StateScheduled, StateCancelled)
		s.logger.Debug("task finished", "task", task.Name, "id", task.ID, "runs", task.runs)
		return
	}
	s.arm(task, next)
}

func (s *Scheduler) invoke(ctx context.Context, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", task.Name, "id", task.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task.work(ctx)
}
