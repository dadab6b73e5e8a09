package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/marusama/semaphore/v2"
)

// ExecFunc runs one task to completion. The scheduler calls it with the
// task's own context, which is canceled when the task is replaced or the
// scheduler shuts down.
type ExecFunc func(ctx context.Context, task *Task) error

// DoneFunc observes a finished task and its outcome.
type DoneFunc func(task *Task, err error)

// Scheduler dispatches tasks under a global concurrency limit. Queued
// tasks run in submission order, except tasks resuming a persisted
// session, which run before fresh ones. At most one task per
// (drive, path) runs at a time; submitting a task for a path that is
// already queued or running cancels and replaces the old one.
type Scheduler struct {
	sem    semaphore.Semaphore
	exec   ExecFunc
	done   DoneFunc
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*Task
	running map[string]*Task
	wake    chan struct{}

	parent context.Context
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler limited to maxParallel concurrent
// tasks. done may be nil.
func NewScheduler(maxParallel int, exec ExecFunc, done DoneFunc, logger *slog.Logger) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Scheduler{
		sem:     semaphore.New(maxParallel),
		exec:    exec,
		done:    done,
		logger:  logger,
		running: make(map[string]*Task),
		wake:    make(chan struct{}, 1),
	}
}

// SetLimit changes the global concurrency limit at runtime. Raising the
// limit releases waiting dispatches immediately.
func (s *Scheduler) SetLimit(maxParallel int) {
	if maxParallel < 1 {
		maxParallel = 1
	}

	s.sem.SetLimit(maxParallel)
}

func taskKey(driveID, path string) string {
	return driveID + "\x00" + path
}

// Submit queues a task. An existing task for the same (drive, path) is
// canceled and replaced: if it is still queued it is removed outright, if
// it is running its context is canceled and the new task waits for the
// slot.
func (s *Scheduler) Submit(task *Task) {
	key := taskKey(task.DriveID, task.Action.Path)

	s.mu.Lock()

	for i, queued := range s.queue {
		if taskKey(queued.DriveID, queued.Action.Path) == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.logger.Debug("replaced queued task",
				"drive", task.DriveID, "path", task.Action.Path)

			break
		}
	}

	if active, ok := s.running[key]; ok {
		s.logger.Debug("canceling running task for replacement",
			"drive", task.DriveID, "path", task.Action.Path)
		active.cancel()
	}

	s.queue = append(s.queue, task)
	s.mu.Unlock()

	s.signal()
}

// CancelPrefix cancels every queued and running task for the drive whose
// path equals prefix or lies under it.
func (s *Scheduler) CancelPrefix(driveID, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]

	for _, task := range s.queue {
		if task.DriveID == driveID && underPrefix(task.Action.Path, prefix) {
			if task.cancel != nil {
				task.cancel()
			}

			continue
		}

		kept = append(kept, task)
	}

	s.queue = kept

	for _, task := range s.running {
		if task.DriveID == driveID && underPrefix(task.Action.Path, prefix) {
			task.cancel()
		}
	}
}

// underPrefix reports whether path equals prefix or lies under it. An
// empty prefix matches everything.
func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}

	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// QueueLen returns the number of tasks waiting to run.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// TaskSnapshot describes one task for status queries, including the live
// byte position of a running transfer.
type TaskSnapshot struct {
	ID             string
	DriveID        string
	Kind           ActionKind
	Path           string
	Resume         bool
	Running        bool
	ProcessedBytes int64
	TotalBytes     int64
}

// Fraction returns transfer completion in [0, 1], or 0 when the total is
// unknown.
func (s TaskSnapshot) Fraction() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}

	return float64(s.ProcessedBytes) / float64(s.TotalBytes)
}

// Active returns a snapshot of every running and queued task, running
// tasks first.
func (s *Scheduler) Active() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskSnapshot, 0, len(s.running)+len(s.queue))
	for _, task := range s.running {
		out = append(out, snapshotOf(task, true))
	}

	for _, task := range s.queue {
		out = append(out, snapshotOf(task, false))
	}

	return out
}

func snapshotOf(task *Task, running bool) TaskSnapshot {
	processed, total := task.Progress()

	// Before the first chunk is acknowledged the transfer total comes
	// from the planned action.
	if total == 0 {
		switch task.Action.Kind {
		case ActionDownload:
			total = task.Action.Remote.Size
		case ActionUpload:
			total = task.Action.Local.Size
		}
	}

	return TaskSnapshot{
		ID:             task.ID,
		DriveID:        task.DriveID,
		Kind:           task.Action.Kind,
		Path:           task.Action.Path,
		Resume:         task.Resume,
		Running:        running,
		ProcessedBytes: processed,
		TotalBytes:     total,
	}
}

// HasTask reports whether a queued or running task would already perform
// the planned action: same path, same kind, same source version. Callers
// use it to avoid churning an in-flight transfer with an identical
// resubmission.
func (s *Scheduler) HasTask(driveID string, action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.running[taskKey(driveID, action.Path)]; ok && sameWork(task.Action, action) {
		return true
	}

	for _, task := range s.queue {
		if task.DriveID == driveID && task.Action.Path == action.Path && sameWork(task.Action, action) {
			return true
		}
	}

	return false
}

func sameWork(current, planned Action) bool {
	if current.Kind != planned.Kind {
		return false
	}

	switch planned.Kind {
	case ActionUpload:
		return current.Local.Fingerprint == planned.Local.Fingerprint
	case ActionDownload:
		return current.Remote.ETag == planned.Remote.ETag
	default:
		return false
	}
}

// Idle reports whether no task is queued or running.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue) == 0 && len(s.running) == 0
}

// Run dispatches tasks until ctx is canceled, then waits for in-flight
// tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.parent = ctx

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.wg.Wait()

			return ctx.Err()
		case <-s.wake:
		}

		for s.dispatchOne(ctx) {
		}
	}
}

// dispatchOne starts the next runnable task, returning false when nothing
// can be dispatched right now.
func (s *Scheduler) dispatchOne(ctx context.Context) bool {
	s.mu.Lock()
	task := s.takeNextLocked()
	s.mu.Unlock()

	if task == nil {
		return false
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Shutting down: push the task back so drain cancels it.
		s.mu.Lock()
		s.queue = append([]*Task{task}, s.queue...)
		s.mu.Unlock()

		return false
	}

	key := taskKey(task.DriveID, task.Action.Path)
	task.ctx, task.cancel = context.WithCancel(s.parent)

	s.mu.Lock()
	s.running[key] = task
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		err := s.exec(task.ctx, task)

		task.cancel()
		s.sem.Release(1)

		s.mu.Lock()
		if s.running[key] == task {
			delete(s.running, key)
		}
		s.mu.Unlock()

		if s.done != nil {
			s.done(task, err)
		}

		s.signal()
	}()

	return true
}

// takeNextLocked pops the next dispatchable task: resumed sessions first,
// then FIFO, skipping paths that already have a running task.
func (s *Scheduler) takeNextLocked() *Task {
	pick := -1

	for i, task := range s.queue {
		if _, busy := s.running[taskKey(task.DriveID, task.Action.Path)]; busy {
			continue
		}

		if task.Resume {
			pick = i
			break
		}

		if pick == -1 {
			pick = i
		}
	}

	if pick == -1 {
		return nil
	}

	task := s.queue[pick]
	s.queue = append(s.queue[:pick], s.queue[pick+1:]...)

	return task
}

// drain cancels everything still queued at shutdown.
func (s *Scheduler) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.queue {
		if task.cancel != nil {
			task.cancel()
		}

		if s.done != nil {
			s.done(task, context.Canceled)
		}
	}

	s.queue = nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
