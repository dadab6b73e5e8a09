package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
	"github.com/gablilli/drivesync/internal/remote"
)

// ClientFactory builds a RemoteClient for one drive, resolving its
// credential from wherever the caller keeps secrets.
type ClientFactory func(drive registry.Drive) (RemoteClient, error)

// Orchestrator supervises one DriveRunner per enabled drive and the
// shared task scheduler. Drives added, removed, enabled, or disabled at
// runtime are picked up through the event bus.
type Orchestrator struct {
	registry *registry.Registry
	store    Store
	bus      *events.Bus
	factory  ClientFactory
	cfg      OrchestratorConfig
	logger   *slog.Logger

	sched *Scheduler

	mu      sync.Mutex
	runners map[string]*runnerHandle
	group   *errgroup.Group
	ctx     context.Context
}

type runnerHandle struct {
	runner *DriveRunner
	cancel context.CancelFunc
}

// OrchestratorConfig carries the global scheduling limits plus the
// per-drive runner configuration. A non-empty DriveIDs restricts the
// orchestrator to those drives; other registry entries are ignored, at
// startup and in later registry events alike.
type OrchestratorConfig struct {
	GlobalParallel int
	DriveIDs       []string
	Runner         RunnerConfig
}

// NewOrchestrator wires the orchestrator. Call Run to start it.
func NewOrchestrator(
	reg *registry.Registry,
	st Store,
	bus *events.Bus,
	factory ClientFactory,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		store:    st,
		bus:      bus,
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		runners:  make(map[string]*runnerHandle),
	}

	o.sched = NewScheduler(cfg.GlobalParallel, o.execute, o.onTaskDone, logger)

	return o
}

// onTaskDone reacts to terminal task outcomes. A transfer the server
// rejected for authentication flips the drive to credential_expired
// right away instead of waiting for the next pass's listing to fail.
func (o *Orchestrator) onTaskDone(task *Task, err error) {
	if err == nil || remote.Classify(err) != remote.ClassReauth {
		return
	}

	drive, gerr := o.registry.Get(task.DriveID)
	if gerr != nil || drive.Status == registry.StatusCredentialExpired {
		return
	}

	o.logger.Warn("transfer rejected for authentication",
		"drive", task.DriveID, "path", task.Action.Path)

	if serr := o.registry.SetStatus(task.DriveID, registry.StatusCredentialExpired); serr != nil {
		o.logger.Warn("cannot update drive status",
			"drive", task.DriveID, "error", serr)
	}
}

// execute routes a task to its drive's runner.
func (o *Orchestrator) execute(ctx context.Context, task *Task) error {
	o.mu.Lock()
	handle := o.runners[task.DriveID]
	o.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("no runner for drive %s", task.DriveID)
	}

	return handle.runner.Execute(ctx, task)
}

// Run starts the scheduler and a runner for every enabled drive, then
// follows registry events until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	o.mu.Lock()
	o.group = group
	o.ctx = ctx
	o.mu.Unlock()

	group.Go(func() error {
		err := o.sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	for _, drive := range o.registry.List() {
		if drive.Enabled && o.covers(drive.ID) {
			o.startRunner(drive)
		}
	}

	group.Go(func() error {
		o.followRegistry(ctx)
		return nil
	})

	o.logger.Info("orchestrator started", "drives", len(o.runners))

	return group.Wait()
}

// followRegistry reacts to drive lifecycle events, starting and stopping
// runners to match the registry.
func (o *Orchestrator) followRegistry(ctx context.Context) {
	ch, cancel := o.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}

			switch ev.Kind {
			case events.KindDriveAdded, events.KindDriveUpdated:
				o.reconcileRunner(ev.DriveID)
			case events.KindDriveRemoved:
				o.stopRunner(ev.DriveID)
			}
		}
	}
}

// covers reports whether a drive falls inside the configured scope.
func (o *Orchestrator) covers(driveID string) bool {
	if len(o.cfg.DriveIDs) == 0 {
		return true
	}

	for _, id := range o.cfg.DriveIDs {
		if id == driveID {
			return true
		}
	}

	return false
}

// reconcileRunner brings one drive's runner in line with its registry
// entry: enabled drives get a runner, disabled ones lose theirs. Status
// changes alone do not restart a running drive.
func (o *Orchestrator) reconcileRunner(driveID string) {
	if !o.covers(driveID) {
		return
	}

	drive, err := o.registry.Get(driveID)
	if err != nil {
		return
	}

	o.mu.Lock()
	_, running := o.runners[driveID]
	o.mu.Unlock()

	switch {
	case drive.Enabled && !running:
		o.startRunner(drive)
	case !drive.Enabled && running:
		o.stopRunner(driveID)
	}
}

func (o *Orchestrator) startRunner(drive registry.Drive) {
	client, err := o.factory(drive)
	if err != nil {
		o.logger.Error("cannot build client for drive",
			"drive", drive.ID, "error", err)

		return
	}

	runner := NewDriveRunner(
		drive, client, o.store, o.bus, o.sched, o.registry,
		o.cfg.Runner, o.logger,
	)

	runnerCtx, cancel := context.WithCancel(o.ctx)

	o.mu.Lock()
	o.runners[drive.ID] = &runnerHandle{runner: runner, cancel: cancel}
	o.mu.Unlock()

	o.group.Go(func() error {
		err := runner.Run(runnerCtx)

		o.mu.Lock()
		if h, ok := o.runners[drive.ID]; ok && h.runner == runner {
			delete(o.runners, drive.ID)
		}
		o.mu.Unlock()

		if errors.Is(err, context.Canceled) {
			return nil
		}

		if err != nil {
			o.logger.Error("drive runner exited", "drive", drive.ID, "error", err)
		}

		return nil
	})
}

func (o *Orchestrator) stopRunner(driveID string) {
	o.mu.Lock()
	handle := o.runners[driveID]
	o.mu.Unlock()

	if handle == nil {
		return
	}

	o.logger.Info("stopping drive runner", "drive", driveID)
	o.sched.CancelPrefix(driveID, "")
	handle.cancel()
}

// SyncNow triggers an immediate pass for one drive, or all drives when
// driveID is empty.
func (o *Orchestrator) SyncNow(driveID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if driveID == "" {
		for _, handle := range o.runners {
			handle.runner.SyncNow()
		}

		return nil
	}

	handle := o.runners[driveID]
	if handle == nil {
		return fmt.Errorf("drive %s is not running", driveID)
	}

	handle.runner.SyncNow()

	return nil
}

// Idle reports whether the shared scheduler has no queued or running
// tasks. Used by one-shot sync invocations to wait for transfers queued
// by a completed pass.
func (o *Orchestrator) Idle() bool {
	return o.sched.Idle()
}

// ActiveTasks snapshots the scheduler's running and queued tasks for
// in-process status consumers.
func (o *Orchestrator) ActiveTasks() []TaskSnapshot {
	return o.sched.Active()
}

// ResolveConflict forwards a conflict resolution to the drive's runner.
func (o *Orchestrator) ResolveConflict(ctx context.Context, driveID, path string, resolution ConflictResolution) error {
	o.mu.Lock()
	handle := o.runners[driveID]
	o.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("drive %s is not running", driveID)
	}

	return handle.runner.ResolveConflict(ctx, path, resolution)
}
