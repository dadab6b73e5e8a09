package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// DriveRunner drives one configured drive: it watches the local tree,
// listens for remote push events, runs reconciliation passes, and feeds
// the resulting tasks into the shared scheduler.
type DriveRunner struct {
	drive    registry.Drive
	client   RemoteClient
	store    Store
	bus      *events.Bus
	sched    *Scheduler
	registry *registry.Registry
	cfg      RunnerConfig
	logger   *slog.Logger

	scanner    *Scanner
	reconciler *Reconciler
	executor   *Executor

	// perDrive bounds this drive's share of the global scheduler slots.
	perDrive *semaphore.Weighted

	// syncNow wakes the loop for an immediate full pass.
	syncNow chan struct{}
}

// Push re-subscription backoff bounds. The first retry after a lost
// channel comes quickly; repeated failures stretch toward the cap while
// the poll interval carries remote changes.
const (
	pushRetryBase = 5 * time.Second
	pushRetryMax  = 5 * time.Minute
)

// RunnerConfig carries the per-drive loop tunables.
type RunnerConfig struct {
	Debounce      time.Duration
	PollInterval  time.Duration
	PerDriveMax   int64
	PushRetryBase time.Duration
	Executor      ExecutorConfig
}

// NewDriveRunner wires up a runner for one drive.
func NewDriveRunner(
	drive registry.Drive,
	client RemoteClient,
	st Store,
	bus *events.Bus,
	sched *Scheduler,
	reg *registry.Registry,
	cfg RunnerConfig,
	logger *slog.Logger,
) *DriveRunner {
	logger = logger.With("drive", drive.ID)

	if cfg.PerDriveMax < 1 {
		cfg.PerDriveMax = 1
	}

	if cfg.PushRetryBase <= 0 {
		cfg.PushRetryBase = pushRetryBase
	}

	r := &DriveRunner{
		drive:    drive,
		client:   client,
		store:    st,
		bus:      bus,
		sched:    sched,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		perDrive: semaphore.NewWeighted(cfg.PerDriveMax),
		syncNow:  make(chan struct{}, 1),
	}

	r.scanner = NewScanner(st, logger)
	r.reconciler = NewReconciler(drive.ID, drive.Direction, st, logger)
	r.executor = NewExecutor(
		drive.ID, drive.LocalPath, drive.RemoteURI,
		client, st, bus, cfg.Executor, logger,
	)

	return r
}

// Execute runs one task under the per-drive concurrency cap. It is the
// scheduler's ExecFunc for this drive's tasks.
func (r *DriveRunner) Execute(ctx context.Context, task *Task) error {
	if err := r.perDrive.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.perDrive.Release(1)

	return r.executor.Execute(ctx, task)
}

// Run is the drive's main loop. It resumes persisted sessions, performs
// an initial full pass, then reacts to local change batches, remote push
// events, the poll ticker, and explicit sync requests until ctx ends.
func (r *DriveRunner) Run(ctx context.Context) error {
	r.logger.Info("drive runner starting",
		"local_path", r.drive.LocalPath,
		"remote_uri", r.drive.RemoteURI,
		"direction", r.drive.Direction,
	)

	if err := r.resumeSessions(ctx); err != nil {
		r.logger.Warn("session resume failed", "error", err)
	}

	observer, err := NewObserver(r.drive.LocalPath, r.cfg.Debounce, r.logger)
	if err != nil {
		return err
	}

	obsCtx, obsCancel := context.WithCancel(ctx)
	defer obsCancel()

	obsDone := make(chan error, 1)

	go func() { obsDone <- observer.Run(obsCtx) }()

	subscriber, canPush := r.client.(remote.EventSubscriber)

	var (
		pushEvents  <-chan remote.PushEvent
		pushRetry   <-chan time.Time
		pushBackoff time.Duration
	)

	if canPush {
		if pushEvents = r.openPush(ctx, subscriber); pushEvents == nil {
			r.onPushLost(ctx)
			pushBackoff = r.cfg.PushRetryBase
			pushRetry = time.After(pushBackoff)
		}
	}

	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	r.fullPass(ctx)

	for {
		select {
		case <-ctx.Done():
			<-obsDone
			return ctx.Err()

		case batch, ok := <-observer.Batches():
			if !ok {
				return errors.New("filesystem observer stopped")
			}

			r.logger.Debug("local changes detected", "paths", len(batch))
			r.fullPass(ctx)

		case ev, ok := <-pushEvents:
			if !ok {
				pushEvents = nil
				r.onPushLost(ctx)
				pushBackoff = r.cfg.PushRetryBase
				pushRetry = time.After(pushBackoff)

				continue
			}

			r.logger.Debug("remote push event", "kind", ev.Kind, "uri", ev.URI)
			r.fullPass(ctx)

		case <-pushRetry:
			if pushEvents = r.openPush(ctx, subscriber); pushEvents != nil {
				pushRetry = nil
				// Catch up on whatever happened while push was down.
				r.fullPass(ctx)

				continue
			}

			pushBackoff *= 2
			if pushBackoff > pushRetryMax {
				pushBackoff = pushRetryMax
			}

			pushRetry = time.After(pushBackoff)

		case <-poll.C:
			r.fullPass(ctx)

		case <-r.syncNow:
			r.fullPass(ctx)
		}
	}
}

// SyncNow requests an immediate reconciliation pass.
func (r *DriveRunner) SyncNow() {
	select {
	case r.syncNow <- struct{}{}:
	default:
	}
}

// resumeSessions re-queues a transfer for every persisted session, ahead
// of fresh work. Expired sessions are pruned first.
func (r *DriveRunner) resumeSessions(ctx context.Context) error {
	if _, err := r.store.DeleteExpiredSessions(ctx, time.Now()); err != nil {
		return err
	}

	sessions, err := r.store.ListSessionsByDrive(ctx, r.drive.ID)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if sess.Direction == store.SessionDownload {
			r.logger.Info("resuming persisted download",
				"path", sess.LocalPath,
				"session", sess.ID,
				"completed_bytes", sess.CompletedBytes(),
			)

			r.sched.Submit(&Task{
				ID:      sess.TaskID,
				DriveID: r.drive.ID,
				Resume:  true,
				Action: Action{
					Kind: ActionDownload,
					Path: sess.LocalPath,
					Remote: FileState{
						Path:   sess.LocalPath,
						Size:   sess.FileSize,
						ETag:   sess.SessionData,
						Exists: true,
					},
				},
			})

			continue
		}

		local, err := r.scanner.stat(ctx, r.drive.ID,
			localFSPath(r.drive.LocalPath, sess.LocalPath), sess.LocalPath)
		if err != nil {
			r.logger.Info("session file gone, dropping session",
				"path", sess.LocalPath, "session", sess.ID)

			if err := r.store.DeleteSession(ctx, sess.ID); err != nil {
				r.logger.Warn("cannot drop session", "session", sess.ID, "error", err)
			}

			continue
		}

		r.logger.Info("resuming persisted session",
			"path", sess.LocalPath,
			"session", sess.ID,
			"completed_bytes", sess.CompletedBytes(),
		)

		r.sched.Submit(&Task{
			ID:      sess.TaskID,
			DriveID: r.drive.ID,
			Resume:  true,
			Action: Action{
				Kind:  ActionUpload,
				Path:  sess.LocalPath,
				Local: local,
			},
		})
	}

	return nil
}

// fullPass runs one complete reconciliation: scan, list, plan, submit.
// Errors are reported on the bus; the loop keeps running.
func (r *DriveRunner) fullPass(ctx context.Context) {
	r.bus.Publish(events.New(events.KindSyncStarted, r.drive.ID))

	if err := r.runPass(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		r.logger.Error("sync pass failed", "error", err)

		if remote.Classify(err) == remote.ClassReauth {
			r.markCredentialExpired()
		}

		ev := events.New(events.KindSyncError, r.drive.ID)
		ev.Err = err
		r.bus.Publish(ev)

		return
	}

	r.bus.Publish(events.New(events.KindSyncCompleted, r.drive.ID))
}

func (r *DriveRunner) runPass(ctx context.Context) error {
	// Pick up registry edits (direction changes) made since the last pass.
	if current, err := r.registry.Get(r.drive.ID); err == nil && current.Direction != r.drive.Direction {
		r.logger.Info("sync direction changed",
			"from", r.drive.Direction, "to", current.Direction)
		r.drive.Direction = current.Direction
		r.reconciler.SetDirection(current.Direction)
	}

	local, err := r.scanner.Scan(ctx, r.drive.ID, r.drive.LocalPath)
	if err != nil {
		return err
	}

	files, err := r.client.ListAll(ctx, r.drive.RemoteURI)
	if err != nil {
		return err
	}

	remoteStates := BuildRemoteStates(r.drive.RemoteURI, files)

	actions, err := r.reconciler.Plan(ctx, local, remoteStates)
	if err != nil {
		return err
	}

	for _, action := range actions {
		// An in-flight transfer of the same content keeps its progress;
		// resubmitting would cancel it mid-chunk for nothing.
		if r.sched.HasTask(r.drive.ID, action) {
			continue
		}

		resume := false

		if action.Kind == ActionUpload || action.Kind == ActionDownload {
			if sess, err := r.store.GetSessionByPath(ctx, r.drive.ID, action.Path); err == nil && sess != nil {
				resume = true
			}
		}

		r.sched.Submit(&Task{
			ID:      NewTaskID(),
			DriveID: r.drive.ID,
			Action:  action,
			Resume:  resume,
		})
	}

	return nil
}

// openPush opens the remote event channel, or returns nil when the
// subscription cannot be established right now.
func (r *DriveRunner) openPush(ctx context.Context, subscriber remote.EventSubscriber) <-chan remote.PushEvent {
	sub, err := subscriber.SubscribeEvents(ctx, r.drive.RemoteURI)
	if err != nil {
		r.logger.Debug("remote event push unavailable", "error", err)
		return nil
	}

	r.logger.Info("remote event push connected")

	if r.drive.Status == registry.StatusEventPushLost {
		r.setStatus(registry.StatusActive)

		ev := events.New(events.KindConnectionStatusChanged, r.drive.ID)
		ev.Connected = true
		r.bus.Publish(ev)
	}

	return sub.Events()
}

// onPushLost records that the drive lost its push channel and now depends
// on the poll interval for remote changes.
func (r *DriveRunner) onPushLost(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	r.logger.Warn("remote event push lost, relying on polling")
	r.setStatus(registry.StatusEventPushLost)

	ev := events.New(events.KindConnectionStatusChanged, r.drive.ID)
	ev.Connected = false
	r.bus.Publish(ev)
}

func (r *DriveRunner) markCredentialExpired() {
	if r.drive.Status == registry.StatusCredentialExpired {
		return
	}

	r.setStatus(registry.StatusCredentialExpired)
}

func (r *DriveRunner) setStatus(status string) {
	if err := r.registry.SetStatus(r.drive.ID, status); err != nil {
		r.logger.Warn("cannot update drive status", "status", status, "error", err)
		return
	}

	r.drive.Status = status
}

// ResolveConflict applies a user's verdict to a pending conflict and
// queues the winning transfer.
func (r *DriveRunner) ResolveConflict(ctx context.Context, path string, resolution ConflictResolution) error {
	if err := ResolvePendingConflict(ctx, r.store, r.drive, path, resolution); err != nil {
		return err
	}

	r.logger.Info("conflict resolved", "path", path, "resolution", resolution)
	r.SyncNow()

	return nil
}

// ResolvePendingConflict applies a verdict to a pending conflict record.
// Keep-local marks the path for a forced upload on the next pass.
// Keep-remote rebases the baseline onto the current local file so only
// the remote side appears changed and a download wins. Usable without a
// running engine; the next reconciliation pass acts on the outcome.
func ResolvePendingConflict(ctx context.Context, st Store, drive registry.Drive, path string, resolution ConflictResolution) error {
	meta, err := st.GetMetadata(ctx, drive.ID, path)
	if err != nil {
		return err
	}

	if meta == nil || meta.ConflictState != store.ConflictPending {
		return errors.New("no pending conflict for " + path)
	}

	if resolution == KeepLocal {
		return st.SetConflictState(ctx, drive.ID, path, store.ConflictOverride)
	}

	abs := localFSPath(drive.LocalPath, path)
	if info, statErr := os.Stat(abs); statErr == nil {
		fp, fpErr := FingerprintFile(abs)
		if fpErr != nil {
			return fpErr
		}

		meta.Size = info.Size()
		meta.Fingerprint = fp
		meta.ModTime = info.ModTime()
	}

	meta.ConflictState = store.ConflictNone

	return st.UpsertMetadata(ctx, meta)
}

func localFSPath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}
