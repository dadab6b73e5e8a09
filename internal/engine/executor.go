package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// ErrConflictPending is returned when an executor is asked to transfer a
// path whose conflict has not been resolved.
var ErrConflictPending = errors.New("conflict pending, transfer blocked")

// ExecutorConfig carries the transfer tunables.
type ExecutorConfig struct {
	ChunkSize      int64
	RetryBudget    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HistoryLimit   int
}

// Executor performs the actual uploads, downloads, and deletes for one
// drive. Uploads persist a session record before the first chunk leaves
// the machine, so a crash at any point leaves a resumable session behind.
type Executor struct {
	driveID   string
	localRoot string
	remoteURI string
	client    RemoteClient
	store     Store
	bus       *events.Bus
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor creates an Executor for one drive.
func NewExecutor(
	driveID, localRoot, remoteURI string,
	client RemoteClient, st Store, bus *events.Bus,
	cfg ExecutorConfig, logger *slog.Logger,
) *Executor {
	return &Executor{
		driveID:   driveID,
		localRoot: localRoot,
		remoteURI: remoteURI,
		client:    client,
		store:     st,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("drive", driveID),
	}
}

// Execute runs one task and records its terminal outcome in the task
// history.
func (e *Executor) Execute(ctx context.Context, task *Task) error {
	var err error

	switch task.Action.Kind {
	case ActionUpload:
		err = e.upload(ctx, task)
	case ActionDownload:
		err = e.download(ctx, task)
	case ActionDeleteLocal:
		err = e.deleteLocal(ctx, task)
	case ActionDeleteRemote:
		err = e.deleteRemote(ctx, task)
	case ActionConflict:
		err = e.recordConflict(ctx, task)
	default:
		err = fmt.Errorf("no executor for action %s", task.Action.Kind)
	}

	e.recordOutcome(ctx, task, err)

	return err
}

func (e *Executor) recordOutcome(ctx context.Context, task *Task, taskErr error) {
	rec := &store.TaskRecord{
		ID:        task.ID,
		DriveID:   e.driveID,
		LocalPath: task.Action.Path,
		Status:    store.TaskStatusCompleted,
	}

	switch task.Action.Kind {
	case ActionDownload:
		rec.TaskType = store.TaskTypeDownload
		rec.TotalBytes = task.Action.Remote.Size
	case ActionDeleteLocal, ActionDeleteRemote:
		rec.TaskType = store.TaskTypeDelete
	case ActionConflict:
		rec.TaskType = store.TaskTypeConflict
	default:
		rec.TaskType = store.TaskTypeUpload
		rec.TotalBytes = task.Action.Local.Size
	}

	switch {
	case taskErr == nil:
		rec.ProcessedBytes = rec.TotalBytes
	case errors.Is(taskErr, context.Canceled):
		rec.Status = store.TaskStatusCanceled
	default:
		rec.Status = store.TaskStatusFailed
		rec.Error = taskErr.Error()
		rec.NeedsReauth = remote.Classify(taskErr) == remote.ClassReauth
	}

	// History writes are best-effort; the transfer outcome stands on its own.
	if err := e.store.RecordTask(ctx, rec, e.cfg.HistoryLimit); err != nil {
		e.logger.Warn("cannot record task history", "task", task.ID, "error", err)
	}
}

// upload sends a local file to the remote, resuming a persisted session
// when one exists for the path.
func (e *Executor) upload(ctx context.Context, task *Task) error {
	path := task.Action.Path
	fsPath := filepath.Join(e.localRoot, filepath.FromSlash(path))

	meta, err := e.store.GetMetadata(ctx, e.driveID, path)
	if err != nil {
		return err
	}

	if meta != nil && meta.ConflictState == store.ConflictPending {
		return fmt.Errorf("%s: %w", path, ErrConflictPending)
	}

	rec, err := e.store.GetSessionByPath(ctx, e.driveID, path)
	if err != nil {
		return err
	}

	// A stale or opposite-direction session cannot be resumed; drop it
	// and start over.
	if rec != nil && (rec.Direction == store.SessionDownload ||
		rec.Expired(time.Now()) || rec.FileSize != task.Action.Local.Size) {
		e.logger.Info("discarding unusable session",
			"path", path, "session", rec.ID)

		if err := e.store.DeleteSession(ctx, rec.ID); err != nil {
			return err
		}

		rec = nil
	}

	if rec == nil {
		rec, err = e.createUploadSession(ctx, task, fsPath)
		if err != nil {
			return err
		}
	}

	if err := e.sendChunks(ctx, task, rec, fsPath); err != nil {
		return e.handleUploadFailure(ctx, rec, path, err)
	}

	info, err := e.finalize(ctx, rec, task.Action.Remote.ETag)
	if err != nil {
		return e.handleUploadFailure(ctx, rec, path, err)
	}

	if err := e.store.DeleteSession(ctx, rec.ID); err != nil {
		return err
	}

	if err := e.commitBaseline(ctx, task, info.ETag, task.Action.Local); err != nil {
		return err
	}

	e.logger.Info("file uploaded", "path", path, "size", task.Action.Local.Size)

	ev := events.New(events.KindFileUploaded, e.driveID)
	ev.Path = path
	e.bus.Publish(ev)

	return nil
}

// createUploadSession opens a server session and persists it before any
// chunk is sent. The persisted record is the crash-recovery anchor.
func (e *Executor) createUploadSession(ctx context.Context, task *Task, fsPath string) (*store.SessionRecord, error) {
	path := task.Action.Path
	remoteURI := e.remotePathURI(path)

	session, err := e.client.CreateSession(ctx, remoteURI, task.Action.Local.Size, task.Action.Local.ModTime)
	if err != nil {
		return nil, err
	}

	chunkSize := session.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.cfg.ChunkSize
	}

	sessionData, err := marshalCredential(&session.Credential)
	if err != nil {
		return nil, err
	}

	encryptMeta, err := marshalEncryptMetadata(session.Encrypt)
	if err != nil {
		return nil, err
	}

	rec := &store.SessionRecord{
		ID:              session.Credential.SessionID,
		TaskID:          task.ID,
		DriveID:         e.driveID,
		LocalPath:       path,
		RemoteURI:       remoteURI,
		FileSize:        task.Action.Local.Size,
		ChunkSize:       chunkSize,
		PolicyType:      session.PolicyType,
		SessionData:     sessionData,
		EncryptMetadata: encryptMeta,
		ExpiresAt:       session.ExpiresAt,
	}

	if err := e.store.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting session before transfer: %w", err)
	}

	e.logger.Debug("upload session created",
		"path", path, "session", rec.ID, "chunk_size", chunkSize)

	return rec, nil
}

// sendChunks uploads all remaining chunks in order, persisting progress
// after each acknowledged chunk. Each chunk gets its own retry budget
// with exponential backoff; only transient errors are retried.
func (e *Executor) sendChunks(ctx context.Context, task *Task, rec *store.SessionRecord, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", fsPath, err)
	}
	defer f.Close()

	cred, err := unmarshalCredential(rec.SessionData)
	if err != nil {
		return err
	}

	chunkCipher, err := cipherFor(rec.EncryptMetadata)
	if err != nil {
		return err
	}

	totalChunks := int((rec.FileSize + rec.ChunkSize - 1) / rec.ChunkSize)
	if rec.FileSize == 0 {
		totalChunks = 1
	}

	task.SetProgress(rec.CompletedBytes(), rec.FileSize)

	for index := rec.NextChunkIndex(); index < totalChunks; index++ {
		offset := int64(index) * rec.ChunkSize

		length := rec.ChunkSize
		if remaining := rec.FileSize - offset; remaining < length {
			length = remaining
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(f, offset, length), data); err != nil {
			return fmt.Errorf("reading chunk %d: %w", index, err)
		}

		if chunkCipher != nil {
			if err := chunkCipher.XORAt(data, offset); err != nil {
				return err
			}
		}

		etag, err := e.sendChunkWithRetry(ctx, cred, index, data)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", index, err)
		}

		rec.Chunks = append(rec.Chunks, store.ChunkProgress{
			Index:  index,
			Loaded: length,
			ETag:   etag,
		})

		if err := e.store.SaveSession(ctx, rec); err != nil {
			return fmt.Errorf("persisting chunk progress: %w", err)
		}

		task.SetProgress(rec.CompletedBytes(), rec.FileSize)

		progress := events.New(events.KindSyncProgress, e.driveID)
		progress.Path = rec.LocalPath
		progress.TotalBytes = rec.FileSize
		progress.ProcessedBytes = rec.CompletedBytes()
		e.bus.Publish(progress)
	}

	return nil
}

func (e *Executor) sendChunkWithRetry(
	ctx context.Context, cred *remote.UploadCredential, index int, data []byte,
) (string, error) {
	backoff := retry.NewExponential(e.cfg.RetryBaseDelay)
	backoff = retry.WithCappedDuration(e.cfg.RetryMaxDelay, backoff)
	backoff = retry.WithJitterPercent(25, backoff)
	backoff = retry.WithMaxRetries(uint64(e.cfg.RetryBudget), backoff)

	var etag string

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var sendErr error

		etag, sendErr = e.client.UploadChunk(ctx, cred, index, bytes.NewReader(data), int64(len(data)))
		if sendErr == nil {
			return nil
		}

		if remote.Retriable(sendErr) {
			e.logger.Warn("chunk upload failed, will retry",
				"chunk", index, "error", sendErr)

			return retry.RetryableError(sendErr)
		}

		return sendErr
	})

	return etag, err
}

func (e *Executor) finalize(ctx context.Context, rec *store.SessionRecord, baseETag string) (*remote.FileInfo, error) {
	cred, err := unmarshalCredential(rec.SessionData)
	if err != nil {
		return nil, err
	}

	info, err := e.client.Finalize(ctx, cred, baseETag)
	if err != nil {
		return nil, err
	}

	return info, nil
}

// handleUploadFailure decides the session's fate after a failed upload:
// transient failures keep the session for the next attempt, permanent
// ones invalidate it both locally and on the server.
func (e *Executor) handleUploadFailure(ctx context.Context, rec *store.SessionRecord, path string, cause error) error {
	if remote.Retriable(cause) || errors.Is(cause, context.Canceled) {
		e.logger.Info("upload interrupted, session kept for resume",
			"path", path, "session", rec.ID, "error", cause)

		return cause
	}

	e.logger.Warn("upload failed permanently, invalidating session",
		"path", path, "session", rec.ID, "error", cause)

	if cred, err := unmarshalCredential(rec.SessionData); err == nil {
		if err := e.client.DeleteSession(ctx, cred); err != nil {
			e.logger.Debug("cannot delete server session", "session", rec.ID, "error", err)
		}
	}

	if err := e.store.DeleteSession(ctx, rec.ID); err != nil {
		e.logger.Warn("cannot delete local session", "session", rec.ID, "error", err)
	}

	return cause
}

// downloadSessionTTL bounds how long a partial download stays resumable.
// There is no server-side credential to expire, so the limit only keeps
// abandoned staging files from lingering forever.
const downloadSessionTTL = 24 * time.Hour

// download fetches the remote file in chunks into a staging file next to
// the target and renames it into place only when complete, so a crashed
// download never leaves a truncated file at the real path. Progress is
// persisted per chunk like uploads; an interrupted download resumes from
// the last acknowledged chunk as long as the remote ETag is unchanged.
func (e *Executor) download(ctx context.Context, task *Task) error {
	path := task.Action.Path
	fsPath := filepath.Join(e.localRoot, filepath.FromSlash(path))
	staging := fsPath + partialSuffix

	if err := os.MkdirAll(filepath.Dir(fsPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	rec, err := e.store.GetSessionByPath(ctx, e.driveID, path)
	if err != nil {
		return err
	}

	if rec != nil && !resumableDownload(rec, task, staging) {
		e.logger.Info("discarding unusable session",
			"path", path, "session", rec.ID)

		if err := e.store.DeleteSession(ctx, rec.ID); err != nil {
			return err
		}

		os.Remove(staging)
		rec = nil
	}

	if rec == nil {
		rec, err = e.createDownloadSession(ctx, task)
		if err != nil {
			return err
		}
	}

	if err := e.fetchChunks(ctx, task, rec, staging); err != nil {
		return e.handleDownloadFailure(ctx, rec, staging, path, err)
	}

	if err := os.Rename(staging, fsPath); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}

	if err := e.store.DeleteSession(ctx, rec.ID); err != nil {
		return err
	}

	fp, err := FingerprintFile(fsPath)
	if err != nil {
		return err
	}

	local := task.Action.Local
	local.Path = path
	local.Size = task.Action.Remote.Size
	local.Fingerprint = fp
	local.Exists = true

	if info, err := os.Stat(fsPath); err == nil {
		local.ModTime = info.ModTime()
	}

	if err := e.commitBaseline(ctx, task, task.Action.Remote.ETag, local); err != nil {
		return err
	}

	e.logger.Info("file downloaded", "path", path, "size", task.Action.Remote.Size)

	ev := events.New(events.KindFileDownloaded, e.driveID)
	ev.Path = path
	e.bus.Publish(ev)

	return nil
}

// resumableDownload reports whether a persisted download session still
// matches the remote file and has its staging data on disk.
func resumableDownload(rec *store.SessionRecord, task *Task, staging string) bool {
	if rec.Direction != store.SessionDownload || rec.Expired(time.Now()) {
		return false
	}

	if rec.FileSize != task.Action.Remote.Size || rec.SessionData != task.Action.Remote.ETag {
		return false
	}

	info, err := os.Stat(staging)

	return err == nil && info.Size() >= rec.CompletedBytes()
}

// createDownloadSession persists the crash-recovery record before the
// first byte is fetched. SessionData pins the remote ETag the partial
// content belongs to.
func (e *Executor) createDownloadSession(ctx context.Context, task *Task) (*store.SessionRecord, error) {
	chunkSize := e.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = task.Action.Remote.Size
	}

	rec := &store.SessionRecord{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		DriveID:     e.driveID,
		LocalPath:   task.Action.Path,
		RemoteURI:   e.remotePathURI(task.Action.Path),
		FileSize:    task.Action.Remote.Size,
		ChunkSize:   chunkSize,
		SessionData: task.Action.Remote.ETag,
		Direction:   store.SessionDownload,
		ExpiresAt:   time.Now().Add(downloadSessionTTL),
	}

	if err := e.store.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting session before transfer: %w", err)
	}

	e.logger.Debug("download session created",
		"path", rec.LocalPath, "session", rec.ID, "chunk_size", chunkSize)

	return rec, nil
}

// fetchChunks downloads all remaining chunks in order into the staging
// file, persisting progress after each one. Each chunk gets its own
// retry budget; a retried chunk is rewritten in place.
func (e *Executor) fetchChunks(ctx context.Context, task *Task, rec *store.SessionRecord, staging string) error {
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening staging file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(rec.CompletedBytes()); err != nil {
		return fmt.Errorf("truncating staging file: %w", err)
	}

	var totalChunks int
	if rec.FileSize > 0 {
		totalChunks = int((rec.FileSize + rec.ChunkSize - 1) / rec.ChunkSize)
	}

	task.SetProgress(rec.CompletedBytes(), rec.FileSize)

	for index := rec.NextChunkIndex(); index < totalChunks; index++ {
		offset := int64(index) * rec.ChunkSize

		length := rec.ChunkSize
		if remaining := rec.FileSize - offset; remaining < length {
			length = remaining
		}

		if err := e.fetchChunkWithRetry(ctx, rec.RemoteURI, offset, length, f); err != nil {
			return fmt.Errorf("chunk %d: %w", index, err)
		}

		rec.Chunks = append(rec.Chunks, store.ChunkProgress{
			Index:  index,
			Loaded: length,
		})

		if err := e.store.SaveSession(ctx, rec); err != nil {
			return fmt.Errorf("persisting chunk progress: %w", err)
		}

		task.SetProgress(rec.CompletedBytes(), rec.FileSize)

		progress := events.New(events.KindSyncProgress, e.driveID)
		progress.Path = rec.LocalPath
		progress.TotalBytes = rec.FileSize
		progress.ProcessedBytes = rec.CompletedBytes()
		e.bus.Publish(progress)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing staging file: %w", err)
	}

	return f.Close()
}

func (e *Executor) fetchChunkWithRetry(
	ctx context.Context, uri string, offset, length int64, f *os.File,
) error {
	backoff := retry.NewExponential(e.cfg.RetryBaseDelay)
	backoff = retry.WithCappedDuration(e.cfg.RetryMaxDelay, backoff)
	backoff = retry.WithJitterPercent(25, backoff)
	backoff = retry.WithMaxRetries(uint64(e.cfg.RetryBudget), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		// A failed attempt may have written partial bytes; rewind so the
		// retry overwrites them.
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking staging file: %w", err)
		}

		_, fetchErr := e.client.DownloadRange(ctx, uri, offset, length, f)
		if fetchErr == nil {
			return nil
		}

		if remote.Retriable(fetchErr) {
			e.logger.Warn("chunk download failed, will retry",
				"offset", offset, "error", fetchErr)

			return retry.RetryableError(fetchErr)
		}

		return fetchErr
	})
}

// handleDownloadFailure keeps the session and staging file for resumable
// failures and discards both otherwise.
func (e *Executor) handleDownloadFailure(ctx context.Context, rec *store.SessionRecord, staging, path string, cause error) error {
	if remote.Retriable(cause) || errors.Is(cause, context.Canceled) {
		e.logger.Info("download interrupted, session kept for resume",
			"path", path, "session", rec.ID, "error", cause)

		return cause
	}

	e.logger.Warn("download failed permanently, discarding partial file",
		"path", path, "session", rec.ID, "error", cause)

	if err := e.store.DeleteSession(ctx, rec.ID); err != nil {
		e.logger.Warn("cannot delete local session", "session", rec.ID, "error", err)
	}

	os.Remove(staging)

	return cause
}

// deleteLocal removes a local file whose remote counterpart is gone.
func (e *Executor) deleteLocal(ctx context.Context, task *Task) error {
	fsPath := filepath.Join(e.localRoot, filepath.FromSlash(task.Action.Path))

	if err := os.Remove(fsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", fsPath, err)
	}

	return e.store.DeleteMetadata(ctx, e.driveID, task.Action.Path)
}

// deleteRemote removes a remote file whose local counterpart is gone.
func (e *Executor) deleteRemote(ctx context.Context, task *Task) error {
	err := e.client.DeleteFile(ctx, e.remotePathURI(task.Action.Path))
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	return e.store.DeleteMetadata(ctx, e.driveID, task.Action.Path)
}

// recordConflict marks the path as conflicted and notifies subscribers.
// The file itself is left untouched on both sides.
func (e *Executor) recordConflict(ctx context.Context, task *Task) error {
	path := task.Action.Path

	meta, err := e.store.GetMetadata(ctx, e.driveID, path)
	if err != nil {
		return err
	}

	if meta == nil {
		// Both sides created the path independently; track it so the
		// conflict can be recorded and resolved.
		meta = &store.FileMetadataRecord{
			DriveID:     e.driveID,
			LocalPath:   path,
			RemoteURI:   e.remotePathURI(path),
			Size:        task.Action.Local.Size,
			Fingerprint: task.Action.Local.Fingerprint,
			ModTime:     task.Action.Local.ModTime,
		}

		if err := e.store.UpsertMetadata(ctx, meta); err != nil {
			return err
		}
	}

	if meta.ConflictState != store.ConflictNone {
		return nil
	}

	if err := e.store.SetConflictState(ctx, e.driveID, path, store.ConflictPending); err != nil {
		return err
	}

	e.logger.Warn("conflict detected", "path", path)

	ev := events.New(events.KindConflictDetected, e.driveID)
	ev.Path = path
	e.bus.Publish(ev)

	return nil
}

// commitBaseline records the post-transfer state as the new baseline and
// clears any override marker left by conflict resolution.
func (e *Executor) commitBaseline(ctx context.Context, task *Task, etag string, local FileState) error {
	prior, err := e.store.GetMetadata(ctx, e.driveID, task.Action.Path)
	if err != nil {
		return err
	}

	rec := &store.FileMetadataRecord{
		DriveID:     e.driveID,
		LocalPath:   task.Action.Path,
		RemoteURI:   e.remotePathURI(task.Action.Path),
		Size:        local.Size,
		Fingerprint: local.Fingerprint,
		ETag:        etag,
		ModTime:     local.ModTime,
	}

	if prior != nil {
		rec.CreatedAt = prior.CreatedAt
	}

	return e.store.UpsertMetadata(ctx, rec)
}

// remotePathURI joins the drive's remote root with a relative path.
func (e *Executor) remotePathURI(path string) string {
	return e.remoteURI + "/" + path
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.NewString()
}
