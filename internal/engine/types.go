// Package engine implements drive reconciliation: scanning local and
// remote trees, classifying differences against the last-synced baseline,
// scheduling bounded transfer work, and executing resumable chunked
// uploads and downloads.
package engine

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// FileState is one side's view of a file at a point in time.
type FileState struct {
	Path        string // drive-relative, NFC-normalized, forward slashes
	Size        int64
	ModTime     time.Time
	Fingerprint string // hex SHA-256; empty when not yet computed
	ETag        string // remote version tag; empty on the local side
	Exists      bool
}

// ActionKind is the reconciler's verdict for one path.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionUpload
	ActionDownload
	ActionDeleteLocal
	ActionDeleteRemote
	ActionConflict
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteLocal:
		return "delete_local"
	case ActionDeleteRemote:
		return "delete_remote"
	case ActionConflict:
		return "conflict"
	}

	return "unknown"
}

// Action is one unit of planned work for a path.
type Action struct {
	Kind   ActionKind
	Path   string
	Local  FileState
	Remote FileState
}

// Task is one scheduled transfer. Resume is true when the task continues
// a persisted session from a previous run; resumed tasks jump the queue.
type Task struct {
	ID      string
	DriveID string
	Action  Action
	Resume  bool

	ctx    context.Context
	cancel context.CancelFunc

	processedBytes atomic.Int64
	totalBytes     atomic.Int64
}

// SetProgress records the task's live transfer position. The executor
// calls it after every acknowledged chunk; status queries read it while
// the task runs.
func (t *Task) SetProgress(processed, total int64) {
	t.processedBytes.Store(processed)
	t.totalBytes.Store(total)
}

// Progress returns the bytes moved so far and the transfer total. Both
// are zero before the first chunk is acknowledged.
func (t *Task) Progress() (processed, total int64) {
	return t.processedBytes.Load(), t.totalBytes.Load()
}

// RemoteClient is the subset of the API client the engine needs. Defined
// here so tests can substitute a fake.
type RemoteClient interface {
	CreateSession(ctx context.Context, uri string, size int64, mtime time.Time) (*remote.TransferSession, error)
	UploadChunk(ctx context.Context, cred *remote.UploadCredential, index int, chunk io.Reader, length int64) (string, error)
	Finalize(ctx context.Context, cred *remote.UploadCredential, baseETag string) (*remote.FileInfo, error)
	DeleteSession(ctx context.Context, cred *remote.UploadCredential) error
	DownloadRange(ctx context.Context, uri string, offset, length int64, w io.Writer) (int64, error)
	GetFileInfo(ctx context.Context, uri string) (*remote.FileInfo, error)
	ListAll(ctx context.Context, uri string) ([]remote.FileInfo, error)
	DeleteFile(ctx context.Context, uri string) error
	GetCapacity(ctx context.Context) (*remote.Capacity, error)
	GetStoragePolicy(ctx context.Context) (*remote.StoragePolicy, error)
}

// Store is the persistence surface the engine needs from the state
// database.
type Store interface {
	SaveSession(ctx context.Context, rec *store.SessionRecord) error
	GetSessionByPath(ctx context.Context, driveID, localPath string) (*store.SessionRecord, error)
	ListSessionsByDrive(ctx context.Context, driveID string) ([]*store.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)

	UpsertMetadata(ctx context.Context, rec *store.FileMetadataRecord) error
	GetMetadata(ctx context.Context, driveID, localPath string) (*store.FileMetadataRecord, error)
	ListMetadataByDrive(ctx context.Context, driveID string) ([]*store.FileMetadataRecord, error)
	ListConflicts(ctx context.Context, driveID string) ([]*store.FileMetadataRecord, error)
	SetConflictState(ctx context.Context, driveID, localPath, state string) error
	DeleteMetadata(ctx context.Context, driveID, localPath string) error

	RecordTask(ctx context.Context, rec *store.TaskRecord, historyLimit int) error

	SetProp(ctx context.Context, driveID, key, value string) error
	GetProp(ctx context.Context, driveID, key string) (*store.PropRecord, error)
}
