// Package events carries engine notifications to interested subscribers
// over a bounded, non-blocking bus.
package events

import "time"

// Kind identifies the event variant carried by an Event value.
type Kind string

// Event kinds published by the engine. The set is closed: subscribers can
// switch exhaustively on Kind.
const (
	KindDriveAdded   Kind = "drive_added"
	KindDriveRemoved Kind = "drive_removed"
	KindDriveUpdated Kind = "drive_updated"

	KindSyncStarted   Kind = "sync_started"
	KindSyncProgress  Kind = "sync_progress"
	KindSyncCompleted Kind = "sync_completed"
	KindSyncError     Kind = "sync_error"

	KindFileUploaded   Kind = "file_uploaded"
	KindFileDownloaded Kind = "file_downloaded"

	KindConflictDetected Kind = "conflict_detected"

	KindConnectionStatusChanged Kind = "connection_status_changed"
)

// Event is one notification. DriveID is set on every kind; the remaining
// fields are populated per kind and zero otherwise.
type Event struct {
	Kind    Kind
	DriveID string
	Time    time.Time

	// Path is the drive-relative file path for file and conflict events.
	Path string

	// TotalBytes and ProcessedBytes accompany KindSyncProgress.
	TotalBytes     int64
	ProcessedBytes int64

	// Err holds the failure for KindSyncError. Subscribers must treat it
	// as read-only.
	Err error

	// Connected accompanies KindConnectionStatusChanged.
	Connected bool
}

// New returns an Event of the given kind stamped with the current time.
func New(kind Kind, driveID string) Event {
	return Event{Kind: kind, DriveID: driveID, Time: time.Now()}
}
