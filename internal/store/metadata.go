package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conflict states for a tracked file. A file enters ConflictPending when
// both sides changed since the last synced fingerprint; it leaves only via
// an explicit resolution (keep local promotes to ConflictOverride for one
// upload cycle, keep remote clears it).
const (
	ConflictNone     = ""
	ConflictPending  = "pending"
	ConflictOverride = "override"
)

// ErrConflictTransition indicates an attempt to move a file's conflict
// state along an edge the resolution flow does not allow.
var ErrConflictTransition = errors.New("invalid conflict state transition")

// FileMetadataRecord is the persisted fingerprint of a synced file, the
// baseline both sides are compared against on the next reconciliation.
type FileMetadataRecord struct {
	DriveID       string
	LocalPath     string
	RemoteURI     string
	Size          int64
	Fingerprint   string
	ETag          string
	ModTime       time.Time
	ConflictState string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertMetadata writes or replaces the record for (drive, path).
func (s *Store) UpsertMetadata(ctx context.Context, rec *FileMetadataRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.metadataStmts.upsert.ExecContext(ctx,
		rec.DriveID, rec.LocalPath, rec.RemoteURI, rec.Size,
		rec.Fingerprint, rec.ETag, rec.ModTime.UnixNano(), rec.ConflictState,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert metadata %s/%s: %w", rec.DriveID, rec.LocalPath, err)
	}

	return nil
}

// GetMetadata returns the record for (drive, path), or nil if untracked.
func (s *Store) GetMetadata(ctx context.Context, driveID, localPath string) (*FileMetadataRecord, error) {
	rec, err := scanMetadataRow(s.metadataStmts.get.QueryRowContext(ctx, driveID, localPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return rec, err
}

// ListMetadataByDrive returns every tracked file for a drive.
func (s *Store) ListMetadataByDrive(ctx context.Context, driveID string) ([]*FileMetadataRecord, error) {
	return s.queryMetadata(ctx, s.metadataStmts.listByDrive, driveID)
}

// ListConflicts returns all files for a drive with a non-empty conflict
// state.
func (s *Store) ListConflicts(ctx context.Context, driveID string) ([]*FileMetadataRecord, error) {
	return s.queryMetadata(ctx, s.metadataStmts.listConflicts, driveID)
}

// SetConflictState moves a file between conflict states, enforcing the
// allowed edges: none to pending, pending to override, pending to none,
// and override to none. A pending conflict never clears implicitly.
func (s *Store) SetConflictState(ctx context.Context, driveID, localPath, state string) error {
	rec, err := s.GetMetadata(ctx, driveID, localPath)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("set conflict state %s/%s: file not tracked", driveID, localPath)
	}

	if !conflictEdgeAllowed(rec.ConflictState, state) {
		return fmt.Errorf("%s/%s: %w: %q to %q",
			driveID, localPath, ErrConflictTransition, rec.ConflictState, state)
	}

	_, err = s.metadataStmts.setConflict.ExecContext(ctx,
		state, time.Now().UnixNano(), driveID, localPath)
	if err != nil {
		return fmt.Errorf("set conflict state %s/%s: %w", driveID, localPath, err)
	}

	s.logger.Debug("conflict state changed",
		"drive", driveID, "path", localPath,
		"from", rec.ConflictState, "to", state)

	return nil
}

func conflictEdgeAllowed(from, to string) bool {
	switch from {
	case ConflictNone:
		return to == ConflictPending
	case ConflictPending:
		return to == ConflictOverride || to == ConflictNone
	case ConflictOverride:
		return to == ConflictNone
	}

	return false
}

// DeleteMetadata removes the record for (drive, path). Deleting an
// untracked file is not an error.
func (s *Store) DeleteMetadata(ctx context.Context, driveID, localPath string) error {
	if _, err := s.metadataStmts.delete.ExecContext(ctx, driveID, localPath); err != nil {
		return fmt.Errorf("delete metadata %s/%s: %w", driveID, localPath, err)
	}

	return nil
}

func (s *Store) queryMetadata(ctx context.Context, stmt *sql.Stmt, args ...any) ([]*FileMetadataRecord, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	var records []*FileMetadataRecord

	for rows.Next() {
		rec, err := scanMetadataRow(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}

	return records, nil
}

func scanMetadataRow(row rowScanner) (*FileMetadataRecord, error) {
	var (
		rec                       FileMetadataRecord
		mtime, createdAt, updated int64
	)

	err := row.Scan(&rec.DriveID, &rec.LocalPath, &rec.RemoteURI, &rec.Size,
		&rec.Fingerprint, &rec.ETag, &mtime, &rec.ConflictState, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan metadata: %w", err)
	}

	rec.ModTime = time.Unix(0, mtime)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updated)

	return &rec, nil
}
