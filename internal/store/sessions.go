package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// chunkProgressVersion is the current schema version for the serialized
// chunk progress list. Sessions persisted by an incompatible build are
// rejected on load so the caller restarts the transfer from scratch.
const chunkProgressVersion = 1

// ErrSessionSchema indicates a persisted session whose serialized payload
// cannot be understood by this build.
var ErrSessionSchema = errors.New("unknown session payload version")

// corruptSessionError marks a persisted row whose payload cannot be
// decoded. Loaders delete the row so the transfer restarts from scratch
// instead of failing on every attempt.
type corruptSessionError struct {
	id  string
	err error
}

func (e *corruptSessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.id, e.err)
}

func (e *corruptSessionError) Unwrap() error { return e.err }

// ChunkProgress records one completed or in-flight chunk of a transfer.
type ChunkProgress struct {
	Index  int    `json:"index"`
	Loaded int64  `json:"loaded"`
	ETag   string `json:"etag,omitempty"`
}

// chunkProgressEnvelope is the persisted form of the chunk list.
type chunkProgressEnvelope struct {
	Version int             `json:"version"`
	Chunks  []ChunkProgress `json:"chunks"`
}

// Transfer directions a session record can carry.
const (
	SessionUpload   = "upload"
	SessionDownload = "download"
)

// SessionRecord is a persisted transfer session. A record is written before
// the first chunk of a transfer moves, updated after each chunk, and
// deleted on finalization, so an interrupted transfer always leaves a
// resumable record behind. For downloads SessionData holds the remote
// ETag the partial content belongs to.
type SessionRecord struct {
	ID              string
	TaskID          string
	DriveID         string
	LocalPath       string
	RemoteURI       string
	FileSize        int64
	ChunkSize       int64
	PolicyType      string
	SessionData     string
	Chunks          []ChunkProgress
	EncryptMetadata string
	Direction       string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CompletedBytes sums the loaded bytes across all recorded chunks.
func (r *SessionRecord) CompletedBytes() int64 {
	var total int64
	for _, c := range r.Chunks {
		total += c.Loaded
	}

	return total
}

// NextChunkIndex returns the index of the first chunk not yet fully
// uploaded. Chunks are uploaded in order, so this is the resume point.
func (r *SessionRecord) NextChunkIndex() int {
	next := 0

	for _, c := range r.Chunks {
		if c.Index == next && c.Loaded >= r.chunkLength(c.Index) {
			next++
		}
	}

	return next
}

func (r *SessionRecord) chunkLength(index int) int64 {
	if r.ChunkSize <= 0 {
		return r.FileSize
	}

	offset := int64(index) * r.ChunkSize
	if remaining := r.FileSize - offset; remaining < r.ChunkSize {
		return remaining
	}

	return r.ChunkSize
}

// Expired reports whether the session's server-side credential has lapsed.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// SaveSession inserts or updates a session record. On conflict only the
// mutable columns (chunk progress, session data, updated_at) are rewritten.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	progress, err := json.Marshal(chunkProgressEnvelope{
		Version: chunkProgressVersion,
		Chunks:  rec.Chunks,
	})
	if err != nil {
		return fmt.Errorf("marshal chunk progress: %w", err)
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if rec.Direction == "" {
		rec.Direction = SessionUpload
	}

	_, err = s.sessionStmts.save.ExecContext(ctx,
		rec.ID, rec.TaskID, rec.DriveID, rec.LocalPath, rec.RemoteURI,
		rec.FileSize, rec.ChunkSize, rec.PolicyType, rec.SessionData,
		string(progress), rec.EncryptMetadata, rec.Direction,
		rec.ExpiresAt.UnixNano(), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}

	return nil
}

// GetSession returns the session with the given ID, or nil if none exists.
// An undecodable persisted session is deleted and reported as absent.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	return s.scanSession(ctx, s.sessionStmts.get.QueryRowContext(ctx, id))
}

// GetSessionByPath returns the session for a (drive, local path) pair, or
// nil if no transfer is in flight for that path.
func (s *Store) GetSessionByPath(ctx context.Context, driveID, localPath string) (*SessionRecord, error) {
	return s.scanSession(ctx, s.sessionStmts.getByPath.QueryRowContext(ctx, driveID, localPath))
}

// GetSessionByTask returns the session owned by a task, or nil.
func (s *Store) GetSessionByTask(ctx context.Context, taskID string) (*SessionRecord, error) {
	return s.scanSession(ctx, s.sessionStmts.getByTask.QueryRowContext(ctx, taskID))
}

// ListSessionsByDrive returns all persisted sessions for a drive in
// creation order, oldest first.
func (s *Store) ListSessionsByDrive(ctx context.Context, driveID string) ([]*SessionRecord, error) {
	rows, err := s.sessionStmts.listByDrive.QueryContext(ctx, driveID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for drive %s: %w", driveID, err)
	}
	defer rows.Close()

	var (
		records []*SessionRecord
		corrupt []*corruptSessionError
	)

	for rows.Next() {
		rec, err := scanSessionRow(rows)
		if err != nil {
			var ce *corruptSessionError
			if errors.As(err, &ce) {
				corrupt = append(corrupt, ce)
				continue
			}

			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	rows.Close()

	for _, ce := range corrupt {
		if err := s.discardSession(ctx, ce); err != nil {
			return nil, err
		}
	}

	return records, nil
}

// DeleteSession removes a session record. Deleting a missing session is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessionStmts.delete.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	return nil
}

// DeleteExpiredSessions removes all sessions whose credential expired
// before the given time and returns how many were removed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sessionStmts.deleteExpired.ExecContext(ctx, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned expired transfer sessions", "count", n)
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSession(ctx context.Context, row *sql.Row) (*SessionRecord, error) {
	rec, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	var corrupt *corruptSessionError
	if errors.As(err, &corrupt) {
		return nil, s.discardSession(ctx, corrupt)
	}

	return rec, err
}

// discardSession drops an undecodable session row so the next lookup sees
// no session and the transfer starts over.
func (s *Store) discardSession(ctx context.Context, corrupt *corruptSessionError) error {
	s.logger.Warn("discarding unreadable transfer session",
		"session", corrupt.id, "error", corrupt.err)

	return s.DeleteSession(ctx, corrupt.id)
}

func scanSessionRow(row rowScanner) (*SessionRecord, error) {
	var (
		rec                           SessionRecord
		progress                      string
		expiresAt, createdAt, updated int64
	)

	err := row.Scan(&rec.ID, &rec.TaskID, &rec.DriveID, &rec.LocalPath,
		&rec.RemoteURI, &rec.FileSize, &rec.ChunkSize, &rec.PolicyType,
		&rec.SessionData, &progress, &rec.EncryptMetadata, &rec.Direction,
		&expiresAt, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan session: %w", err)
	}

	var envelope chunkProgressEnvelope
	if err := json.Unmarshal([]byte(progress), &envelope); err != nil {
		return nil, &corruptSessionError{id: rec.ID,
			err: fmt.Errorf("unmarshal chunk progress: %w", err)}
	}

	if envelope.Version != chunkProgressVersion {
		return nil, &corruptSessionError{id: rec.ID,
			err: fmt.Errorf("%w: got %d, want %d",
				ErrSessionSchema, envelope.Version, chunkProgressVersion)}
	}

	rec.Chunks = envelope.Chunks
	rec.ExpiresAt = time.Unix(0, expiresAt)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updated)

	return &rec, nil
}
