// Package store persists the engine's durable state in an embedded SQLite
// database: transfer sessions for crash-safe resume, per-path file metadata
// fingerprints, a bounded task history, and cached drive properties.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// Store wraps the SQLite database with prepared statements for all
// repeated queries, grouped by domain.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	sessionStmts  sessionStatements
	metadataStmts metadataStatements
	taskStmts     taskStatements
	propStmts     propStatements
}

type sessionStatements struct {
	save, get, getByPath, getByTask, delete, deleteExpired, listByDrive *sql.Stmt
}

type metadataStatements struct {
	upsert, get, listByDrive, setConflict, delete, listConflicts *sql.Stmt
}

type taskStatements struct {
	record, listRecent, prune *sql.Stmt
}

type propStatements struct {
	upsert, get *sql.Stmt
}

// Open creates a Store at dbPath, applying migrations and preparing all
// repeated statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlSessionColumns = `id, task_id, drive_id, local_path, remote_uri,
		file_size, chunk_size, policy_type, session_data, chunk_progress,
		encrypt_metadata, direction, expires_at, created_at, updated_at`

	sqlSaveSession = `INSERT INTO transfer_sessions (` + sqlSessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chunk_progress = excluded.chunk_progress,
			session_data   = excluded.session_data,
			updated_at     = excluded.updated_at`

	sqlGetSession = `SELECT ` + sqlSessionColumns +
		` FROM transfer_sessions WHERE id = ?`

	sqlGetSessionByPath = `SELECT ` + sqlSessionColumns +
		` FROM transfer_sessions WHERE drive_id = ? AND local_path = ?`

	sqlGetSessionByTask = `SELECT ` + sqlSessionColumns +
		` FROM transfer_sessions WHERE task_id = ?`

	sqlDeleteSession = `DELETE FROM transfer_sessions WHERE id = ?`

	sqlDeleteExpiredSessions = `DELETE FROM transfer_sessions WHERE expires_at < ?`

	sqlListSessionsByDrive = `SELECT ` + sqlSessionColumns +
		` FROM transfer_sessions WHERE drive_id = ? ORDER BY created_at`
)

const (
	sqlMetadataColumns = `drive_id, local_path, remote_uri, size,
		fingerprint, etag, mtime, conflict_state, created_at, updated_at`

	sqlUpsertMetadata = `INSERT INTO file_metadata (` + sqlMetadataColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(drive_id, local_path) DO UPDATE SET
			remote_uri     = excluded.remote_uri,
			size           = excluded.size,
			fingerprint    = excluded.fingerprint,
			etag           = excluded.etag,
			mtime          = excluded.mtime,
			conflict_state = excluded.conflict_state,
			updated_at     = excluded.updated_at`

	sqlGetMetadata = `SELECT ` + sqlMetadataColumns +
		` FROM file_metadata WHERE drive_id = ? AND local_path = ?`

	sqlListMetadataByDrive = `SELECT ` + sqlMetadataColumns +
		` FROM file_metadata WHERE drive_id = ?`

	sqlSetConflictState = `UPDATE file_metadata
		SET conflict_state = ?, updated_at = ?
		WHERE drive_id = ? AND local_path = ?`

	sqlDeleteMetadata = `DELETE FROM file_metadata
		WHERE drive_id = ? AND local_path = ?`

	sqlListConflicts = `SELECT ` + sqlMetadataColumns +
		` FROM file_metadata WHERE drive_id = ? AND conflict_state != ''`
)

const (
	sqlRecordTask = `INSERT INTO task_history
		(id, drive_id, task_type, local_path, status, total_bytes,
		 processed_bytes, error, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status          = excluded.status,
			processed_bytes = excluded.processed_bytes,
			error           = excluded.error,
			needs_reauth    = excluded.needs_reauth,
			updated_at      = excluded.updated_at`

	sqlListRecentTasks = `SELECT id, drive_id, task_type, local_path, status,
		total_bytes, processed_bytes, error, needs_reauth, created_at, updated_at
		FROM task_history WHERE (? = '' OR drive_id = ?)
		ORDER BY updated_at DESC LIMIT ?`

	sqlPruneTasks = `DELETE FROM task_history WHERE id NOT IN (
		SELECT id FROM task_history ORDER BY updated_at DESC LIMIT ?)`
)

const (
	sqlUpsertProp = `INSERT INTO drive_props
		(drive_id, prop_key, prop_value, refreshed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(drive_id, prop_key) DO UPDATE SET
			prop_value   = excluded.prop_value,
			refreshed_at = excluded.refreshed_at`

	sqlGetProp = `SELECT prop_value, refreshed_at FROM drive_props
		WHERE drive_id = ? AND prop_key = ?`
)

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.sessionStmts.save, sqlSaveSession, "saveSession"},
		{&s.sessionStmts.get, sqlGetSession, "getSession"},
		{&s.sessionStmts.getByPath, sqlGetSessionByPath, "getSessionByPath"},
		{&s.sessionStmts.getByTask, sqlGetSessionByTask, "getSessionByTask"},
		{&s.sessionStmts.delete, sqlDeleteSession, "deleteSession"},
		{&s.sessionStmts.deleteExpired, sqlDeleteExpiredSessions, "deleteExpiredSessions"},
		{&s.sessionStmts.listByDrive, sqlListSessionsByDrive, "listSessionsByDrive"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.metadataStmts.upsert, sqlUpsertMetadata, "upsertMetadata"},
		{&s.metadataStmts.get, sqlGetMetadata, "getMetadata"},
		{&s.metadataStmts.listByDrive, sqlListMetadataByDrive, "listMetadataByDrive"},
		{&s.metadataStmts.setConflict, sqlSetConflictState, "setConflictState"},
		{&s.metadataStmts.delete, sqlDeleteMetadata, "deleteMetadata"},
		{&s.metadataStmts.listConflicts, sqlListConflicts, "listConflicts"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.taskStmts.record, sqlRecordTask, "recordTask"},
		{&s.taskStmts.listRecent, sqlListRecentTasks, "listRecentTasks"},
		{&s.taskStmts.prune, sqlPruneTasks, "pruneTasks"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.propStmts.upsert, sqlUpsertProp, "upsertProp"},
		{&s.propStmts.get, sqlGetProp, "getProp"},
	})
}

// NowNano returns the current time as Unix nanoseconds. All store
// timestamps use int64 Unix nanoseconds; conversion happens at system
// boundaries only.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *Store) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *Store) closeStatements() error {
	stmts := []*sql.Stmt{
		s.sessionStmts.save, s.sessionStmts.get, s.sessionStmts.getByPath,
		s.sessionStmts.getByTask, s.sessionStmts.delete,
		s.sessionStmts.deleteExpired, s.sessionStmts.listByDrive,
		s.metadataStmts.upsert, s.metadataStmts.get, s.metadataStmts.listByDrive,
		s.metadataStmts.setConflict, s.metadataStmts.delete, s.metadataStmts.listConflicts,
		s.taskStmts.record, s.taskStmts.listRecent, s.taskStmts.prune,
		s.propStmts.upsert, s.propStmts.get,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}
