package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task types and terminal statuses recorded in history. Only terminal
// outcomes are persisted; in-flight tasks live in memory in the scheduler.
const (
	TaskTypeUpload   = "upload"
	TaskTypeDownload = "download"
	TaskTypeDelete   = "delete"
	TaskTypeConflict = "conflict"

	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// ErrTaskStatus indicates an attempt to record a task with a status the
// history does not accept.
var ErrTaskStatus = errors.New("not a terminal task status")

// TaskRecord is one finished task in the bounded history.
type TaskRecord struct {
	ID             string
	DriveID        string
	TaskType       string
	LocalPath      string
	Status         string
	TotalBytes     int64
	ProcessedBytes int64
	Error          string
	NeedsReauth    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RecordTask appends a terminal task outcome to the history and prunes the
// table back down to historyLimit rows, oldest first.
func (s *Store) RecordTask(ctx context.Context, rec *TaskRecord, historyLimit int) error {
	switch rec.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
	default:
		return fmt.Errorf("record task %s: %w: %q", rec.ID, ErrTaskStatus, rec.Status)
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.taskStmts.record.ExecContext(ctx,
		rec.ID, rec.DriveID, rec.TaskType, rec.LocalPath, rec.Status,
		rec.TotalBytes, rec.ProcessedBytes, rec.Error, rec.NeedsReauth,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record task %s: %w", rec.ID, err)
	}

	if historyLimit > 0 {
		if _, err := s.taskStmts.prune.ExecContext(ctx, historyLimit); err != nil {
			return fmt.Errorf("prune task history: %w", err)
		}
	}

	return nil
}

// ListRecentTasks returns up to limit history entries, newest first.
// An empty driveID returns entries for all drives.
func (s *Store) ListRecentTasks(ctx context.Context, driveID string, limit int) ([]*TaskRecord, error) {
	rows, err := s.taskStmts.listRecent.QueryContext(ctx, driveID, driveID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord

	for rows.Next() {
		var (
			rec                TaskRecord
			createdAt, updated int64
		)

		err := rows.Scan(&rec.ID, &rec.DriveID, &rec.TaskType, &rec.LocalPath,
			&rec.Status, &rec.TotalBytes, &rec.ProcessedBytes, &rec.Error,
			&rec.NeedsReauth, &createdAt, &updated)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		rec.CreatedAt = time.Unix(0, createdAt)
		rec.UpdatedAt = time.Unix(0, updated)
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return records, nil
}
