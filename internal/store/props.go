package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Drive property keys cached between remote refreshes.
const (
	PropCapacity      = "capacity"
	PropStoragePolicy = "storage_policy"
)

// PropRecord is one cached drive property with its refresh timestamp.
type PropRecord struct {
	Value       string
	RefreshedAt time.Time
}

// SetProp writes or replaces a cached drive property.
func (s *Store) SetProp(ctx context.Context, driveID, key, value string) error {
	_, err := s.propStmts.upsert.ExecContext(ctx, driveID, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set prop %s/%s: %w", driveID, key, err)
	}

	return nil
}

// GetProp returns a cached drive property, or nil if never cached.
func (s *Store) GetProp(ctx context.Context, driveID, key string) (*PropRecord, error) {
	var (
		value     string
		refreshed int64
	)

	err := s.propStmts.get.QueryRowContext(ctx, driveID, key).Scan(&value, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get prop %s/%s: %w", driveID, key, err)
	}

	return &PropRecord{Value: value, RefreshedAt: time.Unix(0, refreshed)}, nil
}
