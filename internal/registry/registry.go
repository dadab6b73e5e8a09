// Package registry manages the set of configured drives: the mapping from
// drive IDs to local sync directories, remote URIs, and per-drive sync
// settings. The registry is persisted to a TOML file and every mutation is
// written to disk before it is acknowledged.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/gablilli/drivesync/internal/config"
	"github.com/gablilli/drivesync/internal/events"
)

// Drive statuses.
const (
	StatusActive            = "active"
	StatusEventPushLost     = "event_push_lost"
	StatusCredentialExpired = "credential_expired"
)

// Sync directions.
const (
	DirectionTwoWay       = "two_way"
	DirectionOneWayUpload = "one_way_upload"
)

// Sentinel errors returned by registry operations.
var (
	ErrDriveExists   = errors.New("drive already registered")
	ErrDriveNotFound = errors.New("drive not found")
)

// Drive is one configured drive.
type Drive struct {
	ID        string    `toml:"id"`
	Name      string    `toml:"name"`
	LocalPath string    `toml:"local_path"`
	RemoteURI string    `toml:"remote_uri"`
	Direction string    `toml:"direction"`
	Enabled   bool      `toml:"enabled"`
	Status    string    `toml:"status"`
	AddedAt   time.Time `toml:"added_at"`
}

// drivesFile is the on-disk TOML shape.
type drivesFile struct {
	Drives []Drive `toml:"drives"`
}

// Registry holds the drive set in memory with the TOML file as the source
// of truth. All mutating operations persist before returning, so an
// acknowledged change survives a crash.
type Registry struct {
	mu     sync.RWMutex
	drives map[string]Drive
	path   string
	bus    *events.Bus
	logger *slog.Logger
}

// Load reads the registry file at path, or starts empty if it does not
// exist. A corrupt file is logged and treated as empty rather than
// preventing startup; the corrupt content is preserved on disk until the
// next successful mutation.
func Load(path string, bus *events.Bus, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		drives: make(map[string]Drive),
		path:   path,
		bus:    bus,
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("no drive registry file, starting empty", "path", path)
		return r, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading drive registry %s: %w", path, err)
	}

	var file drivesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		logger.Warn("drive registry file is corrupt, starting empty",
			"path", path, "error", err)
		return r, nil
	}

	for _, d := range file.Drives {
		r.drives[d.ID] = d
	}

	logger.Info("loaded drive registry", "path", path, "drives", len(r.drives))

	return r, nil
}

// Add registers a new drive. The ID is assigned here; callers provide the
// rest. The drive starts enabled with StatusActive. Returns the stored
// drive after it has been persisted.
func (r *Registry) Add(name, localPath, remoteURI, direction string) (Drive, error) {
	if direction == "" {
		direction = DirectionTwoWay
	}

	if err := validateDirection(direction); err != nil {
		return Drive{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.drives {
		if d.LocalPath == localPath {
			return Drive{}, fmt.Errorf("local path %s: %w (drive %s)", localPath, ErrDriveExists, d.ID)
		}
	}

	drive := Drive{
		ID:        uuid.NewString(),
		Name:      name,
		LocalPath: localPath,
		RemoteURI: remoteURI,
		Direction: direction,
		Enabled:   true,
		Status:    StatusActive,
		AddedAt:   time.Now(),
	}

	r.drives[drive.ID] = drive

	if err := r.persistLocked(); err != nil {
		delete(r.drives, drive.ID)
		return Drive{}, err
	}

	r.logger.Info("drive added", "drive", drive.ID, "name", name, "local_path", localPath)
	r.publish(events.KindDriveAdded, drive.ID)

	return drive, nil
}

// Remove deletes a drive from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	drive, ok := r.drives[id]
	if !ok {
		return fmt.Errorf("drive %s: %w", id, ErrDriveNotFound)
	}

	delete(r.drives, id)

	if err := r.persistLocked(); err != nil {
		r.drives[id] = drive
		return err
	}

	r.logger.Info("drive removed", "drive", id, "name", drive.Name)
	r.publish(events.KindDriveRemoved, id)

	return nil
}

// Get returns a drive by ID.
func (r *Registry) Get(id string) (Drive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	drive, ok := r.drives[id]
	if !ok {
		return Drive{}, fmt.Errorf("drive %s: %w", id, ErrDriveNotFound)
	}

	return drive, nil
}

// List returns all drives sorted by name, then ID for stable output.
func (r *Registry) List() []Drive {
	r.mu.RLock()
	defer r.mu.RUnlock()

	drives := make([]Drive, 0, len(r.drives))
	for _, d := range r.drives {
		drives = append(drives, d)
	}

	sort.Slice(drives, func(i, j int) bool {
		if drives[i].Name != drives[j].Name {
			return drives[i].Name < drives[j].Name
		}

		return drives[i].ID < drives[j].ID
	})

	return drives
}

func validateDirection(direction string) error {
	if direction != DirectionTwoWay && direction != DirectionOneWayUpload {
		return fmt.Errorf("invalid sync direction %q", direction)
	}

	return nil
}

// Update applies fn to a drive and persists the result. fn receives a copy
// so a failed persist or a rejected edit leaves the registry unchanged.
func (r *Registry) Update(id string, fn func(*Drive)) (Drive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drive, ok := r.drives[id]
	if !ok {
		return Drive{}, fmt.Errorf("drive %s: %w", id, ErrDriveNotFound)
	}

	updated := drive
	fn(&updated)
	updated.ID = drive.ID

	if err := validateDirection(updated.Direction); err != nil {
		return Drive{}, err
	}

	r.drives[id] = updated

	if err := r.persistLocked(); err != nil {
		r.drives[id] = drive
		return Drive{}, err
	}

	r.publish(events.KindDriveUpdated, id)

	return updated, nil
}

// SetStatus moves a drive to the given status.
func (r *Registry) SetStatus(id, status string) error {
	_, err := r.Update(id, func(d *Drive) { d.Status = status })
	if err != nil {
		return err
	}

	r.logger.Info("drive status changed", "drive", id, "status", status)

	return nil
}

// SetEnabled turns syncing for a drive on or off.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	_, err := r.Update(id, func(d *Drive) { d.Enabled = enabled })
	if err != nil {
		return err
	}

	r.logger.Info("drive enabled changed", "drive", id, "enabled", enabled)

	return nil
}

// persistLocked writes the registry to disk. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	file := drivesFile{Drives: make([]Drive, 0, len(r.drives))}
	for _, d := range r.drives {
		file.Drives = append(file.Drives, d)
	}

	sort.Slice(file.Drives, func(i, j int) bool {
		return file.Drives[i].ID < file.Drives[j].ID
	})

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding drive registry: %w", err)
	}

	if err := config.WriteAtomic(r.path, data); err != nil {
		return fmt.Errorf("writing drive registry: %w", err)
	}

	return nil
}

func (r *Registry) publish(kind events.Kind, driveID string) {
	if r.bus != nil {
		r.bus.Publish(events.New(kind, driveID))
	}
}
