package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// propsTTL is how long a cached drive property is served without asking
// the server again.
const propsTTL = 15 * time.Minute

// PropsCache serves drive capacity and storage policy with two layers: an
// in-memory TTL cache for repeated reads, and the drive_props table so
// stale values survive restarts and outages.
type PropsCache struct {
	store  Store
	client RemoteClient
	cache  *ttlcache.Cache[string, string]
	logger *slog.Logger
}

// NewPropsCache creates a PropsCache. Call Close when done to stop the
// expiration loop.
func NewPropsCache(st Store, client RemoteClient, logger *slog.Logger) *PropsCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](propsTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	go cache.Start()

	return &PropsCache{
		store:  st,
		client: client,
		cache:  cache,
		logger: logger,
	}
}

// Close stops the cache's expiration loop.
func (p *PropsCache) Close() {
	p.cache.Stop()
}

// Capacity returns the drive's storage usage, fetching from the server at
// most once per TTL. When the server is unreachable the last persisted
// value is served instead.
func (p *PropsCache) Capacity(ctx context.Context, driveID string) (*remote.Capacity, error) {
	var capacity remote.Capacity

	err := p.get(ctx, driveID, store.PropCapacity, &capacity, func(ctx context.Context) (any, error) {
		return p.client.GetCapacity(ctx)
	})
	if err != nil {
		return nil, err
	}

	return &capacity, nil
}

// StoragePolicy returns the drive's active storage policy with the same
// cache layering as Capacity.
func (p *PropsCache) StoragePolicy(ctx context.Context, driveID string) (*remote.StoragePolicy, error) {
	var policy remote.StoragePolicy

	err := p.get(ctx, driveID, store.PropStoragePolicy, &policy, func(ctx context.Context) (any, error) {
		return p.client.GetStoragePolicy(ctx)
	})
	if err != nil {
		return nil, err
	}

	return &policy, nil
}

func (p *PropsCache) get(
	ctx context.Context, driveID, key string, dst any,
	fetch func(context.Context) (any, error),
) error {
	cacheKey := driveID + "/" + key

	if item := p.cache.Get(cacheKey); item != nil {
		return json.Unmarshal([]byte(item.Value()), dst)
	}

	value, err := fetch(ctx)
	if err != nil {
		// Fall back to the last persisted value so status output keeps
		// working during outages.
		rec, dbErr := p.store.GetProp(ctx, driveID, key)
		if dbErr != nil || rec == nil {
			return err
		}

		p.logger.Debug("serving stale drive property",
			"drive", driveID, "key", key,
			"age", time.Since(rec.RefreshedAt).Round(time.Second))

		return json.Unmarshal([]byte(rec.Value), dst)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding drive property %s: %w", key, err)
	}

	p.cache.Set(cacheKey, string(data), ttlcache.DefaultTTL)

	if err := p.store.SetProp(ctx, driveID, key, string(data)); err != nil {
		p.logger.Warn("cannot persist drive property",
			"drive", driveID, "key", key, "error", err)
	}

	return json.Unmarshal(data, dst)
}
