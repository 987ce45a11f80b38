// Package catalog serves the album catalog with a Redis read-through cache.
//
// Albums are read on every conversation turn to pick the next question, so
// the catalog fronts the store with a short-TTL cache. The cache is an
// optimization only: a Redis outage degrades to direct store reads.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/store"
)

// DefaultTTL is how long a cached album stays fresh. The catalog is
// read-mostly admin data, so staleness up to this window is acceptable.
const DefaultTTL = 5 * time.Minute

// Service resolves albums for the conversation engine and the HTTP API.
type Service interface {
	// Album returns the album by ID. Returns models.ErrAlbumNotFound if no
	// such album exists and models.ErrAlbumInactive if it is disabled.
	Album(ctx context.Context, id string) (*models.Album, error)

	// Albums returns every active album.
	Albums(ctx context.Context) ([]models.Album, error)

	// Invalidate drops the cached entry for an album after an admin update.
	Invalidate(ctx context.Context, id string) error
}

// Catalog is the Redis-cached Service implementation. A nil Redis client is
// allowed and turns every read into a store read.
type Catalog struct {
	repo store.AlbumRepo
	rdb  *redis.Client
	ttl  time.Duration
}

var _ Service = (*Catalog)(nil)

// New creates a catalog service. rdb may be nil to disable caching.
func New(repo store.AlbumRepo, rdb *redis.Client, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{repo: repo, rdb: rdb, ttl: ttl}
}

func albumKey(id string) string {
	return fmt.Sprintf("album:%s", id)
}

// Album returns the album by ID, consulting the cache first.
func (c *Catalog) Album(ctx context.Context, id string) (*models.Album, error) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, albumKey(id)).Result()
		if err == nil {
			var album models.Album
			if jsonErr := json.Unmarshal([]byte(raw), &album); jsonErr == nil {
				return checkActive(&album)
			}
			slog.Warn("Catalog.Album cache entry unreadable, falling through", "albumID", id)
		} else if err != redis.Nil {
			slog.Warn("Catalog.Album cache read failed, falling through", "error", err, "albumID", id)
		}
	}

	album, err := c.repo.GetAlbum(id)
	if err != nil {
		return nil, err
	}
	if c.rdb != nil {
		if b, jsonErr := json.Marshal(album); jsonErr == nil {
			if setErr := c.rdb.Set(ctx, albumKey(id), b, c.ttl).Err(); setErr != nil {
				slog.Warn("Catalog.Album cache write failed", "error", setErr, "albumID", id)
			}
		}
	}
	return checkActive(album)
}

// Albums returns every active album, bypassing the cache. The list endpoint
// is admin-facing and rare enough not to warrant one.
func (c *Catalog) Albums(ctx context.Context) ([]models.Album, error) {
	all, err := c.repo.ListAlbums()
	if err != nil {
		return nil, err
	}
	active := make([]models.Album, 0, len(all))
	for _, a := range all {
		if a.Active {
			active = append(active, a)
		}
	}
	return active, nil
}

// Invalidate drops the cached entry for an album.
func (c *Catalog) Invalidate(ctx context.Context, id string) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, albumKey(id)).Err(); err != nil {
		slog.Error("Catalog.Invalidate failed", "error", err, "albumID", id)
		return fmt.Errorf("failed to invalidate album cache: %w", err)
	}
	return nil
}

func checkActive(a *models.Album) (*models.Album, error) {
	if !a.Active {
		return nil, models.ErrAlbumInactive
	}
	return a, nil
}
