// Package tiles implements the two-tier raster tile cache: a byte-budgeted
// in-memory LRU in front of an unbounded on-disk warm store, with an origin
// fetch fallback for misses.
package tiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
)

// Tile layers.  Standard maps to OSM-style z/x/y origins, satellite to
// Esri-style z/y/x imagery.
const (
	LayerStandard  = "standard"
	LayerSatellite = "satellite"
)

// MaxZoom bounds accepted tile zoom levels.
const MaxZoom = 18

// ErrNotFound means the origin has no such tile.
var ErrNotFound = errors.New("tile not found")

// ErrInvalidKey means the requested coordinates or layer are out of range.
var ErrInvalidKey = errors.New("invalid tile key")

// errBadImage rejects origin payloads that fail the magic-byte check.
var errBadImage = errors.New("origin returned data that is not a raster image")

// Key addresses one tile.
type Key struct {
	Layer string
	Z     int
	X     int
	Y     int
}

// Valid reports whether the key addresses a known layer within zoom bounds.
func (k Key) Valid() bool {
	if k.Layer != LayerStandard && k.Layer != LayerSatellite {
		return false
	}
	return k.Z >= 0 && k.Z <= MaxZoom && k.X >= 0 && k.Y >= 0
}

// Fetcher retrieves a tile from an external origin.  Implementations return
// [ErrNotFound] when the origin has no such tile.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) ([]byte, error)
}

// Stats is a point-in-time cache summary for the status endpoint.
type Stats struct {
	MemEntries int
	MemBytes   int64
	Hits       int64
	Misses     int64
}

// Cache is the combined two-tier cache.  The memory tier is safe for
// concurrent use; disk writes are best-effort and never fatal.
type Cache struct {
	mem          *memCache
	dir          string
	fetcher      Fetcher
	fetchTimeout time.Duration
	maxMemZoom   int
	clock        clock.Clock
	log          *slog.Logger
}

// Options configures a [Cache].
type Options struct {
	Dir          string
	BudgetBytes  int64
	MaxMemZoom   int
	FetchTimeout time.Duration
	Fetcher      Fetcher
	Clock        clock.Clock
	Log          *slog.Logger
}

// New builds a Cache.  Dir is created lazily on first write.
func New(opts Options) *Cache {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		mem:          newMemCache(opts.BudgetBytes, clk),
		dir:          opts.Dir,
		fetcher:      opts.Fetcher,
		fetchTimeout: opts.FetchTimeout,
		maxMemZoom:   opts.MaxMemZoom,
		clock:        clk,
		log:          opts.Log,
	}
}

// Get returns the tile bytes for key, looking up memory, then disk, then the
// origin.  Origin results are validated by magic bytes, written through to
// disk, and kept in memory only up to the configured zoom level.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidKey, key)
	}

	if data, ok := c.mem.get(key); ok {
		return data, nil
	}

	if data := c.readDisk(key); data != nil {
		c.memPut(key, data)
		return data, nil
	}

	if c.fetcher == nil {
		return nil, ErrNotFound
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	data, err := c.fetcher.Fetch(fetchCtx, key)
	if err != nil {
		return nil, err
	}
	if !validImageMagic(data) {
		return nil, errBadImage
	}

	c.writeDisk(key, data)
	c.memPut(key, data)
	return data, nil
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	return c.mem.stats()
}

func (c *Cache) memPut(key Key, data []byte) {
	if key.Z > c.maxMemZoom {
		return
	}
	c.mem.put(key, data)
}

// tilePath derives the deterministic disk location for a key.
func (c *Cache) tilePath(key Key) string {
	return filepath.Join(c.dir, key.Layer,
		strconv.Itoa(key.Z), strconv.Itoa(key.X), strconv.Itoa(key.Y)+".png")
}

func (c *Cache) readDisk(key Key) []byte {
	data, err := os.ReadFile(c.tilePath(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("tile disk read failed", "path", c.tilePath(key), "err", err)
		}
		return nil
	}
	if !validImageMagic(data) {
		c.log.Warn("corrupt tile on disk treated as miss", "path", c.tilePath(key))
		return nil
	}
	return data
}

func (c *Cache) writeDisk(key Key, data []byte) {
	path := c.tilePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.log.Warn("tile dir create failed", "path", path, "err", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.log.Warn("tile disk write failed", "path", path, "err", err)
	}
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
var jpegMagic = []byte{0xff, 0xd8, 0xff}

// validImageMagic accepts PNG and JPEG payloads.  Satellite origins serve
// JPEG tiles even though paths carry a .png suffix.
func validImageMagic(b []byte) bool {
	return bytes.HasPrefix(b, pngMagic) || bytes.HasPrefix(b, jpegMagic)
}
