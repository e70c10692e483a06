// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package cache holds parsed source files open across RPC calls. Each file
// is opened at most once no matter how many callers ask for it
// concurrently; callers hold refcounted handles and the parse result stays
// alive until the last handle is released and the idle TTL expires.
package cache

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exdgate/exdgate/exd"
	"github.com/exdgate/exdgate/exdrpc"
)

// Cache is a refcounted map from file path to parse result.
type Cache struct {
	reader  exd.Reader
	idleTTL time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithIdleTTL keeps unreferenced files open for d after their last use.
// Zero closes a file as soon as its refcount drops to zero.
func WithIdleTTL(d time.Duration) Option {
	return func(c *Cache) { c.idleTTL = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over the given reader.
func New(reader exd.Reader, opts ...Option) *Cache {
	c := &Cache{
		reader:  reader,
		now:     time.Now,
		log:     zerolog.Nop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// entry is one cached parse result. ready is closed once file/err are set;
// the creating goroutine performs the open while waiters block on ready.
type entry struct {
	key   string
	ready chan struct{}
	file  exd.File
	err   error

	mu         sync.Mutex // guards refs, lastAccess, evicted
	refs       int
	lastAccess time.Time
	evicted    bool

	readMu sync.Mutex // serializes reads on the underlying file

	structOnce sync.Once
	structure  []exd.LogicalGroup
	structErr  error
	warnings   []string
}

// Acquire returns a handle on the parse result for path, opening the file
// if it is not cached. Concurrent acquisitions of an uncached path share a
// single open; all of them receive the same result. A failed open is not
// cached.
func (c *Cache) Acquire(ctx context.Context, path string) (*Handle, error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[path]
		if !ok {
			e = &entry{
				key:        path,
				ready:      make(chan struct{}),
				refs:       1,
				lastAccess: c.now(),
			}
			c.entries[path] = e
			c.mu.Unlock()

			file, err := c.reader.Open(ctx, path)
			if err != nil {
				e.err = classifyOpenError(path, err)
				close(e.ready)
				c.mu.Lock()
				delete(c.entries, path)
				c.mu.Unlock()
				c.log.Debug().Str("path", path).Err(err).Msg("open failed")
				return nil, e.err
			}
			e.file = file
			close(e.ready)
			c.log.Debug().Str("path", path).Msg("file opened")
			return &Handle{e: e, c: c}, nil
		}

		// Count our interest before unlocking so the sweeper cannot
		// evict the entry between lookup and use.
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			c.mu.Unlock()
			continue
		}
		e.refs++
		e.lastAccess = c.now()
		e.mu.Unlock()
		c.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			c.release(e)
			return nil, ctx.Err()
		}

		if e.err != nil {
			// The shared open failed; the creator already removed the
			// entry. Report the same error without re-parsing.
			return nil, e.err
		}
		return &Handle{e: e, c: c}, nil
	}
}

func classifyOpenError(path string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return exdrpc.Errorf(exdrpc.CodeNotFound, path, "file not found")
	}
	return exdrpc.Errorf(exdrpc.CodeParseError, path, "opening file: %v", err)
}

// release drops one reference. At zero references the entry is closed
// immediately when no idle TTL is configured; otherwise the sweeper
// collects it later.
func (c *Cache) release(e *entry) {
	e.mu.Lock()
	e.refs--
	e.lastAccess = c.now()
	closeNow := e.refs == 0 && c.idleTTL == 0 && !e.evicted
	if closeNow {
		e.evicted = true
	}
	e.mu.Unlock()

	if closeNow {
		c.evict(e)
	}
}

func (c *Cache) evict(e *entry) {
	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	if e.file != nil {
		if err := e.file.Close(); err != nil {
			c.log.Warn().Str("path", e.key).Err(err).Msg("closing file")
		}
	}
	c.log.Debug().Str("path", e.key).Msg("file evicted")
}

// Sweep closes cached files that have no references and have been idle
// longer than the TTL. Called periodically by StartSweeper.
func (c *Cache) Sweep() {
	cutoff := c.now().Add(-c.idleTTL)

	c.mu.Lock()
	var victims []*entry
	for _, e := range c.entries {
		select {
		case <-e.ready:
		default:
			continue // open still in flight
		}
		e.mu.Lock()
		if e.refs == 0 && !e.evicted && e.lastAccess.Before(cutoff) {
			e.evicted = true
			victims = append(victims, e)
		}
		e.mu.Unlock()
	}
	for _, e := range victims {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	for _, e := range victims {
		if e.file != nil {
			if err := e.file.Close(); err != nil {
				c.log.Warn().Str("path", e.key).Err(err).Msg("closing file")
			}
		}
		c.log.Debug().Str("path", e.key).Msg("file evicted")
	}
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close evicts every cached file regardless of references. Intended for
// shutdown only.
func (c *Cache) Close() {
	c.mu.Lock()
	var victims []*entry
	for _, e := range c.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		e.mu.Lock()
		if !e.evicted {
			e.evicted = true
			victims = append(victims, e)
		}
		e.mu.Unlock()
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, e := range victims {
		if e.file != nil {
			_ = e.file.Close()
		}
	}
}

// Len reports the number of cached entries. Test helper.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Refs reports the refcount for path, or -1 if path is not cached. Test helper.
func (c *Cache) Refs(path string) int {
	c.mu.Lock()
	e, ok := c.entries[path]
	c.mu.Unlock()
	if !ok {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// Handle is one reference to a cached parse result. Release must be called
// exactly once; extra calls are ignored.
type Handle struct {
	e    *entry
	c    *Cache
	once sync.Once
}

// Path returns the file path this handle refers to.
func (h *Handle) Path() string { return h.e.key }

// File returns the parse result. Valid until Release.
func (h *Handle) File() exd.File { return h.e.file }

// Release drops this handle's reference.
func (h *Handle) Release() {
	h.once.Do(func() { h.c.release(h.e) })
}

// ReadRange reads a row range from a channel, serializing access to the
// underlying file. Readers of one file take turns; different files proceed
// in parallel.
func (h *Handle) ReadRange(ctx context.Context, channel int, start, count int64) (any, error) {
	h.e.readMu.Lock()
	defer h.e.readMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.e.mu.Lock()
	h.e.lastAccess = h.c.now()
	h.e.mu.Unlock()
	return h.e.file.ReadRange(ctx, channel, start, count)
}

// Structure returns the logical group structure, computing it with build on
// first use and memoizing it for the lifetime of the cache entry.
func (h *Handle) Structure(build func(exd.File) ([]exd.LogicalGroup, []string, error)) ([]exd.LogicalGroup, []string, error) {
	h.e.structOnce.Do(func() {
		h.e.structure, h.e.warnings, h.e.structErr = build(h.e.file)
	})
	return h.e.structure, h.e.warnings, h.e.structErr
}
