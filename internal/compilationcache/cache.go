// Package compilationcache holds compiled artifacts in memory, bounded by count and size, and persists the objects
// of ahead-of-time artifacts in a Store so that other processes can load them instead of compiling.
package compilationcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// ErrNotFound is returned by Load when no artifact exists for the key.
var ErrNotFound = errors.New("compilationcache: artifact not found")

// Config configures a Cache. The zero value is an unbounded in-memory cache.
type Config struct {
	// MaxEntries bounds the artifacts kept in memory. Zero means no bound.
	MaxEntries int
	// MaxBytes bounds the sum of wasm.Artifact Size kept in memory. Zero means no bound.
	MaxBytes int64
	// Store persists the objects of wasm.PersistentBackend artifacts, or is nil.
	Store Store
	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
	// Registerer receives the metrics of the cache. Nil means a registry private to the cache.
	Registerer prometheus.Registerer
}

// Cache is safe for concurrent use.
type Cache struct {
	maxBytes int64
	store    Store
	logger   *zap.Logger
	metrics  *metrics

	// mux guards lru and bytes.
	mux   sync.Mutex
	lru   *simplelru.LRU[Key, wasm.Artifact]
	bytes int64

	group singleflight.Group
}

// New returns a cache with the config. It fails when the metrics cannot be registered.
func New(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	c := &Cache{maxBytes: cfg.MaxBytes, store: cfg.Store, logger: logger.Named("cache"), metrics: m}

	size := cfg.MaxEntries
	if size <= 0 {
		size = math.MaxInt32
	}
	c.lru, err = simplelru.NewLRU[Key, wasm.Artifact](size, func(_ Key, a wasm.Artifact) {
		c.bytes -= int64(a.Size())
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the artifact in memory for the key, marking it most recently used.
func (c *Cache) Get(key Key) (wasm.Artifact, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.lru.Get(key)
}

// Len returns the count of artifacts in memory.
func (c *Cache) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.lru.Len()
}

// Bytes returns the sum of the sizes of artifacts in memory.
func (c *Cache) Bytes() int64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.bytes
}

// GetOrCompile returns the artifact for the key, compiling the module with the backend when neither memory nor the
// store has it. Concurrent calls with the same key compile once and all receive the same artifact. Compile errors
// are returned to every waiting caller, and are not remembered.
//
// Each caller waits only as long as its own ctx. When the caller whose ctx the compilation runs on goes away, the
// compilation is canceled and the callers still waiting start another.
func (c *Cache) GetOrCompile(ctx context.Context, key Key, b wasm.Backend, m *wasm.Module) (wasm.Artifact, error) {
	if a, ok := c.Get(key); ok {
		c.metrics.hits.Inc()
		c.logger.Debug("hit", zap.Stringer("key", key), zap.String("backend", b.Name()))
		return a, nil
	}
	c.metrics.misses.Inc()
	c.logger.Debug("miss", zap.Stringer("key", key), zap.String("backend", b.Name()))

	for {
		ch := c.group.DoChan(compileFlight+key.String(), func() (interface{}, error) {
			return c.compile(ctx, key, b, m)
		})
		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(wasm.Artifact), nil
			}
			if errors.Is(res.Err, api.ErrCanceled) && ctx.Err() == nil {
				// The compilation ran on the ctx of another caller, which was canceled.
				continue
			}
			return nil, res.Err
		case <-ctx.Done():
			return nil, &api.CompileError{Kind: api.KindCanceled, Backend: b.Name(), Cause: ctx.Err()}
		}
	}
}

// Flights of GetOrCompile and Load are apart: a Load never compiles, so GetOrCompile must not wait on one.
const (
	compileFlight = "compile/"
	loadFlight    = "load/"
)

func (c *Cache) compile(ctx context.Context, key Key, b wasm.Backend, m *wasm.Module) (wasm.Artifact, error) {
	// Another flight may have finished between the miss and this one starting.
	if a, ok := c.Get(key); ok {
		return a, nil
	}
	pb, persistent := b.(wasm.PersistentBackend)
	persistent = persistent && c.store != nil
	if persistent {
		if a, err := c.loadPersisted(key, pb); err == nil {
			c.metrics.persistedHits.Inc()
			c.insert(key, a)
			return a, nil
		} else if !errors.Is(err, ErrNotFound) {
			c.metrics.persistedErrors.Inc()
			c.logger.Warn("unusable persisted artifact", zap.Stringer("key", key), zap.Error(err))
		}
	}

	start := time.Now()
	c.metrics.compilations.Inc()
	a, err := b.Compile(ctx, m)
	if err != nil {
		return nil, err
	}
	c.logger.Info("compiled", zap.Stringer("key", key), zap.String("backend", b.Name()),
		zap.Duration("duration", time.Since(start)), zap.Int("size", a.Size()))

	if persistent {
		if err = c.persist(key, pb, a); err != nil {
			c.metrics.persistedErrors.Inc()
			c.logger.Warn("failed to persist artifact", zap.Stringer("key", key), zap.Error(err))
		}
	}
	c.insert(key, a)
	return a, nil
}

// Load returns the artifact for the key from memory or the store, without compiling. It returns ErrNotFound when
// neither has it, and the error of the backend when the stored object cannot be loaded.
func (c *Cache) Load(key Key, b wasm.PersistentBackend) (wasm.Artifact, error) {
	if a, ok := c.Get(key); ok {
		c.metrics.hits.Inc()
		return a, nil
	}
	c.metrics.misses.Inc()
	if c.store == nil {
		return nil, ErrNotFound
	}
	v, err, _ := c.group.Do(loadFlight+key.String(), func() (interface{}, error) {
		if a, ok := c.Get(key); ok {
			return a, nil
		}
		a, err := c.loadPersisted(key, b)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.metrics.persistedErrors.Inc()
			}
			return nil, err
		}
		c.metrics.persistedHits.Inc()
		c.insert(key, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(wasm.Artifact), nil
}

// Persist writes the object of the artifact to the store, for callers that compiled it themselves.
func (c *Cache) Persist(key Key, b wasm.PersistentBackend, a wasm.Artifact) error {
	if c.store == nil {
		return errors.New("compilationcache: no store configured")
	}
	return c.persist(key, b, a)
}

func (c *Cache) loadPersisted(key Key, b wasm.PersistentBackend) (wasm.Artifact, error) {
	content, ok, err := c.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	} else if !ok {
		return nil, ErrNotFound
	}
	defer content.Close()
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	a, err := b.Load(data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("loaded persisted artifact", zap.Stringer("key", key), zap.Int("bytes", len(data)))
	return a, nil
}

func (c *Cache) persist(key Key, b wasm.PersistentBackend, a wasm.Artifact) error {
	data, err := b.Marshal(a)
	if err != nil {
		return err
	}
	return c.store.Add(key, bytes.NewReader(data))
}

// insert keeps the artifact in memory unless it alone exceeds MaxBytes, then evicts the least recently used until
// the cache is within its bounds.
func (c *Cache) insert(key Key, a wasm.Artifact) {
	size := int64(a.Size())
	if c.maxBytes > 0 && size > c.maxBytes {
		c.logger.Debug("artifact exceeds the cache", zap.Stringer("key", key), zap.Int64("size", size))
		return
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	c.lru.Remove(key)
	if c.lru.Add(key, a) {
		c.metrics.evictions.Inc()
	}
	c.bytes += size
	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		evicted, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.metrics.evictions.Inc()
		c.logger.Debug("evicted", zap.Stringer("key", evicted))
	}
	c.metrics.bytes.Set(float64(c.bytes))
}

// Delete removes the artifact of the key from memory and the store.
func (c *Cache) Delete(key Key) error {
	c.mux.Lock()
	c.lru.Remove(key)
	c.metrics.bytes.Set(float64(c.bytes))
	c.mux.Unlock()
	if c.store != nil {
		return c.store.Delete(key)
	}
	return nil
}

// Close releases the store, if any. The cache must not be used afterwards.
func (c *Cache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}
