// Package resultcache keeps serialized fetch results in an in-process LRU
// backed by an optional Redis tier. Concurrent misses for one key share a
// single upstream fetch.
package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/building-footprints/internal/cache/cellindex"
	"github.com/mohammed-shakir/building-footprints/internal/cache/keys"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/core/observability"
)

// Store is the shared tier. *redisstore.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CellsFunc maps a bound to the index cells it covers.
type CellsFunc func(b orb.Bound, res int) ([]string, error)

type Config struct {
	L1Size    int
	L1TTL     time.Duration
	TTL       time.Duration
	OpTimeout time.Duration
	IndexRes  int
}

type Cache struct {
	cfg   Config
	l1    *expirable.LRU[string, []byte]
	l2    Store
	index cellindex.CellIndex
	cells CellsFunc
	sf    singleflight.Group
	log   *slog.Logger
}

type Option func(*Cache)

func WithStore(s Store) Option { return func(c *Cache) { c.l2 = s } }

// WithIndex registers every stored key under the cells its area covers.
func WithIndex(ix cellindex.CellIndex, fn CellsFunc) Option {
	return func(c *Cache) { c.index, c.cells = ix, fn }
}

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.log = l } }

func New(cfg Config, opts ...Option) *Cache {
	if cfg.L1Size <= 0 {
		cfg.L1Size = 256
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.L1TTL <= 0 || cfg.L1TTL > cfg.TTL {
		cfg.L1TTL = cfg.TTL
	}
	c := &Cache{
		cfg: cfg,
		l1:  expirable.NewLRU[string, []byte](cfg.L1Size, nil, cfg.L1TTL),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup identifies one cacheable request.
type Lookup struct {
	Provider string
	BBox     model.BBox
	Limit    int
	Params   string
}

func (l Lookup) Key() string {
	return keys.ResultKey(l.Provider, l.BBox, l.Limit, l.Params)
}

// Entry is a cached or freshly fetched result together with its encoding.
type Entry struct {
	Key    string
	Result *model.FetchResult
	Body   []byte
	Cached bool
}

type FetchFunc func(ctx context.Context) (*model.FetchResult, error)

// GetOrFetch serves l from cache or runs fetch. Failed and cancelled fetches
// are never stored.
func (c *Cache) GetOrFetch(ctx context.Context, l Lookup, fetch FetchFunc) (*Entry, error) {
	key := l.Key()
	if e, ok := c.lookup(ctx, key); ok {
		return e, nil
	}

	ch := c.sf.DoChan(key, func() (any, error) {
		return c.fill(ctx, key, l, fetch)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", model.ErrCancelled, context.Cause(ctx))
	case r := <-ch:
		if r.Err != nil {
			// the shared fetch belonged to a caller that went away
			if r.Shared && errors.Is(r.Err, model.ErrCancelled) && ctx.Err() == nil {
				return c.fill(ctx, key, l, fetch)
			}
			return nil, r.Err
		}
		e, ok := r.Val.(*Entry)
		if !ok {
			return nil, fmt.Errorf("resultcache: unexpected value %T", r.Val)
		}
		return e, nil
	}
}

func (c *Cache) fill(ctx context.Context, key string, l Lookup, fetch FetchFunc) (*Entry, error) {
	if body, ok := c.l1.Get(key); ok {
		if e, err := decode(key, body); err == nil {
			return e, nil
		}
	}
	res, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	c.l1.Add(key, body)
	c.storeShared(key, l, body)
	return &Entry{Key: key, Result: res, Body: body}, nil
}

func (c *Cache) lookup(ctx context.Context, key string) (*Entry, bool) {
	if body, ok := c.l1.Get(key); ok {
		if e, err := decode(key, body); err == nil {
			observability.IncCacheHit("memory")
			return e, true
		}
		c.l1.Remove(key)
	}
	observability.IncCacheMiss("memory")

	if c.l2 == nil {
		return nil, false
	}
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	body, ok, err := c.l2.Get(opCtx, key)
	if err != nil {
		c.log.Warn("cache get error, continuing with fetch path", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		observability.IncCacheMiss("redis")
		return nil, false
	}
	e, err := decode(key, body)
	if err != nil {
		c.log.Warn("dropping undecodable cache entry", "key", key, "err", err)
		observability.IncCacheMiss("redis")
		return nil, false
	}
	observability.IncCacheHit("redis")
	c.l1.Add(key, body)
	return e, true
}

// storeShared writes to Redis and the cell index. Failures only cost a
// future miss so they are logged and dropped.
func (c *Cache) storeShared(key string, l Lookup, body []byte) {
	ctx, cancel := c.opContext(context.Background())
	defer cancel()

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, body, c.cfg.TTL); err != nil {
			c.log.Warn("cache set failed", "key", key, "err", err)
		}
	}
	if c.index == nil || c.cells == nil {
		return
	}
	cells, err := c.cells(l.BBox.Bound(), c.cfg.IndexRes)
	if err != nil {
		c.log.Warn("cell index mapping failed", "key", key, "err", err)
		return
	}
	if err := c.index.Register(ctx, key, c.cfg.IndexRes, cells, c.cfg.TTL); err != nil {
		c.log.Warn("cell index register failed", "key", key, "err", err)
	}
}

// Invalidate removes keys from both tiers.
func (c *Cache) Invalidate(ctx context.Context, ks ...string) error {
	for _, k := range ks {
		c.l1.Remove(k)
	}
	if c.l2 == nil || len(ks) == 0 {
		return nil
	}
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.l2.Del(opCtx, ks...); err != nil {
		return fmt.Errorf("invalidate %d keys: %w", len(ks), err)
	}
	return nil
}

// InvalidateBound drops every result registered under a cell that b covers
// and returns how many keys were removed.
func (c *Cache) InvalidateBound(ctx context.Context, b orb.Bound) (int, error) {
	if c.index == nil || c.cells == nil {
		return 0, errors.New("resultcache: no cell index configured")
	}
	cells, err := c.cells(b, c.cfg.IndexRes)
	if err != nil {
		return 0, fmt.Errorf("map bound to cells: %w", err)
	}
	return c.InvalidateCells(ctx, cells, nil)
}

// InvalidateCells drops the results indexed under cells, which must be at
// IndexRes. A nil match accepts every key.
func (c *Cache) InvalidateCells(ctx context.Context, cells []string, match func(key string) bool) (int, error) {
	if c.index == nil {
		return 0, errors.New("resultcache: no cell index configured")
	}
	if len(cells) == 0 {
		return 0, nil
	}
	ks, err := c.index.Keys(ctx, c.cfg.IndexRes, cells)
	if err != nil {
		return 0, fmt.Errorf("lookup cell index: %w", err)
	}
	if match != nil {
		kept := ks[:0]
		for _, k := range ks {
			if match(k) {
				kept = append(kept, k)
			}
		}
		ks = kept
	}
	if len(ks) == 0 {
		return 0, nil
	}
	if err := c.Invalidate(ctx, ks...); err != nil {
		return 0, err
	}
	if err := c.index.Forget(ctx, c.cfg.IndexRes, cells, ks); err != nil {
		return len(ks), fmt.Errorf("forget cells: %w", err)
	}
	return len(ks), nil
}

func (c *Cache) IndexRes() int { return c.cfg.IndexRes }

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

func decode(key string, body []byte) (*Entry, error) {
	var res model.FetchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &Entry{Key: key, Result: &res, Body: body, Cached: true}, nil
}
