// Package cellindex maps H3 cells to the result keys whose area touches them,
// so an invalidation event can find the cached results it makes stale.
package cellindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/building-footprints/internal/cache/keys"
	"github.com/mohammed-shakir/building-footprints/internal/cache/redisstore"
)

type CellIndex interface {
	Register(ctx context.Context, key string, res int, cells []string, ttl time.Duration) error
	Keys(ctx context.Context, res int, cells []string) ([]string, error)
	Forget(ctx context.Context, res int, cells []string, resultKeys []string) error
}

type redisCellIndex struct {
	cli *redisstore.Client
}

func NewRedisIndex(cli *redisstore.Client) CellIndex {
	return &redisCellIndex{cli: cli}
}

func (ci *redisCellIndex) Register(ctx context.Context, key string, res int, cells []string, ttl time.Duration) error {
	if err := ci.cli.SAddWithTTL(ctx, setKeys(res, cells), key, ttl); err != nil {
		return fmt.Errorf("cellindex register %q: %w", key, err)
	}
	return nil
}

func (ci *redisCellIndex) Keys(ctx context.Context, res int, cells []string) ([]string, error) {
	out, err := ci.cli.SMembersMany(ctx, setKeys(res, cells))
	if err != nil {
		return nil, fmt.Errorf("cellindex lookup: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Forget drops whole cell sets. Result keys registered under other cells stay
// reachable from those cells until their own TTL lapses.
func (ci *redisCellIndex) Forget(ctx context.Context, res int, cells []string, _ []string) error {
	if err := ci.cli.Del(ctx, setKeys(res, cells)...); err != nil {
		return fmt.Errorf("cellindex forget: %w", err)
	}
	return nil
}

func setKeys(res int, cells []string) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, keys.CellIndexKey(res, c))
	}
	return out
}

type entry struct {
	keys    map[string]struct{}
	expires time.Time
}

// Memory is an in-process CellIndex for single-node runs and tests.
type Memory struct {
	mu    sync.Mutex
	sets  map[string]*entry
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sets: make(map[string]*entry), clock: time.Now}
}

func (m *Memory) Register(_ context.Context, key string, res int, cells []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for _, sk := range setKeys(res, cells) {
		e, ok := m.sets[sk]
		if !ok || m.expired(e, now) {
			e = &entry{keys: make(map[string]struct{})}
			m.sets[sk] = e
		}
		e.keys[key] = struct{}{}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		} else {
			e.expires = time.Time{}
		}
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, res int, cells []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	seen := make(map[string]struct{})
	var out []string
	for _, sk := range setKeys(res, cells) {
		e, ok := m.sets[sk]
		if !ok {
			continue
		}
		if m.expired(e, now) {
			delete(m.sets, sk)
			continue
		}
		for k := range e.keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Forget(_ context.Context, res int, cells []string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sk := range setKeys(res, cells) {
		delete(m.sets, sk)
	}
	return nil
}

func (m *Memory) expired(e *entry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}
