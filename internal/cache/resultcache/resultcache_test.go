package resultcache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/building-footprints/internal/cache/cellindex"
	"github.com/mohammed-shakir/building-footprints/internal/cache/redisstore"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

func newRedis(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func sampleResult() *model.FetchResult {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}})
	f.Properties["height"] = 12.5
	f.Properties["class"] = "residential"
	fc.Append(f)
	return &model.FetchResult{
		Provider: "overture", Collection: fc, BuildingCount: 1,
		Limit: 50000, UpstreamTotal: model.UnknownTotal,
	}
}

var lookup = Lookup{
	Provider: "overture",
	BBox:     model.BBox{X1: 18, Y1: 59.3, X2: 18.1, Y2: 59.4},
	Limit:    50000,
}

type counter struct {
	n   atomic.Int32
	res *model.FetchResult
	err error
}

func (c *counter) fetch(context.Context) (*model.FetchResult, error) {
	c.n.Add(1)
	return c.res, c.err
}

func TestGetOrFetch_MissThenByteIdenticalHit(t *testing.T) {
	c := New(Config{TTL: time.Minute})
	fc := &counter{res: sampleResult()}
	ctx := context.Background()

	first, err := c.GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Cached {
		t.Fatalf("first call must not be cached")
	}
	second, err := c.GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second call should be a hit")
	}
	if !bytes.Equal(first.Body, second.Body) {
		t.Fatalf("cached body differs")
	}
	if fc.n.Load() != 1 {
		t.Fatalf("fetch calls=%d want 1", fc.n.Load())
	}
	if second.Result.BuildingCount != 1 || len(second.Result.Collection.Features) != 1 {
		t.Fatalf("decoded result=%+v", second.Result)
	}
}

func TestGetOrFetch_RoundedBBoxSharesEntry(t *testing.T) {
	c := New(Config{})
	fc := &counter{res: sampleResult()}
	ctx := context.Background()

	if _, err := c.GetOrFetch(ctx, lookup, fc.fetch); err != nil {
		t.Fatal(err)
	}
	near := lookup
	near.BBox.X1 += 1e-8
	e, err := c.GetOrFetch(ctx, near, fc.fetch)
	if err != nil || !e.Cached {
		t.Fatalf("expected hit for bbox equal after rounding, err=%v", err)
	}

	other := lookup
	other.Limit = 10
	if e, _ := c.GetOrFetch(ctx, other, fc.fetch); e.Cached {
		t.Fatalf("different limit must miss")
	}
}

func TestGetOrFetch_RedisTierServesNewProcess(t *testing.T) {
	rc, _ := newRedis(t)
	fc := &counter{res: sampleResult()}
	ctx := context.Background()

	a := New(Config{TTL: time.Minute}, WithStore(rc))
	if _, err := a.GetOrFetch(ctx, lookup, fc.fetch); err != nil {
		t.Fatal(err)
	}

	b := New(Config{TTL: time.Minute}, WithStore(rc))
	e, err := b.GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Cached || fc.n.Load() != 1 {
		t.Fatalf("expected redis hit, cached=%v fetches=%d", e.Cached, fc.n.Load())
	}
}

func TestGetOrFetch_RedisEntryExpires(t *testing.T) {
	rc, mr := newRedis(t)
	fc := &counter{res: sampleResult()}
	ctx := context.Background()

	_, _ = New(Config{TTL: time.Minute}, WithStore(rc)).GetOrFetch(ctx, lookup, fc.fetch)
	mr.FastForward(2 * time.Minute)

	e, err := New(Config{TTL: time.Minute}, WithStore(rc)).GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if e.Cached || fc.n.Load() != 2 {
		t.Fatalf("expected refetch after expiry, cached=%v fetches=%d", e.Cached, fc.n.Load())
	}
}

func TestGetOrFetch_MemoryEntryExpires(t *testing.T) {
	// L1TTL above TTL is clamped so memory never outlives the shared tier
	c := New(Config{L1TTL: time.Hour, TTL: 20 * time.Millisecond})
	if c.cfg.L1TTL != 20*time.Millisecond {
		t.Fatalf("L1TTL=%v want clamped to TTL", c.cfg.L1TTL)
	}
	fc := &counter{res: sampleResult()}
	ctx := context.Background()

	if _, err := c.GetOrFetch(ctx, lookup, fc.fetch); err != nil {
		t.Fatal(err)
	}
	e, err := c.GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil || !e.Cached {
		t.Fatalf("expected hit before expiry, cached=%v err=%v", e != nil && e.Cached, err)
	}

	time.Sleep(60 * time.Millisecond)

	e, err = c.GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if e.Cached || fc.n.Load() != 2 {
		t.Fatalf("expected refetch after expiry, cached=%v fetches=%d", e.Cached, fc.n.Load())
	}
}

func TestGetOrFetch_ErrorsAreNotStored(t *testing.T) {
	rc, mr := newRedis(t)
	c := New(Config{}, WithStore(rc))
	boom := errors.New("upstream down")
	fc := &counter{err: boom}

	if _, err := c.GetOrFetch(context.Background(), lookup, fc.fetch); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("redis should be empty, keys=%v", mr.Keys())
	}

	fc.err, fc.res = nil, sampleResult()
	e, err := c.GetOrFetch(context.Background(), lookup, fc.fetch)
	if err != nil || e.Cached {
		t.Fatalf("expected fresh fetch, cached=%v err=%v", e != nil && e.Cached, err)
	}
}

func TestGetOrFetch_CancelledIsNotStored(t *testing.T) {
	c := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	fetch := func(ctx context.Context) (*model.FetchResult, error) {
		cancel()
		<-ctx.Done()
		return nil, model.ErrCancelled
	}
	if _, err := c.GetOrFetch(ctx, lookup, fetch); !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("err=%v want ErrCancelled", err)
	}
	if c.l1.Len() != 0 {
		t.Fatalf("cancelled result was cached")
	}
}

func TestGetOrFetch_ConcurrentMissesShareOneFetch(t *testing.T) {
	c := New(Config{})
	var n atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (*model.FetchResult, error) {
		n.Add(1)
		<-release
		return sampleResult(), nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrFetch(context.Background(), lookup, fetch)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("GetOrFetch: %v", err)
		}
	}
	if n.Load() != 1 {
		t.Fatalf("fetch calls=%d want 1", n.Load())
	}
}

func TestInvalidateBound_DropsRegisteredKeys(t *testing.T) {
	rc, mr := newRedis(t)
	ix := cellindex.NewMemory()
	cells := func(b orb.Bound, _ int) ([]string, error) {
		if b.Intersects(lookup.BBox.Bound()) {
			return []string{"cell-a"}, nil
		}
		return []string{"cell-z"}, nil
	}
	c := New(Config{IndexRes: 6}, WithStore(rc), WithIndex(ix, cells))
	fc := &counter{res: sampleResult()}
	ctx := context.Background()

	if _, err := c.GetOrFetch(ctx, lookup, fc.fetch); err != nil {
		t.Fatal(err)
	}

	n, err := c.InvalidateBound(ctx, orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{51, 51}})
	if err != nil || n != 0 {
		t.Fatalf("unrelated bound n=%d err=%v", n, err)
	}

	n, err = c.InvalidateBound(ctx, orb.Bound{Min: orb.Point{18.05, 59.35}, Max: orb.Point{18.06, 59.36}})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if mr.Exists(lookup.Key()) {
		t.Fatalf("redis entry should be gone")
	}
	e, err := c.GetOrFetch(ctx, lookup, fc.fetch)
	if err != nil || e.Cached {
		t.Fatalf("expected refetch after invalidation")
	}
}

func TestInvalidateBound_RequiresIndex(t *testing.T) {
	if _, err := New(Config{}).InvalidateBound(context.Background(), orb.Bound{}); err == nil {
		t.Fatalf("expected error without index")
	}
}

func TestInvalidateCells_MatchFiltersKeys(t *testing.T) {
	ix := cellindex.NewMemory()
	cells := func(orb.Bound, int) ([]string, error) { return []string{"cell-a"}, nil }
	c := New(Config{IndexRes: 6}, WithIndex(ix, cells))
	ctx := context.Background()

	other := lookup
	other.Provider = "openbuildings"
	for _, l := range []Lookup{lookup, other} {
		fc := &counter{res: sampleResult()}
		if _, err := c.GetOrFetch(ctx, l, fc.fetch); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.InvalidateCells(ctx, []string{"cell-a"}, func(k string) bool { return k == other.Key() })
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	fc := &counter{res: sampleResult()}
	if e, _ := c.GetOrFetch(ctx, lookup, fc.fetch); !e.Cached {
		t.Fatalf("unmatched key was dropped")
	}
	if e, _ := c.GetOrFetch(ctx, other, fc.fetch); e.Cached {
		t.Fatalf("matched key survived")
	}
}
