package buildings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/cache/resultcache"
	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
	"github.com/mohammed-shakir/building-footprints/internal/fetchevents"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	h3mapper "github.com/mohammed-shakir/building-footprints/internal/mapper/h3"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
)

// gridProvider yields n small squares inside the unit square in one batch.
type gridProvider struct {
	n     int
	opens atomic.Int32
	last  fetcher.Query
}

func (p *gridProvider) Name() string              { return "grid" }
func (p *gridProvider) Dataset() string           { return "Grid" }
func (p *gridProvider) Schema() properties.Schema { return properties.OvertureSchema }
func (p *gridProvider) DefaultLimit() int         { return 7 }

func (p *gridProvider) Connect(context.Context) (fetcher.Session, error) {
	return fetcher.NopSession{}, nil
}

func (p *gridProvider) Open(_ context.Context, _ fetcher.Session, q fetcher.Query) (fetcher.Stream, error) {
	p.opens.Add(1)
	p.last = q
	recs := make([]fetcher.Record, 0, p.n)
	for i := range p.n {
		x := 0.05 + float64(i%10)*0.09
		y := 0.05 + float64(i/10)*0.09
		recs = append(recs, fetcher.Record{
			"id":       fmt.Sprintf("b%d", i),
			"geometry": fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))", x, y, x+0.01, y, x+0.01, y+0.01, x, y+0.01, x, y),
			"height":   float64(3 + i%4),
			"class":    []string{"house", "garage"}[i%2],
		})
	}
	return &oneBatch{recs: recs}, nil
}

type oneBatch struct {
	recs []fetcher.Record
	done bool
}

func (s *oneBatch) Next(context.Context) (fetcher.Batch, error) {
	if s.done {
		return fetcher.Batch{}, io.EOF
	}
	s.done = true
	return fetcher.Batch{Records: s.recs}, nil
}
func (s *oneBatch) Total() int64 { return int64(len(s.recs)) }
func (s *oneBatch) Close() error { return nil }

type recordingSink struct {
	mu     sync.Mutex
	events []fetchevents.Event
}

func (r *recordingSink) Publish(ev fetchevents.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func unitAOI(t *testing.T) geometry.AreaOfInterest {
	t.Helper()
	a, err := geometry.AreaOfInterestFromBBox(model.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func newService(p *gridProvider, opts ...Option) *Service {
	cfg := config.Config{DefaultProvider: "grid", FetchWorkers: 2, FeatureH3Res: 9}
	factory := func(name string) (fetcher.Provider, error) {
		if name != "grid" {
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownProvider, name)
		}
		return p, nil
	}
	base := []Option{WithProviderFactory(factory), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	return New(cfg, providers.Deps{}, append(base, opts...)...)
}

func TestFetch_ShapesStatsPagesAndEnriches(t *testing.T) {
	p := &gridProvider{n: 25}
	s := newService(p)

	resp, err := s.Fetch(context.Background(), Query{AOI: unitAOI(t), Limit: 100, Page: 2, PageSize: 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.BuildingCount != 25 || resp.Truncated || resp.Cached {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.TotalPages != 3 || len(resp.PageItems.Features) != 5 {
		t.Fatalf("pages=%d page items=%d", resp.TotalPages, len(resp.PageItems.Features))
	}
	if resp.PageItems.Features[0] != resp.Collection.Features[20] {
		t.Fatalf("page must share features with the collection")
	}
	if resp.Statistics.Count != 25 || resp.Statistics.Heights().Count != 25 {
		t.Fatalf("stats=%+v", resp.Statistics)
	}
	if _, ok := resp.Collection.Features[0].Properties[h3mapper.CellProperty].(string); !ok {
		t.Fatalf("missing h3 cell: %v", resp.Collection.Features[0].Properties)
	}
}

func TestFetch_DefaultLimitAndProvider(t *testing.T) {
	p := &gridProvider{n: 25}
	resp, err := newService(p).Fetch(context.Background(), Query{AOI: unitAOI(t)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Limit != 7 || resp.BuildingCount != 7 || !resp.Truncated {
		t.Fatalf("limit=%d count=%d truncated=%v", resp.Limit, resp.BuildingCount, resp.Truncated)
	}
	if resp.PageSize != DefaultPageSize {
		t.Fatalf("page size=%d", resp.PageSize)
	}
}

func TestFetch_SecondCallServedFromCache(t *testing.T) {
	p := &gridProvider{n: 4}
	sink := &recordingSink{}
	s := newService(p, WithCache(resultcache.New(resultcache.Config{})), WithEvents(sink))
	q := Query{AOI: unitAOI(t), Limit: 10}

	first, err := s.Fetch(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Fetch(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || !second.Cached || p.opens.Load() != 1 {
		t.Fatalf("cached=%v/%v opens=%d", first.Cached, second.Cached, p.opens.Load())
	}
	if second.BuildingCount != 4 || len(second.Collection.Features) != 4 {
		t.Fatalf("cached result lost features: %+v", second)
	}

	if len(sink.events) != 2 || sink.events[0].Cached || !sink.events[1].Cached {
		t.Fatalf("events=%+v", sink.events)
	}
	if ev := sink.events[0]; ev.Provider != "grid" || ev.Lon != 0.5 || ev.Lat != 0.5 || ev.Count != 4 {
		t.Fatalf("event=%+v", ev)
	}
}

func TestFetch_PolygonAOIDoesNotShareBBoxEntry(t *testing.T) {
	p := &gridProvider{n: 4}
	s := newService(p, WithCache(resultcache.New(resultcache.Config{})))

	tri, err := geometry.NewAreaOfInterest(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fetch(context.Background(), Query{AOI: unitAOI(t), Limit: 10}); err != nil {
		t.Fatal(err)
	}
	resp, err := s.Fetch(context.Background(), Query{AOI: tri, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Cached || p.opens.Load() != 2 {
		t.Fatalf("triangle served from the square's entry")
	}
}

func TestFetch_PolygonJitterBelowKeyPrecisionSharesEntry(t *testing.T) {
	p := &gridProvider{n: 4}
	s := newService(p, WithCache(resultcache.New(resultcache.Config{})))

	a, err := geometry.NewAreaOfInterest(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := geometry.NewAreaOfInterest(orb.Polygon{{{0, 0}, {1 + 1e-9, 0}, {1, 1}, {0, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	if cacheParams(Query{AOI: a}) != cacheParams(Query{AOI: b}) {
		t.Fatalf("params differ:\n%s\n%s", cacheParams(Query{AOI: a}), cacheParams(Query{AOI: b}))
	}

	if _, err := s.Fetch(context.Background(), Query{AOI: a, Limit: 10}); err != nil {
		t.Fatal(err)
	}
	resp, err := s.Fetch(context.Background(), Query{AOI: b, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Cached || p.opens.Load() != 1 {
		t.Fatalf("cached=%v opens=%d", resp.Cached, p.opens.Load())
	}
}

func TestFetch_SizeBoundsReachProvider(t *testing.T) {
	p := &gridProvider{n: 1}
	if _, err := newService(p).Fetch(context.Background(), Query{AOI: unitAOI(t), MinArea: 5, MaxArea: 1e12}); err != nil {
		t.Fatal(err)
	}
	if p.last.MinArea != 5 || p.last.MaxArea != 1e12 {
		t.Fatalf("query=%+v", p.last)
	}
}

func TestFetch_Errors(t *testing.T) {
	s := newService(&gridProvider{n: 1})
	ctx := context.Background()

	if _, err := s.Fetch(ctx, Query{}); !errors.Is(err, model.ErrEmptyOrInvalidArea) {
		t.Fatalf("empty aoi err=%v", err)
	}
	if _, err := s.Fetch(ctx, Query{AOI: unitAOI(t), Provider: "nope"}); !errors.Is(err, model.ErrUnknownProvider) {
		t.Fatalf("unknown provider err=%v", err)
	}
	if _, err := s.Fetch(ctx, Query{AOI: unitAOI(t), MinArea: 10, MaxArea: 5}); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("bad bounds err=%v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Fetch(cctx, Query{AOI: unitAOI(t)}); !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("cancelled err=%v", err)
	}
}
