package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
)

var unitSquare = orb.Polygon{{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}}

func mustAOI(t *testing.T) geometry.AreaOfInterest {
	t.Helper()
	aoi, err := geometry.NewAreaOfInterest(unitSquare)
	if err != nil {
		t.Fatalf("aoi: %v", err)
	}
	return aoi
}

func squareWKT(x, y, s float64) string {
	return fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))", x, y, x+s, y, x+s, y+s, x, y+s, x, y)
}

// sliceStream replays fixed batches.
type sliceStream struct {
	batches []Batch
	i       int
	total   int64
	failAt  int
	err     error
	closed  atomic.Bool
	onNext  func(i int)
}

func (s *sliceStream) Next(context.Context) (Batch, error) {
	if s.failAt >= 0 && s.i == s.failAt {
		return Batch{}, s.err
	}
	if s.i >= len(s.batches) {
		return Batch{}, io.EOF
	}
	if s.onNext != nil {
		s.onNext(s.i)
	}
	b := s.batches[s.i]
	s.i++
	return b, nil
}

func (s *sliceStream) Total() int64 { return s.total }
func (s *sliceStream) Close() error { s.closed.Store(true); return nil }

// genStream produces n point records inside the unit square lazily.
type genStream struct {
	n, batch, produced int
	total              int64
	pulls              int
}

func (g *genStream) Next(context.Context) (Batch, error) {
	if g.produced >= g.n {
		return Batch{}, io.EOF
	}
	g.pulls++
	k := min(g.batch, g.n-g.produced)
	recs := make([]Record, k)
	for i := range recs {
		recs[i] = Record{"geometry": orb.Point{0.5, 0.5}, "id": g.produced + i}
	}
	g.produced += k
	return Batch{Records: recs}, nil
}

func (g *genStream) Total() int64 { return g.total }
func (g *genStream) Close() error { return nil }

type fakeProvider struct {
	open       func(q Query) (Stream, error)
	connectErr error
	connects   atomic.Int32
	opens      atomic.Int32
}

func (p *fakeProvider) Name() string              { return "fake" }
func (p *fakeProvider) Dataset() string           { return "fake-dataset" }
func (p *fakeProvider) Schema() properties.Schema { return properties.OvertureSchema }
func (p *fakeProvider) DefaultLimit() int         { return 100 }

func (p *fakeProvider) Connect(context.Context) (Session, error) {
	p.connects.Add(1)
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	return &fakeSession{}, nil
}

func (p *fakeProvider) Open(_ context.Context, _ Session, q Query) (Stream, error) {
	p.opens.Add(1)
	return p.open(q)
}

type fakeSession struct{ closed bool }

func (s *fakeSession) Close() error { s.closed = true; return nil }

func streamOf(s Stream) func(Query) (Stream, error) {
	return func(Query) (Stream, error) { return s, nil }
}

type progressLog struct {
	mu  sync.Mutex
	got []model.Progress
}

func (l *progressLog) fn(p model.Progress) {
	l.mu.Lock()
	l.got = append(l.got, p)
	l.mu.Unlock()
}

func (l *progressLog) snapshot() []model.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Progress(nil), l.got...)
}

func TestFetch_UnitSquareKeepsInsideAndStraddling(t *testing.T) {
	s := &sliceStream{failAt: -1, total: model.UnknownTotal, batches: []Batch{{Records: []Record{
		{"geometry": squareWKT(0.4, 0.4, 0.01), "id": "inside", "height": 9.5},
		{"geometry": squareWKT(3, 3, 0.01), "id": "outside"},
		{"geometry": squareWKT(0.995, 0.5, 0.01), "id": "straddling"},
	}}}}
	var states []string
	f := New(&fakeProvider{open: streamOf(s)}, WithStateHook(func(from, to State) {
		states = append(states, from.String()+">"+to.String())
	}))

	res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 10}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.BuildingCount != 2 || res.Truncated {
		t.Fatalf("count=%d truncated=%v want 2,false", res.BuildingCount, res.Truncated)
	}
	ids := []any{res.Collection.Features[0].Properties["id"], res.Collection.Features[1].Properties["id"]}
	if !reflect.DeepEqual(ids, []any{"inside", "straddling"}) {
		t.Fatalf("ids=%v", ids)
	}
	p := res.Collection.Features[0].Properties
	if p["height"] != 9.5 || p["dataset"] != "fake-dataset" {
		t.Fatalf("properties=%v", p)
	}
	if lat, ok := p["latitude"].(float64); !ok || lat < 0.4 || lat > 0.41 {
		t.Fatalf("latitude=%v", p["latitude"])
	}
	if _, ok := p["area_in_meters"].(float64); !ok {
		t.Fatalf("area not computed: %v", p)
	}
	want := []string{"idle>connecting", "connecting>streaming", "streaming>completed"}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("states=%v want %v", states, want)
	}
	if !s.closed.Load() {
		t.Fatalf("stream not closed")
	}
}

func TestFetch_ReportedTotalDrivesTruncation(t *testing.T) {
	g := &genStream{n: 120000, batch: 10000, total: 120000}
	var states []State
	f := New(&fakeProvider{open: streamOf(g)}, WithStateHook(func(_, to State) { states = append(states, to) }))

	res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 50000}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.BuildingCount != 50000 || !res.Truncated {
		t.Fatalf("count=%d truncated=%v want 50000,true", res.BuildingCount, res.Truncated)
	}
	if g.pulls != 5 {
		t.Fatalf("pulled %d batches, want 5 (stop at limit)", g.pulls)
	}
	if res.UpstreamTotal != 120000 || res.Limit != 50000 {
		t.Fatalf("result=%+v", res)
	}
	if states[len(states)-2] != Truncated || states[len(states)-1] != Completed {
		t.Fatalf("states=%v", states)
	}
}

func TestFetch_InferredTruncationIsConservative(t *testing.T) {
	cases := []struct {
		n, limit  int
		truncated bool
		count     int
	}{
		{n: 10, limit: 10, truncated: true, count: 10},
		{n: 10, limit: 11, truncated: false, count: 10},
		{n: 25, limit: 10, truncated: true, count: 10},
	}
	for _, tc := range cases {
		g := &genStream{n: tc.n, batch: 5, total: model.UnknownTotal}
		f := New(&fakeProvider{open: streamOf(g)})
		res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: tc.limit}, nil)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if res.Truncated != tc.truncated || res.BuildingCount != tc.count {
			t.Fatalf("n=%d limit=%d: truncated=%v count=%d", tc.n, tc.limit, res.Truncated, res.BuildingCount)
		}
	}
}

func TestFetch_TotalWithinLimitNotTruncated(t *testing.T) {
	g := &genStream{n: 10, batch: 4, total: 10}
	res, err := New(&fakeProvider{open: streamOf(g)}).Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 10}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Truncated || res.BuildingCount != 10 {
		t.Fatalf("truncated=%v count=%d", res.Truncated, res.BuildingCount)
	}
}

func TestFetch_ProviderStatusReachesProgressBeforeStreaming(t *testing.T) {
	open := func(q Query) (Stream, error) {
		if q.Status == nil {
			t.Error("query carries no status hook")
			return &genStream{n: 1, batch: 1, total: 1}, nil
		}
		q.Status("Waiting for upstream job", 0.5)
		q.Status("Upstream job ready", 7)
		return &genStream{n: 1, batch: 1, total: 1}, nil
	}
	var (
		mu  sync.Mutex
		got []model.Progress
	)
	_, err := New(&fakeProvider{open: open}).Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 10}, func(p model.Progress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var waiting, ready bool
	for _, p := range got {
		switch p.Message {
		case "Waiting for upstream job":
			waiting = p.Percent == 2
		case "Upstream job ready":
			// clamped below the first streaming update
			ready = p.Percent == 4
		}
	}
	if !waiting || !ready {
		t.Fatalf("status updates not reported: %+v", got)
	}
}

func TestFetch_ObservedOverflowTruncatesDespiteLowTotal(t *testing.T) {
	g := &genStream{n: 15, batch: 4, total: 10}
	res, err := New(&fakeProvider{open: streamOf(g)}).Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 10}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Truncated || res.BuildingCount != 10 || res.UpstreamTotal != 10 {
		t.Fatalf("truncated=%v count=%d total=%d", res.Truncated, res.BuildingCount, res.UpstreamTotal)
	}
}

func TestFetch_SkipsBadRecords(t *testing.T) {
	s := &sliceStream{failAt: -1, total: model.UnknownTotal, batches: []Batch{
		{Records: []Record{
			{"geometry": []byte{0xde, 0xad}},
			{"geometry": "LINESTRING(0 0,1 1)"},
			{"id": "no geometry"},
			{"geometry": squareWKT(0.1, 0.1, 0.01), "height": "bogus"},
		}},
		{Records: []Record{{"geometry": orb.Point{0.2, 0.2}}}},
	}}
	f := New(&fakeProvider{open: streamOf(s)}, WithWorkers(3))
	res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 10}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.BuildingCount != 2 || res.SkippedRecords != 3 {
		t.Fatalf("count=%d skipped=%d want 2,3", res.BuildingCount, res.SkippedRecords)
	}
	if _, ok := res.Collection.Features[0].Properties["height"]; ok {
		t.Fatalf("invalid height should be dropped, not defaulted")
	}
}

func TestFetch_ConnectFailure(t *testing.T) {
	p := &fakeProvider{connectErr: errors.New("dial tcp: refused")}
	var last State
	f := New(p, WithStateHook(func(_, to State) { last = to }))

	res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t)}, nil)
	var ce *model.ConnectionError
	if !errors.As(err, &ce) || ce.Stage != "connect" || ce.Provider != "fake" {
		t.Fatalf("want ConnectionError at connect, got %v", err)
	}
	if res != nil {
		t.Fatalf("failed fetch must not return a result")
	}
	if last != Failed {
		t.Fatalf("last state=%v want failed", last)
	}
}

func TestFetch_MidStreamFailureIsNotPartialSuccess(t *testing.T) {
	s := &sliceStream{failAt: 1, err: errors.New("connection reset"), total: model.UnknownTotal, batches: []Batch{
		{Records: []Record{{"geometry": orb.Point{0.5, 0.5}}}},
		{Records: []Record{{"geometry": orb.Point{0.5, 0.5}}}},
	}}
	res, err := New(&fakeProvider{open: streamOf(s)}).Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 10}, nil)
	var ce *model.ConnectionError
	if !errors.As(err, &ce) || ce.Stage != "stream" {
		t.Fatalf("want stream ConnectionError, got %v", err)
	}
	if res != nil {
		t.Fatalf("partial result returned: %+v", res)
	}
}

func TestFetch_CancelledAtBatchBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &sliceStream{failAt: -1, total: model.UnknownTotal, batches: []Batch{
		{Records: []Record{{"geometry": orb.Point{0.5, 0.5}}}},
		{Records: []Record{{"geometry": orb.Point{0.5, 0.5}}}},
		{Records: []Record{{"geometry": orb.Point{0.5, 0.5}}}},
	}}
	s.onNext = func(i int) {
		if i == 0 {
			cancel()
		}
	}
	res, err := New(&fakeProvider{open: streamOf(s)}).Fetch(ctx, Request{AOI: mustAOI(t), Limit: 10}, nil)
	if !errors.Is(err, model.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("want ErrCancelled wrapping context.Canceled, got %v", err)
	}
	if res != nil {
		t.Fatalf("cancelled fetch returned a result")
	}
	if s.i != 1 {
		t.Fatalf("stream pulled %d batches after cancel, want 1", s.i)
	}
}

func TestFetch_ProgressMonotonicAndBestEffort(t *testing.T) {
	g := &genStream{n: 40, batch: 10, total: 40}
	var log progressLog
	f := New(&fakeProvider{open: streamOf(g)})
	res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t), Limit: 100}, log.fn)
	if err != nil || res.BuildingCount != 40 {
		t.Fatalf("fetch: %v %+v", err, res)
	}
	got := log.snapshot()
	if len(got) < 3 {
		t.Fatalf("too few updates: %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Percent < got[i-1].Percent {
			t.Fatalf("progress went backwards: %v", got)
		}
	}
	if last := got[len(got)-1]; last.Percent != 100 || last.Message == "" {
		t.Fatalf("last update=%+v", last)
	}

	// a panicking callback never fails the fetch
	g2 := &genStream{n: 5, batch: 5, total: 5}
	_, err = New(&fakeProvider{open: streamOf(g2)}).Fetch(context.Background(), Request{AOI: mustAOI(t)},
		func(model.Progress) { panic("ui gone") })
	if err != nil {
		t.Fatalf("panicking progress callback failed the fetch: %v", err)
	}
}

func TestFetch_ReconnectsOnceAfterAuthFailure(t *testing.T) {
	p := &fakeProvider{}
	p.open = func(Query) (Stream, error) {
		if p.opens.Load() == 1 {
			return nil, &model.AuthError{Err: errors.New("401")}
		}
		return &genStream{n: 1, batch: 1, total: model.UnknownTotal}, nil
	}
	f := New(p)
	if _, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t)}, nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.connects.Load() != 2 || p.opens.Load() != 2 {
		t.Fatalf("connects=%d opens=%d want 2,2", p.connects.Load(), p.opens.Load())
	}

	// the session is reused by later fetches
	if _, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t)}, nil); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if p.connects.Load() != 2 {
		t.Fatalf("session not reused: connects=%d", p.connects.Load())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFetch_EnricherRunsOnKeptBuildings(t *testing.T) {
	s := &sliceStream{failAt: -1, total: model.UnknownTotal, batches: []Batch{{Records: []Record{
		{"geometry": orb.Point{0.5, 0.5}},
		{"geometry": orb.Point{5, 5}},
	}}}}
	var calls atomic.Int32
	f := New(&fakeProvider{open: streamOf(s)}, WithEnricher(EnricherFunc(func(b *model.Building) {
		calls.Add(1)
		b.Properties["tag"] = "x"
	})))
	res, err := f.Fetch(context.Background(), Request{AOI: mustAOI(t)}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls.Load() != 1 || res.Collection.Features[0].Properties["tag"] != "x" {
		t.Fatalf("calls=%d props=%v", calls.Load(), res.Collection.Features[0].Properties)
	}
}

func TestFetch_RejectsZeroArea(t *testing.T) {
	_, err := New(&fakeProvider{}).Fetch(context.Background(), Request{}, nil)
	if !errors.Is(err, model.ErrEmptyOrInvalidArea) {
		t.Fatalf("want ErrEmptyOrInvalidArea, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	m := &machine{}
	if err := m.to(Streaming); err == nil {
		t.Fatalf("idle -> streaming must be rejected")
	}
	for _, s := range []State{Connecting, Streaming, Truncated, Completed} {
		if err := m.to(s); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if err := m.to(Failed); err == nil {
		t.Fatalf("completed is terminal")
	}
}

func TestChannelSink_NeverBlocks(t *testing.T) {
	ch := make(chan model.Progress, 1)
	sink := ChannelSink(ch)
	sink(model.Progress{Percent: 1})
	sink(model.Progress{Percent: 2})
	if p := <-ch; p.Percent != 1 {
		t.Fatalf("got %+v", p)
	}
}

type boundedProvider struct {
	fakeProvider
	got Query
}

func (p *boundedProvider) SizeBounds() (float64, float64) { return 1, 1e9 }

func (p *boundedProvider) Open(_ context.Context, _ Session, q Query) (Stream, error) {
	p.got = q
	return &sliceStream{failAt: -1, total: model.UnknownTotal}, nil
}

func TestFetch_ProviderSizeBoundsApplyWhenRequestHasNone(t *testing.T) {
	p := &boundedProvider{}
	if _, err := New(p).Fetch(context.Background(), Request{AOI: mustAOI(t)}, nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.got.MinArea != 1 || p.got.MaxArea != 1e9 {
		t.Fatalf("query=%+v", p.got)
	}

	p = &boundedProvider{}
	if _, err := New(p).Fetch(context.Background(), Request{AOI: mustAOI(t), MaxArea: 5}, nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.got.MinArea != 0 || p.got.MaxArea != 5 {
		t.Fatalf("query=%+v", p.got)
	}
}
