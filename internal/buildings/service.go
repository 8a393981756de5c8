// Package buildings serves footprint requests: it resolves the provider,
// answers from the result cache or runs a fetch, and shapes the response.
package buildings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/building-footprints/internal/aggregate"
	"github.com/mohammed-shakir/building-footprints/internal/cache/keys"
	"github.com/mohammed-shakir/building-footprints/internal/cache/resultcache"
	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
	"github.com/mohammed-shakir/building-footprints/internal/fetchevents"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	"github.com/mohammed-shakir/building-footprints/internal/logger"
	h3mapper "github.com/mohammed-shakir/building-footprints/internal/mapper/h3"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
)

// Cacher is the result cache. *resultcache.Cache satisfies it.
type Cacher interface {
	GetOrFetch(ctx context.Context, l resultcache.Lookup, fetch resultcache.FetchFunc) (*resultcache.Entry, error)
}

// ProviderFactory builds the named provider.
type ProviderFactory func(name string) (fetcher.Provider, error)

type Option func(*Service)

func WithCache(c Cacher) Option { return func(s *Service) { s.cache = c } }

func WithEvents(sink fetchevents.Sink) Option { return func(s *Service) { s.events = sink } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithProviderFactory(f ProviderFactory) Option { return func(s *Service) { s.factory = f } }

// WithFetcherOptions appends options applied to every fetcher built.
func WithFetcherOptions(opts ...fetcher.Option) Option {
	return func(s *Service) { s.fopts = append(s.fopts, opts...) }
}

type Service struct {
	cfg     config.Config
	factory ProviderFactory
	cache   Cacher
	events  fetchevents.Sink
	log     *slog.Logger
	fopts   []fetcher.Option

	mu       sync.Mutex
	fetchers map[string]*fetcher.Fetcher
}

func New(cfg config.Config, deps providers.Deps, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		events:   fetchevents.Nop{},
		log:      slog.Default(),
		fetchers: make(map[string]*fetcher.Fetcher),
	}
	for _, o := range opts {
		o(s)
	}
	if deps.Logger == nil {
		deps.Logger = s.log
	}
	if s.factory == nil {
		s.factory = func(name string) (fetcher.Provider, error) {
			return providers.New(name, cfg, deps)
		}
	}
	return s
}

type Query struct {
	Provider string
	AOI      geometry.AreaOfInterest
	Limit    int
	MinArea  float64
	MaxArea  float64
	Page     int
	PageSize int
	// Progress is only called when a fetch actually runs.
	Progress fetcher.ProgressFunc
}

type Response struct {
	Provider      string
	BuildingCount int
	Truncated     bool
	Limit         int
	UpstreamTotal int64
	Cached        bool
	Statistics    aggregate.Statistics
	Page          int
	PageSize      int
	TotalPages    int
	// Collection is the full result, PageItems the requested page of it.
	Collection *geojson.FeatureCollection
	PageItems  *geojson.FeatureCollection
}

// Fetch answers q. Errors keep their model types so callers can map them.
func (s *Service) Fetch(ctx context.Context, q Query) (*Response, error) {
	if q.AOI.IsZero() {
		return nil, model.InvalidArea("no area of interest")
	}
	if q.MinArea < 0 || q.MaxArea < 0 || (q.MaxArea > 0 && q.MinArea > q.MaxArea) {
		return nil, fmt.Errorf("%w: min_area/max_area", ErrInvalidParam)
	}
	name := strings.ToLower(strings.TrimSpace(q.Provider))
	if name == "" {
		name = s.cfg.DefaultProvider
	}
	f, err := s.fetcher(name)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = f.Provider().DefaultLimit()
	}
	ctx = logger.WithProvider(ctx, name)

	req := fetcher.Request{AOI: q.AOI, Limit: limit, MinArea: q.MinArea, MaxArea: q.MaxArea}
	run := func(ctx context.Context) (*model.FetchResult, error) {
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
		}
		return f.Fetch(ctx, req, q.Progress)
	}

	var (
		res    *model.FetchResult
		cached bool
	)
	if s.cache == nil {
		res, err = run(ctx)
	} else {
		var e *resultcache.Entry
		e, err = s.cache.GetOrFetch(ctx, resultcache.Lookup{
			Provider: name,
			BBox:     q.AOI.BBox(),
			Limit:    limit,
			Params:   cacheParams(q),
		}, run)
		if e != nil {
			res, cached = e.Result, e.Cached
		}
	}
	if err != nil {
		return nil, err
	}

	resp := shape(res, q)
	resp.Cached = cached
	s.log.InfoContext(logger.WithCacheStatus(ctx, cacheStatus(cached)), "buildings served",
		"count", resp.BuildingCount, "truncated", resp.Truncated, "page", resp.Page)

	c := q.AOI.Bound().Center()
	s.events.Publish(fetchevents.Event{
		Provider:  name,
		Lon:       c.Lon(),
		Lat:       c.Lat(),
		Count:     resp.BuildingCount,
		Truncated: resp.Truncated,
		Cached:    cached,
		RequestID: logger.RequestID(ctx),
		TS:        time.Now().UTC(),
	})
	return resp, nil
}

var ErrInvalidParam = errors.New("invalid parameter")

// DefaultPageSize applies when a query asks for no paging.
const DefaultPageSize = 100

func shape(res *model.FetchResult, q Query) *Response {
	fc := res.Collection
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	return &Response{
		Provider:      res.Provider,
		BuildingCount: res.BuildingCount,
		Truncated:     res.Truncated,
		Limit:         res.Limit,
		UpstreamTotal: res.UpstreamTotal,
		Statistics:    aggregate.ComputeStatistics(fc),
		Page:          q.Page,
		PageSize:      size,
		TotalPages:    aggregate.TotalPages(len(fc.Features), size),
		Collection:    fc,
		PageItems:     aggregate.Page(fc, q.Page, size),
	}
}

func (s *Service) fetcher(name string) (*fetcher.Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fetchers[name]; ok {
		return f, nil
	}
	p, err := s.factory(name)
	if err != nil {
		return nil, err
	}
	opts := []fetcher.Option{
		fetcher.WithWorkers(s.cfg.FetchWorkers),
		fetcher.WithDedup(s.cfg.FetchDedup),
		fetcher.WithLogger(s.log),
		fetcher.WithEnricher(h3mapper.New().Enricher(s.cfg.FeatureH3Res)),
	}
	f := fetcher.New(p, append(opts, s.fopts...)...)
	s.fetchers[name] = f
	return f, nil
}

// Providers lists registered provider names.
func (s *Service) Providers() []string { return providers.Names() }

// Close releases every provider session.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, f := range s.fetchers {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

var aoiRoundFactor = int(math.Pow10(keys.BBoxDecimals))

// cacheParams covers everything besides bbox and limit that changes a result.
func cacheParams(q Query) string {
	var parts []string
	if q.MinArea > 0 {
		parts = append(parts, fmt.Sprintf("min_area=%g", q.MinArea))
	}
	if q.MaxArea > 0 {
		parts = append(parts, fmt.Sprintf("max_area=%g", q.MaxArea))
	}
	if g := q.AOI.Geometry(); !isBox(g, q.AOI.Bound()) {
		// same precision as the bbox part of the key
		parts = append(parts, "aoi="+wkt.MarshalString(orb.Round(g, aoiRoundFactor)))
	}
	return strings.Join(parts, ",")
}

func isBox(mp orb.MultiPolygon, b orb.Bound) bool {
	if len(mp) != 1 || len(mp[0]) != 1 || len(mp[0][0]) != 5 {
		return false
	}
	for _, p := range mp[0][0] {
		if (p[0] != b.Min[0] && p[0] != b.Max[0]) || (p[1] != b.Min[1] && p[1] != b.Max[1]) {
			return false
		}
	}
	return true
}

func cacheStatus(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}
