package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/building-footprints/internal/aggregate"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/core/observability"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	"github.com/mohammed-shakir/building-footprints/internal/logger"
	"github.com/mohammed-shakir/building-footprints/internal/spatial"
)

// Enricher adds derived properties to a kept building before assembly.
type Enricher interface {
	Enrich(b *model.Building)
}

type EnricherFunc func(b *model.Building)

func (f EnricherFunc) Enrich(b *model.Building) { f(b) }

type Option func(*Fetcher)

func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithEnricher(e Enricher) Option {
	return func(f *Fetcher) { f.enrichers = append(f.enrichers, e) }
}

// WithDedup drops buildings whose id was already assembled.
func WithDedup(on bool) Option {
	return func(f *Fetcher) { f.dedup = on }
}

// WithStateHook observes every state transition of every fetch.
func WithStateHook(fn func(from, to State)) Option {
	return func(f *Fetcher) { f.stateHook = fn }
}

type Request struct {
	AOI     geometry.AreaOfInterest
	Limit   int
	MinArea float64
	MaxArea float64
}

// Fetcher runs fetches against one provider. It owns the provider session,
// which is created on first use and shared by concurrent fetches.
type Fetcher struct {
	provider  Provider
	session   *session
	workers   int
	dedup     bool
	enrichers []Enricher
	logger    *slog.Logger
	stateHook func(from, to State)
}

func New(p Provider, opts ...Option) *Fetcher {
	f := &Fetcher{
		provider: p,
		session:  &session{connect: p.Connect},
		workers:  4,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fetcher) Provider() Provider { return f.provider }

func (f *Fetcher) Close() error { return f.session.close() }

// Fetch pulls batches until the source is exhausted or limit buildings were
// kept. A failed or cancelled fetch returns an error and no result.
func (f *Fetcher) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*model.FetchResult, error) {
	if req.AOI.IsZero() {
		return nil, model.InvalidArea("no area of interest")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = f.provider.DefaultLimit()
	}
	if sb, ok := f.provider.(SizeBounder); ok && req.MinArea <= 0 && req.MaxArea <= 0 {
		req.MinArea, req.MaxArea = sb.SizeBounds()
	}
	name := f.provider.Name()
	ctx = logger.WithProvider(ctx, name)

	start := time.Now()
	rep := newReporter(onProgress)
	r := &run{
		f:     f,
		req:   req,
		limit: limit,
		rep:   rep,
		m:     &machine{state: Idle, onChange: f.stateHook},
	}
	res, err := r.exec(ctx)
	rep.close()

	outcome := "completed"
	switch {
	case errors.Is(err, model.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	case res.Truncated:
		outcome = "truncated"
	}
	observability.ObserveFetch(name, outcome, time.Since(start).Seconds())
	observability.AddFetchRecords(name, "retained", r.kept)
	observability.AddFetchRecords(name, "filtered", r.filtered)
	observability.AddFetchRecords(name, "skipped", r.skipped)

	if err != nil {
		f.logger.WarnContext(ctx, "fetch failed",
			"outcome", outcome, "batches", r.batches, "err", err,
			"duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	f.logger.InfoContext(ctx, "fetch completed",
		"count", res.BuildingCount,
		"truncated", res.Truncated,
		"limit", limit,
		"upstream_total", res.UpstreamTotal,
		"batches", r.batches,
		"seen", r.seen,
		"filtered", r.filtered,
		"skipped", r.skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// run is the state of a single fetch invocation.
type run struct {
	f     *Fetcher
	req   Request
	limit int
	rep   *reporter
	m     *machine

	batches  int
	seen     int
	kept     int
	filtered int
	skipped  int
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", model.ErrCancelled, context.Cause(ctx))
}

func (r *run) fail(ctx context.Context, err error) (*model.FetchResult, error) {
	if ctx.Err() != nil && !errors.Is(err, model.ErrCancelled) {
		err = cancelled(ctx)
	}
	_ = r.m.to(Failed)
	r.rep.report("Failed: "+err.Error(), r.rep.last)
	return nil, err
}

// connectStatus maps a provider's pre-stream phase onto 0..4 percent,
// below the first streaming update.
func (r *run) connectStatus(msg string, frac float64) {
	frac = max(0, min(1, frac))
	r.rep.report(msg, int(frac*4))
}

func (r *run) exec(ctx context.Context) (*model.FetchResult, error) {
	p := r.f.provider
	if err := r.m.to(Connecting); err != nil {
		return r.fail(ctx, err)
	}
	r.rep.report(fmt.Sprintf("Connecting to %s", p.Name()), 0)
	if ctx.Err() != nil {
		return r.fail(ctx, cancelled(ctx))
	}

	q := Query{
		AOI:          r.req.AOI,
		Bound:        r.req.AOI.Bound(),
		TypeSelector: "building",
		Limit:        r.limit,
		MinArea:      r.req.MinArea,
		MaxArea:      r.req.MaxArea,
		Status:       r.connectStatus,
	}
	stream, sess, err := r.f.open(ctx, q)
	if err != nil {
		return r.fail(ctx, err)
	}
	defer stream.Close()

	total := stream.Total()
	if total >= 0 {
		r.rep.report(fmt.Sprintf("Found %d matching buildings upstream", total), 5)
	} else {
		r.rep.report("Connected, streaming buildings", 5)
	}

	filter := spatial.NewFilter(r.req.AOI, r.req.MinArea, r.req.MaxArea)
	asm := aggregate.NewAssembler(r.limit, r.f.dedup)
	exhausted := false
	// survivors dropped because the limit was already reached
	overflowed := false

	for !asm.Full() {
		if ctx.Err() != nil {
			return r.fail(ctx, cancelled(ctx))
		}
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			exhausted = true
			break
		}
		if err != nil {
			var ae *model.AuthError
			if errors.As(err, &ae) {
				r.f.session.reset(sess)
			}
			return r.fail(ctx, connectionError(p.Name(), "stream", err))
		}
		if r.m.state == Connecting {
			if err := r.m.to(Streaming); err != nil {
				return r.fail(ctx, err)
			}
		}
		r.batches++
		r.seen += len(batch.Records)

		kept, skipped, filtered := r.f.processBatch(ctx, batch.Records, filter)
		r.skipped += skipped
		r.filtered += filtered
		for _, b := range kept {
			if asm.Full() {
				overflowed = true
				break
			}
			if !asm.Add(b) {
				r.filtered++
			}
		}
		r.kept = asm.Len()

		r.rep.report(
			fmt.Sprintf("Processed batch %d: %d buildings kept", r.batches, asm.Len()),
			progressPercent(stream, total, r.seen, asm.Len(), r.limit),
		)
	}

	stoppedByLimit := asm.Full() && !exhausted
	truncated := stoppedByLimit
	if total >= 0 {
		// a reported total can be stale; what was observed still counts
		truncated = total > int64(r.limit) || (stoppedByLimit && overflowed)
	}
	if truncated {
		if r.m.state == Connecting {
			_ = r.m.to(Streaming)
		}
		if err := r.m.to(Truncated); err != nil {
			return r.fail(ctx, err)
		}
		r.rep.report(fmt.Sprintf("Limit of %d buildings reached", r.limit), 95)
	}
	if err := r.m.to(Completed); err != nil {
		return r.fail(ctx, err)
	}
	r.rep.report(fmt.Sprintf("Done: %d buildings", asm.Len()), 100)

	return &model.FetchResult{
		Provider:       p.Name(),
		Collection:     asm.Collection(),
		BuildingCount:  asm.Len(),
		Truncated:      truncated,
		Limit:          r.limit,
		UpstreamTotal:  total,
		SkippedRecords: r.skipped,
	}, nil
}

// open connects lazily and retries once with a fresh session when the
// upstream rejects the credentials.
func (f *Fetcher) open(ctx context.Context, q Query) (Stream, Session, error) {
	name := f.provider.Name()
	for attempt := 0; ; attempt++ {
		sess, err := f.session.get(ctx)
		if err != nil {
			return nil, nil, connectionError(name, "connect", err)
		}
		stream, err := f.provider.Open(ctx, sess, q)
		if err == nil {
			return stream, sess, nil
		}
		var ae *model.AuthError
		if errors.As(err, &ae) {
			f.session.reset(sess)
			if attempt == 0 && ctx.Err() == nil {
				f.logger.WarnContext(ctx, "upstream rejected session, reconnecting", "err", err)
				continue
			}
		}
		return nil, nil, connectionError(name, "open", err)
	}
}

func connectionError(provider, stage string, err error) error {
	var ce *model.ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &model.ConnectionError{Provider: provider, Stage: stage, Err: err}
}

// progressPercent maps the best available consumption estimate onto 5..90.
func progressPercent(s Stream, total int64, seen, kept, limit int) int {
	frac := 0.0
	if limit > 0 {
		frac = float64(kept) / float64(limit)
	}
	if total > 0 {
		denom := min(total, int64(limit))
		frac = max(frac, float64(seen)/float64(denom))
	}
	if p, ok := s.(Progressor); ok {
		frac = max(frac, p.Consumed())
	}
	frac = max(0, min(1, frac))
	return 5 + int(frac*85)
}
