// Package segmentation extracts footprints from imagery through a remote
// segmentation job service: submit a job for the area, wait for it, then
// page through the produced masks.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
)

const (
	Name           = "segmentation"
	Dataset        = "SAM2 Segmentation"
	DefaultLimit   = 10000
	DefaultZoom    = 19
	DefaultMinArea = 10.0
	DefaultMaxArea = 10000.0
)

func init() {
	providers.Register(Name, func(cfg config.Config, deps providers.Deps) (fetcher.Provider, error) {
		hc := deps.HTTP
		if hc == nil {
			hc = httpclient.NewOutbound(cfg.UpstreamTimeout)
		}
		return New(cfg.Segmentation, hc, httpclient.BreakerFromConfig(cfg.Breaker), deps.Logger), nil
	})
}

type Provider struct {
	cfg config.SegmentationCfg
	api *httpclient.Guarded
	log *slog.Logger
}

func New(cfg config.SegmentationCfg, hc *http.Client, bs httpclient.BreakerSettings, log *slog.Logger) *Provider {
	if cfg.Zoom <= 0 {
		cfg.Zoom = DefaultZoom
	}
	if cfg.MinArea <= 0 && cfg.MaxArea <= 0 {
		cfg.MinArea, cfg.MaxArea = DefaultMinArea, DefaultMaxArea
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log == nil {
		log = slog.Default()
	}
	return &Provider{cfg: cfg, api: httpclient.NewGuarded(Name, hc, cfg.RPS, bs), log: log}
}

func (p *Provider) Name() string              { return Name }
func (p *Provider) Dataset() string           { return Dataset }
func (p *Provider) Schema() properties.Schema { return properties.SegmentationSchema }
func (p *Provider) DefaultLimit() int         { return p.cfg.DefaultLimit }

func (p *Provider) SizeBounds() (float64, float64) { return p.cfg.MinArea, p.cfg.MaxArea }

func (p *Provider) Connect(context.Context) (fetcher.Session, error) {
	if p.cfg.BaseURL == "" {
		return nil, errors.New("SEGMENTATION_URL is required")
	}
	return &client{api: p.api, base: p.cfg.BaseURL, apiKey: p.cfg.APIKey}, nil
}

func (c *client) Close() error { return nil }

// Open submits the job and blocks until it finished.
func (p *Provider) Open(ctx context.Context, sess fetcher.Session, q fetcher.Query) (fetcher.Stream, error) {
	c, ok := sess.(*client)
	if !ok {
		return nil, errors.New("segmentation: foreign session")
	}
	b := q.Bound
	st, err := c.submit(ctx, jobRequest{
		BBox:    [4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()},
		Zoom:    p.cfg.Zoom,
		MinArea: q.MinArea,
		MaxArea: q.MaxArea,
		Limit:   q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	p.log.InfoContext(ctx, "segmentation job submitted", "job", st.ID, "zoom", p.cfg.Zoom)

	st, err = p.wait(ctx, c, st, q.Status)
	if err != nil {
		if st.Status == statusFailed {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = c.cancel(cctx, st.ID)
		cancel()
		return nil, err
	}

	total := model.UnknownTotal
	if st.TotalMasks != nil {
		total = *st.TotalMasks
	}
	return &stream{c: c, job: st.ID, pageSize: p.cfg.PageSize, total: total}, nil
}

func (p *Provider) wait(ctx context.Context, c *client, st jobStatus, status fetcher.StatusFunc) (jobStatus, error) {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		if status != nil {
			frac := st.Progress
			if st.Status == statusDone {
				frac = 1
			}
			status(fmt.Sprintf("Segmentation job %s %s (%.0f%%)", st.ID, st.Status, frac*100), frac)
		}
		switch st.Status {
		case statusDone:
			return st, nil
		case statusFailed:
			return st, fmt.Errorf("job %s failed: %s", st.ID, st.Error)
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
		next, err := c.status(ctx, st.ID)
		if err != nil {
			return st, fmt.Errorf("poll job %s: %w", st.ID, err)
		}
		st = next
	}
}

type stream struct {
	c        *client
	job      string
	pageSize int
	total    int64
	offset   int
	done     bool
}

func (s *stream) Total() int64 { return s.total }
func (s *stream) Close() error { return nil }

func (s *stream) Next(ctx context.Context) (fetcher.Batch, error) {
	if s.done {
		return fetcher.Batch{}, io.EOF
	}
	pg, err := s.c.masks(ctx, s.job, s.offset, s.pageSize)
	if err != nil {
		return fetcher.Batch{}, fmt.Errorf("masks of job %s: %w", s.job, err)
	}
	if pg.NextOffset == nil || *pg.NextOffset <= s.offset {
		s.done = true
	} else {
		s.offset = *pg.NextOffset
	}

	recs := make([]fetcher.Record, 0, len(pg.Masks))
	for _, m := range pg.Masks {
		rec := fetcher.Record{"id": m.ID}
		switch {
		case m.WKB != "":
			rec[fetcher.GeometryField] = m.WKB
		case m.WKT != "":
			rec[fetcher.GeometryField] = m.WKT
		}
		if m.Score != nil {
			rec["score"] = *m.Score
		}
		if m.Stability != nil {
			rec["stability"] = *m.Stability
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 && s.done {
		return fetcher.Batch{}, io.EOF
	}
	return fetcher.Batch{Records: recs}, nil
}
