// Package openbuildings pages Google Open Buildings polygons out of Earth
// Engine through its REST API.
package openbuildings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
)

const (
	Name         = "openbuildings"
	Dataset      = "Google Open Buildings"
	DefaultLimit = 5000
)

func init() {
	providers.Register(Name, func(cfg config.Config, deps providers.Deps) (fetcher.Provider, error) {
		hc := deps.HTTP
		if hc == nil {
			hc = httpclient.NewOutbound(cfg.UpstreamTimeout)
		}
		return New(cfg.OpenBuildings, Options{
			HTTP:    hc,
			Breaker: httpclient.BreakerFromConfig(cfg.Breaker),
			Logger:  deps.Logger,
		}), nil
	})
}

type Options struct {
	HTTP *http.Client
	// TokenSource overrides credential discovery.
	TokenSource oauth2.TokenSource
	Breaker     httpclient.BreakerSettings
	Logger      *slog.Logger
}

type Provider struct {
	cfg  config.OpenBuildingsCfg
	opts Options
	api  *httpclient.Guarded
	log  *slog.Logger
}

func New(cfg config.OpenBuildingsCfg, opts Options) *Provider {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if opts.HTTP == nil {
		opts.HTTP = httpclient.NewOutbound(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		cfg:  cfg,
		opts: opts,
		api:  httpclient.NewGuarded(Name, opts.HTTP, cfg.RPS, opts.Breaker),
		log:  opts.Logger,
	}
}

func (p *Provider) Name() string              { return Name }
func (p *Provider) Dataset() string           { return Dataset }
func (p *Provider) Schema() properties.Schema { return properties.OpenBuildingsSchema }
func (p *Provider) DefaultLimit() int         { return p.cfg.DefaultLimit }

// session is an authenticated client bound to one project.
type session struct {
	api  *httpclient.Guarded
	base string
}

func (s *session) Close() error { return nil }

func (p *Provider) Connect(ctx context.Context) (fetcher.Session, error) {
	if p.cfg.Project == "" {
		return nil, errors.New("EE_PROJECT is required")
	}
	ts := p.opts.TokenSource
	if ts == nil {
		var err error
		if ts, err = credentials(ctx, p.cfg); err != nil {
			return nil, err
		}
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, &model.AuthError{Err: fmt.Errorf("obtain token: %w", err)}
	}

	base := p.opts.HTTP.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(tok, ts), Base: base},
		Timeout:   p.opts.HTTP.Timeout,
	}
	p.log.DebugContext(ctx, "earth engine session ready", "project", p.cfg.Project)
	return &session{
		api:  p.api.With(hc),
		base: p.cfg.BaseURL + "/v1/projects/" + p.cfg.Project,
	}, nil
}

func (p *Provider) Open(ctx context.Context, sess fetcher.Session, q fetcher.Query) (fetcher.Stream, error) {
	s, ok := sess.(*session)
	if !ok {
		return nil, errors.New("openbuildings: foreign session")
	}
	coll := filtered(p.cfg.Table, q.AOI.Geometry())

	var size struct {
		Result json.Number `json:"result"`
	}
	if err := s.post(ctx, "/value:compute", map[string]any{"expression": expression(sizeOf(coll))}, &size); err != nil {
		return nil, fmt.Errorf("count buildings: %w", err)
	}
	total, err := size.Result.Int64()
	if err != nil {
		return nil, fmt.Errorf("count buildings: unexpected result %q", size.Result)
	}
	return &stream{
		s:        s,
		expr:     expression(limited(coll, q.Limit)),
		pageSize: p.cfg.PageSize,
		total:    total,
	}, nil
}

func (s *session) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.api.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("earth engine %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &model.AuthError{Err: err}
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type feature struct {
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type page struct {
	Features      []feature `json:"features"`
	NextPageToken string    `json:"nextPageToken"`
}

type stream struct {
	s        *session
	expr     map[string]any
	pageSize int
	total    int64
	token    string
	done     bool
}

func (st *stream) Total() int64 { return st.total }
func (st *stream) Close() error { return nil }

func (st *stream) Next(ctx context.Context) (fetcher.Batch, error) {
	if st.done {
		return fetcher.Batch{}, io.EOF
	}
	body := map[string]any{"expression": st.expr, "pageSize": st.pageSize}
	if st.token != "" {
		body["pageToken"] = st.token
	}
	var pg page
	if err := st.s.post(ctx, "/table:computeFeatures", body, &pg); err != nil {
		return fetcher.Batch{}, err
	}
	st.token = pg.NextPageToken
	st.done = st.token == ""

	recs := make([]fetcher.Record, 0, len(pg.Features))
	for _, f := range pg.Features {
		rec := fetcher.Record{}
		for k, v := range f.Properties {
			rec[k] = v
		}
		if _, ok := rec["system:index"]; !ok && f.ID != nil {
			rec["system:index"] = f.ID
		}
		if len(f.Geometry) > 0 && string(f.Geometry) != "null" {
			rec[fetcher.GeometryField] = f.Geometry
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 && st.done {
		return fetcher.Batch{}, io.EOF
	}
	return fetcher.Batch{Records: recs}, nil
}
