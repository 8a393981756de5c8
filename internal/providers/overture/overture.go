// Package overture streams building footprints from the Overture Maps
// GeoParquet release, either from a local mirror or straight from the bucket.
package overture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
)

const (
	Name          = "overture"
	Dataset       = "Overture Maps"
	DefaultLimit  = 50000
	defaultBatch  = 1024
	buildingsPath = "theme=buildings/type=building"
)

func init() {
	providers.Register(Name, func(cfg config.Config, deps providers.Deps) (fetcher.Provider, error) {
		hc := deps.HTTP
		if hc == nil {
			hc = httpclient.NewOutbound(-1)
		}
		src, err := NewSource(cfg.Overture.Source, hc)
		if err != nil {
			return nil, err
		}
		return New(cfg.Overture, src, deps.Logger), nil
	})
}

type Provider struct {
	cfg config.OvertureCfg
	src Source
	log *slog.Logger
}

func New(cfg config.OvertureCfg, src Source, log *slog.Logger) *Provider {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatch
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{cfg: cfg, src: src, log: log}
}

func (p *Provider) Name() string              { return Name }
func (p *Provider) Dataset() string           { return Dataset }
func (p *Provider) Schema() properties.Schema { return properties.OvertureSchema }
func (p *Provider) DefaultLimit() int         { return p.cfg.DefaultLimit }

// Prefix is the object prefix of the building files of the release.
func (p *Provider) Prefix() string {
	return path.Join("release", p.cfg.Release, buildingsPath) + "/"
}

// listing is the session: the file list of the release, resolved once.
type listing struct {
	objects []Object
}

func (l *listing) Close() error { return nil }

func (p *Provider) Connect(ctx context.Context) (fetcher.Session, error) {
	objs, err := p.src.List(ctx, p.Prefix())
	if err != nil {
		return nil, fmt.Errorf("list release %s: %w", p.cfg.Release, err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no building files under %s", p.Prefix())
	}
	p.log.DebugContext(ctx, "overture release listed", "release", p.cfg.Release, "files", len(objs))
	return &listing{objects: objs}, nil
}

func (p *Provider) Open(_ context.Context, sess fetcher.Session, q fetcher.Query) (fetcher.Stream, error) {
	l, ok := sess.(*listing)
	if !ok {
		return nil, errors.New("overture: foreign session")
	}
	return &stream{
		src:     p.src,
		objects: l.objects,
		bound:   q.Bound,
		batch:   p.cfg.BatchSize,
		log:     p.log,
	}, nil
}
