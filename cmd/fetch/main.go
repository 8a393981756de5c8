// Command fetch downloads building footprints for one area and writes them
// as a GeoJSON file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/mohammed-shakir/building-footprints/internal/aggregate"
	"github.com/mohammed-shakir/building-footprints/internal/buildings"
	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	"github.com/mohammed-shakir/building-footprints/internal/logger"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
	_ "github.com/mohammed-shakir/building-footprints/internal/providers/openbuildings"
	_ "github.com/mohammed-shakir/building-footprints/internal/providers/overture"
	_ "github.com/mohammed-shakir/building-footprints/internal/providers/segmentation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	provider := fs.String("provider", "", "provider name (default DEFAULT_PROVIDER)")
	bbox := fs.String("bbox", "", "minx,miny,maxx,maxy in EPSG:4326")
	polygon := fs.String("polygon", "", "path to a GeoJSON geometry, Feature or FeatureCollection")
	limit := fs.Int("limit", 0, "max buildings (0 uses the provider default)")
	minArea := fs.Float64("min-area", 0, "minimum footprint area in m²")
	maxArea := fs.Float64("max-area", 0, "maximum footprint area in m²")
	out := fs.String("out", "buildings.geojson", "output file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.FromEnv()
	// the result goes to a file; progress and logs share stderr
	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Console: true, Component: "fetch"}, stderr)
	log := logger.NewSlog(&zl)

	aoi, err := readArea(*bbox, *polygon)
	if err != nil {
		log.Error("invalid area", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := buildings.New(cfg,
		providers.Deps{Logger: log, HTTP: httpclient.NewOutbound(cfg.UpstreamTimeout)},
		buildings.WithLogger(log))
	defer func() { _ = svc.Close() }()

	resp, err := svc.Fetch(ctx, buildings.Query{
		Provider: *provider,
		AOI:      aoi,
		Limit:    *limit,
		MinArea:  *minArea,
		MaxArea:  *maxArea,
		Progress: func(p model.Progress) {
			fmt.Fprintf(stderr, "[%3d%%] %s\n", p.Percent, p.Message)
		},
	})
	if err != nil {
		log.Error("fetch failed", "err", err)
		return 1
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Error("create output", "path", *out, "err", err)
		return 1
	}
	if err := aggregate.WriteFeatureCollection(f, resp.Collection); err != nil {
		_ = f.Close()
		log.Error("write output", "path", *out, "err", err)
		return 1
	}
	if err := f.Close(); err != nil {
		log.Error("close output", "path", *out, "err", err)
		return 1
	}

	printSummary(stdout, resp, *out)
	return 0
}

func readArea(bbox, polygonPath string) (geometry.AreaOfInterest, error) {
	switch {
	case polygonPath != "":
		b, err := os.ReadFile(polygonPath)
		if err != nil {
			return geometry.AreaOfInterest{}, fmt.Errorf("read polygon: %w", err)
		}
		return geometry.ParseGeoJSON(b)
	case bbox != "":
		return geometry.ParseBBox(bbox)
	default:
		return geometry.AreaOfInterest{}, model.InvalidArea("one of -bbox or -polygon is required")
	}
}

func printSummary(w io.Writer, resp *buildings.Response, path string) {
	fmt.Fprintf(w, "provider:   %s\n", resp.Provider)
	fmt.Fprintf(w, "buildings:  %d", resp.BuildingCount)
	if resp.Truncated {
		fmt.Fprintf(w, " (truncated at %d)", resp.Limit)
	}
	fmt.Fprintln(w)
	if resp.UpstreamTotal != model.UnknownTotal {
		fmt.Fprintf(w, "upstream:   %d\n", resp.UpstreamTotal)
	}
	for _, k := range aggregate.NumericKeys {
		s := resp.Statistics.Numeric[k]
		if s.Count == 0 {
			continue
		}
		fmt.Fprintf(w, "%-14s avg=%.2f min=%.2f max=%.2f coverage=%.1f%%\n", k, s.Avg, s.Min, s.Max, s.CoveragePct)
	}
	cats := make([]string, 0, len(resp.Statistics.Categorical))
	for k := range resp.Statistics.Categorical {
		cats = append(cats, k)
	}
	sort.Strings(cats)
	for _, k := range cats {
		fs := resp.Statistics.Categorical[k]
		if len(fs) == 0 {
			continue
		}
		fmt.Fprintf(w, "%-14s", k)
		for _, f := range fs {
			fmt.Fprintf(w, " %s=%d", f.Value, f.Count)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "written to: %s\n", path)
}
