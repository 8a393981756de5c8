package fetcher

import (
	"context"
	"sync"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
	"github.com/mohammed-shakir/building-footprints/internal/spatial"
)

type slot struct {
	b        model.Building
	kept     bool
	bad      bool
	badErr   error
	filtered bool
}

// processBatch normalizes and filters recs on up to f.workers goroutines.
// Output order follows input order.
func (f *Fetcher) processBatch(ctx context.Context, recs []Record, filter *spatial.Filter) (kept []model.Building, skipped, filtered int) {
	results := make([]slot, len(recs))
	workers := min(f.workers, len(recs))

	if workers <= 1 {
		for i := range recs {
			results[i] = f.process(recs[i], filter)
		}
	} else {
		idx := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range idx {
					results[i] = f.process(recs[i], filter)
				}
			}()
		}
		for i := range recs {
			idx <- i
		}
		close(idx)
		wg.Wait()
	}

	var firstErr error
	for _, s := range results {
		switch {
		case s.kept:
			kept = append(kept, s.b)
		case s.bad:
			skipped++
			if firstErr == nil {
				firstErr = s.badErr
			}
		case s.filtered:
			filtered++
		}
	}
	if firstErr != nil {
		f.logger.DebugContext(ctx, "skipped undecodable records", "count", skipped, "first_err", firstErr)
	}
	return kept, skipped, filtered
}

func (f *Fetcher) process(rec Record, filter *spatial.Filter) (s slot) {
	defer func() {
		if r := recover(); r != nil {
			s = slot{bad: true, badErr: &model.GeometryDecodeError{Err: errPanic}}
		}
	}()
	b, err := f.normalize(rec)
	if err != nil {
		return slot{bad: true, badErr: err}
	}
	if !filter.Keep(b) {
		return slot{filtered: true}
	}
	for _, e := range f.enrichers {
		e.Enrich(&b)
	}
	return slot{b: b, kept: true}
}

// normalize turns one raw record into a Building with typed properties,
// centroid coordinates, dataset name and metric area.
func (f *Fetcher) normalize(rec Record) (model.Building, error) {
	g, err := geometry.Decode(rec[GeometryField])
	if err != nil {
		return model.Building{}, err
	}
	props := properties.Extract(rec, f.provider.Schema())
	c := geometry.Centroid(g)
	props["latitude"] = c.Lat()
	props["longitude"] = c.Lon()
	if _, ok := props["dataset"]; !ok {
		props["dataset"] = f.provider.Dataset()
	}
	if _, ok := props[spatial.AreaProperty]; !ok {
		if a := geometry.AreaSquareMeters(g); a > 0 {
			props[spatial.AreaProperty] = a
		}
	}
	return model.Building{Geometry: g, Centroid: c, Properties: props}, nil
}
