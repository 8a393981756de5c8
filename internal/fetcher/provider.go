// Package fetcher drives a batched pull from an upstream building provider,
// normalizing and filtering records into a capped FeatureCollection.
package fetcher

import (
	"context"
	"errors"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/geometry"
	"github.com/mohammed-shakir/building-footprints/internal/properties"
)

// GeometryField is the record key holding the raw geometry.
const GeometryField = "geometry"

// Record is one raw upstream record: a geometry plus an open set of attributes.
type Record map[string]any

type Batch struct {
	Records []Record
}

// Query is what a provider needs to open a stream. Limit is a hint; providers
// may stop early once they have produced that many records.
type Query struct {
	AOI          geometry.AreaOfInterest
	Bound        orb.Bound
	TypeSelector string
	Limit        int
	MinArea      float64
	MaxArea      float64
	// Status may be nil. Providers that wait upstream before the first batch
	// report that phase through it.
	Status StatusFunc
}

// StatusFunc reports work done before streaming starts. frac is the
// progress of that phase alone, in [0,1].
type StatusFunc func(msg string, frac float64)

// Stream yields batches until io.EOF.
type Stream interface {
	Next(ctx context.Context) (Batch, error)
	// Total is the number of matching upstream records, or model.UnknownTotal.
	Total() int64
	Close() error
}

// Progressor is implemented by streams that know how much of the source
// they have consumed, as a fraction in [0,1].
type Progressor interface {
	Consumed() float64
}

// SizeBounder is implemented by providers with their own default footprint
// size range in square meters. It applies when a request sets neither bound.
type SizeBounder interface {
	SizeBounds() (minArea, maxArea float64)
}

// Session is a connected, possibly authenticated, upstream handle.
type Session interface {
	Close() error
}

type Provider interface {
	Name() string
	// Dataset is the source dataset name stamped on every feature.
	Dataset() string
	Schema() properties.Schema
	DefaultLimit() int
	Connect(ctx context.Context) (Session, error)
	Open(ctx context.Context, sess Session, q Query) (Stream, error)
}

// NopSession is used by providers without connection state.
type NopSession struct{}

func (NopSession) Close() error { return nil }

var errPanic = errors.New("panic while normalizing record")
