// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const SRIDWGS84 = "EPSG:4326"

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching the bbox query parameter format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.X1, b.Y1}, Max: orb.Point{b.X2, b.Y2}}
}

func BBoxFromBound(b orb.Bound) BBox {
	return BBox{X1: b.Min.X(), Y1: b.Min.Y(), X2: b.Max.X(), Y2: b.Max.Y(), SRID: SRIDWGS84}
}

// Rounded returns the bbox with every coordinate rounded half away from zero
// to the given number of decimals.
func (b BBox) Rounded(decimals int) BBox {
	p := math.Pow10(decimals)
	r := func(v float64) float64 {
		out := math.Round(v*p) / p
		if out == 0 {
			return 0 // fold -0
		}
		return out
	}
	return BBox{X1: r(b.X1), Y1: r(b.Y1), X2: r(b.X2), Y2: r(b.Y2), SRID: b.SRID}
}

type Cells []string

// Building is one normalized footprint. Geometry is always set; Properties
// only holds attributes that were present and well typed upstream.
type Building struct {
	Geometry   orb.Geometry
	Centroid   orb.Point
	Properties map[string]any
}

// Feature converts the building into a GeoJSON feature sharing the geometry.
func (b Building) Feature() *geojson.Feature {
	f := geojson.NewFeature(b.Geometry)
	for k, v := range b.Properties {
		f.Properties[k] = v
	}
	return f
}

// FetchResult is the immutable outcome of one pipeline run.
type FetchResult struct {
	Provider       string                     `json:"provider"`
	Collection     *geojson.FeatureCollection `json:"geojson"`
	BuildingCount  int                        `json:"building_count"`
	Truncated      bool                       `json:"truncated"`
	Limit          int                        `json:"limit"`
	UpstreamTotal  int64                      `json:"upstream_total"`
	SkippedRecords int                        `json:"skipped_records"`
}

// UnknownTotal marks a FetchResult whose provider did not report a count.
const UnknownTotal int64 = -1

// Progress is one update on the progress channel.
type Progress struct {
	Message string
	Percent int
}

func (p Progress) Fraction() float64 {
	return float64(p.Percent) / 100
}
