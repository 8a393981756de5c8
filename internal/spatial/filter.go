// Package spatial decides whether a normalized building is kept for an area
// of interest.
package spatial

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
)

// AreaProperty is where the normalizer stores the footprint area.
const AreaProperty = "area_in_meters"

// WithinSizeBounds reports min <= area <= max. A bound <= 0 is open.
func WithinSizeBounds(area, minArea, maxArea float64) bool {
	if minArea > 0 && area < minArea {
		return false
	}
	if maxArea > 0 && area > maxArea {
		return false
	}
	return true
}

type Filter struct {
	aoi     orb.MultiPolygon
	bound   orb.Bound
	MinArea float64
	MaxArea float64
}

func NewFilter(aoi geometry.AreaOfInterest, minArea, maxArea float64) *Filter {
	return &Filter{
		aoi:     aoi.Geometry(),
		bound:   aoi.Bound(),
		MinArea: minArea,
		MaxArea: maxArea,
	}
}

func (f *Filter) sizeBounded() bool { return f.MinArea > 0 || f.MaxArea > 0 }

// Keep applies the intersection test and, when bounds are set, the size test.
func (f *Filter) Keep(b model.Building) bool {
	if b.Geometry == nil || !b.Geometry.Bound().Intersects(f.bound) {
		return false
	}
	if !Intersects(b.Geometry, f.aoi) {
		return false
	}
	if !f.sizeBounded() {
		return true
	}
	area, ok := b.Properties[AreaProperty].(float64)
	if !ok {
		area = geometry.AreaSquareMeters(b.Geometry)
	}
	return WithinSizeBounds(area, f.MinArea, f.MaxArea)
}
