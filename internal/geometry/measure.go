package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// mean earth radius in meters (IUGG)
const earthRadius = 6371008.8

// Centroid returns a point's own coordinates and the planar area centroid for
// anything else. Zero-area shapes fall back to the bound center.
func Centroid(g orb.Geometry) orb.Point {
	if g == nil {
		return orb.Point{}
	}
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, area := planar.CentroidArea(g)
	if area == 0 || !finite(c) {
		return g.Bound().Center()
	}
	return c
}

func Bound(g orb.Geometry) orb.Bound {
	if g == nil {
		return orb.Bound{}
	}
	return g.Bound()
}

// EqualAreaProjection returns a spherical Lambert azimuthal equal-area
// projection centred on origin, producing meters.
func EqualAreaProjection(origin orb.Point) orb.Projection {
	lam0 := origin.Lon() * math.Pi / 180
	phi0 := origin.Lat() * math.Pi / 180
	sinPhi0, cosPhi0 := math.Sincos(phi0)
	return func(p orb.Point) orb.Point {
		lam := p.Lon()*math.Pi/180 - lam0
		sinPhi, cosPhi := math.Sincos(p.Lat() * math.Pi / 180)
		sinLam, cosLam := math.Sincos(lam)
		denom := 1 + sinPhi0*sinPhi + cosPhi0*cosPhi*cosLam
		if denom <= 0 {
			// antipode of the origin
			return orb.Point{0, 2 * earthRadius}
		}
		k := math.Sqrt(2 / denom)
		return orb.Point{
			earthRadius * k * cosPhi * sinLam,
			earthRadius * k * (cosPhi0*sinPhi - sinPhi0*cosPhi*cosLam),
		}
	}
}

// AreaSquareMeters measures g in square meters. g is not modified.
func AreaSquareMeters(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Collection, orb.Ring, orb.Bound:
	default:
		return 0
	}
	proj := EqualAreaProjection(g.Bound().Center())
	projected := project.Geometry(orb.Clone(g), proj)
	return math.Abs(planar.Area(projected))
}
