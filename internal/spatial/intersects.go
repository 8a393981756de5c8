package spatial

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Intersects reports whether a and b share at least one point. Touching
// boundaries count. Points and polygonal geometries are supported; other
// types never intersect.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil || !a.Bound().Intersects(b.Bound()) {
		return false
	}
	if p, ok := a.(orb.Point); ok {
		return pointIntersects(p, b)
	}
	if p, ok := b.(orb.Point); ok {
		return pointIntersects(p, a)
	}
	pa, pb := polygons(a), polygons(b)
	if len(pa) == 0 || len(pb) == 0 {
		return false
	}
	for _, poly := range pa {
		for _, pt := range poly[0] {
			if containsPoint(pb, pt) {
				return true
			}
		}
	}
	for _, poly := range pb {
		for _, pt := range poly[0] {
			if containsPoint(pa, pt) {
				return true
			}
		}
	}
	return ringsCross(pa, pb)
}

func pointIntersects(p orb.Point, g orb.Geometry) bool {
	if q, ok := g.(orb.Point); ok {
		return p == q
	}
	mp := polygons(g)
	if containsPoint(mp, p) {
		return true
	}
	for _, poly := range mp {
		for _, r := range poly {
			for i := 1; i < len(r); i++ {
				if onSegment(r[i-1], r[i], p) {
					return true
				}
			}
		}
	}
	return false
}

func polygons(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) == 0 {
			return nil
		}
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		out := v[:0:0]
		for _, p := range v {
			if len(p) > 0 {
				out = append(out, p)
			}
		}
		return out
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}
	case orb.Collection:
		var out orb.MultiPolygon
		for _, m := range v {
			out = append(out, polygons(m)...)
		}
		return out
	default:
		return nil
	}
}

// containsPoint treats points on an outer ring as inside.
func containsPoint(mp orb.MultiPolygon, p orb.Point) bool {
	for _, poly := range mp {
		if planar.PolygonContains(poly, p) {
			return true
		}
	}
	return false
}

func ringsCross(a, b orb.MultiPolygon) bool {
	for _, pa := range a {
		for _, ra := range pa {
			rab := ra.Bound()
			for _, pb := range b {
				for _, rb := range pb {
					if !rab.Intersects(rb.Bound()) {
						continue
					}
					if segmentsCross(ra, rb) {
						return true
					}
				}
			}
		}
	}
	return false
}

func segmentsCross(a, b orb.Ring) bool {
	for i := 1; i < len(a); i++ {
		for j := 1; j < len(b); j++ {
			if segmentIntersects(a[i-1], a[i], b[j-1], b[j]) {
				return true
			}
		}
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func onSegment(a, b, p orb.Point) bool {
	if orient(a, b, p) != 0 {
		return false
	}
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}

func segmentIntersects(p1, p2, q1, q2 orb.Point) bool {
	d1 := sign(orient(q1, q2, p1))
	d2 := sign(orient(q1, q2, p2))
	d3 := sign(orient(p1, p2, q1))
	d4 := sign(orient(p1, p2, q2))
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}
