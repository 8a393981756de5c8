package geometry

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

// AreaOfInterest is a validated polygonal region in EPSG:4326. The zero value
// is not usable; build one with NewAreaOfInterest.
type AreaOfInterest struct {
	geom  orb.MultiPolygon
	bound orb.Bound
}

// NewAreaOfInterest unions the given geometries and validates the result.
func NewAreaOfInterest(geoms ...orb.Geometry) (AreaOfInterest, error) {
	mp, err := Union(geoms...)
	if err != nil {
		return AreaOfInterest{}, err
	}
	for i, poly := range mp {
		for j, ring := range poly {
			if len(ring) > 0 && !ring.Closed() {
				ring = append(ring, ring[0])
				mp[i][j] = ring
			}
			if len(ring) < 4 {
				return AreaOfInterest{}, model.InvalidArea("polygon %d ring %d has %d points", i, j, len(ring))
			}
			for _, p := range ring {
				if !finite(p) || math.Abs(p.Lon()) > 180 || math.Abs(p.Lat()) > 90 {
					return AreaOfInterest{}, model.InvalidArea("coordinate %v outside EPSG:4326", p)
				}
			}
		}
	}
	if AreaSquareMeters(mp) <= 0 {
		return AreaOfInterest{}, model.InvalidArea("zero area")
	}
	return AreaOfInterest{geom: mp, bound: mp.Bound()}, nil
}

// AreaOfInterestFromBBox builds the rectangle covering b.
func AreaOfInterestFromBBox(b model.BBox) (AreaOfInterest, error) {
	if b.X1 >= b.X2 || b.Y1 >= b.Y2 {
		return AreaOfInterest{}, model.InvalidArea("degenerate bbox %s", b)
	}
	return NewAreaOfInterest(b.Bound().ToPolygon())
}

// Geometry returns a copy so callers cannot mutate the area.
func (a AreaOfInterest) Geometry() orb.MultiPolygon { return a.geom.Clone() }

func (a AreaOfInterest) Bound() orb.Bound { return a.bound }

func (a AreaOfInterest) BBox() model.BBox { return model.BBoxFromBound(a.bound) }

func (a AreaOfInterest) IsZero() bool { return len(a.geom) == 0 }

// Union flattens N polygonal geometries into one MultiPolygon. Parts are kept
// as-is; overlapping parts are not dissolved.
func Union(geoms ...orb.Geometry) (orb.MultiPolygon, error) {
	var out orb.MultiPolygon
	for _, g := range geoms {
		mp, err := flatten(g)
		if err != nil {
			return nil, model.InvalidArea("%v", err)
		}
		for _, p := range mp {
			if len(p) == 0 || len(p[0]) == 0 {
				continue
			}
			out = append(out, p.Clone())
		}
	}
	if len(out) == 0 {
		return nil, model.InvalidArea("no polygonal geometry")
	}
	return out, nil
}
