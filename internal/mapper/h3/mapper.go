package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellsForBound covers b at res. The polyfill only returns cells whose
// centers fall inside, so the corner and center cells are always added and a
// bound smaller than one cell still maps to at least one cell.
func (m *Mapper) CellsForBound(b orb.Bound, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if b.Left() == b.Right() || b.Bottom() == b.Top() {
		return m.CellsForGeometry(orb.MultiPoint{b.Min, b.Max}, res)
	}
	return m.CellsForGeometry(b.ToPolygon(), res)
}

func (m *Mapper) CellsForGeometry(g orb.Geometry, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	if err := m.cover(set, g, res); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mapper) cover(set map[string]struct{}, g orb.Geometry, res int) error {
	switch t := g.(type) {
	case nil:
		return errors.New("nil geometry")
	case orb.Point:
		return m.addPoint(set, t, res)
	case orb.MultiPoint:
		for _, p := range t {
			if err := m.addPoint(set, p, res); err != nil {
				return err
			}
		}
		return nil
	case orb.Bound:
		return m.cover(set, t.ToPolygon(), res)
	case orb.Polygon:
		return m.addPolygon(set, t, res)
	case orb.MultiPolygon:
		if len(t) == 0 {
			return errors.New("empty multipolygon")
		}
		for i, p := range t {
			if err := m.addPolygon(set, p, res); err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
		}
		return nil
	case orb.Collection:
		for _, sub := range t {
			if err := m.cover(set, sub, res); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported geometry type: %s", g.GeoJSONType())
	}
}

func (m *Mapper) addPolygon(set map[string]struct{}, p orb.Polygon, res int) error {
	if len(p) == 0 {
		return errors.New("empty polygon")
	}
	outer := toLoop(p[0])
	if len(outer) < 3 {
		return errors.New("outer ring has < 4 vertices")
	}
	var holes []h3.GeoLoop
	for i := 1; i < len(p); i++ {
		h := toLoop(p[i])
		if len(h) < 3 {
			return fmt.Errorf("hole %d has < 4 vertices", i-1)
		}
		holes = append(holes, h)
	}

	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer, Holes: holes}, res)
	if err != nil {
		return fmt.Errorf("h3 polyfill: %w", err)
	}
	for _, c := range cells {
		set[c.String()] = struct{}{}
	}

	// vertices and center catch areas thinner than one cell
	for _, pt := range p[0] {
		if err := m.addPoint(set, pt, res); err != nil {
			return err
		}
	}
	return m.addPoint(set, p.Bound().Center(), res)
}

func (m *Mapper) addPoint(set map[string]struct{}, p orb.Point, res int) error {
	c, err := m.CellForPoint(p, res)
	if err != nil {
		return err
	}
	set[c] = struct{}{}
	return nil
}

// CellForPoint returns the cell containing p (lon, lat) at res.
func (m *Mapper) CellForPoint(p orb.Point, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: p.Lat(), Lng: p.Lon()}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell for point: %w", err)
	}
	return c.String(), nil
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// drops the duplicated closing vertex; h3 loops are implicitly closed
func toLoop(r orb.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(r))
	for _, p := range r {
		loop = append(loop, h3.LatLng{Lat: p.Lat(), Lng: p.Lon()})
	}
	if len(loop) >= 2 {
		last := loop[len(loop)-1]
		first := loop[0]
		if last.Lat == first.Lat && last.Lng == first.Lng {
			loop = loop[:len(loop)-1]
		}
	}
	return loop
}
