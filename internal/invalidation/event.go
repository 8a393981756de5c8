// Package invalidation describes upstream change events that make cached
// footprint results stale.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// AllDatasets in Event.Dataset targets every provider.
const AllDatasets = "*"

type Event struct {
	// Version increases per dataset; replays of an older version are ignored.
	Version  uint64          `json:"version"`
	Op       string          `json:"op"`
	Dataset  string          `json:"dataset"`
	TS       time.Time       `json:"ts"`
	BBox     *BBox           `json:"bbox,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	H3Cells  []string        `json:"h3_cells,omitempty"`
	Res      *int            `json:"res,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid,omitempty"`
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.X1, b.Y1}, Max: orb.Point{b.X2, b.Y2}}
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return errors.New("version must be positive")
	}
	switch e.Op {
	case "insert", "update", "delete", "refresh":
	default:
		return errors.New("op must be insert|update|delete|refresh")
	}
	if strings.TrimSpace(e.Dataset) == "" {
		return errors.New("dataset is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}

	n := 0
	if e.BBox != nil {
		n++
	}
	if len(e.Geometry) > 0 {
		n++
	}
	if len(e.H3Cells) > 0 {
		n++
	}
	if n != 1 {
		return errors.New("exactly one of bbox, geometry or h3_cells is required")
	}

	switch {
	case e.BBox != nil:
		bb := *e.BBox
		if bb.SRID != "" && bb.SRID != "EPSG:4326" {
			return errors.New("bbox.srid must be EPSG:4326")
		}
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return errors.New("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return errors.New("bbox latitude out of range")
		}
		if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
			return errors.New("bbox must satisfy x2>x1 and y2>y1")
		}
	case len(e.Geometry) > 0:
		if _, err := e.Area(); err != nil {
			return err
		}
	default:
		if e.Res == nil || *e.Res < 0 || *e.Res > 15 {
			return errors.New("h3_cells needs res in 0..15")
		}
	}
	return nil
}

// Area returns the changed region for bbox and geometry events.
func (e Event) Area() (orb.Geometry, error) {
	if e.BBox != nil {
		return e.BBox.Bound(), nil
	}
	if len(e.Geometry) == 0 {
		return nil, errors.New("event carries no geometry")
	}
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return nil, fmt.Errorf("geometry parse: %w", err)
	}
	switch g.Geometry().(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g.Geometry(), nil
	default:
		return nil, errors.New("geometry.type must be Polygon or MultiPolygon")
	}
}

// AppliesTo reports whether a result of provider is affected.
func (e Event) AppliesTo(provider string) bool {
	return e.Dataset == AllDatasets || strings.EqualFold(e.Dataset, provider)
}
