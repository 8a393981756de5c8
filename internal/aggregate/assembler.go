// Package aggregate assembles normalized buildings into a GeoJSON
// FeatureCollection and derives statistics and pages from it.
package aggregate

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

// Assembler accumulates up to limit buildings. When dedup is on, a building
// whose id (or, without id, geometry) was already added is ignored.
type Assembler struct {
	limit int
	dedup bool
	seen  map[string]struct{}
	fc    *geojson.FeatureCollection
}

func NewAssembler(limit int, dedup bool) *Assembler {
	a := &Assembler{limit: limit, dedup: dedup, fc: geojson.NewFeatureCollection()}
	if dedup {
		a.seen = make(map[string]struct{})
	}
	return a
}

// Add appends b unless the assembler is full or b is a duplicate.
func (a *Assembler) Add(b model.Building) bool {
	if a.Full() || b.Geometry == nil {
		return false
	}
	if a.dedup {
		k := dedupKey(b)
		if _, dup := a.seen[k]; dup {
			return false
		}
		a.seen[k] = struct{}{}
	}
	a.fc.Append(b.Feature())
	return true
}

func (a *Assembler) Len() int { return len(a.fc.Features) }

func (a *Assembler) Full() bool { return a.limit > 0 && len(a.fc.Features) >= a.limit }

func (a *Assembler) Collection() *geojson.FeatureCollection { return a.fc }

func dedupKey(b model.Building) string {
	if id, ok := b.Properties["id"]; ok {
		return fmt.Sprintf("id:%v", id)
	}
	buf, err := wkb.Marshal(b.Geometry)
	if err != nil {
		return fmt.Sprintf("ptr:%p", &b)
	}
	return fmt.Sprintf("gh:%016x", xxhash.Sum64(buf))
}
