package h3mapper

import (
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
)

// CellProperty holds the H3 cell of a building's centroid.
const CellProperty = "h3_cell"

// Enricher tags each kept building with the cell of its centroid at res.
// Buildings whose centroid cannot be indexed are left untouched.
func (m *Mapper) Enricher(res int) fetcher.Enricher {
	return fetcher.EnricherFunc(func(b *model.Building) {
		c, err := m.CellForPoint(b.Centroid, res)
		if err != nil {
			return
		}
		if b.Properties == nil {
			b.Properties = make(map[string]any)
		}
		b.Properties[CellProperty] = c
	})
}
