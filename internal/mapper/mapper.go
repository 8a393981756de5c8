// Package mapper converts between geometric coordinates and H3 cells.
package mapper

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

type Interface interface {
	CellsForBound(b orb.Bound, res int) (model.Cells, error)
	CellsForGeometry(g orb.Geometry, res int) (model.Cells, error)
}
