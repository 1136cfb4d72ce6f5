// Package mapper converts query centers into H3 cells.
package mapper

import (
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

type Interface interface {
	CellForPoint(c model.Coordinates, res int) (string, error)
	CellsForArea(center model.Coordinates, radiusMeters float64, res int) ([]string, error)
}
