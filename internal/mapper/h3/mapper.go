package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
	"github.com/mohammed-shakir/hazard-aggregator/internal/mapper"
)

type Mapper struct{}

var _ mapper.Interface = (*Mapper)(nil)

func New() *Mapper { return &Mapper{} }

func (m *Mapper) CellForPoint(c model.Coordinates, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if !c.Valid() {
		return "", fmt.Errorf("invalid point %.6f,%.6f", c.Latitude, c.Longitude)
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(c.Latitude, c.Longitude), res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return cell.String(), nil
}

// CellsForArea returns the sorted cells covering the box around center. The
// cell containing center is always included.
func (m *Mapper) CellsForArea(center model.Coordinates, radiusMeters float64, res int) ([]string, error) {
	own, err := m.CellForPoint(center, res)
	if err != nil {
		return nil, err
	}
	b := geo.BoundAround(center, radiusMeters)
	outer := h3.GeoLoop{
		{Lat: b.Min.Lat(), Lng: b.Min.Lon()},
		{Lat: b.Min.Lat(), Lng: b.Max.Lon()},
		{Lat: b.Max.Lat(), Lng: b.Max.Lon()},
		{Lat: b.Max.Lat(), Lng: b.Min.Lon()},
	}
	cells, err := polyfill(outer, res)
	if err != nil {
		return nil, err
	}
	i := sort.SearchStrings(cells, own)
	if i == len(cells) || cells[i] != own {
		cells = append(cells, own)
		sort.Strings(cells)
	}
	return cells, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// polyfill computes unique cells sorted for determinism.
func polyfill(outer h3.GeoLoop, res int) ([]string, error) {
	if len(outer) < 3 {
		return nil, errors.New("loop has < 3 vertices")
	}
	indexes, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
