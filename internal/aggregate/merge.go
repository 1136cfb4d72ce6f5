package aggregate

import (
	"cmp"
	"slices"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
)

// DefaultDedupRadius is the distance under which two records of the same
// type describe one physical hazard.
const DefaultDedupRadius = 50.0

type MergeOptions struct {
	DedupRadius float64
}

// Merge combines community with the external lists. Community records are
// always kept. An external record is dropped when an already included record
// has the same type and lies closer than opts.DedupRadius. Every record gets a
// distance to center unless it already carries one, and the result is sorted
// nearest first with unknown distances last. Inputs are not modified.
func Merge(center model.Coordinates, opts MergeOptions, community []model.HazardRecord, others ...[]model.HazardRecord) []model.HazardRecord {
	radius := opts.DedupRadius
	if radius <= 0 {
		radius = DefaultDedupRadius
	}

	total := len(community)
	for _, l := range others {
		total += len(l)
	}
	out := make([]model.HazardRecord, 0, total)
	out = append(out, community...)

	for _, list := range others {
		dropped := map[model.Source]int{}
		for _, h := range list {
			if duplicates(out, h, radius) {
				dropped[h.Source]++
				continue
			}
			out = append(out, h)
		}
		for src, n := range dropped {
			observability.AddMergeDuplicates(string(src), n)
		}
	}

	for i := range out {
		if out[i].DistanceMeters == nil {
			d := geo.Haversine(center, out[i].Coordinates)
			out[i].DistanceMeters = &d
		}
	}

	slices.SortStableFunc(out, byDistance)
	return out
}

func duplicates(included []model.HazardRecord, h model.HazardRecord, radius float64) bool {
	for _, o := range included {
		if o.Type == h.Type && geo.Haversine(o.Coordinates, h.Coordinates) < radius {
			return true
		}
	}
	return false
}

func byDistance(a, b model.HazardRecord) int {
	switch {
	case a.DistanceMeters == nil && b.DistanceMeters == nil:
		return 0
	case a.DistanceMeters == nil:
		return 1
	case b.DistanceMeters == nil:
		return -1
	}
	return cmp.Compare(*a.DistanceMeters, *b.DistanceMeters)
}
