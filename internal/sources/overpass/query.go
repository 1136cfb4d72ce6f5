package overpass

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/hazard-aggregator/internal/sources"
)

// Tag filters whose matches may become hazards.
var waySelectors = []string{
	`way["highway"="construction"]`,
	`way["construction"]["highway"]`,
	`way["highway"]["access"="no"]`,
	`way["highway"]["motor_vehicle"="no"]`,
	`way["highway"]["vehicle"="no"]`,
	`way["highway"]["temporary:access"="no"]`,
}

var nodeSelectors = []string{
	`node["barrier"~"^(gate|lift_gate|bollard|block|jersey_barrier|chain|swing_gate)$"]`,
	`node["highway"="construction"]`,
}

func coord(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

// BuildQuery renders the Overpass QL for area with a server-side timeout.
func BuildQuery(area sources.Area, timeoutSeconds int) string {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 25
	}
	around := fmt.Sprintf("(around:%d,%s,%s)",
		int64(area.RadiusMeters+0.5), coord(area.Center.Latitude), coord(area.Center.Longitude))

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n(\n", timeoutSeconds)
	for _, s := range waySelectors {
		b.WriteString("  " + s + around + ";\n")
	}
	for _, s := range nodeSelectors {
		b.WriteString("  " + s + around + ";\n")
	}
	b.WriteString(");\nout center meta;\n")
	return b.String()
}
