package keys

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const snapshotPrefix = "hazards:snap"

// Tile groups nearby queries: lat/lon rounded to two decimals (~1.1 km) plus
// the radius in whole meters.
func Tile(lat, lon, radius float64) string {
	return fmt.Sprintf("%s:%s:r%d", coord(lat), coord(lon), int64(math.Round(radius)))
}

// ParseTile reverses Tile, returning the rounded center and the radius.
func ParseTile(key string) (lat, lon, radius float64, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "r") {
		return 0, 0, 0, false
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, 0, false
	}
	lon, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, 0, false
	}
	r, err := strconv.ParseInt(parts[2][1:], 10, 64)
	if err != nil || r < 0 {
		return 0, 0, 0, false
	}
	return lat, lon, float64(r), true
}

func coord(v float64) string {
	r := math.Round(v*100) / 100
	if r == 0 {
		// avoid "-0.00"
		r = 0
	}
	return strconv.FormatFloat(r, 'f', 2, 64)
}

// Snapshot is the Redis key holding the last-known-good records for a tile.
func Snapshot(source, tile string) string {
	src := sanitizeForKey(strings.ToLower(strings.TrimSpace(source)))
	sum := xxhash.Sum64String(src + "|" + tile)
	return fmt.Sprintf("%s:%s:%s:h=%016x", snapshotPrefix, src, sanitizeForKey(tile), sum)
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
