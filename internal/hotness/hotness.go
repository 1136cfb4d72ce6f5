// Package hotness tracks how often each map tile is queried.
package hotness

type Interface interface {
	Inc(cell string)
	Score(cell string) float64
	Reset(cells ...string)
}

// Sizer is implemented by trackers that can report how many cells they hold.
type Sizer interface{ Size() int }
