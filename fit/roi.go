package fit

import (
	"fmt"

	"github.com/rebqual/rebqual/sweep"
)

// ROI selects the sweep indices that gate pass/fail.
//
// Start is always inclusive.  End is exclusive unless EndInclusive is set.
// The zero value with EndInclusive false selects the whole table.
type ROI struct {
	Start        int  `json:"start"`
	End          int  `json:"end"`
	EndInclusive bool `json:"end_inclusive"`
}

// Full is the region of interest that covers every point
var Full = ROI{}

// Span is a normalised half-open index range [Lo, Hi)
type Span struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Len is the number of indices in the span
func (s Span) Len() int {
	return s.Hi - s.Lo
}

// Contains returns true if i lies inside the span
func (s Span) Contains(i int) bool {
	return i >= s.Lo && i < s.Hi
}

func (s Span) String() string {
	return fmt.Sprintf("[%d, %d)", s.Lo, s.Hi)
}

// Bounds normalises the ROI against a table of n points
func (r ROI) Bounds(n int) (Span, error) {
	hi := r.End
	if r.EndInclusive {
		hi++
	} else if r.End == 0 {
		hi = n
	}
	s := Span{Lo: r.Start, Hi: hi}
	if s.Lo < 0 || s.Hi > n || s.Lo > s.Hi {
		return s, fmt.Errorf("%w: %v in a table of %d points", ErrROIRange, s, n)
	}
	return s, nil
}

// Window is an open interval (Min, Max) a readback must sit inside for its
// sweep point to belong to an automatically chosen region of interest
type Window struct {
	Channel string  `json:"channel"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// WindowROI chooses the region of interest spanning the first through the
// last sweep point whose readbacks are all strictly inside their windows.
// Points between those two are included even if they stray, so the ROI is
// always contiguous.
func WindowROI(t *sweep.Table, windows []Window) (ROI, error) {
	cols := make([][]float64, len(windows))
	for i, w := range windows {
		col, ok := t.Column(w.Channel)
		if !ok {
			return ROI{}, fmt.Errorf("window on %s: channel not in table: %w", w.Channel, ErrInsufficientData)
		}
		cols[i] = col
	}
	first, last := -1, -1
	for idx := 0; idx < t.Len(); idx++ {
		inside := true
		for i, w := range windows {
			v := cols[i][idx]
			if !(w.Min < v && v < w.Max) {
				inside = false
				break
			}
		}
		if inside {
			if first < 0 {
				first = idx
			}
			last = idx
		}
	}
	if first < 0 {
		return ROI{}, fmt.Errorf("no sweep point inside the readback windows: %w", ErrInsufficientData)
	}
	return ROI{Start: first, End: last, EndInclusive: true}, nil
}
