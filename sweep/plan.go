package sweep

import "github.com/rebqual/rebqual/util"

// Command is one commanded tuple of a sweep
type Command struct {
	Primary float64 `json:"primary"`
	Paired  float64 `json:"paired"`
}

// Value returns the commanded value a readback with the given Tracks follows
func (c Command) Value(t Tracks) float64 {
	if t == TracksPaired {
		return c.Paired
	}
	return c.Primary
}

// Offset is the gap between the paired and primary values
func (c Command) Offset() float64 {
	return c.Paired - c.Primary
}

// Plan returns the ordered commands for a sweep of s.
//
// The primary value steps linearly from Lo to Hi over Steps points,
// inclusive of both ends; a single step sits at Lo.  In Constant mode the
// paired value is primary + PairedDelta.  In Diverging mode the offset
// itself steps linearly from OffsetStart to OffsetEnd.  When the rail has
// no paired control, Paired mirrors Primary.
func Plan(s RailSpec) ([]Command, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	primary := util.Linspace(s.Lo, s.Hi, s.Steps)
	var offsets []float64
	switch {
	case s.Paired == "":
		offsets = make([]float64, s.Steps)
	case s.Mode == Diverging:
		offsets = util.Linspace(s.OffsetStart, s.OffsetEnd, s.Steps)
	default:
		offsets = make([]float64, s.Steps)
		for i := range offsets {
			offsets[i] = s.PairedDelta
		}
	}
	out := make([]Command, s.Steps)
	for i := range out {
		out[i] = Command{Primary: primary[i], Paired: primary[i] + offsets[i]}
	}
	return out, nil
}
