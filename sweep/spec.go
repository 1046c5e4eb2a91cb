/*
Package sweep describes rail voltage sweeps: what is commanded, in what
order, and the table of readbacks a scan produces.

A RailSpec names a primary control, an optional paired control that
co-varies with it, and the telemetry channels read back at every step.
Plan turns a RailSpec into the ordered list of commanded tuples; a Table
holds the measured result of executing that list.
*/
package sweep

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rebqual/rebqual/util"
)

// Mode is the way a paired rail co-varies with the primary rail
type Mode int

const (
	// Constant keeps paired = primary + PairedDelta at every step
	Constant Mode = iota

	// Diverging moves the offset between the rails linearly from
	// OffsetStart to OffsetEnd over the sweep
	Diverging
)

func (m Mode) String() string {
	switch m {
	case Constant:
		return "constant"
	case Diverging:
		return "diverging"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts "constant" or "diverging" (case insensitive) to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "constant", "constant-offset":
		return Constant, nil
	case "diverging", "diverging-offset":
		return Diverging, nil
	}
	return Constant, fmt.Errorf("unknown sweep mode %q", s)
}

// Tracks identifies which commanded value a readback channel follows
type Tracks int

const (
	// TracksPrimary readbacks follow the primary control
	TracksPrimary Tracks = iota

	// TracksPaired readbacks follow the paired control
	TracksPaired
)

func (t Tracks) String() string {
	if t == TracksPaired {
		return "paired"
	}
	return "primary"
}

// ParseTracks converts "primary" or "paired" to a Tracks value
func ParseTracks(s string) (Tracks, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary":
		return TracksPrimary, nil
	case "paired":
		return TracksPaired, nil
	}
	return TracksPrimary, fmt.Errorf("unknown readback source %q", s)
}

// Readback is a telemetry channel read at every sweep point
type Readback struct {
	// ID is the board's name for the channel, e.g. WREB.SCKL_V
	ID string

	// Tracks is the commanded value the channel is expected to follow
	Tracks Tracks

	// Monitor channels are recorded in the table but never fitted
	Monitor bool
}

// ControlValue is a control and the voltage to put on it
type ControlValue struct {
	Control string
	Value   float64
}

// RailSpec fully describes one rail sweep
type RailSpec struct {
	// Name is the subtest title, e.g. "SCK Rails"
	Name string

	// Primary is the control stepped from Lo to Hi
	Primary string

	// Paired is the control that co-varies with Primary; empty for a
	// single-rail (bias) sweep
	Paired string

	// Readbacks are read after every commanded point
	Readbacks []Readback

	// Lo and Hi bound the primary value, both inclusive
	Lo, Hi float64

	// Steps is the number of points in the sweep
	Steps int

	Mode Mode

	// PairedDelta is the constant-mode offset of paired above primary
	PairedDelta float64

	// OffsetStart and OffsetEnd bound the diverging-mode offset
	OffsetStart, OffsetEnd float64

	// Setup values are commanded once before the first point, e.g. the
	// shift DACs that set a rail's operating window
	Setup []ControlValue

	// Idle holds the safe resting value of touched controls.  Controls
	// missing from Idle rest at 0 V
	Idle []ControlValue

	// Known, if not empty, is the complete set of control and channel
	// names the board understands.  References outside it are rejected.
	Known []string
}

// InvalidSpecError is returned when a RailSpec cannot be planned
type InvalidSpecError struct {
	Rail   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	if e.Rail == "" {
		return "invalid rail spec: " + e.Reason
	}
	return fmt.Sprintf("invalid rail spec %q: %s", e.Rail, e.Reason)
}

// IsInvalidSpec returns true if err is or wraps an InvalidSpecError
func IsInvalidSpec(err error) bool {
	var ise *InvalidSpecError
	return errors.As(err, &ise)
}

func (s RailSpec) invalid(format string, args ...interface{}) error {
	return &InvalidSpecError{Rail: s.Name, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the rail for every condition that would make a sweep
// meaningless or unsafe.  It never touches hardware.
func (s RailSpec) Validate() error {
	if s.Steps < 1 {
		return s.invalid("step count %d < 1", s.Steps)
	}
	for _, v := range []float64{s.Lo, s.Hi, s.PairedDelta, s.OffsetStart, s.OffsetEnd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return s.invalid("non-finite voltage in range or offsets")
		}
	}
	if s.Lo > s.Hi {
		return s.invalid("lo %g > hi %g", s.Lo, s.Hi)
	}
	if s.Primary == "" {
		return s.invalid("no primary control")
	}
	if s.Mode != Constant && s.Mode != Diverging {
		return s.invalid("unknown sweep mode %v", s.Mode)
	}
	if s.Mode == Diverging && s.Paired == "" {
		return s.invalid("diverging sweep needs a paired control")
	}
	if s.Paired != "" && s.Paired == s.Primary {
		return s.invalid("paired control %q is the primary control", s.Paired)
	}
	if len(s.Readbacks) == 0 {
		return s.invalid("no readback channels")
	}
	seen := make(map[string]bool, len(s.Readbacks))
	for _, rb := range s.Readbacks {
		if rb.ID == "" {
			return s.invalid("readback channel with empty name")
		}
		if seen[rb.ID] {
			return s.invalid("readback channel %q listed twice", rb.ID)
		}
		seen[rb.ID] = true
		if rb.Tracks == TracksPaired && s.Paired == "" {
			return s.invalid("readback %q tracks the paired rail but there is none", rb.ID)
		}
	}
	if len(s.Known) > 0 {
		known := make(map[string]bool, len(s.Known))
		for _, k := range s.Known {
			known[k] = true
		}
		for _, c := range s.Controls() {
			if !known[c] {
				return s.invalid("unknown control %q", c)
			}
		}
		for _, rb := range s.Readbacks {
			if !known[rb.ID] {
				return s.invalid("unknown readback channel %q", rb.ID)
			}
		}
	}
	return nil
}

// Controls returns every control a sweep of s writes, in the order they
// are first written: setup controls, then primary, then paired
func (s RailSpec) Controls() []string {
	all := []string{}
	for _, cv := range s.Setup {
		all = append(all, cv.Control)
	}
	all = append(all, s.Primary, s.Paired)
	out := all[:0]
	for _, c := range all {
		if c != "" {
			out = append(out, c)
		}
	}
	return util.UniqueString(out)
}

// IdleValue returns the safe resting value of a control
func (s RailSpec) IdleValue(control string) float64 {
	for _, cv := range s.Idle {
		if cv.Control == control {
			return cv.Value
		}
	}
	return 0
}

// Channels returns the IDs of every readback, in configuration order
func (s RailSpec) Channels() []string {
	out := make([]string, len(s.Readbacks))
	for i, rb := range s.Readbacks {
		out[i] = rb.ID
	}
	return out
}

// Fitted returns the readbacks that take part in the gain fit
func (s RailSpec) Fitted() []Readback {
	out := []Readback{}
	for _, rb := range s.Readbacks {
		if !rb.Monitor {
			out = append(out, rb)
		}
	}
	return out
}
