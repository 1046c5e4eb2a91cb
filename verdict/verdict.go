// Package verdict applies tolerance rules to rail fits and rolls channel
// verdicts up into one subtest result.
package verdict

import (
	"fmt"
	"math"
	"strings"

	"github.com/rebqual/rebqual/fit"
	"github.com/rebqual/rebqual/util"
)

// ResidualMode selects how the residual tolerance is interpreted
type ResidualMode int

const (
	// Absolute compares |residual| to the tolerance in volts
	Absolute ResidualMode = iota

	// Relative compares |residual| to tolerance * |expected|
	Relative
)

func (m ResidualMode) String() string {
	if m == Relative {
		return "relative"
	}
	return "absolute"
}

// ParseResidualMode converts "absolute" or "relative" to a ResidualMode
func ParseResidualMode(s string) (ResidualMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "absolute", "abs":
		return Absolute, nil
	case "relative", "rel":
		return Relative, nil
	}
	return Absolute, fmt.Errorf("unknown residual mode %q", s)
}

// Tolerance is the pass/fail rule set of one rail type
type Tolerance struct {
	// Gain is the largest allowed |slope - 1|
	Gain float64 `json:"gain"`

	// MaxViolations is the largest allowed number of ROI points whose
	// residual exceeds the residual limit
	MaxViolations int `json:"max_violations"`

	// Residual is the residual limit, volts or a fraction of the expected
	// value depending on Mode
	Residual float64 `json:"residual"`

	Mode ResidualMode `json:"mode"`
}

// limit returns the residual bound at a point with the given expected value
func (t Tolerance) limit(expected float64) float64 {
	if t.Mode == Relative {
		return t.Residual * math.Abs(expected)
	}
	return t.Residual
}

func (t Tolerance) describe() string {
	if t.Mode == Relative {
		return fmt.Sprintf("%g of expected", t.Residual)
	}
	return fmt.Sprintf("%g V", t.Residual)
}

// Verdict is the pass/fail outcome for one readback channel
type Verdict struct {
	Channel string `json:"channel"`
	Pass    bool   `json:"pass"`

	GainOK     bool `json:"gain_ok"`
	ResidualOK bool `json:"residual_ok"`

	// Violations are ROI indices whose residual exceeded the limit
	Violations []int `json:"violations"`

	// OutsideROI are indices beyond the ROI that exceeded the limit.
	// They never gate pass/fail.
	OutsideROI []int `json:"outside_roi,omitempty"`

	// Checked is the number of ROI points the residual gate examined
	Checked int `json:"checked"`

	Reason string      `json:"reason"`
	Fit    *fit.Result `json:"fit,omitempty"`

	// Err is set when the channel could not be fitted at all
	Err string `json:"error,omitempty"`
}

// Evaluate applies the gain gate and the residual gate to a fit.
// Both must hold for the channel to pass.
func Evaluate(res fit.Result, tol Tolerance) Verdict {
	v := Verdict{Channel: res.Channel, Violations: []int{}, Fit: &res}

	v.GainOK = math.Abs(res.Slope-1) <= tol.Gain

	for i, r := range res.Residuals {
		expected := 0.
		if i < len(res.Expected) {
			expected = res.Expected[i]
		}
		if math.Abs(r) <= tol.limit(expected) {
			continue
		}
		if res.ROI.Contains(i) {
			v.Violations = append(v.Violations, i)
		} else {
			v.OutsideROI = append(v.OutsideROI, i)
		}
	}
	v.Checked = res.ROI.Len()
	v.ResidualOK = len(v.Violations) <= tol.MaxViolations
	v.Pass = v.GainOK && v.ResidualOK

	reasons := []string{}
	if !v.GainOK {
		reasons = append(reasons, fmt.Sprintf("gain gate: slope %.4f deviates from unity by %.4f > %.4f",
			res.Slope, math.Abs(res.Slope-1), tol.Gain))
	}
	if !v.ResidualOK {
		reasons = append(reasons, fmt.Sprintf("residual gate: %d point(s) beyond %s, %d allowed, indices %s",
			len(v.Violations), tol.describe(), tol.MaxViolations, util.IntSliceToCSV(v.Violations)))
	}
	if v.Pass {
		reasons = append(reasons, fmt.Sprintf("pass: slope %.4f, %d/%d values okay", res.Slope, v.Checked-len(v.Violations), v.Checked))
	}
	if len(v.OutsideROI) > 0 {
		reasons = append(reasons, "outside ROI beyond limit: "+util.IntSliceToCSV(v.OutsideROI))
	}
	v.Reason = strings.Join(reasons, "; ")
	return v
}

// Failed records a channel whose analysis failed before it could be
// evaluated, such as a degenerate fit
func Failed(channel string, err error) Verdict {
	return Verdict{
		Channel:    channel,
		Violations: []int{},
		Reason:     "analysis failed: " + err.Error(),
		Err:        err.Error(),
	}
}
