package verdict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rebqual/rebqual/sweep"
)

// ErrNoChannels is generated when a subtest has no channel verdicts.
// A subtest that tested nothing must never report success.
var ErrNoChannels = errors.New("no channel verdicts to aggregate")

// Status is the outcome class of a subtest
type Status int

const (
	// Passed means every channel passed both gates
	Passed Status = iota

	// Failed means the measurement completed and at least one channel
	// did not pass
	Failed

	// Errored means the subtest could not produce a measurement, e.g.
	// a malformed configuration or a board that stopped answering
	Errored
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "PASS"
	case Failed:
		return "FAIL"
	default:
		return "ERROR"
	}
}

// MarshalText encodes the status as its summary string
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a summary string
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "PASS":
		*s = Passed
	case "FAIL":
		*s = Failed
	case "ERROR":
		*s = Errored
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// SubtestResult is everything reporting needs about one subtest
type SubtestResult struct {
	Name     string       `json:"name"`
	Status   Status       `json:"status"`
	Pass     bool         `json:"pass"`
	Channels []Verdict    `json:"channels"`
	Table    *sweep.Table `json:"table,omitempty"`

	// Reason is the errored cause, or the joined failing channel reasons
	Reason string `json:"reason"`

	// Stats is the one-line summary used on report cover pages
	Stats string `json:"stats"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Aggregate rolls channel verdicts up into one subtest result.  The subtest
// passes only if every channel passed.
func Aggregate(name string, verdicts []Verdict) (SubtestResult, error) {
	if len(verdicts) == 0 {
		return SubtestResult{Name: name, Status: Errored, Reason: ErrNoChannels.Error()}, ErrNoChannels
	}
	res := SubtestResult{Name: name, Pass: true, Channels: verdicts}
	failing := []string{}
	for _, v := range verdicts {
		if !v.Pass {
			res.Pass = false
			failing = append(failing, v.Channel+": "+v.Reason)
		}
	}
	res.Status = Passed
	if !res.Pass {
		res.Status = Failed
		res.Reason = strings.Join(failing, " | ")
	}
	res.Stats = Stats(verdicts)
	return res, nil
}

// ErroredResult builds the result of a subtest that could not be measured
func ErroredResult(name string, err error) SubtestResult {
	return SubtestResult{
		Name:     name,
		Status:   Errored,
		Channels: []Verdict{},
		Reason:   err.Error(),
		Stats:    "N/A",
	}
}

// Stats formats the gains and okay-point counts of a set of verdicts,
// e.g. "WREB.SCKL_V gain: 0.998.  WREB.SCKU_V gain: 1.001.  36/38 values okay."
func Stats(verdicts []Verdict) string {
	var b strings.Builder
	okay, total := 0, 0
	for _, v := range verdicts {
		if v.Fit == nil {
			fmt.Fprintf(&b, "%s gain: n/a.  ", v.Channel)
			continue
		}
		fmt.Fprintf(&b, "%s gain: %f.  ", v.Channel, v.Fit.Slope)
		okay += v.Checked - len(v.Violations)
		total += v.Checked
	}
	fmt.Fprintf(&b, "%d/%d values okay.", okay, total)
	return b.String()
}
