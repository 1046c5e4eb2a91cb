/*
Package subtest runs one rail characterization from plan to verdict, and
runs suites of them.

A subtest never returns an error.  Anything that prevents a measurement is
reported as an errored SubtestResult, and anything that prevents the
analysis of one channel fails that channel only.
*/
package subtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/rebqual/rebqual/fit"
	"github.com/rebqual/rebqual/scan"
	"github.com/rebqual/rebqual/sweep"
	"github.com/rebqual/rebqual/verdict"
)

// Config is everything needed to run one subtest
type Config struct {
	Spec sweep.RailSpec

	// ROI is the fitted region of the sweep.  It is ignored when Windows
	// is not empty.
	ROI fit.ROI

	// Windows, if not empty, derive the ROI from the measured readbacks
	Windows []fit.Window

	// Model is the nominal response of every fitted readback
	Model fit.Model

	// Tolerance applies to every fitted readback without an override
	Tolerance verdict.Tolerance

	// Overrides replaces Tolerance for individual readback channels
	Overrides map[string]verdict.Tolerance

	Settings scan.Settings
}

func (c Config) tolerance(channel string) verdict.Tolerance {
	if t, ok := c.Overrides[channel]; ok {
		return t
	}
	return c.Tolerance
}

// Runner executes subtests on one scan engine
type Runner struct {
	Engine *scan.Engine

	// Log, if not nil, receives one line per finished subtest
	Log *log.Logger

	// Now returns the current time; nil uses time.Now
	Now func() time.Time
}

func (r *Runner) logger() *log.Logger {
	if r.Log == nil {
		return log.New(io.Discard, "", 0)
	}
	return r.Log
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Run plans, scans, fits and evaluates one subtest
func (r *Runner) Run(ctx context.Context, cfg Config) verdict.SubtestResult {
	started := r.now()
	res := r.run(ctx, cfg)
	res.Started = started
	res.Finished = r.now()
	r.logger().Printf("%s: %s %s", res.Name, res.Status, res.Stats)
	if res.Status != verdict.Passed {
		r.logger().Printf("%s: %s", res.Name, res.Reason)
	}
	return res
}

func (r *Runner) run(ctx context.Context, cfg Config) verdict.SubtestResult {
	name := cfg.Spec.Name
	plan, err := sweep.Plan(cfg.Spec)
	if err != nil {
		return verdict.ErroredResult(name, err)
	}
	if r.Engine == nil {
		return verdict.ErroredResult(name, errors.New("no scan engine"))
	}
	tbl, err := r.Engine.Execute(ctx, cfg.Spec, plan, cfg.Settings)
	if err != nil {
		return verdict.ErroredResult(name, err)
	}

	verdicts := Analyze(tbl, cfg)
	res, err := verdict.Aggregate(name, verdicts)
	if err != nil {
		res = verdict.ErroredResult(name, err)
	}
	res.Table = tbl
	return res
}

// Analyze fits and evaluates every fitted readback of a measured table.
// A channel that cannot be fitted is failed with the reason; the others
// are still evaluated.
func Analyze(tbl *sweep.Table, cfg Config) []verdict.Verdict {
	fitted := cfg.Spec.Fitted()
	verdicts := make([]verdict.Verdict, 0, len(fitted))

	roi := cfg.ROI
	if len(cfg.Windows) > 0 {
		auto, err := fit.WindowROI(tbl, cfg.Windows)
		if err != nil {
			for _, rb := range fitted {
				verdicts = append(verdicts, verdict.Failed(rb.ID, fmt.Errorf("auto ROI: %w", err)))
			}
			return verdicts
		}
		roi = auto
	}

	for _, rb := range fitted {
		res, err := fit.Fit(tbl, rb, roi, cfg.Model)
		if err != nil {
			verdicts = append(verdicts, verdict.Failed(rb.ID, err))
			continue
		}
		verdicts = append(verdicts, verdict.Evaluate(res, cfg.tolerance(rb.ID)))
	}
	return verdicts
}

// RunSuite runs every subtest in order, continuing past failures and
// errors.  Once ctx is cancelled the remaining subtests are reported as
// aborted without touching the board.
func (r *Runner) RunSuite(ctx context.Context, cfgs []Config) Summary {
	out := Summary{Results: make([]verdict.SubtestResult, 0, len(cfgs))}
	for _, cfg := range cfgs {
		if err := ctx.Err(); err != nil {
			res := verdict.ErroredResult(cfg.Spec.Name, fmt.Errorf("%w: %w", scan.ErrAborted, err))
			now := r.now()
			res.Started, res.Finished = now, now
			out.Results = append(out.Results, res)
			continue
		}
		out.Results = append(out.Results, r.Run(ctx, cfg))
	}
	return out
}

// Summary is the outcome of a suite
type Summary struct {
	Results []verdict.SubtestResult `json:"results"`
}

// Passed returns true if the suite ran at least one subtest and every
// subtest passed
func (s Summary) Passed() bool {
	if len(s.Results) == 0 {
		return false
	}
	for _, r := range s.Results {
		if r.Status != verdict.Passed {
			return false
		}
	}
	return true
}

// Counts returns the number of passed, failed and errored subtests
func (s Summary) Counts() (passed, failed, errored int) {
	for _, r := range s.Results {
		switch r.Status {
		case verdict.Passed:
			passed++
		case verdict.Failed:
			failed++
		default:
			errored++
		}
	}
	return
}

// Lines renders one "title / status / stats" line per subtest
func (s Summary) Lines() []string {
	out := make([]string, len(s.Results))
	for i, r := range s.Results {
		out[i] = fmt.Sprintf("%s / %s / %s", r.Name, r.Status, r.Stats)
	}
	return out
}

func (s Summary) String() string {
	p, f, e := s.Counts()
	lines := append(s.Lines(), fmt.Sprintf("%d passed, %d failed, %d errored", p, f, e))
	return strings.Join(lines, "\n")
}
