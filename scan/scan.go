/*
Package scan executes a planned rail sweep against a readout board.

An Engine claims the rail's controls, commands every planned point, waits
for the rails to settle, reads all telemetry channels of the point in
parallel and records them in a sweep.Table.  Whatever happens, touched
controls are returned to their idle values and released before Execute
returns.
*/
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/rebqual/rebqual/board"
	"github.com/rebqual/rebqual/locker"
	"github.com/rebqual/rebqual/sweep"
)

var (
	// ErrAborted is generated when a scan is cancelled between points
	ErrAborted = errors.New("scan aborted")

	// ErrImplausible is generated when a reading lies outside the
	// plausibility window
	ErrImplausible = errors.New("implausible reading")
)

// HardwareCommError is returned when a sweep point could not be completed
// within the retry limit.  Point is -1 for the setup step.
type HardwareCommError struct {
	Rail     string
	Point    int
	Attempts int
	Op       string
	Err      error
}

func (e *HardwareCommError) Error() string {
	where := fmt.Sprintf("point %d", e.Point)
	if e.Point < 0 {
		where = "setup"
	}
	return fmt.Sprintf("%s: %s failed at %s after %d attempt(s): %v", e.Rail, e.Op, where, e.Attempts, e.Err)
}

func (e *HardwareCommError) Unwrap() error {
	return e.Err
}

// Settings are the timing and robustness knobs of one scan
type Settings struct {
	// Settle is the wait between commanding a point and reading it
	Settle time.Duration

	// RetryLimit is the number of times a failed point is re-issued
	// before the scan gives up
	RetryLimit int

	// RetryInterval is the wait before re-issuing a failed point
	RetryInterval time.Duration

	// PlausibleMin and PlausibleMax bound every fitted reading.  A reading
	// outside them is treated as a transient fault and the point is
	// re-issued.  The window is disabled when PlausibleMin >= PlausibleMax.
	PlausibleMin, PlausibleMax float64

	// ReadConcurrency bounds the parallel reads of one point; zero reads
	// every channel at once
	ReadConcurrency int
}

// DefaultSettings mirror the bench procedure: half a second to settle,
// three retries and a +/-20 V window
var DefaultSettings = Settings{
	Settle:        500 * time.Millisecond,
	RetryLimit:    3,
	RetryInterval: 100 * time.Millisecond,
	PlausibleMin:  -20,
	PlausibleMax:  20,
}

// Validate returns an error if the settings are unusable
func (s Settings) Validate() error {
	switch {
	case s.Settle < 0:
		return fmt.Errorf("negative settle time %v", s.Settle)
	case s.RetryLimit < 0:
		return fmt.Errorf("negative retry limit %d", s.RetryLimit)
	case s.RetryInterval < 0:
		return fmt.Errorf("negative retry interval %v", s.RetryInterval)
	case s.ReadConcurrency < 0:
		return fmt.Errorf("negative read concurrency %d", s.ReadConcurrency)
	}
	return nil
}

func (s Settings) plausible(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if s.PlausibleMin >= s.PlausibleMax {
		return true
	}
	return v >= s.PlausibleMin && v <= s.PlausibleMax
}

// Engine runs rail scans on one board
type Engine struct {
	Board board.Channel

	// Locks, if not nil, gives each scan exclusive use of its controls
	Locks *locker.Registry

	// Log, if not nil, receives one line per point and every retry
	Log *log.Logger

	// Sleep waits for the settle time; nil uses time.Sleep
	Sleep func(time.Duration)

	// Progress, if not nil, is called after every completed point
	Progress func(rail string, done, total int)
}

func (e *Engine) logger() *log.Logger {
	if e.Log == nil {
		return log.New(io.Discard, "", 0)
	}
	return e.Log
}

func (e *Engine) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Execute performs the scan of plan on the board and returns the frozen
// table of measurements.  On any error no table is returned.  Touched
// controls are restored to their idle values on every path, and a failed
// restore is joined into the returned error.
func (e *Engine) Execute(ctx context.Context, spec sweep.RailSpec, plan []sweep.Command, set Settings) (tbl *sweep.Table, err error) {
	if e.Board == nil {
		return nil, errors.New("scan engine has no board")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(plan) != spec.Steps {
		return nil, &sweep.InvalidSpecError{Rail: spec.Name,
			Reason: fmt.Sprintf("plan has %d points, expected %d", len(plan), spec.Steps)}
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	if e.Locks != nil {
		release, err := e.Locks.Acquire(spec.Name, spec.Controls()...)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	touched := map[string]bool{}
	defer func() {
		if rerr := e.restore(spec, touched); rerr != nil {
			err = errors.Join(err, rerr)
			tbl = nil
		}
	}()

	lg := e.logger()
	if len(spec.Setup) > 0 {
		op := func() error {
			for _, cv := range spec.Setup {
				touched[cv.Control] = true
				if err := e.Board.SetValue(cv.Control, cv.Value); err != nil {
					return err
				}
			}
			return nil
		}
		if attempts, err := e.retry(set, op); err != nil {
			return nil, &HardwareCommError{Rail: spec.Name, Point: -1, Attempts: attempts, Op: "set", Err: err}
		}
	}

	t := sweep.NewTable(spec.Name, spec.Channels(), len(plan))
	for i, cmd := range plan {
		if cerr := ctx.Err(); cerr != nil {
			lg.Printf("%s: aborted after %d of %d points", spec.Name, i, len(plan))
			return nil, fmt.Errorf("%w: %s after %d of %d points: %w", ErrAborted, spec.Name, i, len(plan), cerr)
		}
		var (
			measured map[string]float64
			lastOp   string
		)
		op := func() error {
			lastOp = "set"
			if err := e.command(spec, cmd, touched); err != nil {
				lg.Printf("%s: point %d: %v", spec.Name, i, err)
				return err
			}
			e.sleep(set.Settle)
			lastOp = "read"
			m, err := e.readAll(spec, set)
			if err != nil {
				lg.Printf("%s: point %d: %v", spec.Name, i, err)
				return err
			}
			measured = m
			return nil
		}
		attempts, err := e.retry(set, op)
		if err != nil {
			return nil, &HardwareCommError{Rail: spec.Name, Point: i, Attempts: attempts, Op: lastOp, Err: err}
		}
		if err := t.Append(cmd, measured); err != nil {
			return nil, err
		}
		lg.Printf("%s: point %d/%d primary=%g paired=%g", spec.Name, i+1, len(plan), cmd.Primary, cmd.Paired)
		if e.Progress != nil {
			e.Progress(spec.Name, i+1, len(plan))
		}
	}
	t.Freeze()
	return t, nil
}

// retry runs op until it succeeds or the retry limit is spent, and reports
// how many attempts were made
func (e *Engine) retry(set Settings, op func() error) (int, error) {
	attempts := 0
	counted := func() error {
		attempts++
		return op()
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(set.RetryInterval), uint64(set.RetryLimit))
	err := backoff.Retry(counted, b)
	return attempts, err
}

// command writes the primary and paired values of one point
func (e *Engine) command(spec sweep.RailSpec, cmd sweep.Command, touched map[string]bool) error {
	touched[spec.Primary] = true
	if err := e.Board.SetValue(spec.Primary, cmd.Primary); err != nil {
		return err
	}
	if spec.Paired != "" {
		touched[spec.Paired] = true
		if err := e.Board.SetValue(spec.Paired, cmd.Paired); err != nil {
			return err
		}
	}
	return nil
}

// readAll reads every readback of the point concurrently and returns once
// all of them have answered
func (e *Engine) readAll(spec sweep.RailSpec, set Settings) (map[string]float64, error) {
	values := make([]float64, len(spec.Readbacks))
	var g errgroup.Group
	limit := set.ReadConcurrency
	if limit <= 0 {
		limit = len(spec.Readbacks)
	}
	g.SetLimit(limit)
	for i, rb := range spec.Readbacks {
		g.Go(func() error {
			v, err := e.Board.ReadValue(rb.ID)
			if err != nil {
				return err
			}
			if !rb.Monitor && !set.plausible(v) {
				return fmt.Errorf("%s = %g: %w", rb.ID, v, ErrImplausible)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(values))
	for i, rb := range spec.Readbacks {
		out[rb.ID] = values[i]
	}
	return out, nil
}

// restore returns every touched control to its idle value, the rails
// before the setup controls they depend on
func (e *Engine) restore(spec sweep.RailSpec, touched map[string]bool) error {
	controls := spec.Controls()
	var errs []error
	for i := len(controls) - 1; i >= 0; i-- {
		c := controls[i]
		if !touched[c] {
			continue
		}
		if err := e.Board.SetValue(c, spec.IdleValue(c)); err != nil {
			errs = append(errs, fmt.Errorf("idle restore of %s: %w", c, err))
		}
	}
	if len(errs) > 0 {
		e.logger().Printf("%s: idle restore incomplete: %v", spec.Name, errors.Join(errs...))
	}
	return errors.Join(errs...)
}
