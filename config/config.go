/*
Package config loads the bench configuration: how to reach the board, how
to scan, and the rail subtests to run.

Configuration is layered with koanf.  Built-in defaults come first, then the
YAML file, then environment variables prefixed with REBQUAL_, where a double
underscore descends one level, e.g. REBQUAL_BOARD__ADDR=10.0.0.5:5000.
*/
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/rebqual/rebqual/board"
	"github.com/rebqual/rebqual/fit"
	"github.com/rebqual/rebqual/scan"
	"github.com/rebqual/rebqual/subtest"
	"github.com/rebqual/rebqual/sweep"
	"github.com/rebqual/rebqual/util"
	"github.com/rebqual/rebqual/verdict"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "REBQUAL_"

// Board describes how to reach the readout board
type Board struct {
	// Addr is host:port of the command bridge, or a serial port if Serial
	Addr   string `koanf:"addr" yaml:"addr"`
	Serial bool   `koanf:"serial" yaml:"serial"`
	Baud   int    `koanf:"baud" yaml:"baud"`

	// TimeoutS bounds every exchange with the bridge, in seconds
	TimeoutS float64 `koanf:"timeout_s" yaml:"timeout_s"`

	// Rate is the maximum number of commands per second
	Rate float64 `koanf:"rate" yaml:"rate"`

	// DACs maps controls to their volts-to-code conversion.  Controls not
	// listed are commanded in volts.
	DACs map[string]board.DACConversion `koanf:"dacs" yaml:"dacs"`

	// Known, if not empty, lists every control and channel on the board
	Known []string `koanf:"known" yaml:"known"`
}

// Scan holds the default scan timing, used by rails that do not override it
type Scan struct {
	SettleS         float64 `koanf:"settle_s" yaml:"settle_s"`
	RetryLimit      int     `koanf:"retry_limit" yaml:"retry_limit"`
	RetryIntervalS  float64 `koanf:"retry_interval_s" yaml:"retry_interval_s"`
	PlausibleMin    float64 `koanf:"plausible_min" yaml:"plausible_min"`
	PlausibleMax    float64 `koanf:"plausible_max" yaml:"plausible_max"`
	ReadConcurrency int     `koanf:"read_concurrency" yaml:"read_concurrency"`
}

// Settings converts the scan section to engine settings
func (s Scan) Settings() scan.Settings {
	return scan.Settings{
		Settle:          util.SecsToDuration(s.SettleS),
		RetryLimit:      s.RetryLimit,
		RetryInterval:   util.SecsToDuration(s.RetryIntervalS),
		PlausibleMin:    s.PlausibleMin,
		PlausibleMax:    s.PlausibleMax,
		ReadConcurrency: s.ReadConcurrency,
	}
}

// Readback is a telemetry channel of a rail
type Readback struct {
	ID string `koanf:"id" yaml:"id"`

	// Tracks is "primary" or "paired"
	Tracks  string `koanf:"tracks" yaml:"tracks,omitempty"`
	Monitor bool   `koanf:"monitor" yaml:"monitor,omitempty"`
}

// ControlValue is a control and a voltage
type ControlValue struct {
	Control string  `koanf:"control" yaml:"control"`
	Value   float64 `koanf:"value" yaml:"value"`
}

// ROI is the fitted region of a sweep.  End 0 without EndInclusive means
// the end of the sweep.
type ROI struct {
	Start        int  `koanf:"start" yaml:"start"`
	End          int  `koanf:"end" yaml:"end"`
	EndInclusive bool `koanf:"end_inclusive" yaml:"end_inclusive"`
}

// Window is an open interval a readback must sit inside to be fitted
type Window struct {
	Channel string  `koanf:"channel" yaml:"channel"`
	Min     float64 `koanf:"min" yaml:"min"`
	Max     float64 `koanf:"max" yaml:"max"`
}

// Tolerance is the pass/fail rule set of a rail
type Tolerance struct {
	Gain          float64 `koanf:"gain" yaml:"gain"`
	MaxViolations int     `koanf:"max_violations" yaml:"max_violations"`
	Residual      float64 `koanf:"residual" yaml:"residual"`

	// Mode is "absolute" or "relative"
	Mode string `koanf:"mode" yaml:"mode,omitempty"`
}

func (t Tolerance) build() (verdict.Tolerance, error) {
	mode, err := verdict.ParseResidualMode(t.Mode)
	if err != nil {
		return verdict.Tolerance{}, err
	}
	if t.Gain < 0 || t.Residual < 0 || t.MaxViolations < 0 {
		return verdict.Tolerance{}, fmt.Errorf("negative tolerance %+v", t)
	}
	return verdict.Tolerance{Gain: t.Gain, MaxViolations: t.MaxViolations, Residual: t.Residual, Mode: mode}, nil
}

// Override replaces the rail tolerance for one readback channel.  It is a
// list entry rather than a map key because channel names contain dots.
type Override struct {
	Channel   string    `koanf:"channel" yaml:"channel"`
	Tolerance Tolerance `koanf:"tolerance" yaml:"tolerance"`
}

// Rail is the configuration of one subtest
type Rail struct {
	Name      string     `koanf:"name" yaml:"name"`
	Primary   string     `koanf:"primary" yaml:"primary"`
	Paired    string     `koanf:"paired" yaml:"paired,omitempty"`
	Readbacks []Readback `koanf:"readbacks" yaml:"readbacks"`

	Lo    float64 `koanf:"lo" yaml:"lo"`
	Hi    float64 `koanf:"hi" yaml:"hi"`
	Steps int     `koanf:"steps" yaml:"steps"`

	// Mode is "constant" or "diverging"
	Mode        string  `koanf:"mode" yaml:"mode"`
	PairedDelta float64 `koanf:"paired_delta" yaml:"paired_delta,omitempty"`
	OffsetStart float64 `koanf:"offset_start" yaml:"offset_start,omitempty"`
	OffsetEnd   float64 `koanf:"offset_end" yaml:"offset_end,omitempty"`

	Setup []ControlValue `koanf:"setup" yaml:"setup,omitempty"`
	Idle  []ControlValue `koanf:"idle" yaml:"idle,omitempty"`

	ROI     ROI      `koanf:"roi" yaml:"roi"`
	Windows []Window `koanf:"windows" yaml:"windows,omitempty"`

	// Scale and Offset are the nominal response of the readbacks.
	// A zero Scale is read as unity.
	Scale  float64 `koanf:"scale" yaml:"scale"`
	Offset float64 `koanf:"offset" yaml:"offset"`

	Tolerance Tolerance  `koanf:"tolerance" yaml:"tolerance"`
	Overrides []Override `koanf:"overrides" yaml:"overrides,omitempty"`

	// SettleS overrides the scan settle time when positive
	SettleS float64 `koanf:"settle_s" yaml:"settle_s,omitempty"`

	// PlausibleMin and PlausibleMax override the scan plausibility window
	// when PlausibleMin < PlausibleMax
	PlausibleMin float64 `koanf:"plausible_min" yaml:"plausible_min,omitempty"`
	PlausibleMax float64 `koanf:"plausible_max" yaml:"plausible_max,omitempty"`
}

// Config is the complete bench configuration
type Config struct {
	// Addr is the listen address of the HTTP server
	Addr string `koanf:"addr" yaml:"addr"`

	// ArchiveDir, if not empty, receives a FITS archive of every result
	ArchiveDir string `koanf:"archive_dir" yaml:"archive_dir"`

	Board    Board  `koanf:"board" yaml:"board"`
	Scan     Scan   `koanf:"scan" yaml:"scan"`
	Subtests []Rail `koanf:"subtests" yaml:"subtests"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Addr: ":8000",
		Board: Board{
			Addr:     "localhost:5000",
			Baud:     115200,
			TimeoutS: 3,
			Rate:     board.DefaultCommandRate,
			DACs:     PresetDACs(),
			Known:    []string{},
		},
		Scan: Scan{
			SettleS:        scan.DefaultSettings.Settle.Seconds(),
			RetryLimit:     scan.DefaultSettings.RetryLimit,
			RetryIntervalS: scan.DefaultSettings.RetryInterval.Seconds(),
			PlausibleMin:   scan.DefaultSettings.PlausibleMin,
			PlausibleMax:   scan.DefaultSettings.PlausibleMax,
		},
	}
}

// Load reads the configuration from defaults, the YAML file at path and the
// environment.  A missing file is not an error.  When no subtests are
// configured the WREB presets are used.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
				return Config{}, fmt.Errorf("error loading config %s: %w", path, err)
			}
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return Config{}, err
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	if len(c.Subtests) == 0 {
		c.Subtests = Presets()
	}
	return c, c.Validate()
}

// Validate checks every section of the configuration
func (c Config) Validate() error {
	for name, d := range c.Board.DACs {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("board.dacs.%s: %w", name, err)
		}
	}
	if err := c.Scan.Settings().Validate(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	seen := map[string]bool{}
	for i, r := range c.Subtests {
		if r.Name == "" {
			return fmt.Errorf("subtests[%d]: no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("subtests[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if _, err := c.Build(r); err != nil {
			return fmt.Errorf("subtests[%d]: %w", i, err)
		}
	}
	return nil
}

// Build converts a rail configuration into a runnable subtest
func (c Config) Build(r Rail) (subtest.Config, error) {
	mode, err := sweep.ParseMode(r.Mode)
	if err != nil {
		return subtest.Config{}, fmt.Errorf("%s: %w", r.Name, err)
	}
	spec := sweep.RailSpec{
		Name:        r.Name,
		Primary:     r.Primary,
		Paired:      r.Paired,
		Lo:          r.Lo,
		Hi:          r.Hi,
		Steps:       r.Steps,
		Mode:        mode,
		PairedDelta: r.PairedDelta,
		OffsetStart: r.OffsetStart,
		OffsetEnd:   r.OffsetEnd,
		Known:       c.Board.Known,
	}
	for _, rb := range r.Readbacks {
		tr, err := sweep.ParseTracks(rb.Tracks)
		if err != nil {
			return subtest.Config{}, fmt.Errorf("%s: %w", r.Name, err)
		}
		spec.Readbacks = append(spec.Readbacks, sweep.Readback{ID: rb.ID, Tracks: tr, Monitor: rb.Monitor})
	}
	for _, cv := range r.Setup {
		spec.Setup = append(spec.Setup, sweep.ControlValue{Control: cv.Control, Value: cv.Value})
	}
	for _, cv := range r.Idle {
		spec.Idle = append(spec.Idle, sweep.ControlValue{Control: cv.Control, Value: cv.Value})
	}
	if err := spec.Validate(); err != nil {
		return subtest.Config{}, err
	}

	tol, err := r.Tolerance.build()
	if err != nil {
		return subtest.Config{}, fmt.Errorf("%s: %w", r.Name, err)
	}
	overrides := map[string]verdict.Tolerance{}
	for _, o := range r.Overrides {
		t, err := o.Tolerance.build()
		if err != nil {
			return subtest.Config{}, fmt.Errorf("%s: override %s: %w", r.Name, o.Channel, err)
		}
		overrides[o.Channel] = t
	}

	roi := fit.ROI{Start: r.ROI.Start, End: r.ROI.End, EndInclusive: r.ROI.EndInclusive}
	if _, err := roi.Bounds(r.Steps); err != nil {
		return subtest.Config{}, fmt.Errorf("%s: %w", r.Name, err)
	}
	windows := make([]fit.Window, 0, len(r.Windows))
	for _, w := range r.Windows {
		if !(w.Min < w.Max) {
			return subtest.Config{}, fmt.Errorf("%s: empty window on %s", r.Name, w.Channel)
		}
		windows = append(windows, fit.Window{Channel: w.Channel, Min: w.Min, Max: w.Max})
	}

	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	if math.IsNaN(scale) || math.IsNaN(r.Offset) {
		return subtest.Config{}, fmt.Errorf("%s: non-finite nominal model", r.Name)
	}

	set := c.Scan.Settings()
	if r.SettleS > 0 {
		set.Settle = util.SecsToDuration(r.SettleS)
	}
	if r.PlausibleMin < r.PlausibleMax {
		set.PlausibleMin, set.PlausibleMax = r.PlausibleMin, r.PlausibleMax
	}
	return subtest.Config{
		Spec:      spec,
		ROI:       roi,
		Windows:   windows,
		Model:     fit.Model{Scale: scale, Offset: r.Offset},
		Tolerance: tol,
		Overrides: overrides,
		Settings:  set,
	}, nil
}

// Subtests builds every configured subtest, or only those named
func (c Config) Subtests(names ...string) ([]subtest.Config, error) {
	want := map[string]bool{}
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}
	out := []subtest.Config{}
	for _, r := range c.Subtests {
		if len(want) > 0 && !want[strings.ToLower(r.Name)] {
			continue
		}
		sc, err := c.Build(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if len(want) > 0 && len(out) != len(want) {
		return nil, fmt.Errorf("unknown subtest among %s", strings.Join(names, ", "))
	}
	return out, nil
}

// Remote returns a board connected to the configured bridge
func (c Config) Remote() *board.Remote {
	r := board.NewRemote(c.Board.Addr, c.Board.Serial, c.Board.Rate, c.Board.DACs)
	if c.Board.Baud > 0 {
		r.Baud = c.Board.Baud
	}
	if c.Board.TimeoutS > 0 {
		r.Timeout = util.SecsToDuration(c.Board.TimeoutS)
	}
	return r
}

// Simulator returns an in-memory board where every readback of every
// subtest ideally follows the control it tracks.  Monitor channels read
// a constant zero.
func (c Config) Simulator(seed uint64) *board.Sim {
	s := board.NewSim(seed)
	for _, r := range c.Subtests {
		for _, rb := range r.Readbacks {
			ctl := r.Primary
			if strings.EqualFold(rb.Tracks, "paired") {
				ctl = r.Paired
			}
			if rb.Monitor {
				s.Connect(rb.ID, board.Wire{Control: ctl})
				continue
			}
			s.Ideal(rb.ID, ctl)
		}
	}
	return s
}
