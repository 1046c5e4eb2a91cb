// Command rebqual characterizes the clock rails and biases of a CCD readout
// board.  It runs the configured subtests from the command line, or serves
// them over HTTP.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/rebqual/rebqual/archive"
	"github.com/rebqual/rebqual/board"
	"github.com/rebqual/rebqual/config"
	"github.com/rebqual/rebqual/railhttp"
	"github.com/rebqual/rebqual/scan"
	"github.com/rebqual/rebqual/subtest"
	"github.com/rebqual/rebqual/verdict"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "rebqual.yml"

	sim     bool
	seed    uint64
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "rebqual",
	Short: "CCD readout board rail and bias characterization",
	Long: `rebqual sweeps the clock rails and bias voltages of a readout board,
reads back the board's telemetry, fits the response of every readback and
reports PASS, FAIL or ERROR per subtest.

Without a configuration file the built-in wide-field readout board presets
are used.  Environment variables prefixed with REBQUAL_ override the file,
e.g. REBQUAL_BOARD__ADDR=10.0.0.5:5000.

Examples:
  rebqual run                        # run every configured subtest
  rebqual run "OD Bias" "GD Bias"    # run two subtests
  rebqual run --sim                  # dry run against a simulated board
  rebqual serve                      # expose the subtests over HTTP
  rebqual mkconf                     # write the effective config to rebqual.yml`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [subtest...]",
	Short: "Run subtests and print the summary",
	RunE:  run,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the subtests over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured subtests",
	Args:  cobra.NoArgs,
	RunE:  list,
}

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "Write the effective configuration to the config file",
	Args:  cobra.NoArgs,
	RunE:  mkconf,
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  printconf,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rebqual version %v\n", Version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	pf.BoolVar(&sim, "sim", false, "use a simulated board instead of the configured bridge")
	pf.Uint64Var(&seed, "seed", 1, "noise seed of the simulated board")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log every sweep point")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress spinner")
	rootCmd.AddCommand(runCmd, serveCmd, listCmd, mkconfCmd, confCmd, versionCmd)
}

// bench is everything a command needs to run subtests
type bench struct {
	cfg    config.Config
	engine *scan.Engine
	close  func() error
}

func setup() (bench, error) {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		return bench{}, err
	}
	b := bench{cfg: c, close: func() error { return nil }}
	var ch board.Channel
	if sim {
		ch = c.Simulator(seed)
	} else {
		r := c.Remote()
		ch = r
		b.close = r.Close
	}
	b.engine = &scan.Engine{Board: ch}
	if verbose {
		b.engine.Log = log.New(os.Stderr, "", log.LstdFlags)
	}
	return b, nil
}

// sigctx is cancelled on SIGINT or SIGTERM, which aborts the scan in
// progress and returns its rails to idle
func sigctx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func spinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "PASS",
		StopFailCharacter: "FAIL",
		Writer:            os.Stderr,
	})
}

func run(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer b.close()
	cfgs, err := b.cfg.Subtests(args...)
	if err != nil {
		return err
	}
	if len(cfgs) == 0 {
		return errors.New("no subtests configured")
	}

	ctx, stop := sigctx()
	defer stop()

	runner := &subtest.Runner{Engine: b.engine}
	var spin *yacspin.Spinner
	if !quiet && !verbose {
		spin, err = spinner()
		if err != nil {
			log.Printf("no progress display: %v", err)
		}
	}
	if spin == nil {
		runner.Log = log.New(os.Stderr, "", log.LstdFlags)
	}

	summary := subtest.Summary{}
	for _, cfg := range cfgs {
		res := runOne(ctx, runner, spin, cfg)
		summary.Results = append(summary.Results, res)
		if b.cfg.ArchiveDir != "" && res.Table != nil {
			path, err := archive.Save(b.cfg.ArchiveDir, res)
			if err != nil {
				log.Printf("%s: archive: %v", res.Name, err)
			} else if verbose {
				log.Printf("%s: archived to %s", res.Name, path)
			}
		}
	}

	fmt.Println(summary.String())
	if ctx.Err() != nil {
		return errors.New("interrupted")
	}
	if !summary.Passed() {
		return errors.New("suite did not pass")
	}
	return nil
}

func runOne(ctx context.Context, runner *subtest.Runner, spin *yacspin.Spinner, cfg subtest.Config) (res verdict.SubtestResult) {
	if spin == nil || ctx.Err() != nil {
		return runner.RunSuite(ctx, []subtest.Config{cfg}).Results[0]
	}
	spin.Suffix(" " + cfg.Spec.Name)
	spin.Message("starting")
	runner.Engine.Progress = func(rail string, done, total int) {
		spin.Message(fmt.Sprintf("%d/%d points", done, total))
	}
	defer func() { runner.Engine.Progress = nil }()
	if err := spin.Start(); err != nil {
		return runner.RunSuite(ctx, []subtest.Config{cfg}).Results[0]
	}
	res = runner.Run(ctx, cfg)
	if res.Pass {
		spin.StopMessage(res.Stats)
		spin.Stop()
	} else {
		spin.StopFailCharacter(res.Status.String())
		spin.StopFailMessage(res.Reason)
		spin.StopFail()
	}
	return res
}

func serve(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer b.close()
	cfgs, err := b.cfg.Subtests()
	if err != nil {
		return err
	}
	runner := &subtest.Runner{Engine: b.engine, Log: log.New(os.Stderr, "", log.LstdFlags)}
	bn, err := railhttp.NewBench(runner, cfgs)
	if err != nil {
		return err
	}
	bn.ArchiveDir = b.cfg.ArchiveDir
	bn.Log = runner.Log

	ctx, stop := sigctx()
	defer stop()
	log.Println("now listening for requests at ", b.cfg.Addr)
	return bn.Serve(ctx, b.cfg.Addr)
}

func list(cmd *cobra.Command, args []string) error {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		return err
	}
	cfgs, err := c.Subtests()
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		s := cfg.Spec
		fmt.Printf("%-32s %-10s %3d points  %g .. %g\n", s.Name, s.Mode, s.Steps, s.Lo, s.Hi)
	}
	return nil
}

func writeconf(w io.Writer) error {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		return err
	}
	return yml.NewEncoder(w).Encode(c)
}

func mkconf(cmd *cobra.Command, args []string) error {
	// load before the file is truncated
	var buf bytes.Buffer
	if err := writeconf(&buf); err != nil {
		return err
	}
	return os.WriteFile(ConfigFileName, buf.Bytes(), 0o644)
}

func printconf(cmd *cobra.Command, args []string) error {
	return writeconf(os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
