// Package railhttp exposes a bench of rail subtests over HTTP.
//
// Rails are addressed by a slug of their title, e.g. "sck-rails-diverging-plus3-v".
// A run blocks until the subtest finishes and replies with the result as
// JSON.  Runs are refused with 423 (locked) while the bench is locked or
// while another scan owns any of the rail's controls.
package railhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/rebqual/rebqual/archive"
	"github.com/rebqual/rebqual/locker"
	"github.com/rebqual/rebqual/subtest"
	"github.com/rebqual/rebqual/verdict"
)

// Slug reduces a rail title to a URL path element
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		case r == '+':
			if b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteString("plus")
		default:
			dash = true
		}
	}
	return b.String()
}

// RailInfo describes one rail of the bench
type RailInfo struct {
	Name     string   `json:"name"`
	Slug     string   `json:"slug"`
	Mode     string   `json:"mode"`
	Steps    int      `json:"steps"`
	Controls []string `json:"controls"`
	Channels []string `json:"channels"`
	HasRun   bool     `json:"has_run"`
}

// Bench serves a fixed set of subtests
type Bench struct {
	runner *subtest.Runner
	locks  *locker.Registry
	lock   *locker.Locker

	// ArchiveDir, if not empty, receives a FITS file for every run that
	// produced a sweep table
	ArchiveDir string

	// Log, if not nil, receives archive failures
	Log *log.Logger

	mu      sync.Mutex
	order   []string
	rails   map[string]subtest.Config
	results map[string]verdict.SubtestResult
}

// NewBench returns a Bench of cfgs run by runner.  The runner's engine is
// given a lock registry if it does not have one, so that the bench can tell
// which rails are busy.
func NewBench(runner *subtest.Runner, cfgs []subtest.Config) (*Bench, error) {
	if runner == nil || runner.Engine == nil {
		return nil, fmt.Errorf("railhttp: bench needs a runner with a scan engine")
	}
	if runner.Engine.Locks == nil {
		runner.Engine.Locks = locker.NewRegistry()
	}
	b := &Bench{
		runner:  runner,
		locks:   runner.Engine.Locks,
		lock:    locker.New(),
		rails:   make(map[string]subtest.Config, len(cfgs)),
		results: map[string]verdict.SubtestResult{},
	}
	for _, cfg := range cfgs {
		s := Slug(cfg.Spec.Name)
		if s == "" {
			return nil, fmt.Errorf("railhttp: rail %q has no usable slug", cfg.Spec.Name)
		}
		if prev, ok := b.rails[s]; ok {
			return nil, fmt.Errorf("railhttp: rails %q and %q share the slug %q", prev.Spec.Name, cfg.Spec.Name, s)
		}
		b.rails[s] = cfg
		b.order = append(b.order, s)
	}
	return b, nil
}

// Locker returns the bench lock
func (b *Bench) Locker() *locker.Locker {
	return b.lock
}

func (b *Bench) logger() *log.Logger {
	if b.Log == nil {
		return log.New(io.Discard, "", 0)
	}
	return b.Log
}

func (b *Bench) rail(w http.ResponseWriter, r *http.Request) (string, subtest.Config, bool) {
	s := chi.URLParam(r, "name")
	b.mu.Lock()
	cfg, ok := b.rails[s]
	b.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("no rail %q", s), http.StatusNotFound)
	}
	return s, cfg, ok
}

func (b *Bench) result(w http.ResponseWriter, r *http.Request) (verdict.SubtestResult, bool) {
	s, _, ok := b.rail(w, r)
	if !ok {
		return verdict.SubtestResult{}, false
	}
	b.mu.Lock()
	res, ok := b.results[s]
	b.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("rail %q has not been run", s), http.StatusNotFound)
	}
	return res, ok
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// List replies with every rail of the bench in configuration order
func (b *Bench) List(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := make([]RailInfo, 0, len(b.order))
	for _, s := range b.order {
		cfg := b.rails[s]
		_, ran := b.results[s]
		out = append(out, RailInfo{
			Name:     cfg.Spec.Name,
			Slug:     s,
			Mode:     cfg.Spec.Mode.String(),
			Steps:    cfg.Spec.Steps,
			Controls: cfg.Spec.Controls(),
			Channels: cfg.Spec.Channels(),
			HasRun:   ran,
		})
	}
	b.mu.Unlock()
	reply(w, out)
}

// Run executes one subtest and replies with its result.  The scan is
// aborted, and the rail returned to idle, if the client goes away.
func (b *Bench) Run(w http.ResponseWriter, r *http.Request) {
	s, cfg, ok := b.rail(w, r)
	if !ok {
		return
	}
	if b.locks.AnyOwned(cfg.Spec.Controls()...) {
		w.WriteHeader(http.StatusLocked)
		return
	}
	res := b.runner.Run(r.Context(), cfg)
	b.mu.Lock()
	b.results[s] = res
	b.mu.Unlock()

	if b.ArchiveDir != "" && res.Table != nil {
		path, err := archive.Save(b.ArchiveDir, res)
		if err != nil {
			b.logger().Printf("%s: archive: %v", res.Name, err)
		} else {
			w.Header().Set("X-Archive", path)
		}
	}
	reply(w, res)
}

// Result replies with the last result of a rail
func (b *Bench) Result(w http.ResponseWriter, r *http.Request) {
	res, ok := b.result(w, r)
	if !ok {
		return
	}
	reply(w, res)
}

// FITS replies with the last result of a rail as a FITS file
func (b *Bench) FITS(w http.ResponseWriter, r *http.Request) {
	res, ok := b.result(w, r)
	if !ok {
		return
	}
	if res.Table == nil {
		http.Error(w, archive.ErrNoTable.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.FileName(res)))
	err := archive.Write(w, res)
	if err != nil {
		b.logger().Printf("%s: fits: %v", res.Name, err)
	}
}

// Busy replies with the controls currently owned by a scan
func (b *Bench) Busy(w http.ResponseWriter, r *http.Request) {
	reply(w, b.locks.Owned())
}

// RouteTable maps "METHOD /pattern" to a handler
type RouteTable map[string]http.HandlerFunc

// Endpoints returns the sorted keys of the table
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for k := range rt {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Bind adds every route to r
func (rt RouteTable) Bind(r chi.Router) {
	for k, h := range rt {
		parts := strings.SplitN(k, " ", 2)
		r.Method(parts[0], parts[1], h)
	}
}

// RT returns the route table of the bench
func (b *Bench) RT() RouteTable {
	return RouteTable{
		"GET /rails":                    b.List,
		"POST /rails/{name}/run":        b.Run,
		"GET /rails/{name}/result":      b.Result,
		"GET /rails/{name}/result.fits": b.FITS,
		"GET /busy":                     b.Busy,
		"GET /lock":                     b.lock.HTTPGet,
		"POST /lock":                    b.lock.HTTPSet,
	}
}

// Router returns a chi router serving the bench, with request logging if
// logRequests is set.  GET /endpoints lists the routes.
func (b *Bench) Router(logRequests bool) chi.Router {
	root := chi.NewRouter()
	if logRequests {
		root.Use(middleware.Logger)
	}
	root.Use(b.lock.Check)
	rt := b.RT()
	rt.Bind(root)
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		reply(w, rt.Endpoints())
	})
	return root
}

// Serve listens on addr until ctx is cancelled.  Running scans see the
// cancellation and return their rails to idle before Serve returns.
func (b *Bench) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     b.Router(true),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
