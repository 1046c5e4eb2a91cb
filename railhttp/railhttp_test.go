package railhttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebqual/rebqual/archive"
	"github.com/rebqual/rebqual/board"
	"github.com/rebqual/rebqual/fit"
	"github.com/rebqual/rebqual/railhttp"
	"github.com/rebqual/rebqual/scan"
	"github.com/rebqual/rebqual/subtest"
	"github.com/rebqual/rebqual/sweep"
	"github.com/rebqual/rebqual/verdict"
)

func rails() []subtest.Config {
	tol := verdict.Tolerance{Gain: 0.05, MaxViolations: 2, Residual: 0.25}
	return []subtest.Config{
		{
			Spec: sweep.RailSpec{
				Name:      "OD Bias",
				Primary:   "od",
				Readbacks: []sweep.Readback{{ID: "WREB.OD_V"}},
				Lo:        0, Hi: 30, Steps: 16,
			},
			Model:     fit.Unity,
			Tolerance: tol,
			Settings:  scan.Settings{RetryLimit: 1},
		},
		{
			Spec: sweep.RailSpec{
				Name:      "GD Bias",
				Primary:   "gd",
				Readbacks: []sweep.Readback{{ID: "WREB.GD_V"}},
				Lo:        0, Hi: 30, Steps: 16,
			},
			Model:     fit.Unity,
			Tolerance: tol,
			Settings:  scan.Settings{RetryLimit: 1},
		},
	}
}

func bench(t *testing.T) (*railhttp.Bench, *scan.Engine) {
	t.Helper()
	sim := board.NewSim(1)
	sim.Ideal("WREB.OD_V", "od")
	sim.Ideal("WREB.GD_V", "gd")
	eng := &scan.Engine{Board: sim}
	b, err := railhttp.NewBench(&subtest.Runner{Engine: eng}, rails())
	require.NoError(t, err)
	return b, eng
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"OD Bias":                    "od-bias",
		"SCK Rails Diverging (+3 V)": "sck-rails-diverging-plus3-v",
		"SCK Rails Diverging (-3 V)": "sck-rails-diverging-3-v",
		"SCK Rails Diverging (+0 V)": "sck-rails-diverging-plus0-v",
		"  PCK   Rails ":             "pck-rails",
	}
	for in, want := range cases {
		assert.Equal(t, want, railhttp.Slug(in), in)
	}
}

func TestNewBenchRejectsSharedSlug(t *testing.T) {
	cfgs := rails()
	cfgs[1].Spec.Name = "od  bias"
	_, err := railhttp.NewBench(&subtest.Runner{Engine: &scan.Engine{Board: board.NewSim(1)}}, cfgs)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	b, _ := bench(t)
	rec := do(b.Router(false), http.MethodGet, "/rails", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []railhttp.RailInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "od-bias", infos[0].Slug)
	assert.Equal(t, []string{"od"}, infos[0].Controls)
	assert.Equal(t, 16, infos[0].Steps)
	assert.False(t, infos[0].HasRun)
}

func TestRunAndFetch(t *testing.T) {
	b, _ := bench(t)
	h := b.Router(false)

	rec := do(h, http.MethodGet, "/rails/od-bias/result", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/rails/od-bias/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Name   string         `json:"name"`
		Status verdict.Status `json:"status"`
		Stats  string         `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "OD Bias", res.Name)
	assert.Equal(t, verdict.Passed, res.Status)
	assert.Contains(t, res.Stats, "16/16 values okay.")

	rec = do(h, http.MethodGet, "/rails/od-bias/result", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/rails/od-bias/result.fits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/fits", rec.Header().Get("Content-Type"))
	assert.NoError(t, archive.Verify(bytes.NewReader(rec.Body.Bytes())))

	rec = do(h, http.MethodGet, "/rails/gd-bias/result.fits", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunUnknownRail(t *testing.T) {
	b, _ := bench(t)
	rec := do(b.Router(false), http.MethodPost, "/rails/rd-bias/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunArchives(t *testing.T) {
	b, _ := bench(t)
	b.ArchiveDir = t.TempDir()
	rec := do(b.Router(false), http.MethodPost, "/rails/gd-bias/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	path := rec.Header().Get("X-Archive")
	require.NotEmpty(t, path)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.NoError(t, archive.Verify(f))
}

func TestRunRefusedWhileControlsOwned(t *testing.T) {
	b, eng := bench(t)
	h := b.Router(false)
	release, err := eng.Locks.Acquire("manual", "od")
	require.NoError(t, err)

	rec := do(h, http.MethodPost, "/rails/od-bias/run", "")
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = do(h, http.MethodGet, "/busy", "")
	var owned []string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&owned))
	assert.Equal(t, []string{"od"}, owned)

	// other rails are free
	rec = do(h, http.MethodPost, "/rails/gd-bias/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	release()
	rec = do(h, http.MethodPost, "/rails/od-bias/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBenchLock(t *testing.T) {
	b, _ := bench(t)
	h := b.Router(false)

	rec := do(h, http.MethodPost, "/lock", `{"bool":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, b.Locker().Locked())

	rec = do(h, http.MethodPost, "/rails/od-bias/run", "")
	assert.Equal(t, http.StatusLocked, rec.Code)
	rec = do(h, http.MethodGet, "/rails", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/lock", "")
	assert.JSONEq(t, `{"bool":true}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/lock", `{"bool":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(h, http.MethodPost, "/rails/od-bias/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEndpoints(t *testing.T) {
	b, _ := bench(t)
	rec := do(b.Router(false), http.MethodGet, "/endpoints", "")
	var eps []string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&eps))
	assert.Contains(t, eps, "POST /rails/{name}/run")
	assert.Contains(t, eps, "GET /rails/{name}/result.fits")
}
