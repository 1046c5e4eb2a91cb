package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExclusive(t *testing.T) {
	reg := NewRegistry()
	release, err := reg.Acquire("SCK Rails", "sclkLow", "sclkHigh")
	require.NoError(t, err)

	_, err = reg.Acquire("SCK Diverging", "sclkHigh")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "SCK Rails")

	// a failed claim takes nothing
	_, err = reg.Acquire("RG Rails", "rgLow", "sclkLow")
	assert.ErrorIs(t, err, ErrBusy)
	_, held := reg.Owner("rgLow")
	assert.False(t, held)

	owner, ok := reg.Owner("sclkLow")
	assert.True(t, ok)
	assert.Equal(t, "SCK Rails", owner)
	assert.Equal(t, []string{"sclkHigh", "sclkLow"}, reg.Owned())

	release()
	release()
	assert.Empty(t, reg.Owned())
	assert.False(t, reg.AnyOwned("sclkLow", "sclkHigh"))

	_, err = reg.Acquire("SCK Diverging", "sclkHigh")
	assert.NoError(t, err)
}

func TestRegistryConcurrentClaims(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Acquire("scan", "og"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestCheckMiddleware(t *testing.T) {
	l := New()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := l.Check(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rails/og/run", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	l.Lock()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rails/og/run", nil))
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rails", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": false}`)))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHTTPSetGet(t *testing.T) {
	l := New()
	rec := httptest.NewRecorder()
	l.HTTPSet(rec, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": true}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, l.Locked())

	rec = httptest.NewRecorder()
	l.HTTPGet(rec, httptest.NewRequest(http.MethodGet, "/lock", nil))
	assert.JSONEq(t, `{"bool": true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	l.HTTPSet(rec, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
