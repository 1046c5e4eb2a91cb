// Package locker provides exclusive ownership of board controls during a
// scan, and an HTTP middleware which allows a bench to be locked, returning
// 423 (locked)
package locker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ErrBusy is generated when a control is already owned by another scan
var ErrBusy = errors.New("control owned by another scan")

// Registry tracks which scan owns each board control.  A scan claims all
// of its controls at once or none of them.
type Registry struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]string)}
}

// Acquire claims every control for owner.  The returned release function
// gives them all back and is safe to call more than once.
func (r *Registry) Acquire(owner string, controls ...string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range controls {
		if held, ok := r.owners[c]; ok {
			return func() {}, fmt.Errorf("%w: %s held by %q", ErrBusy, c, held)
		}
	}
	for _, c := range controls {
		r.owners[c] = owner
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, c := range controls {
				if r.owners[c] == owner {
					delete(r.owners, c)
				}
			}
		})
	}
	return release, nil
}

// Owner returns the owner of a control, if any
func (r *Registry) Owner(control string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[control]
	return o, ok
}

// AnyOwned returns true if any of the controls is currently owned
func (r *Registry) AnyOwned(controls ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range controls {
		if _, ok := r.owners[c]; ok {
			return true
		}
	}
	return false
}

// Owned returns the sorted list of owned controls
func (r *Registry) Owned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.owners))
	for c := range r.owners {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths to not protect
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is
// true and the request would change the bench, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	// return a handlerfunc wrapping a handler, middleware/generator pattern
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet {
			// check if the path is protected
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			// if it is, bounce the request - locked
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type boolT struct {
	Bool bool `json:"bool"`
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := boolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(boolT{Bool: l.Locked()})
}
