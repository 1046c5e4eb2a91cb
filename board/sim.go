package board

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInjected is the error returned by injected failures of a Sim
var ErrInjected = errors.New("injected board failure")

// Wire describes how a simulated telemetry channel follows a control:
// reading = clip(value(Control)*Gain + Offset + noise)
type Wire struct {
	Control string
	Gain    float64
	Offset  float64

	// Noise is the standard deviation of gaussian noise added to each read
	Noise float64

	// ClipLo and ClipHi bound the reading when ClipLo < ClipHi, modelling
	// a saturated amplifier
	ClipLo, ClipHi float64
}

// Write is one recorded SetValue call
type Write struct {
	Control string
	Value   float64
}

// Sim is an in-memory readout board.  It is safe for concurrent use.
type Sim struct {
	mu     sync.Mutex
	values map[string]float64
	wires  map[string]Wire
	writes []Write
	noise  distuv.Normal

	failSets    int
	failReads   int
	implausible int
}

// NewSim returns a board with no wiring.  seed makes noise reproducible.
func NewSim(seed uint64) *Sim {
	return &Sim{
		values: map[string]float64{},
		wires:  map[string]Wire{},
		noise:  distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)},
	}
}

// Connect wires a telemetry channel to a control
func (s *Sim) Connect(channel string, w Wire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wires[channel] = w
}

// Ideal wires a telemetry channel to report exactly what a control holds
func (s *Sim) Ideal(channel, control string) {
	s.Connect(channel, Wire{Control: control, Gain: 1})
}

// FailNextSets makes the next n SetValue calls fail
func (s *Sim) FailNextSets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSets = n
}

// FailNextReads makes the next n ReadValue calls fail
func (s *Sim) FailNextReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = n
}

// GlitchNextReads makes the next n ReadValue calls return a wildly
// implausible reading instead of failing
func (s *Sim) GlitchNextReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.implausible = n
}

// SetValue commands a control to a voltage
func (s *Sim) SetValue(control string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSets > 0 {
		s.failSets--
		return fmt.Errorf("set %s: %w", control, ErrInjected)
	}
	s.values[control] = v
	s.writes = append(s.writes, Write{Control: control, Value: v})
	return nil
}

// ReadValue reads one telemetry channel
func (s *Sim) ReadValue(channel string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads > 0 {
		s.failReads--
		return 0, fmt.Errorf("read %s: %w", channel, ErrInjected)
	}
	w, ok := s.wires[channel]
	if !ok {
		return 0, fmt.Errorf("%s: %w", channel, ErrUnknownChannel)
	}
	if s.implausible > 0 {
		s.implausible--
		return 1e3, nil
	}
	v := s.values[w.Control]*w.Gain + w.Offset
	if w.Noise > 0 {
		v += w.Noise * s.noise.Rand()
	}
	if w.ClipLo < w.ClipHi {
		if v < w.ClipLo {
			v = w.ClipLo
		} else if v > w.ClipHi {
			v = w.ClipHi
		}
	}
	return v, nil
}

// Value returns the voltage currently held by a control
func (s *Sim) Value(control string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[control]
}

// Writes returns a copy of every successful SetValue, in order
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}
