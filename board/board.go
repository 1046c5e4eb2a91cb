/*
Package board is the hardware boundary of a rail scan.  A readout board is
a black box that accepts a voltage for a named control and reports the value
of a named telemetry channel.

Remote talks to a real board through its command bridge; Sim is an
in-memory board used by tests and dry runs.
*/
package board

import (
	"errors"
	"fmt"

	"github.com/rebqual/rebqual/util"
)

var (
	// ErrUnknownChannel is generated when a control or telemetry channel
	// does not exist on the board
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrRejected is generated when the board answers a command with an error
	ErrRejected = errors.New("command rejected by board")
)

// Channel is the minimal interface to a readout board.  Implementations
// must be safe for concurrent use; reads of different channels may be
// issued in parallel.
type Channel interface {
	// SetValue commands a control to a voltage
	SetValue(control string, v float64) error

	// ReadValue reads one telemetry channel
	ReadValue(channel string) (float64, error)
}

const (
	// DACBits is the resolution of the board's control DACs
	DACBits = 12

	// DACMax is the largest DAC code
	DACMax = 1<<DACBits - 1

	// DACFullScale is the DAC output voltage at DACMax
	DACFullScale = 5.
)

/*
DACConversion converts a desired rail voltage into the DAC code that
produces it.  The DAC drives an op-amp with feedback and input resistors
Rfb and Rin:

	non-inverting: V = DAC*(1+Rfb/Rin) + shift
	inverting:     V = -DAC*Rfb/Rin

where shift is the voltage currently commanded on ShiftControl (zero if
ShiftControl is empty).
*/
type DACConversion struct {
	Rfb float64 `koanf:"rfb" yaml:"rfb"`
	Rin float64 `koanf:"rin" yaml:"rin"`

	// Inverting selects the inverting amplifier topology used by shift DACs
	Inverting bool `koanf:"inverting" yaml:"inverting"`

	// ShiftControl is the control whose voltage offsets this one
	ShiftControl string `koanf:"shift_control" yaml:"shift_control"`

	// Load is sent after the code is written to latch it, e.g. "loadDacs true"
	Load string `koanf:"load" yaml:"load"`
}

// Gain returns the voltage gain of the amplifier after the DAC
func (d DACConversion) Gain() float64 {
	if d.Inverting {
		return -d.Rfb / d.Rin
	}
	return 1 + d.Rfb/d.Rin
}

// Validate returns an error if the resistor network is unusable
func (d DACConversion) Validate() error {
	if d.Rin <= 0 || d.Rfb < 0 {
		return fmt.Errorf("DAC conversion needs rin > 0 and rfb >= 0, got rin=%g rfb=%g", d.Rin, d.Rfb)
	}
	if d.Inverting && d.Rfb == 0 {
		return fmt.Errorf("inverting DAC conversion with rfb = 0 has no gain")
	}
	return nil
}

// Code returns the DAC code for volts given the shift voltage.  Codes
// outside the DAC's range are clamped to [0, DACMax].
func (d DACConversion) Code(volts, shift float64) uint16 {
	code := (volts - shift) * DACMax / DACFullScale / d.Gain()
	code = util.Clamp(code, 0, DACMax)
	return uint16(code)
}

// Volts is the inverse of Code, the voltage a code produces
func (d DACConversion) Volts(code uint16, shift float64) float64 {
	return float64(code)*DACFullScale/DACMax*d.Gain() + shift
}
