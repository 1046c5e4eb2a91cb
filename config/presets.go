package config

import (
	"fmt"

	"github.com/rebqual/rebqual/board"
)

const (
	clockLoad = "loadDacs true"
	biasLoad  = "loadBiasDacs true"

	// divergingAmplitude is the half-wave divergence of the diverging
	// rail tests, swept in 0.5 V steps
	divergingAmplitude = 9.
	divergingSteps     = 19

	// divergingWindow is how far either rail may move from the start
	// voltage and still be fitted
	divergingWindow = 7.
)

var (
	railTolerance = Tolerance{Gain: 0.05, MaxViolations: 4, Residual: 0.25, Mode: "absolute"}
	biasTolerance = Tolerance{Gain: 0.05, MaxViolations: 2, Residual: 0.25, Mode: "absolute"}
)

// PresetDACs returns the DAC conversions of a wide-field readout board
func PresetDACs() map[string]board.DACConversion {
	m := map[string]board.DACConversion{}
	for _, clk := range []string{"pclk", "sclk", "rg"} {
		for _, side := range []string{"Low", "High"} {
			sh := clk + side + "Sh"
			m[sh] = board.DACConversion{Rfb: 49.9, Rin: 20, Inverting: true, Load: clockLoad}
			m[clk+side] = board.DACConversion{Rfb: 49.9, Rin: 20, ShiftControl: sh, Load: clockLoad}
		}
	}
	m["ogSh"] = board.DACConversion{Rfb: 10, Rin: 10, Inverting: true, Load: biasLoad}
	m["og"] = board.DACConversion{Rfb: 10, Rin: 10, ShiftControl: "ogSh", Load: biasLoad}
	for _, b := range []string{"od", "gd", "rd"} {
		m[b] = board.DACConversion{Rfb: 49.9, Rin: 10, Load: biasLoad}
	}
	return m
}

// constantRails is a pair of clock rails swept 12 V upward from the lower
// shift with the upper rail 5 V above the lower
func constantRails(name, clk, lowCh, highCh string, lowShift, highShift float64) Rail {
	return Rail{
		Name:    name,
		Primary: clk + "Low",
		Paired:  clk + "High",
		Readbacks: []Readback{
			{ID: lowCh, Tracks: "primary"},
			{ID: highCh, Tracks: "paired"},
		},
		Lo: lowShift, Hi: lowShift + 12, Steps: 25,
		Mode:        "constant",
		PairedDelta: 5,
		Setup: []ControlValue{
			{Control: clk + "LowSh", Value: lowShift},
			{Control: clk + "HighSh", Value: highShift},
		},
		Scale:     1,
		Tolerance: railTolerance,
	}
}

// divergingRails moves the upper rail up and the lower rail down from
// start, each by divergingAmplitude
func divergingRails(title, clk, lowCh, highCh string, start float64) Rail {
	return Rail{
		Name:    fmt.Sprintf("%s Diverging (%+g V)", title, start),
		Primary: clk + "High",
		Paired:  clk + "Low",
		Readbacks: []Readback{
			{ID: highCh, Tracks: "primary"},
			{ID: lowCh, Tracks: "paired"},
			{ID: "WREB.ClkHPS_I", Monitor: true},
		},
		Lo: start, Hi: start + divergingAmplitude, Steps: divergingSteps,
		Mode:        "diverging",
		OffsetStart: 0,
		OffsetEnd:   -2 * divergingAmplitude,
		Setup: []ControlValue{
			{Control: clk + "LowSh", Value: start - divergingAmplitude},
			{Control: clk + "HighSh", Value: start},
		},
		Windows: []Window{
			{Channel: highCh, Min: start, Max: start + divergingWindow},
			{Channel: lowCh, Min: start - divergingWindow, Max: start},
		},
		Scale:     1,
		Tolerance: railTolerance,
	}
}

func bias(name, control, ch string, lo, hi float64, steps int, setup []ControlValue) Rail {
	return Rail{
		Name:      name,
		Primary:   control,
		Readbacks: []Readback{{ID: ch}},
		Lo:        lo, Hi: hi, Steps: steps,
		Mode:      "constant",
		Setup:     setup,
		Scale:     1,
		Tolerance: biasTolerance,

		// drains run above the clock rail window
		PlausibleMin: lo - 5,
		PlausibleMax: hi + 5,
	}
}

// Presets returns the standard wide-field readout board characterization:
// clock rails at constant separation, diverging clock rails from three
// start voltages, and the output-gate, output-drain, guard-drain and
// reset-drain biases
func Presets() []Rail {
	out := []Rail{
		constantRails("PCK Rails", "pclk", "WREB.CKPSH_V", "WREB.DphiPS_V", -8, -2),
		constantRails("SCK Rails", "sclk", "WREB.SCKL_V", "WREB.SCKU_V", -8.5, -2),
	}
	for _, start := range []float64{0, 3, -3} {
		out = append(out, divergingRails("SCK Rails", "sclk", "WREB.SCKL_V", "WREB.SCKU_V", start))
	}
	out = append(out, constantRails("RG Rails", "rg", "WREB.RGL_V", "WREB.RGU_V", -8.5, -2.5))
	for _, start := range []float64{0, 3, -3} {
		out = append(out, divergingRails("RG Rails", "rg", "WREB.RGL_V", "WREB.RGU_V", start))
	}
	out = append(out,
		bias("OG Bias", "og", "WREB.OG_V", -5, 5, 21, []ControlValue{{Control: "ogSh", Value: -5}}),
		bias("OD Bias", "od", "WREB.OD_V", 0, 30, 16, nil),
		bias("GD Bias", "gd", "WREB.GD_V", 0, 30, 16, nil),
		bias("RD Bias", "rd", "WREB.RD_V", 0, 30, 16, nil),
	)
	return out
}
