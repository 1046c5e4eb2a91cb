// Package fit derives gain and intercept of a rail's readback against its
// expected response, and the residual of every sweep point about that line.
package fit

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/rebqual/rebqual/sweep"
)

var (
	// ErrInsufficientData is generated when the region of interest holds
	// fewer than two points, or the channel was never measured
	ErrInsufficientData = errors.New("insufficient data to fit a line")

	// ErrDegenerateFit is generated when every expected value inside the
	// region of interest is identical, leaving the slope undefined
	ErrDegenerateFit = errors.New("degenerate fit: zero variance in expected values")

	// ErrROIRange is generated when a region of interest does not lie
	// inside the table
	ErrROIRange = errors.New("region of interest outside sweep table")
)

// Model is the ideal response of a readback to its commanded value,
// expected = commanded*Scale + Offset
type Model struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Unity is the model of a readback that reports exactly what was commanded
var Unity = Model{Scale: 1}

// Expected applies the model to a commanded value
func (m Model) Expected(commanded float64) float64 {
	return commanded*m.Scale + m.Offset
}

// Result is the fit of one readback channel
type Result struct {
	Channel   string  `json:"channel"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`

	// Expected, Measured and Residuals are aligned with the sweep table
	// and cover every point, not only the region of interest
	Expected  []float64 `json:"expected"`
	Measured  []float64 `json:"measured"`
	Residuals []float64 `json:"residuals"`

	// ROI is the half-open index range [Lo, Hi) that was fitted
	ROI Span `json:"roi"`
}

// Fit performs an ordinary least squares fit of measured vs expected for
// one readback over the region of interest.  Residuals, measured minus the
// fitted line, are computed for the full table.
func Fit(t *sweep.Table, rb sweep.Readback, roi ROI, m Model) (Result, error) {
	res := Result{Channel: rb.ID}
	measured, ok := t.Column(rb.ID)
	if !ok {
		return res, fmt.Errorf("%s: channel not in table: %w", rb.ID, ErrInsufficientData)
	}
	span, err := roi.Bounds(t.Len())
	if err != nil {
		return res, fmt.Errorf("%s: %w", rb.ID, err)
	}
	res.ROI = span
	if span.Len() < 2 {
		return res, fmt.Errorf("%s: %d point(s) in %v: %w", rb.ID, span.Len(), span, ErrInsufficientData)
	}

	commanded := t.Commanded(rb.Tracks)
	expected := make([]float64, len(commanded))
	for i, c := range commanded {
		expected[i] = m.Expected(c)
	}
	res.Expected = expected
	res.Measured = measured

	x := expected[span.Lo:span.Hi]
	y := measured[span.Lo:span.Hi]
	if constant(x) {
		return res, fmt.Errorf("%s: %w", rb.ID, ErrDegenerateFit)
	}
	res.Intercept, res.Slope = stat.LinearRegression(x, y, nil, false)

	res.Residuals = make([]float64, len(measured))
	for i := range measured {
		res.Residuals[i] = measured[i] - (res.Slope*expected[i] + res.Intercept)
	}
	return res, nil
}

func constant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}
