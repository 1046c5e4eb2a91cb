package sweep

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete is generated when a point is appended without a
	// measurement for every channel of the table
	ErrIncomplete = errors.New("sweep point is missing a readback")

	// ErrFrozen is generated when a point is appended to a frozen table
	ErrFrozen = errors.New("sweep table is frozen")
)

// Point is one executed step of a sweep
type Point struct {
	Index    int                `json:"index"`
	Command  Command            `json:"command"`
	Measured map[string]float64 `json:"measured"`
}

func (p Point) clone() Point {
	m := make(map[string]float64, len(p.Measured))
	for k, v := range p.Measured {
		m[k] = v
	}
	p.Measured = m
	return p
}

// Table is the ordered record of a scan.  Point order is execution order.
// Points are copied in and out, so nothing outside the table can change a
// point once it has been appended.
type Table struct {
	rail     string
	channels []string
	points   []Point
	frozen   bool
}

// NewTable returns an empty table for the given rail and readback channels
func NewTable(rail string, channels []string, capacity int) *Table {
	ch := make([]string, len(channels))
	copy(ch, channels)
	return &Table{rail: rail, channels: ch, points: make([]Point, 0, capacity)}
}

// Append adds a measured point to the end of the table.  The point's Index
// is overwritten with its position.
func (t *Table) Append(cmd Command, measured map[string]float64) error {
	if t.frozen {
		return ErrFrozen
	}
	for _, ch := range t.channels {
		if _, ok := measured[ch]; !ok {
			return fmt.Errorf("%w: point %d channel %s", ErrIncomplete, len(t.points), ch)
		}
	}
	p := Point{Index: len(t.points), Command: cmd, Measured: measured}
	t.points = append(t.points, p.clone())
	return nil
}

// Freeze makes the table read-only
func (t *Table) Freeze() {
	t.frozen = true
}

// Rail returns the name of the swept rail
func (t *Table) Rail() string {
	return t.rail
}

// Channels returns the readback channels of the table
func (t *Table) Channels() []string {
	out := make([]string, len(t.channels))
	copy(out, t.channels)
	return out
}

// Len is the number of points in the table
func (t *Table) Len() int {
	return len(t.points)
}

// Point returns a copy of the i-th point
func (t *Table) Point(i int) Point {
	return t.points[i].clone()
}

// Points returns a copy of every point
func (t *Table) Points() []Point {
	out := make([]Point, len(t.points))
	for i, p := range t.points {
		out[i] = p.clone()
	}
	return out
}

// Column returns the measured values of one channel, in table order
func (t *Table) Column(channel string) ([]float64, bool) {
	found := false
	for _, ch := range t.channels {
		if ch == channel {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	out := make([]float64, len(t.points))
	for i, p := range t.points {
		out[i] = p.Measured[channel]
	}
	return out, true
}

// Commanded returns the commanded values followed by tr, in table order
func (t *Table) Commanded(tr Tracks) []float64 {
	out := make([]float64, len(t.points))
	for i, p := range t.points {
		out[i] = p.Command.Value(tr)
	}
	return out
}

type tableJSON struct {
	Rail     string   `json:"rail"`
	Channels []string `json:"channels"`
	Points   []Point  `json:"points"`
}

// MarshalJSON encodes the table for archival and plotting
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{Rail: t.rail, Channels: t.channels, Points: t.points})
}

// UnmarshalJSON decodes a table; the result is frozen
func (t *Table) UnmarshalJSON(b []byte) error {
	var tj tableJSON
	if err := json.Unmarshal(b, &tj); err != nil {
		return err
	}
	nt := NewTable(tj.Rail, tj.Channels, len(tj.Points))
	for _, p := range tj.Points {
		if err := nt.Append(p.Command, p.Measured); err != nil {
			return err
		}
	}
	nt.Freeze()
	*t = *nt
	return nil
}
