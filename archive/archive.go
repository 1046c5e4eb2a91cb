/*
Package archive stores subtest results as FITS files.

The primary HDU carries the subtest verdict in its header.  The first
extension is a binary table with one row per sweep point: the point index,
the commanded primary and paired values and every readback.  The table
header carries the per-channel fits and a CRC-16/XMODEM digest of the table
values, so an archive can be checked for corruption with Verify.
*/
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"

	"github.com/rebqual/rebqual/sweep"
	"github.com/rebqual/rebqual/verdict"
)

// TableName is the EXTNAME of the sweep table
const TableName = "SWEEP"

var (
	// ErrNoTable is generated when a result without a sweep table is archived
	ErrNoTable = errors.New("subtest result has no sweep table")

	// ErrChecksum is generated when an archive's table does not match its digest
	ErrChecksum = errors.New("archive checksum mismatch")

	crcTable = crc.NewTable(crc.XMODEM)
)

// fits string values hold at most 68 characters
func clip(s string) string {
	if len(s) > 68 {
		return s[:68]
	}
	return s
}

// Checksum is the CRC-16/XMODEM of the table's commanded and measured
// values, each encoded as a big-endian IEEE 754 double, row by row in
// column order
func Checksum(t *sweep.Table) uint16 {
	rows := make([][]float64, 0, t.Len())
	for _, pt := range t.Points() {
		row := []float64{pt.Command.Primary, pt.Command.Paired}
		for _, ch := range t.Channels() {
			row = append(row, pt.Measured[ch])
		}
		rows = append(rows, row)
	}
	return checksum(rows)
}

func checksum(rows [][]float64) uint16 {
	buf := make([]byte, 0, 8*len(rows)*4)
	var b [8]byte
	for _, row := range rows {
		for _, v := range row {
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			buf = append(buf, b[:]...)
		}
	}
	return uint16(crcTable.CalculateCRC(buf))
}

// Write streams res as a FITS file to w
func Write(w io.Writer, res verdict.SubtestResult) error {
	if res.Table == nil {
		return ErrNoTable
	}
	t := res.Table

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	prim := fitsio.NewImage(8, nil)
	defer prim.Close()
	err = prim.Header().Append(
		fitsio.Card{Name: "SUBTEST", Value: clip(res.Name), Comment: "subtest title"},
		fitsio.Card{Name: "STATUS", Value: res.Status.String(), Comment: "PASS, FAIL or ERROR"},
		fitsio.Card{Name: "PASSED", Value: res.Pass},
		fitsio.Card{Name: "NPOINTS", Value: t.Len(), Comment: "sweep points"},
		fitsio.Card{Name: "NCHAN", Value: len(res.Channels), Comment: "fitted channels"},
		fitsio.Card{Name: "DATE-BEG", Value: res.Started.UTC().Format(time.RFC3339)},
		fitsio.Card{Name: "DATE-END", Value: res.Finished.UTC().Format(time.RFC3339)},
	)
	if err != nil {
		return err
	}
	if err = fits.Write(prim); err != nil {
		return err
	}

	cols := []fitsio.Column{
		{Name: "INDEX", Format: "K"},
		{Name: "PRIMARY", Format: "D", Unit: "V"},
		{Name: "PAIRED", Format: "D", Unit: "V"},
	}
	for _, ch := range t.Channels() {
		cols = append(cols, fitsio.Column{Name: ch, Format: "D"})
	}
	tbl, err := fitsio.NewTable(TableName, cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()

	cards := []fitsio.Card{
		{Name: "RAIL", Value: clip(t.Rail())},
		{Name: "DATACRC", Value: int(Checksum(t)), Comment: "CRC-16/XMODEM of PRIMARY..last column"},
	}
	for i, v := range res.Channels {
		n := i + 1
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CHAN%d", n), Value: clip(v.Channel)},
			fitsio.Card{Name: fmt.Sprintf("PASS%d", n), Value: v.Pass},
			fitsio.Card{Name: fmt.Sprintf("NVIOL%d", n), Value: len(v.Violations), Comment: "residual violations in ROI"},
		)
		if v.Fit != nil {
			cards = append(cards,
				fitsio.Card{Name: fmt.Sprintf("GAIN%d", n), Value: v.Fit.Slope},
				fitsio.Card{Name: fmt.Sprintf("ICPT%d", n), Value: v.Fit.Intercept, Comment: "V"},
			)
		}
	}
	if err = tbl.Header().Append(cards...); err != nil {
		return err
	}

	for _, pt := range t.Points() {
		idx := int64(pt.Index)
		primary, paired := pt.Command.Primary, pt.Command.Paired
		row := []interface{}{&idx, &primary, &paired}
		for _, ch := range t.Channels() {
			v := pt.Measured[ch]
			row = append(row, &v)
		}
		if err = tbl.Write(row...); err != nil {
			return err
		}
	}
	return fits.Write(tbl)
}

// FileName is the archive name of a result: the subtest title reduced to
// safe characters and the start time
func FileName(res verdict.SubtestResult) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '+':
			return r
		default:
			return '_'
		}
	}, res.Name)
	return fmt.Sprintf("%s_%s.fits", name, res.Started.UTC().Format("20060102T150405Z"))
}

// Save writes res into dir and returns the path of the file
func Save(dir string, res verdict.SubtestResult) (string, error) {
	if res.Table == nil {
		return "", ErrNoTable
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(res))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := Write(f, res); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func cardInt(c *fitsio.Card) (int, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c.Value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Verify reads an archive and checks the sweep table against its digest
func Verify(r io.Reader) error {
	f, err := fitsio.Open(r)
	if err != nil {
		return err
	}
	defer f.Close()
	hdu := f.Get(TableName)
	if hdu == nil {
		return fmt.Errorf("no %s extension", TableName)
	}
	tbl, ok := hdu.(*fitsio.Table)
	if !ok {
		return fmt.Errorf("%s extension is not a table", TableName)
	}
	want, ok := cardInt(tbl.Header().Get("DATACRC"))
	if !ok {
		return fmt.Errorf("%s has no DATACRC card", TableName)
	}

	ncols := tbl.NumCols()
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return err
	}
	defer rows.Close()
	values := [][]float64{}
	for rows.Next() {
		var idx int64
		row := make([]float64, ncols-1)
		ptrs := []interface{}{&idx}
		for i := range row {
			ptrs = append(ptrs, &row[i])
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		values = append(values, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if got := checksum(values); int(got) != want {
		return fmt.Errorf("%w: stored %#04x, computed %#04x", ErrChecksum, want, got)
	}
	return nil
}
