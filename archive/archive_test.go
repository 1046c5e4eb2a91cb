package archive_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebqual/rebqual/archive"
	"github.com/rebqual/rebqual/fit"
	"github.com/rebqual/rebqual/sweep"
	"github.com/rebqual/rebqual/verdict"
)

var started = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

// result measures an ideal OD bias sweep whose third point reads 1.25 V high
func result(t *testing.T) verdict.SubtestResult {
	t.Helper()
	tbl := sweep.NewTable("OD Bias", []string{"WREB.OD_V"}, 4)
	for i, v := range []float64{0, 2, 4, 6} {
		m := v
		if i == 2 {
			m += 1.25
		}
		require.NoError(t, tbl.Append(sweep.Command{Primary: v}, map[string]float64{"WREB.OD_V": m}))
	}
	tbl.Freeze()

	fr, err := fit.Fit(tbl, sweep.Readback{ID: "WREB.OD_V"}, fit.Full, fit.Unity)
	require.NoError(t, err)
	v := verdict.Evaluate(fr, verdict.Tolerance{Gain: 0.5, MaxViolations: 2, Residual: 0.25})
	res, err := verdict.Aggregate("OD Bias", []verdict.Verdict{v})
	require.NoError(t, err)
	res.Table = tbl
	res.Started, res.Finished = started, started.Add(time.Minute)
	return res
}

func TestWriteReadBack(t *testing.T) {
	res := result(t)
	var buf bytes.Buffer
	require.NoError(t, archive.Write(&buf, res))

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	hdr := f.HDU(0).Header()
	assert.Equal(t, "OD Bias", hdr.Get("SUBTEST").Value)
	assert.Equal(t, res.Status.String(), hdr.Get("STATUS").Value)
	assert.Equal(t, "2026-03-14T15:09:26Z", hdr.Get("DATE-BEG").Value)

	tbl, ok := f.Get(archive.TableName).(*fitsio.Table)
	require.True(t, ok)
	assert.EqualValues(t, 4, tbl.NumRows())
	assert.Equal(t, 4, tbl.NumCols())
	assert.Equal(t, "WREB.OD_V", tbl.Header().Get("CHAN1").Value)
	assert.Equal(t, "OD Bias", tbl.Header().Get("RAIL").Value)

	rows, err := tbl.Read(0, tbl.NumRows())
	require.NoError(t, err)
	defer rows.Close()
	var got []float64
	for rows.Next() {
		var (
			idx                  int64
			primary, paired, odV float64
		)
		require.NoError(t, rows.Scan(&idx, &primary, &paired, &odV))
		assert.EqualValues(t, len(got), idx)
		got = append(got, odV)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []float64{0, 2, 5.25, 6}, got)
}

func TestVerify(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, archive.Write(&buf, result(t)))
	assert.NoError(t, archive.Verify(bytes.NewReader(buf.Bytes())))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, archive.Write(&buf, result(t)))

	// binary tables store doubles big-endian, so the reading can be found
	// and altered in place
	enc := func(v float64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(v))
		return b
	}
	raw := buf.Bytes()
	at := bytes.Index(raw, enc(5.25))
	require.True(t, at > 0)
	copy(raw[at:], enc(5.5))

	err := archive.Verify(bytes.NewReader(raw))
	assert.True(t, errors.Is(err, archive.ErrChecksum), "%v", err)
}

func TestChecksumFollowsValues(t *testing.T) {
	a := result(t)
	b := result(t)
	assert.Equal(t, archive.Checksum(a.Table), archive.Checksum(b.Table))

	other := sweep.NewTable("OD Bias", []string{"WREB.OD_V"}, 1)
	require.NoError(t, other.Append(sweep.Command{Primary: 0}, map[string]float64{"WREB.OD_V": 0.1}))
	assert.NotEqual(t, archive.Checksum(a.Table), archive.Checksum(other))
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	res := result(t)
	res.Name = "SCK Rails Diverging (+3 V)"
	path, err := archive.Save(dir, res)
	require.NoError(t, err)
	assert.Equal(t, "SCK_Rails_Diverging__+3_V__20260314T150926Z.fits", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.NoError(t, archive.Verify(f))
}

func TestNoTable(t *testing.T) {
	res := verdict.ErroredResult("OD Bias", errors.New("board unreachable"))
	assert.ErrorIs(t, archive.Write(&bytes.Buffer{}, res), archive.ErrNoTable)
	_, err := archive.Save(t.TempDir(), res)
	assert.ErrorIs(t, err, archive.ErrNoTable)
}
