package sweep_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebqual/rebqual/sweep"
)

func pairedSpec() sweep.RailSpec {
	return sweep.RailSpec{
		Name:        "test rail",
		Primary:     "low",
		Paired:      "high",
		Readbacks:   []sweep.Readback{{ID: "L_V"}, {ID: "U_V", Tracks: sweep.TracksPaired}},
		Lo:          0,
		Hi:          10,
		Steps:       5,
		Mode:        sweep.Constant,
		PairedDelta: 2,
	}
}

func TestPlanConstantOffset(t *testing.T) {
	plan, err := sweep.Plan(pairedSpec())
	require.NoError(t, err)
	expected := []sweep.Command{
		{Primary: 0, Paired: 2},
		{Primary: 2.5, Paired: 4.5},
		{Primary: 5, Paired: 7},
		{Primary: 7.5, Paired: 9.5},
		{Primary: 10, Paired: 12},
	}
	assert.Equal(t, expected, plan)
}

func TestPlanLengthAndEndpoints(t *testing.T) {
	for _, n := range []int{2, 3, 7, 21, 25, 101} {
		s := pairedSpec()
		s.Lo, s.Hi, s.Steps = -8.5, 3.5, n
		plan, err := sweep.Plan(s)
		require.NoError(t, err)
		require.Len(t, plan, n)
		assert.Equal(t, -8.5, plan[0].Primary, "n=%d", n)
		assert.Equal(t, 3.5, plan[n-1].Primary, "n=%d", n)
	}
}

func TestPlanSingleStep(t *testing.T) {
	s := pairedSpec()
	s.Steps = 1
	plan, err := sweep.Plan(s)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, sweep.Command{Primary: 0, Paired: 2}, plan[0])
}

func TestPlanDivergingOffsets(t *testing.T) {
	s := pairedSpec()
	s.Mode = sweep.Diverging
	s.Lo, s.Hi, s.Steps = 3, 12, 19
	s.OffsetStart, s.OffsetEnd = 0, -18
	plan, err := sweep.Plan(s)
	require.NoError(t, err)
	require.Len(t, plan, 19)
	assert.Equal(t, 0.0, plan[0].Offset())
	assert.Equal(t, -18.0, plan[18].Paired-plan[18].Primary)
	for i := 1; i < len(plan); i++ {
		assert.Less(t, plan[i].Offset(), plan[i-1].Offset(), "offset must shrink monotonically at %d", i)
	}
}

func TestPlanDivergingGrowing(t *testing.T) {
	s := pairedSpec()
	s.Mode = sweep.Diverging
	s.OffsetStart, s.OffsetEnd = 1, 5
	plan, err := sweep.Plan(s)
	require.NoError(t, err)
	assert.Equal(t, 1.0, plan[0].Offset())
	assert.Equal(t, 5.0, plan[4].Offset())
	for i := 1; i < len(plan); i++ {
		assert.Greater(t, plan[i].Offset(), plan[i-1].Offset())
	}
}

func TestPlanBiasHasNoPairedOffset(t *testing.T) {
	s := sweep.RailSpec{Name: "OD", Primary: "od", Readbacks: []sweep.Readback{{ID: "OD_V"}}, Lo: 0, Hi: 30, Steps: 16}
	plan, err := sweep.Plan(s)
	require.NoError(t, err)
	require.Len(t, plan, 16)
	assert.Equal(t, 2.0, plan[1].Primary)
	for _, c := range plan {
		assert.Equal(t, c.Primary, c.Paired)
	}
}

func TestPlanInvalid(t *testing.T) {
	cases := map[string]func(*sweep.RailSpec){
		"zero steps":          func(s *sweep.RailSpec) { s.Steps = 0 },
		"lo above hi":         func(s *sweep.RailSpec) { s.Lo, s.Hi = 5, 1 },
		"no primary":          func(s *sweep.RailSpec) { s.Primary = "" },
		"no readbacks":        func(s *sweep.RailSpec) { s.Readbacks = nil },
		"duplicate readback":  func(s *sweep.RailSpec) { s.Readbacks = append(s.Readbacks, sweep.Readback{ID: "L_V"}) },
		"paired without rail": func(s *sweep.RailSpec) { s.Paired = "" },
		"unknown control":     func(s *sweep.RailSpec) { s.Known = []string{"low", "L_V", "U_V"} },
		"unknown channel":     func(s *sweep.RailSpec) { s.Known = []string{"low", "high", "L_V"} },
		"diverging unpaired": func(s *sweep.RailSpec) {
			s.Mode = sweep.Diverging
			s.Paired = ""
			s.Readbacks = s.Readbacks[:1]
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := pairedSpec()
			mutate(&s)
			plan, err := sweep.Plan(s)
			assert.Nil(t, plan)
			require.Error(t, err)
			assert.True(t, sweep.IsInvalidSpec(err), "got %v", err)
		})
	}
}

func TestPlanKnownChannelsAccepted(t *testing.T) {
	s := pairedSpec()
	s.Known = []string{"low", "high", "L_V", "U_V"}
	_, err := sweep.Plan(s)
	assert.NoError(t, err)
}

func TestControlsOrderAndIdle(t *testing.T) {
	s := pairedSpec()
	s.Setup = []sweep.ControlValue{{Control: "lowSh", Value: -8}, {Control: "highSh", Value: -2}}
	s.Idle = []sweep.ControlValue{{Control: "high", Value: 1.5}}
	assert.Equal(t, []string{"lowSh", "highSh", "low", "high"}, s.Controls())
	assert.Equal(t, 1.5, s.IdleValue("high"))
	assert.Equal(t, 0.0, s.IdleValue("low"))
}

func TestParseMode(t *testing.T) {
	m, err := sweep.ParseMode("Diverging")
	require.NoError(t, err)
	assert.Equal(t, sweep.Diverging, m)
	m, err = sweep.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, sweep.Constant, m)
	_, err = sweep.ParseMode("sideways")
	assert.Error(t, err)
}

func TestTableRejectsPartialPoints(t *testing.T) {
	tbl := sweep.NewTable("r", []string{"a", "b"}, 2)
	err := tbl.Append(sweep.Command{Primary: 1}, map[string]float64{"a": 1})
	assert.ErrorIs(t, err, sweep.ErrIncomplete)
	assert.Equal(t, 0, tbl.Len())
}

func TestTablePointsAreImmutable(t *testing.T) {
	tbl := sweep.NewTable("r", []string{"a"}, 1)
	m := map[string]float64{"a": 1}
	require.NoError(t, tbl.Append(sweep.Command{Primary: 1}, m))
	m["a"] = 99
	p := tbl.Point(0)
	p.Measured["a"] = 42
	assert.Equal(t, 1.0, tbl.Point(0).Measured["a"])

	tbl.Freeze()
	assert.ErrorIs(t, tbl.Append(sweep.Command{}, map[string]float64{"a": 0}), sweep.ErrFrozen)
}

func TestTableColumns(t *testing.T) {
	tbl := sweep.NewTable("r", []string{"a"}, 3)
	for i := 0; i < 3; i++ {
		v := float64(i)
		require.NoError(t, tbl.Append(sweep.Command{Primary: v, Paired: v + 5}, map[string]float64{"a": 2 * v}))
	}
	col, ok := tbl.Column("a")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 2, 4}, col)
	_, ok = tbl.Column("zz")
	assert.False(t, ok)
	assert.Equal(t, []float64{5, 6, 7}, tbl.Commanded(sweep.TracksPaired))
	assert.Equal(t, 2, tbl.Point(2).Index)
}

func TestTableJSON(t *testing.T) {
	tbl := sweep.NewTable("r", []string{"a"}, 2)
	require.NoError(t, tbl.Append(sweep.Command{Primary: 1, Paired: 3}, map[string]float64{"a": 1.1}))
	require.NoError(t, tbl.Append(sweep.Command{Primary: 2, Paired: 4}, map[string]float64{"a": 2.1}))
	b, err := json.Marshal(tbl)
	require.NoError(t, err)

	var back sweep.Table
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "r", back.Rail())
	assert.Equal(t, tbl.Points(), back.Points())
	assert.ErrorIs(t, back.Append(sweep.Command{}, map[string]float64{"a": 0}), sweep.ErrFrozen)
}
