package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delta = 1e-9

func TestFrameIndices(t *testing.T) {
	r, err := FrameIndices([]int{0, 1, 0}, []int{0, 1, 1}, []string{"x", "y"})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, r.F1Micro, delta)
	assert.InDelta(t, 2.0/3.0, r.PrecisionMicro, delta)
	assert.InDelta(t, 2.0/3.0, r.RecallMicro, delta)
	assert.InDelta(t, 0.75, r.PrecisionMacro, delta)
	assert.InDelta(t, 0.75, r.RecallMacro, delta)
	assert.InDelta(t, 2.0/3.0, r.F1Macro, delta)
	require.Len(t, r.Classes, 2)
	assert.Equal(t, 1, r.Classes[0].Support)
	assert.Equal(t, 2, r.Classes[1].Support)
	assert.NotEmpty(t, r.Report)
	assert.Contains(t, r.Report, "precision")
	assert.Contains(t, r.Report, "weighted avg")
	assert.Contains(t, r.Report, "x")

	m := r.Map()
	assert.Len(t, m, 7)
	assert.Equal(t, r.Report, m[KeyReport])
	assert.Equal(t, r.F1Micro, m[KeyF1Micro])
}

func TestFrameIndicesMacroOnlyOverPresentLabels(t *testing.T) {
	// Label "z" never appears: it doesn't pull the macro averages down.
	r, err := FrameIndices([]int{0, 1}, []int{0, 1}, []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.F1Macro, delta)
	assert.InDelta(t, 1.0, r.F1Micro, delta)
	assert.Contains(t, r.Report, "z")

	_, err = FrameIndices([]int{0, 3}, []int{0, 1}, []string{"x", "y", "z"})
	assert.Error(t, err)
	_, err = FrameIndices([]int{0}, []int{0, 1}, []string{"x", "y"})
	assert.Error(t, err)
}

func TestFrameMultiLabel(t *testing.T) {
	preds := [][]int{{1, 0, 1}, {0, 1, 0}, {0, 0, 0}}
	gold := [][]int{{1, 1, 0}, {0, 1, 0}, {0, 0, 0}}
	r, err := Frame(preds, gold, []string{"a", "b", "c"})
	require.NoError(t, err)
	// TP=2 (a in 0, b in 1), FP=1 (c in 0), FN=1 (b in 0).
	assert.InDelta(t, 2.0/3.0, r.PrecisionMicro, delta)
	assert.InDelta(t, 2.0/3.0, r.RecallMicro, delta)
	assert.InDelta(t, 2.0/3.0, r.F1Micro, delta)
	// a: P=1 R=1; b: P=1 R=0.5; c: P=0 (zero division for recall too).
	assert.InDelta(t, 2.0/3.0, r.PrecisionMacro, delta)
	assert.InDelta(t, 0.5, r.RecallMacro, delta)
	assert.InDelta(t, (1.0+2.0/3.0+0)/3.0, r.F1Macro, delta)
	assert.Equal(t, 0, r.Classes[2].Support)

	_, err = Frame([][]int{{1, 0}}, [][]int{{1, 0, 0}}, []string{"a", "b", "c"})
	assert.Error(t, err)
}

func TestFrameNoPositives(t *testing.T) {
	r, err := Frame([][]int{{0, 0}}, [][]int{{0, 0}}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.F1Micro)
	assert.Equal(t, 0.0, r.F1Macro)
	assert.NotEmpty(t, r.Report)
}
