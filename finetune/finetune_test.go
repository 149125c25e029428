package finetune

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textcls/mlmc/features"
	"github.com/textcls/mlmc/metrics"
	"github.com/textcls/mlmc/models"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func makeFeatures(n, seqLen int, multiLabel bool) []*features.Feature {
	feats := make([]*features.Feature, n)
	for ii := range feats {
		f := &features.Feature{
			InputIDs:   make([]int, seqLen),
			InputMask:  make([]int, seqLen),
			SegmentIDs: make([]int, seqLen),
		}
		f.InputIDs[0], f.InputMask[0] = ii+1, 1
		if multiLabel {
			f.Label.MultiHot = []int{ii % 2, 1 - ii%2}
		} else {
			f.Label.Index = ii % 2
		}
		feats[ii] = f
	}
	return feats
}

func TestDatasetBatches(t *testing.T) {
	ds, err := NewDataset("eval", makeFeatures(5, 4, false), features.SingleLabel, 2, 2, false, 0)
	require.NoError(t, err)
	assert.Equal(t, "eval", ds.Name())
	assert.Equal(t, 3, ds.NumBatches())

	var batchSizes []int
	var firstIDs []int32
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 3)
		ids := inputs[0].Value().([][]int32)
		batchSizes = append(batchSizes, len(ids))
		for _, row := range ids {
			assert.Len(t, row, 4)
			firstIDs = append(firstIDs, row[0])
		}
		gold := labels[0].Value().([][]int32)
		assert.Len(t, gold, len(ids))
		assert.Len(t, gold[0], 1)
	}
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, firstIDs, "sequential order without shuffle")

	// After a reset it starts over.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, int32(1), inputs[0].Value().([][]int32)[0][0])
}

func TestDatasetShuffleAndMultiLabel(t *testing.T) {
	ds, err := NewDataset("train", makeFeatures(6, 3, true), features.MultiLabel, 2, 6, true, 42)
	require.NoError(t, err)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	ids := inputs[0].Value().([][]int32)
	seen := make(map[int32]bool)
	for _, row := range ids {
		seen[row[0]] = true
	}
	assert.Len(t, seen, 6, "every example appears once per epoch")
	gold := labels[0].Value().([][]float32)
	require.Len(t, gold, 6)
	for ii, row := range ids {
		idx := int(row[0]) - 1
		assert.Equal(t, []float32{float32(idx % 2), float32(1 - idx%2)}, gold[ii])
	}
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestNewDatasetErrors(t *testing.T) {
	_, err := NewDataset("empty", nil, features.SingleLabel, 2, 2, false, 0)
	assert.Error(t, err)
	_, err = NewDataset("batch", makeFeatures(2, 3, false), features.SingleLabel, 2, 0, false, 0)
	assert.Error(t, err)
	_, err = NewDataset("labels", makeFeatures(2, 3, true), features.MultiLabel, 3, 2, false, 0)
	assert.Error(t, err)
}

func TestPredict(t *testing.T) {
	logits := [][]float32{{0.1, -0.2, 2}, {-3, 0, 5}}

	single := Predict(logits, features.SingleLabel, 0.5)
	assert.Equal(t, []int{2, 2}, single.Indices)
	assert.Nil(t, single.MultiHot)

	// Ties pick the first.
	assert.Equal(t, []int{0}, Predict([][]float32{{1, 1}}, features.SingleLabel, 0.5).Indices)

	multi := Predict(logits, features.MultiLabel, 0.5)
	assert.Equal(t, [][]int{{1, 0, 1}, {0, 1, 1}}, multi.MultiHot)

	// With threshold 0.5 a label is predicted iff its logit is non-negative.
	for _, logit := range []float32{-4, -0.01, 0, 0.01, 3} {
		got := Predict([][]float32{{logit}}, features.MultiLabel, 0.5).MultiHot[0][0]
		assert.Equal(t, logit >= 0, got == 1, "logit %g", logit)
	}
	assert.Equal(t, [][]int{{0, 0, 1}, {0, 0, 1}}, Predict(logits, features.MultiLabel, 0.8).MultiHot)
	assert.InDelta(t, 1/(1+math.Exp(-2)), sigmoid(2), 1e-12)
}

func TestScore(t *testing.T) {
	r, err := Score(Predictions{Indices: []int{0, 1, 0}}, Predictions{Indices: []int{0, 1, 1}}, features.SingleLabel,
		[]string{"x", "y"})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, r.F1Micro, 1e-9)

	r, err = Score(Predictions{MultiHot: [][]int{{1, 0}}}, Predictions{MultiHot: [][]int{{1, 0}}}, features.MultiLabel,
		[]string{"x", "y"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.F1Micro, 1e-9)
}

func TestResultsFile(t *testing.T) {
	dir := t.TempDir()
	filePath := ResultsFileName(dir, "org/bert-small", "/data/sets/toxic.train.tsv")
	assert.Equal(t, filepath.Join(dir, "eval_results_org_bert-small_toxic.txt"), filePath)

	results := map[string]any{
		KeyLoss:                   0.5,
		KeyGlobalStep:             12,
		KeyEvalLoss:               float64(2) / 3,
		metrics.KeyF1Micro:        1.0,
		metrics.KeyReport:         "report",
		metrics.KeyPrecisionMacro: float32(0.25),
	}
	require.NoError(t, WriteResults(filePath, results))
	content, err := os.ReadFile(filePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	assert.Equal(t, []string{
		"Classification report = report",
		"F1 score, Micro = 1",
		"Precision, Macro = 0.25",
		"eval_loss = 0.6666666666666666",
		"global_step = 12",
		"loss = 0.5",
	}, lines)

	assert.Error(t, WriteResults(filepath.Join(dir, "missing", "results.txt"), results))
}

func TestTrainAndEvaluate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := backends.New()
	for _, mode := range []features.LabelMode{features.SingleLabel, features.MultiLabel} {
		cfg := models.DefaultConfig(models.BERT)
		cfg.VocabSize, cfg.HiddenSize, cfg.NumLayers, cfg.NumHeads = 16, 8, 1, 2
		cfg.IntermediateSize, cfg.MaxPositions, cfg.NumLabels = 16, 8, 2
		classifier, err := models.NewClassifier(cfg, mode)
		require.NoError(t, err)

		feats := makeFeatures(8, 6, mode == features.MultiLabel)
		trainDS, err := NewDataset("train", feats, mode, 2, 4, true, 1)
		require.NoError(t, err)
		evalDS, err := NewDataset("eval", feats, mode, 2, 3, false, 1)
		require.NoError(t, err)

		ctx := NewContext(1)
		trainResult, err := Train(backend, ctx, classifier, trainDS, Options{NumEpochs: 2, LearningRate: 1e-3,
			WeightDecay: DefaultWeightDecay})
		require.NoError(t, err)
		assert.Equal(t, 4, trainResult.GlobalStep)
		assert.False(t, math.IsNaN(trainResult.Loss))

		evalResult, err := Evaluate(backend, ctx, classifier, evalDS)
		require.NoError(t, err)
		assert.Equal(t, 3, evalResult.Steps)
		assert.Len(t, evalResult.Logits, 8)
		preds := Predict(evalResult.Logits, mode, 0.5)
		_, err = Score(preds, evalResult.Gold, mode, []string{"a", "b"})
		require.NoError(t, err)

		checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
		require.NoError(t, SaveCheckpoint(ctx, checkpointDir))
		assert.Error(t, SaveCheckpoint(ctx, checkpointDir), "directory is not empty anymore")
		restored := NewContext(2)
		require.NoError(t, LoadCheckpoint(restored, checkpointDir))
		restoredResult, err := Evaluate(backend, restored, classifier, evalDS)
		require.NoError(t, err)
		require.Len(t, restoredResult.Logits, len(evalResult.Logits))
		for ii, row := range restoredResult.Logits {
			assert.InDeltaSlice(t, evalResult.Logits[ii], row, 1e-5, "example %d", ii)
		}
	}
}

func TestNewContext(t *testing.T) {
	ctx := NewContext(7)
	assert.Equal(t, int64(7), context.GetParamOr(ctx, initializers.ParamInitialSeed, initializers.NoSeed))
}
