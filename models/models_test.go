package models

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textcls/mlmc/features"
	"github.com/textcls/mlmc/hub"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestParseFamilyAndPooling(t *testing.T) {
	for _, name := range []string{"bert", "XLNet", " gpt2 "} {
		_, err := ParseFamily(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseFamily("roberta")
	assert.Error(t, err)
	assert.Equal(t, "gpt2", GPT2.String())

	testCases := map[string]Pooling{"first": PoolFirst, "last": PoolLast, "mean": PoolMean, "MAX": PoolMax, "min": PoolMin}
	for name, want := range testCases {
		got, err := ParsePooling(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = ParsePooling("median")
	assert.Error(t, err)
	assert.Equal(t, "mean", PoolMean.String())
}

func TestParseConfig(t *testing.T) {
	bert, err := ParseConfig(BERT, []byte(`{"model_type": "bert", "vocab_size": 100, "hidden_size": 32,
		"num_hidden_layers": 2, "num_attention_heads": 4, "intermediate_size": 64, "max_position_embeddings": 40,
		"type_vocab_size": 2, "hidden_dropout_prob": 0.2, "layer_norm_eps": 1e-6}`))
	require.NoError(t, err)
	assert.Equal(t, 100, bert.VocabSize)
	assert.Equal(t, 32, bert.HiddenSize)
	assert.Equal(t, 2, bert.NumLayers)
	assert.Equal(t, 8, bert.HeadDim())
	assert.Equal(t, 40, bert.MaxPositions)
	assert.Equal(t, 0.2, bert.HiddenDropout)
	assert.Equal(t, 0.2, bert.ClassifierDropout)
	assert.Equal(t, 0.1, bert.AttentionDropout, "missing fields keep defaults")
	assert.Equal(t, 1e-6, bert.LayerNormEpsilon)

	xlnet, err := ParseConfig(XLNet, []byte(`{"model_type": "xlnet", "d_model": 16, "n_layer": 3, "n_head": 2,
		"d_inner": 24, "dropout": 0.05, "summary_last_dropout": 0.3}`))
	require.NoError(t, err)
	assert.Equal(t, 16, xlnet.HiddenSize)
	assert.Equal(t, 3, xlnet.NumLayers)
	assert.Equal(t, 24, xlnet.IntermediateSize)
	assert.Equal(t, 0.05, xlnet.AttentionDropout)
	assert.Equal(t, 0.3, xlnet.ClassifierDropout)
	assert.Equal(t, 32000, xlnet.VocabSize)

	gpt2, err := ParseConfig(GPT2, []byte(`{"model_type": "gpt2", "n_embd": 24, "n_layer": 1, "n_head": 3,
		"n_ctx": 64, "layer_norm_epsilon": 1e-5}`))
	require.NoError(t, err)
	assert.Equal(t, 24, gpt2.HiddenSize)
	assert.Equal(t, 96, gpt2.IntermediateSize)
	assert.Equal(t, 64, gpt2.MaxPositions)
	assert.Equal(t, PoolMean, gpt2.Pooling)

	_, err = ParseConfig(BERT, []byte(`{"model_type": "gpt2"}`))
	assert.Error(t, err)
	_, err = ParseConfig(BERT, []byte(`{`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig(BERT)
	require.NoError(t, cfg.Validate())

	cfg.NumHeads = 7
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig(GPT2)
	cfg.NumLabels = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig(XLNet)
	cfg.MaxPositions = 0
	assert.NoError(t, cfg.Validate(), "XLNet has no learned positions")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(hub.NewFromDir(dir), GPT2)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(GPT2), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"n_embd": 8, "n_head": 2}`), 0644))
	cfg, err = LoadConfig(hub.NewFromDir(dir), GPT2)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.HiddenSize)
	assert.Equal(t, 32, cfg.IntermediateSize)
}

func assertMatrixInDelta(t *testing.T, want, got [][]float32) {
	require.Len(t, got, len(want))
	for ii := range want {
		require.Len(t, got[ii], len(want[ii]))
		for jj := range want[ii] {
			assert.InDelta(t, want[ii][jj], got[ii][jj], 1e-4, "element [%d][%d]", ii, jj)
		}
	}
}

func TestPool(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping graph test in short mode")
	}
	backend := backends.New()
	hidden := [][][]float32{
		{{1, 10}, {2, 20}, {3, 30}},
		{{4, -1}, {5, -2}, {6, -3}},
	}
	mask := [][]int32{{1, 1, 0}, {1, 1, 1}}
	testCases := map[Pooling][][]float32{
		PoolFirst: {{1, 10}, {4, -1}},
		PoolLast:  {{2, 20}, {6, -3}},
		PoolMean:  {{1.5, 15}, {5, -2}},
		PoolMax:   {{2, 20}, {6, -1}},
		PoolMin:   {{1, 10}, {4, -3}},
	}
	for pooling, want := range testCases {
		got := ExecOnce(backend, func(h, m *Node) *Node { return Pool(h, m, pooling) }, hidden, mask)
		assertMatrixInDelta(t, want, got.Value().([][]float32))
	}
}

func tinyConfig(family Family) *Config {
	cfg := DefaultConfig(family)
	cfg.VocabSize = 12
	cfg.HiddenSize = 8
	cfg.NumLayers = 1
	cfg.NumHeads = 2
	cfg.IntermediateSize = 16
	cfg.MaxPositions = 8
	cfg.NumLabels = 3
	return cfg
}

func TestHeads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping graph test in short mode")
	}
	backend := backends.New()
	ids := [][]int32{{2, 5, 6, 3, 0, 0}, {2, 7, 3, 0, 0, 0}}
	mask := [][]int32{{1, 1, 1, 1, 0, 0}, {1, 1, 1, 0, 0, 0}}
	segments := [][]int32{{0, 0, 0, 0, 0, 0}, {0, 0, 0, 0, 0, 0}}
	singleLabels := [][]int32{{2}, {0}}
	multiLabels := [][]float32{{1, 0, 1}, {0, 0, 0}}

	for _, family := range []Family{BERT, XLNet, GPT2} {
		for _, mode := range []features.LabelMode{features.SingleLabel, features.MultiLabel} {
			head, err := NewHead(family, mode, tinyConfig(family))
			require.NoError(t, err)
			ctx := context.New()
			exec := context.NewExec(backend, ctx, func(ctx *context.Context, ids, mask, segments, labels *Node) []*Node {
				logits, loss := head(ctx, Inputs{IDs: ids, Mask: mask, Segments: segments, Labels: labels})
				return []*Node{logits, loss}
			})
			var labels any = singleLabels
			if mode == features.MultiLabel {
				labels = multiLabels
			}
			outputs := exec.Call(ids, mask, segments, labels)
			logits := outputs[0].Value().([][]float32)
			require.Len(t, logits, 2, "%s %s", family, mode)
			assert.Len(t, logits[0], 3)
			loss := outputs[1].Value().(float32)
			assert.False(t, math.IsNaN(float64(loss)), "%s %s loss is NaN", family, mode)
			assert.Greater(t, loss, float32(0))
		}
	}
}

func TestNewHeadErrors(t *testing.T) {
	cfg := tinyConfig(BERT)
	cfg.NumLabels = 0
	_, err := NewHead(BERT, features.SingleLabel, cfg)
	assert.Error(t, err)

	_, err = NewHead(BERT, features.LabelMode(7), tinyConfig(BERT))
	assert.Error(t, err)
}
