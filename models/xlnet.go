package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// xlnetBody is a post-norm bidirectional encoder with sinusoidal positions and segment embeddings.
// Its sequence summary is the final state of the last real token through a tanh projection.
//
// The permutation language modeling stream and the relative attention of the pre-trained XLNet are not
// used for fine-tuning a classifier, and are left out.
func xlnetBody(ctx *context.Context, inputs Inputs, cfg *Config) *Node {
	ctx = ctx.In("xlnet")
	g := inputs.IDs.Graph()
	seqLen := inputs.IDs.Shape().Dim(1)

	embCtx := ctx.In("embeddings")
	x := embed(embCtx, "words", inputs.IDs, cfg.VocabSize, cfg.HiddenSize)
	x = Add(x, sinusoidalPositions(g, seqLen, cfg.HiddenSize))
	x = Add(x, embed(embCtx, "segments", inputs.Segments, max(cfg.TypeVocabSize, 1), cfg.HiddenSize))
	x = dropout(embCtx, x, cfg.HiddenDropout)

	boolMask := keyMask(inputs.Mask)
	for layerIdx := range cfg.NumLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%03d", layerIdx))
		attention := selfAttention(layerCtx.In("attention"), x, boolMask, cfg, false)
		attention = dropout(layerCtx, attention, cfg.HiddenDropout)
		x = layerNorm(layerCtx.In("attention_norm"), Add(x, attention), cfg.LayerNormEpsilon)

		ff := feedForward(layerCtx, x, cfg)
		ff = dropout(layerCtx, ff, cfg.HiddenDropout)
		x = layerNorm(layerCtx.In("output_norm"), Add(x, ff), cfg.LayerNormEpsilon)
	}

	last := Pool(x, inputs.Mask, PoolLast)
	return Tanh(layers.Dense(ctx.In("summary"), last, true, cfg.HiddenSize))
}
