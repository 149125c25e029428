package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// bertBody is a post-norm transformer encoder with word, position and token type embeddings. It returns
// the pooled representation [batch, hidden]: the final state of the first ([CLS]) token through a tanh
// projection.
func bertBody(ctx *context.Context, inputs Inputs, cfg *Config) *Node {
	ctx = ctx.In("bert")
	g := inputs.IDs.Graph()
	seqLen := inputs.IDs.Shape().Dim(1)

	embCtx := ctx.In("embeddings")
	x := embed(embCtx, "words", inputs.IDs, cfg.VocabSize, cfg.HiddenSize)
	x = Add(x, learnedPositions(embCtx, g, seqLen, cfg.MaxPositions, cfg.HiddenSize))
	x = Add(x, embed(embCtx, "token_types", inputs.Segments, max(cfg.TypeVocabSize, 1), cfg.HiddenSize))
	x = layerNorm(embCtx.In("norm"), x, cfg.LayerNormEpsilon)
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

	first := Pool(x, inputs.Mask, PoolFirst)
	return Tanh(layers.Dense(ctx.In("pooler"), first, true, cfg.HiddenSize))
}
