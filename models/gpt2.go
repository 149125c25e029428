package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
)

// gpt2Body is a pre-norm causal decoder with learned positions and a final layer normalization. The hidden
// states are reduced with cfg.Pooling.
func gpt2Body(ctx *context.Context, inputs Inputs, cfg *Config) *Node {
	ctx = ctx.In("gpt2")
	g := inputs.IDs.Graph()
	seqLen := inputs.IDs.Shape().Dim(1)

	embCtx := ctx.In("embeddings")
	x := embed(embCtx, "words", inputs.IDs, cfg.VocabSize, cfg.HiddenSize)
	x = Add(x, learnedPositions(embCtx, g, seqLen, cfg.MaxPositions, cfg.HiddenSize))
	x = dropout(embCtx, x, cfg.HiddenDropout)

	boolMask := keyMask(inputs.Mask)
	for layerIdx := range cfg.NumLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%03d", layerIdx))
		h := layerNorm(layerCtx.In("attention_norm"), x, cfg.LayerNormEpsilon)
		h = selfAttention(layerCtx.In("attention"), h, boolMask, cfg, true)
		x = Add(x, dropout(layerCtx, h, cfg.HiddenDropout))

		h = layerNorm(layerCtx.In("mlp_norm"), x, cfg.LayerNormEpsilon)
		h = feedForward(layerCtx.In("mlp"), h, cfg)
		x = Add(x, dropout(layerCtx, h, cfg.HiddenDropout))
	}
	x = layerNorm(ctx.In("final_norm"), x, cfg.LayerNormEpsilon)
	return Pool(x, inputs.Mask, cfg.Pooling)
}
