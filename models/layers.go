package models

import (
	"math"

	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// embed looks up ids [batch, seq] in a [vocabSize, dim] embedding table, returning [batch, seq, dim].
func embed(ctx *context.Context, name string, ids *Node, vocabSize, dim int) *Node {
	g := ids.Graph()
	table := ctx.VariableWithShape(name, shapes.Make(dtypes.Float32, vocabSize, dim)).ValueGraph(g)
	dims := append([]int{}, ids.Shape().Dimensions...)
	indices := Reshape(ConvertDType(ids, dtypes.Int32), append(dims, 1)...)
	return Gather(table, indices)
}

// learnedPositions returns the embeddings of positions 0..seqLen-1, shaped [1, seqLen, dim] to broadcast
// over the batch.
func learnedPositions(ctx *context.Context, g *Graph, seqLen, maxPositions, dim int) *Node {
	positions := Iota(g, shapes.Make(dtypes.Int32, seqLen, 1), 0)
	table := ctx.VariableWithShape("positions", shapes.Make(dtypes.Float32, maxPositions, dim)).ValueGraph(g)
	return Reshape(Gather(table, positions), 1, seqLen, dim)
}

// sinusoidalPositions returns the fixed sin/cos encodings of positions 0..seqLen-1, shaped [1, seqLen, dim].
func sinusoidalPositions(g *Graph, seqLen, dim int) *Node {
	half := dim / 2
	invFreq := make([]float32, half)
	for ii := range invFreq {
		invFreq[ii] = float32(1.0 / math.Pow(10000, float64(2*ii)/float64(dim)))
	}
	positions := ConvertDType(Iota(g, shapes.Make(dtypes.Int32, seqLen, 1), 0), dtypes.Float32)
	angles := Mul(positions, Reshape(Const(g, invFreq), 1, half)) // [seqLen, half]
	encodings := Concatenate([]*Node{Sin(angles), Cos(angles)}, 1)
	if 2*half < dim {
		encodings = Concatenate([]*Node{encodings, ZerosLike(Slice(encodings, AxisRange(), AxisElem(0)))}, 1)
	}
	return Reshape(encodings, 1, seqLen, dim)
}

// gelu is the tanh approximation of the Gaussian Error Linear Unit used by BERT, XLNet and GPT-2.
func gelu(x *Node) *Node {
	const sqrt2OverPi = 0.7978845608028654
	cube := Mul(Mul(x, x), x)
	inner := MulScalar(Add(x, MulScalar(cube, 0.044715)), sqrt2OverPi)
	return Mul(MulScalar(x, 0.5), AddScalar(Tanh(inner), 1))
}

// layerNorm normalizes over the last axis.
func layerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(epsilon).Done()
}

// keyMask converts an integer mask [batch, seq] to the boolean mask used by the attention layers.
func keyMask(mask *Node) *Node {
	return GreaterThan(mask, ZerosLike(mask))
}

// selfAttention attends x to itself, ignoring padded keys. The output has the same shape as x.
func selfAttention(ctx *context.Context, x, boolMask *Node, cfg *Config, causal bool) *Node {
	attention := layers.MultiHeadAttention(ctx, x, x, x, cfg.NumHeads, cfg.HeadDim()).
		SetKeyMask(boolMask).
		Dropout(cfg.AttentionDropout)
	if causal {
		attention = attention.UseCausalMask()
	}
	return attention.Done()
}

// feedForward is the position-wise two layer network of a transformer block.
func feedForward(ctx *context.Context, x *Node, cfg *Config) *Node {
	h := layers.Dense(ctx.In("intermediate"), x, true, cfg.IntermediateSize)
	h = gelu(h)
	return layers.Dense(ctx.In("output"), h, true, cfg.HiddenSize)
}

// dropout is only active during training.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.DropoutStatic(ctx, x, rate)
}
