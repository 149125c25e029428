package models

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/pkg/errors"
)

// Pooling reduces the hidden states of a sequence, shaped [batch, seq, hidden], to one vector per example.
type Pooling int

const (
	PoolFirst Pooling = iota
	PoolLast
	PoolMean
	PoolMax
	PoolMin
)

var poolingNames = []string{"first", "last", "mean", "max", "min"}

// String implements fmt.Stringer.
func (p Pooling) String() string {
	if p < 0 || int(p) >= len(poolingNames) {
		return fmt.Sprintf("Pooling(%d)", int(p))
	}
	return poolingNames[p]
}

// ParsePooling converts one of "first", "last", "mean", "max" or "min" to a Pooling.
func ParsePooling(name string) (Pooling, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, poolingName := range poolingNames {
		if name == poolingName {
			return Pooling(ii), nil
		}
	}
	return 0, errors.Errorf("unknown pooling %q, valid values are %q", name, poolingNames)
}

// maskedFill is added to masked out positions before a max (and subtracted before a min).
const maskedFill = 1e9

// Pool reduces hidden [batch, seq, hidden] to [batch, hidden], considering only the positions where
// mask [batch, seq] is non-zero. The mask must be a prefix of ones followed by zeros, as produced by
// features.Encoder: "last" is the last non-zero position.
//
// Examples with no valid positions pool to zeros for "mean" and "last".
func Pool(hidden, mask *Node, pooling Pooling) *Node {
	batchSize, seqLen, hiddenSize := hidden.Shape().Dim(0), hidden.Shape().Dim(1), hidden.Shape().Dim(2)
	mask = ConvertDType(mask, hidden.DType())
	mask3 := Reshape(mask, batchSize, seqLen, 1)

	switch pooling {
	case PoolFirst:
		return Reshape(Slice(hidden, AxisRange(), AxisElem(0), AxisRange()), batchSize, hiddenSize)

	case PoolLast:
		// The last valid position is where the mask is 1 and the next position is 0.
		next := Concatenate([]*Node{
			Slice(mask, AxisRange(), AxisRange(1)),
			ZerosLike(Slice(mask, AxisRange(), AxisElem(0))),
		}, 1)
		selector := Reshape(Sub(mask, next), batchSize, seqLen, 1)
		return ReduceSum(Mul(hidden, selector), 1)

	case PoolMean:
		sum := ReduceSum(Mul(hidden, mask3), 1)
		count := ReduceSum(mask3, 1) // [batch, 1]
		count = Max(count, OnesLike(count))
		return Div(sum, count)

	case PoolMax:
		offset := MulScalar(AddScalar(mask3, -1), maskedFill) // 0 for valid positions, -maskedFill otherwise.
		return ReduceMax(Add(hidden, offset), 1)

	case PoolMin:
		offset := MulScalar(AddScalar(mask3, -1), maskedFill)
		return ReduceMin(Sub(hidden, offset), 1)
	}
	panic(errors.Errorf("unknown pooling %s", pooling))
}
