package models

import (
	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/features"
)

// Inputs of a classification head, all shaped [batch, seq] except Labels.
type Inputs struct {
	IDs      *Node
	Mask     *Node
	Segments *Node

	// Labels are [batch, 1] integer indices for features.SingleLabel, and a [batch, numLabels] multi-hot
	// for features.MultiLabel. They may be nil, when no loss is needed.
	Labels *Node
}

// Head builds the logits [batch, numLabels] and, if inputs.Labels is set, the scalar loss.
// If inputs.Labels is nil, the returned loss is nil.
type Head func(ctx *context.Context, inputs Inputs) (logits, loss *Node)

// Classifier is a transformer body of one family topped with a dropout and a dense output projection.
type Classifier struct {
	Config *Config
	Mode   features.LabelMode
}

// NewClassifier validates the configuration and returns the classifier for the label mode.
func NewClassifier(cfg *Config, mode features.LabelMode) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mode != features.SingleLabel && mode != features.MultiLabel {
		return nil, errors.Errorf("unknown label mode %s", mode)
	}
	return &Classifier{Config: cfg, Mode: mode}, nil
}

// NewHead returns the Head of the family for the label mode. cfg.Family is set to family.
func NewHead(family Family, mode features.LabelMode, cfg *Config) (Head, error) {
	cfg.Family = family
	c, err := NewClassifier(cfg, mode)
	if err != nil {
		return nil, err
	}
	return c.Head, nil
}

// Pooled returns the body's representation of each example, [batch, hidden].
func (c *Classifier) Pooled(ctx *context.Context, inputs Inputs) *Node {
	switch c.Config.Family {
	case BERT:
		return bertBody(ctx, inputs, c.Config)
	case XLNet:
		return xlnetBody(ctx, inputs, c.Config)
	case GPT2:
		return gpt2Body(ctx, inputs, c.Config)
	}
	panic(errors.Errorf("unknown model family %s", c.Config.Family))
}

// Logits returns the classification logits, [batch, numLabels].
func (c *Classifier) Logits(ctx *context.Context, inputs Inputs) *Node {
	pooled := c.Pooled(ctx, inputs)
	pooled = dropout(ctx, pooled, c.Config.ClassifierDropout)
	return layers.Dense(ctx.In("classifier"), pooled, true, c.Config.NumLabels)
}

// Loss returns the mean loss of the batch:
//
//   - SingleLabel with one label: mean squared error between the logit and the label index.
//   - SingleLabel: sparse softmax cross-entropy.
//   - MultiLabel: binary cross-entropy of the sigmoid of each logit against the multi-hot labels.
func (c *Classifier) Loss(labels, logits *Node) *Node {
	batchSize := logits.Shape().Dim(0)
	var loss *Node
	switch {
	case c.Mode == features.MultiLabel:
		labels = ConvertDType(labels, logits.DType())
		loss = losses.BinaryCrossentropyLogits([]*Node{labels}, []*Node{logits})
	case c.Config.NumLabels == 1:
		labels = Reshape(ConvertDType(labels, logits.DType()), batchSize, 1)
		loss = losses.MeanSquaredError([]*Node{labels}, []*Node{logits})
	default:
		labels = Reshape(ConvertDType(labels, dtypes.Int32), batchSize, 1)
		loss = losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits})
	}
	return ReduceAllMean(loss)
}

// Head implements the Head function type.
func (c *Classifier) Head(ctx *context.Context, inputs Inputs) (logits, loss *Node) {
	logits = c.Logits(ctx, inputs)
	if inputs.Labels != nil {
		loss = c.Loss(inputs.Labels, logits)
	}
	return
}

// ModelFn adapts the classifier to a GoMLX train.ModelFn: inputs are ids, mask and segments, and the
// only output is the logits.
func (c *Classifier) ModelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{c.Logits(ctx, Inputs{IDs: inputs[0], Mask: inputs[1], Segments: inputs[2]})}
}

// LossFn adapts the classifier to a GoMLX train.LossFn.
func (c *Classifier) LossFn(labels, predictions []*Node) *Node {
	return c.Loss(labels[0], predictions[0])
}
