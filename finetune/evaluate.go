package finetune

import (
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph" //nolint
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/features"
	"github.com/textcls/mlmc/metrics"
	"github.com/textcls/mlmc/models"
	"k8s.io/klog/v2"
)

// EvalResult holds the outputs of Evaluate.
type EvalResult struct {
	// Loss is the mean of the batch losses.
	Loss float64

	// Steps is the number of batches evaluated.
	Steps int

	// Logits of each example, in dataset order.
	Logits [][]float32

	// Gold labels: Indices for features.SingleLabel, MultiHot for features.MultiLabel.
	Gold Predictions
}

// Predictions of a classifier, or gold labels, in one of the two label encodings.
type Predictions struct {
	Indices  []int
	MultiHot [][]int
}

// Evaluate runs one pass over ds with the variables already in ctx (dropout disabled), and returns the
// mean loss, the logits and the gold labels.
func Evaluate(backend backends.Backend, ctx *context.Context, classifier *models.Classifier, ds *Dataset) (*EvalResult, error) {
	klog.Infof("***** Running evaluation *****")
	klog.Infof("  Num examples = %d", ds.NumExamples())

	result := &EvalResult{}
	exception := exceptions.TryCatch[error](func() {
		exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, ids, mask, segments, labels *Node) []*Node {
			logits, loss := classifier.Head(ctx, models.Inputs{IDs: ids, Mask: mask, Segments: segments, Labels: labels})
			return []*Node{logits, loss}
		})
		var lossSum float64
		ds.Reset()
		for {
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				panic(err)
			}
			outputs := exec.Call(inputs[0], inputs[1], inputs[2], labels[0])
			result.Logits = append(result.Logits, outputs[0].Value().([][]float32)...)
			lossSum += float64(outputs[1].Value().(float32))
			result.Steps++

			switch gold := labels[0].Value().(type) {
			case [][]int32:
				for _, row := range gold {
					result.Gold.Indices = append(result.Gold.Indices, int(row[0]))
				}
			case [][]float32:
				for _, row := range gold {
					multiHot := make([]int, len(row))
					for ii, v := range row {
						multiHot[ii] = int(v)
					}
					result.Gold.MultiHot = append(result.Gold.MultiHot, multiHot)
				}
			}
		}
		if result.Steps > 0 {
			result.Loss = lossSum / float64(result.Steps)
		}
	})
	if exception != nil {
		return nil, errors.WithMessage(exception, "evaluation failed")
	}
	return result, nil
}

// sigmoid of x.
func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}

// Predict converts logits to predictions: for features.MultiLabel each label whose sigmoid probability
// is at least threshold is predicted; for features.SingleLabel the arg-max label (the first on ties).
func Predict(logits [][]float32, mode features.LabelMode, threshold float64) Predictions {
	var preds Predictions
	if mode == features.MultiLabel {
		preds.MultiHot = make([][]int, len(logits))
		for ii, row := range logits {
			preds.MultiHot[ii] = make([]int, len(row))
			for jj, logit := range row {
				if sigmoid(logit) >= threshold {
					preds.MultiHot[ii][jj] = 1
				}
			}
		}
		return preds
	}
	preds.Indices = make([]int, len(logits))
	for ii, row := range logits {
		best := 0
		for jj, logit := range row {
			if logit > row[best] {
				best = jj
			}
		}
		preds.Indices[ii] = best
	}
	return preds
}

// Score computes the metrics of the predictions against the gold labels.
func Score(preds, gold Predictions, mode features.LabelMode, labelNames []string) (*metrics.Results, error) {
	if mode == features.MultiLabel {
		return metrics.Frame(preds.MultiHot, gold.MultiHot, labelNames)
	}
	return metrics.FrameIndices(preds.Indices, gold.Indices, labelNames)
}
