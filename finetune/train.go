// Package finetune trains and evaluates the classifiers of package models on encoded features, and writes
// the evaluation results.
package finetune

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/models"
	"k8s.io/klog/v2"
)

const (
	// DefaultWeightDecay applied by AdamW. It applies to every variable, biases and layer norm scales included.
	DefaultWeightDecay = 0.01

	// InitializerStddev of the normal distribution used to initialize new weights.
	InitializerStddev = 0.02
)

// Options of Train.
type Options struct {
	NumEpochs    int
	LearningRate float64
	WeightDecay  float64

	// ProgressBar shows training progress on the terminal.
	ProgressBar bool
}

// TrainResult summarizes a training run.
type TrainResult struct {
	// GlobalStep is the number of optimizer steps taken.
	GlobalStep int

	// Loss is the mean training loss over the batches of the last epoch.
	Loss float64
}

// NewContext returns a GoMLX context whose new variables are drawn from a normal distribution with
// InitializerStddev. The initializer and the dropout random state are seeded with seed; a seed of 0
// (initializers.NoSeed) makes the initialization non-deterministic.
func NewContext(seed int64) *context.Context {
	ctx := context.New()
	ctx.SetParam(initializers.ParamInitialSeed, seed)
	ctx.RngStateFromSeed(seed)
	return ctx.WithInitializer(initializers.RandomNormalFn(ctx, InitializerStddev))
}

// Train runs opts.NumEpochs epochs over ds, updating the classifier variables in ctx with AdamW.
func Train(backend backends.Backend, ctx *context.Context, classifier *models.Classifier, ds *Dataset, opts Options) (
	result *TrainResult, err error) {
	if opts.NumEpochs <= 0 {
		return nil, errors.Errorf("number of training epochs must be positive, got %d", opts.NumEpochs)
	}
	ctx.SetParam(optimizers.ParamLearningRate, opts.LearningRate)
	optimizer := optimizers.Adam().WeightDecay(opts.WeightDecay).Done()
	trainer := train.NewTrainer(backend, ctx, classifier.ModelFn, classifier.LossFn, optimizer, nil, nil)
	loop := train.NewLoop(trainer)
	if opts.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	result = &TrainResult{}
	stepsPerEpoch := ds.NumBatches()
	var epochLossSum float64
	loop.OnStep("loss", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		// The first metric is the batch loss.
		batchLoss, ok := metrics[0].Value().(float32)
		if !ok {
			return errors.Errorf("unexpected batch loss value %v", metrics[0].Value())
		}
		if result.GlobalStep%stepsPerEpoch == 0 {
			epochLossSum = 0
		}
		epochLossSum += float64(batchLoss)
		result.GlobalStep++
		stepInEpoch := (result.GlobalStep-1)%stepsPerEpoch + 1
		result.Loss = epochLossSum / float64(stepInEpoch)
		if stepInEpoch == stepsPerEpoch {
			klog.V(1).Infof("Epoch %d: mean training loss %.4f", result.GlobalStep/stepsPerEpoch, result.Loss)
		}
		return nil
	})

	klog.Infof("***** Running training *****")
	klog.Infof("  Num examples = %d", ds.NumExamples())
	klog.Infof("  Num epochs = %d", opts.NumEpochs)
	klog.Infof("  Num steps = %d", stepsPerEpoch*opts.NumEpochs)

	exception := exceptions.TryCatch[error](func() {
		_, err = loop.RunEpochs(ds, opts.NumEpochs)
	})
	if exception != nil {
		return nil, errors.WithMessage(exception, "training failed")
	}
	if err != nil {
		return nil, errors.WithMessage(err, "training failed")
	}
	return result, nil
}
