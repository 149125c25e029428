// mlmc fine-tunes a BERT, XLNet or GPT-2 model for single-label or multi-label text classification, evaluates
// it and writes the evaluation results.
//
// The train and evaluation files are tab-separated, with a header and the columns "data" (the text) and
// "labels" (comma-separated label names). The task is single-label if every example has exactly one label,
// and multi-label otherwise.
//
// Usage:
//
//	mlmc --train_file=train.tsv --eval_file=dev.tsv --model=bert
//	mlmc --train_file=train.tsv --eval_file=dev.tsv --model=gpt2 --gpt2_classification_type=max --gpu=-1
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc"
	"github.com/textcls/mlmc/dataset"
	"github.com/textcls/mlmc/features"
	"github.com/textcls/mlmc/finetune"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/metrics"
	"github.com/textcls/mlmc/models"
	"github.com/textcls/mlmc/tokenizers"
	"github.com/textcls/mlmc/tokenizers/api"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

type args struct {
	TrainFile string `arg:"--train_file,required" help:"tab-separated training file with \"data\" and \"labels\" columns"`
	EvalFile  string `arg:"--eval_file,required" help:"tab-separated evaluation file with \"data\" and \"labels\" columns"`
	Model     string `arg:"--model,required" help:"model family: bert, xlnet or gpt2"`

	BertModel              string `arg:"--bert_model" default:"bert-base-uncased" help:"HuggingFace id or local directory of the BERT model"`
	XLNetModel             string `arg:"--xlnet_model" default:"xlnet-base-cased" help:"HuggingFace id or local directory of the XLNet model"`
	GPT2Model              string `arg:"--gpt2_model" default:"gpt2" help:"HuggingFace id or local directory of the GPT-2 model"`
	GPT2ClassificationType string `arg:"--gpt2_classification_type" default:"mean" help:"GPT-2 pooling: first, last, mean, max or min"`

	TrainBatchSize int     `arg:"--train_batch_size" default:"32" help:"batch size for training"`
	EvalBatchSize  int     `arg:"--eval_batch_size" default:"32" help:"batch size for evaluation"`
	LearningRate   float64 `arg:"--learning_rate" default:"2e-5" help:"initial learning rate of AdamW"`
	NumTrainEpochs int     `arg:"--num_train_epochs" default:"4" help:"number of training epochs"`
	ProbThreshold  float64 `arg:"--prob_threshold" default:"0.5" help:"probability threshold for multi-label predictions"`
	MaxSeqLength   int     `arg:"--max_seq_length" default:"128" help:"maximum total input sequence length after tokenization"`
	GPU            int     `arg:"--gpu" default:"0" help:"GPU index, or -1 to run on the CPU"`
	Seed           int64   `arg:"--seed" default:"42" help:"random seed for initialization and shuffling"`

	InitCheckpoint string `arg:"--init_checkpoint" help:"GoMLX checkpoint directory to initialize the model weights from"`
	SaveCheckpoint string `arg:"--save_checkpoint" help:"empty or new directory where to save the fine-tuned weights"`
	OutputDir      string `arg:"--output_dir" default:"." help:"directory of the results file"`
	HFToken        string `arg:"--hf_token,env:HF_TOKEN" help:"HuggingFace authentication token"`
	Verbosity      int    `arg:"-v,--verbosity" default:"0" help:"log verbosity level"`
}

func (args) Version() string {
	return "mlmc " + mlmc.Version
}

func main() {
	var a args
	arg.MustParse(&a)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	_ = klogFlags.Set("v", strconv.Itoa(a.Verbosity))
	defer klog.Flush()

	if err := run(&a); err != nil {
		klog.Fatalf("mlmc failed: %+v", err)
	}
}

// modelID returns the model id (or directory) for the family.
func (a *args) modelID(family models.Family) string {
	switch family {
	case models.XLNet:
		return a.XLNetModel
	case models.GPT2:
		return a.GPT2Model
	default:
		return a.BertModel
	}
}

func newBackend(gpu int) (backend backends.Backend, err error) {
	config := "xla:cpu"
	if gpu >= 0 {
		config = "xla:cuda"
		if os.Getenv("CUDA_VISIBLE_DEVICES") == "" {
			_ = os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(gpu))
		}
	}
	exception := exceptions.TryCatch[error](func() {
		backend = backends.NewWithConfig(config)
	})
	if exception != nil {
		return nil, errors.WithMessagef(exception, "failed to create backend %q", config)
	}
	return backend, nil
}

// setup holds what run prepares before creating the backend.
type setup struct {
	modelID       string
	mode          features.LabelMode
	labels        []string
	trainFeatures []*features.Feature
	evalFeatures  []*features.Feature
	classifier    *models.Classifier
	resultsFile   string

	// warnings logged while preparing.
	warnings []string
}

func (s *setup) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	klog.Warning(msg)
	s.warnings = append(s.warnings, msg)
}

// prepare reads the model repo and the data files, and builds the features and the classifier.
func prepare(a *args) (*setup, error) {
	family, err := models.ParseFamily(a.Model)
	if err != nil {
		return nil, err
	}
	s := &setup{modelID: a.modelID(family)}
	repo := hub.NewFromIdOrDir(s.modelID).WithProgressBar(true)
	if a.HFToken != "" {
		repo = repo.WithAuth(a.HFToken)
	}
	repo.Verbosity = a.Verbosity
	if info := repo.Info(); info != nil && info.Config.ModelType != "" {
		if repoFamily, err := models.ParseFamily(info.Config.ModelType); err != nil || repoFamily != family {
			s.warnf("Repo %q has model_type %q, but it is being used as --model=%s", repo, info.Config.ModelType, family)
		}
	}

	// Tokenizer.
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer for %q", s.modelID)
	}
	if tokConfig, err := tokenizers.GetConfig(repo); err == nil && tokConfig.ModelMaxLength > 0 &&
		float64(a.MaxSeqLength) > tokConfig.ModelMaxLength {
		s.warnf("--max_seq_length=%d is larger than the model_max_length=%g of the tokenizer of %q",
			a.MaxSeqLength, tokConfig.ModelMaxLength, s.modelID)
	}
	layout := features.LayoutClassifierFirst
	if family == models.GPT2 {
		// GPT-2 has no classification token: it is added to the vocabulary, and placed at the end.
		adder, ok := tok.(api.SpecialTokenAdder)
		if !ok {
			return nil, errors.Errorf("tokenizer of %q can't add special tokens", s.modelID)
		}
		adder.AddSpecialToken(api.TokClassification, "[CLS]")
		layout = features.LayoutClassifierLast
	}

	// Examples and labels.
	processor := &dataset.Processor{}
	trainExamples, err := processor.TrainExamples(a.TrainFile)
	if err != nil {
		return nil, err
	}
	evalExamples, err := processor.DevExamples(a.EvalFile)
	if err != nil {
		return nil, err
	}
	s.labels = dataset.LabelVocabulary(trainExamples, evalExamples)
	s.mode = features.DetectLabelMode(trainExamples, evalExamples)
	klog.Infof("%s train examples, %s eval examples, %d labels (%s): %q",
		humanize.Comma(int64(len(trainExamples))), humanize.Comma(int64(len(evalExamples))), len(s.labels), s.mode, s.labels)

	// Features.
	encoder := &features.Encoder{Tokenizer: tok, MaxSeqLength: a.MaxSeqLength, Layout: layout, Labels: s.labels}
	if s.trainFeatures, err = encoder.Convert(trainExamples, s.mode); err != nil {
		return nil, errors.WithMessage(err, "failed to encode train examples")
	}
	if s.evalFeatures, err = encoder.Convert(evalExamples, s.mode); err != nil {
		return nil, errors.WithMessage(err, "failed to encode eval examples")
	}

	// Model.
	cfg, err := models.LoadConfig(repo, family)
	if err != nil {
		return nil, err
	}
	cfg.NumLabels = len(s.labels)
	cfg.VocabSize = max(cfg.VocabSize, tok.VocabSize())
	if family == models.GPT2 {
		cfg.Pooling, err = models.ParsePooling(a.GPT2ClassificationType)
		if err != nil {
			return nil, err
		}
	}
	if family != models.XLNet && a.MaxSeqLength > cfg.MaxPositions {
		return nil, errors.Errorf("--max_seq_length=%d is larger than the %d positions of %q", a.MaxSeqLength, cfg.MaxPositions, s.modelID)
	}
	if s.classifier, err = models.NewClassifier(cfg, s.mode); err != nil {
		return nil, err
	}
	if a.InitCheckpoint == "" {
		s.warnf("No --init_checkpoint given: %s weights are randomly initialized", s.modelID)
	}
	s.resultsFile = finetune.ResultsFileName(a.OutputDir, s.modelID, filepath.Base(a.TrainFile))
	return s, nil
}

func run(a *args) error {
	s, err := prepare(a)
	if err != nil {
		return err
	}
	backend, err := newBackend(a.GPU)
	if err != nil {
		return err
	}
	klog.Infof("Backend: %s", backend.Name())

	ctx := finetune.NewContext(a.Seed)
	if a.InitCheckpoint != "" {
		if err = finetune.LoadCheckpoint(ctx, a.InitCheckpoint); err != nil {
			return err
		}
	}

	// Train.
	trainDS, err := finetune.NewDataset("train", s.trainFeatures, s.mode, len(s.labels), a.TrainBatchSize, true, a.Seed)
	if err != nil {
		return err
	}
	trainResult, err := finetune.Train(backend, ctx, s.classifier, trainDS, finetune.Options{
		NumEpochs:    a.NumTrainEpochs,
		LearningRate: a.LearningRate,
		WeightDecay:  finetune.DefaultWeightDecay,
		ProgressBar:  true,
	})
	if err != nil {
		return err
	}
	if a.SaveCheckpoint != "" {
		if err = finetune.SaveCheckpoint(ctx, a.SaveCheckpoint); err != nil {
			return err
		}
	}

	// Evaluate.
	evalDS, err := finetune.NewDataset("eval", s.evalFeatures, s.mode, len(s.labels), a.EvalBatchSize, false, a.Seed)
	if err != nil {
		return err
	}
	evalResult, err := finetune.Evaluate(backend, ctx, s.classifier, evalDS)
	if err != nil {
		return err
	}
	preds := finetune.Predict(evalResult.Logits, s.mode, a.ProbThreshold)
	scores, err := finetune.Score(preds, evalResult.Gold, s.mode, s.labels)
	if err != nil {
		return err
	}

	results := map[string]any{
		finetune.KeyEvalLoss:   evalResult.Loss,
		finetune.KeyGlobalStep: trainResult.GlobalStep,
		finetune.KeyLoss:       trainResult.Loss,
	}
	for key, value := range scores.Map() {
		results[key] = value
	}
	klog.Infof("%s = %.4f, %s = %.4f", metrics.KeyF1Micro, scores.F1Micro, metrics.KeyF1Macro, scores.F1Macro)

	if err = os.MkdirAll(a.OutputDir, hub.DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", a.OutputDir)
	}
	return finetune.WriteResults(s.resultsFile, results)
}
