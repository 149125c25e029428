// Package models implements the transformer bodies (BERT, XLNet and GPT-2 families) and the sequence
// classification heads on top of them, as GoMLX graphs.
//
// Model hyper-parameters are read from the "config.json" of a HuggingFace repo, with each family's own
// field names. Weights are GoMLX context variables: they are either freshly initialized or loaded from a
// GoMLX checkpoint.
package models

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/textcls/mlmc/hub"
)

// ConfigFile is the name of the model configuration in a HuggingFace repo.
const ConfigFile = "config.json"

// Family of transformer models.
type Family int

const (
	BERT Family = iota
	XLNet
	GPT2
)

var familyNames = []string{"bert", "xlnet", "gpt2"}

// String implements fmt.Stringer, and returns the name used on the command line.
func (f Family) String() string {
	if f < 0 || int(f) >= len(familyNames) {
		return fmt.Sprintf("Family(%d)", int(f))
	}
	return familyNames[f]
}

// ParseFamily converts "bert", "xlnet" or "gpt2" (case-insensitive) to a Family.
func ParseFamily(name string) (Family, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, familyName := range familyNames {
		if name == familyName {
			return Family(ii), nil
		}
	}
	return 0, errors.Errorf("unknown model family %q, valid values are %q", name, familyNames)
}

// Config holds the hyper-parameters of a model body and of its classification head.
type Config struct {
	Family Family

	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	IntermediateSize int

	// MaxPositions is the size of the learned position embeddings (BERT, GPT-2).
	// XLNet uses sinusoidal positions and ignores it.
	MaxPositions int

	// TypeVocabSize is the number of segment (token type) embeddings.
	TypeVocabSize int

	HiddenDropout    float64
	AttentionDropout float64

	// ClassifierDropout is applied to the pooled representation before the output projection.
	ClassifierDropout float64

	LayerNormEpsilon float64

	// NumLabels is the size of the label vocabulary: the number of logits.
	NumLabels int

	// Pooling of the GPT-2 hidden states. BERT and XLNet always summarize with their own token.
	Pooling Pooling
}

// HeadDim is the dimension of each attention head.
func (c *Config) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

// Validate checks that the configuration describes a buildable model.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.IntermediateSize <= 0 {
		return errors.Errorf("invalid %s model dimensions: vocab=%d, hidden=%d, layers=%d, heads=%d, intermediate=%d",
			c.Family, c.VocabSize, c.HiddenSize, c.NumLayers, c.NumHeads, c.IntermediateSize)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return errors.Errorf("hidden size %d is not a multiple of the number of heads %d", c.HiddenSize, c.NumHeads)
	}
	if c.NumLabels <= 0 {
		return errors.Errorf("number of labels must be positive, got %d", c.NumLabels)
	}
	if c.Family != XLNet && c.MaxPositions <= 0 {
		return errors.Errorf("%s model requires a positive number of positions, got %d", c.Family, c.MaxPositions)
	}
	return nil
}

// DefaultConfig returns the configuration of the base model of the family ("bert-base-uncased",
// "xlnet-base-cased" or "gpt2").
func DefaultConfig(family Family) *Config {
	switch family {
	case XLNet:
		return &Config{
			Family: XLNet, VocabSize: 32000, HiddenSize: 768, NumLayers: 12, NumHeads: 12, IntermediateSize: 3072,
			TypeVocabSize: 2, HiddenDropout: 0.1, AttentionDropout: 0.1, ClassifierDropout: 0.1,
			LayerNormEpsilon: 1e-12, NumLabels: 2, Pooling: PoolLast,
		}
	case GPT2:
		return &Config{
			Family: GPT2, VocabSize: 50257, HiddenSize: 768, NumLayers: 12, NumHeads: 12, IntermediateSize: 3072,
			MaxPositions: 1024, HiddenDropout: 0.1, AttentionDropout: 0.1, ClassifierDropout: 0.1,
			LayerNormEpsilon: 1e-5, NumLabels: 2, Pooling: PoolMean,
		}
	default:
		return &Config{
			Family: BERT, VocabSize: 30522, HiddenSize: 768, NumLayers: 12, NumHeads: 12, IntermediateSize: 3072,
			MaxPositions: 512, TypeVocabSize: 2, HiddenDropout: 0.1, AttentionDropout: 0.1, ClassifierDropout: 0.1,
			LayerNormEpsilon: 1e-12, NumLabels: 2, Pooling: PoolFirst,
		}
	}
}

// jsonConfig has the union of the "config.json" field names used by the three families.
type jsonConfig struct {
	ModelType string `json:"model_type"`
	VocabSize *int   `json:"vocab_size"`

	// BERT names.
	HiddenSize                *int     `json:"hidden_size"`
	NumHiddenLayers           *int     `json:"num_hidden_layers"`
	NumAttentionHeads         *int     `json:"num_attention_heads"`
	IntermediateSize          *int     `json:"intermediate_size"`
	MaxPositionEmbeddings     *int     `json:"max_position_embeddings"`
	TypeVocabSize             *int     `json:"type_vocab_size"`
	HiddenDropoutProb         *float64 `json:"hidden_dropout_prob"`
	AttentionProbsDropoutProb *float64 `json:"attention_probs_dropout_prob"`
	LayerNormEps              *float64 `json:"layer_norm_eps"`

	// XLNet names.
	DModel             *int     `json:"d_model"`
	NLayer             *int     `json:"n_layer"`
	NHead              *int     `json:"n_head"`
	DInner             *int     `json:"d_inner"`
	Dropout            *float64 `json:"dropout"`
	SummaryLastDropout *float64 `json:"summary_last_dropout"`

	// GPT-2 names (n_layer and n_head are shared with XLNet).
	NEmbd               *int     `json:"n_embd"`
	NInner              *int     `json:"n_inner"`
	NPositions          *int     `json:"n_positions"`
	NCtx                *int     `json:"n_ctx"`
	ResidPdrop          *float64 `json:"resid_pdrop"`
	AttnPdrop           *float64 `json:"attn_pdrop"`
	SummaryFirstDropout *float64 `json:"summary_first_dropout"`
	LayerNormEpsilon    *float64 `json:"layer_norm_epsilon"`
}

func setInt(dst *int, values ...*int) {
	for _, v := range values {
		if v != nil {
			*dst = *v
			return
		}
	}
}

func setFloat(dst *float64, values ...*float64) {
	for _, v := range values {
		if v != nil {
			*dst = *v
			return
		}
	}
}

// ParseConfig parses the contents of a "config.json" file of the given family. Fields missing from the
// file keep the values of DefaultConfig. NumLabels is not read from the file: it is set by the caller
// from the label vocabulary.
func ParseConfig(family Family, content []byte) (*Config, error) {
	var raw jsonConfig
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse model config")
	}
	if raw.ModelType != "" {
		if parsed, err := ParseFamily(raw.ModelType); err == nil && parsed != family {
			return nil, errors.Errorf("model config is for model type %q, but family %s was requested", raw.ModelType, family)
		}
	}

	cfg := DefaultConfig(family)
	setInt(&cfg.VocabSize, raw.VocabSize)
	switch family {
	case BERT:
		setInt(&cfg.HiddenSize, raw.HiddenSize)
		setInt(&cfg.NumLayers, raw.NumHiddenLayers)
		setInt(&cfg.NumHeads, raw.NumAttentionHeads)
		setInt(&cfg.IntermediateSize, raw.IntermediateSize)
		setInt(&cfg.MaxPositions, raw.MaxPositionEmbeddings)
		setInt(&cfg.TypeVocabSize, raw.TypeVocabSize)
		setFloat(&cfg.HiddenDropout, raw.HiddenDropoutProb)
		setFloat(&cfg.AttentionDropout, raw.AttentionProbsDropoutProb)
		setFloat(&cfg.ClassifierDropout, raw.HiddenDropoutProb)
		setFloat(&cfg.LayerNormEpsilon, raw.LayerNormEps)

	case XLNet:
		setInt(&cfg.HiddenSize, raw.DModel)
		setInt(&cfg.NumLayers, raw.NLayer)
		setInt(&cfg.NumHeads, raw.NHead)
		setInt(&cfg.IntermediateSize, raw.DInner)
		setFloat(&cfg.HiddenDropout, raw.Dropout)
		setFloat(&cfg.AttentionDropout, raw.Dropout)
		setFloat(&cfg.ClassifierDropout, raw.SummaryLastDropout)
		setFloat(&cfg.LayerNormEpsilon, raw.LayerNormEps)

	case GPT2:
		setInt(&cfg.HiddenSize, raw.NEmbd)
		setInt(&cfg.NumLayers, raw.NLayer)
		setInt(&cfg.NumHeads, raw.NHead)
		cfg.IntermediateSize = 4 * cfg.HiddenSize
		setInt(&cfg.IntermediateSize, raw.NInner)
		setInt(&cfg.MaxPositions, raw.NPositions, raw.NCtx)
		setFloat(&cfg.HiddenDropout, raw.ResidPdrop)
		setFloat(&cfg.AttentionDropout, raw.AttnPdrop)
		setFloat(&cfg.ClassifierDropout, raw.SummaryFirstDropout)
		setFloat(&cfg.LayerNormEpsilon, raw.LayerNormEpsilon)

	default:
		return nil, errors.Errorf("unknown model family %s", family)
	}
	return cfg, nil
}

// LoadConfig reads the "config.json" of the repo. If the repo has no such file, the family's DefaultConfig
// is returned.
func LoadConfig(repo *hub.Repo, family Family) (*Config, error) {
	if err := repo.DownloadInfo(false); err != nil {
		return nil, err
	}
	if !repo.HasFile(ConfigFile) {
		return DefaultConfig(family), nil
	}
	localFile, err := repo.DownloadFile(ConfigFile)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(localFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model config %q", localFile)
	}
	cfg, err := ParseConfig(family, content)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", localFile)
	}
	return cfg, nil
}
