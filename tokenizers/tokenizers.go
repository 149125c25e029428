// Package tokenizers picks and builds the api.Tokenizer of a HuggingFace repository.
//
// The class is read from the repo's "tokenizer_config.json" ("tokenizer_class"). Repos that don't name it,
// like the legacy "bert-base-uncased", "xlnet-base-cased" or "gpt2", get the class matching their
// vocabulary files instead.
package tokenizers

import (
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/tokenizers/api"
	"github.com/textcls/mlmc/tokenizers/bpe"
	"github.com/textcls/mlmc/tokenizers/sentencepiece"
	"github.com/textcls/mlmc/tokenizers/wordpiece"
	"k8s.io/klog/v2"
)

// ConfigFile is the name of the tokenizer configuration in a HuggingFace repo.
const ConfigFile = "tokenizer_config.json"

// Constructor builds a tokenizer of some class from its configuration and the repo holding its files.
type Constructor func(config *api.Config, repo *hub.Repo) (api.Tokenizer, error)

// classes maps the HuggingFace tokenizer class names to their constructors.
var classes = map[string]Constructor{
	"BertTokenizer":           wordpiece.New,
	"BertTokenizerFast":       wordpiece.New,
	"DistilBertTokenizer":     wordpiece.New,
	"DistilBertTokenizerFast": wordpiece.New,
	"XLNetTokenizer":          sentencepiece.New,
	"XLNetTokenizerFast":      sentencepiece.New,
	"AlbertTokenizer":         sentencepiece.New,
	"GemmaTokenizer":          sentencepiece.New,
	"GPT2Tokenizer":           bpe.New,
	"GPT2TokenizerFast":       bpe.New,
}

// Register adds or replaces the constructor used for the tokenizer class name.
func Register(className string, constructor Constructor) {
	classes[className] = constructor
}

// New creates the tokenizer of the repo. See package documentation for how the class is picked.
func New(repo *hub.Repo) (api.Tokenizer, error) {
	config, err := GetConfig(repo)
	if err != nil {
		return nil, err
	}
	class := config.TokenizerClass
	if class == "" {
		if class, err = InferTokenizerClass(repo); err != nil {
			return nil, err
		}
		klog.V(1).Infof("Repo %q has no tokenizer class configured, using %q", repo, class)
	}
	// Options the file leaves out take the class defaults.
	if config.ConfigFile == "" {
		config = api.ClassDefaults(class)
	} else if config, err = api.ParseConfigFileWithDefaults(config.ConfigFile, api.ClassDefaults(class)); err != nil {
		return nil, err
	}
	constructor, found := classes[config.TokenizerClass]
	if !found {
		return nil, errors.Errorf("repo %q uses tokenizer class %q, which is not supported", repo, config.TokenizerClass)
	}
	return constructor(config, repo)
}

// GetConfig returns the parsed "tokenizer_config.json" of the repo, or an empty api.Config if it has none.
func GetConfig(repo *hub.Repo) (*api.Config, error) {
	if err := repo.DownloadInfo(false); err != nil {
		return nil, err
	}
	if !repo.HasFile(ConfigFile) {
		return &api.Config{}, nil
	}
	configPath, err := repo.DownloadFile(ConfigFile)
	if err != nil {
		return nil, err
	}
	return api.ParseConfigFile(configPath)
}

// InferTokenizerClass returns the tokenizer class matching the vocabulary files found in the repo.
func InferTokenizerClass(repo *hub.Repo) (string, error) {
	switch {
	case repo.HasFile(wordpiece.VocabFile):
		return "BertTokenizer", nil
	case repo.HasFile("spiece.model"):
		return "XLNetTokenizer", nil
	case repo.HasFile(bpe.VocabFile) && repo.HasFile(bpe.MergesFile):
		return "GPT2Tokenizer", nil
	case repo.HasFile("tokenizer.model"):
		return "GemmaTokenizer", nil
	}
	return "", errors.Errorf("can't infer tokenizer class for repo %q: no known vocabulary file found", repo)
}
