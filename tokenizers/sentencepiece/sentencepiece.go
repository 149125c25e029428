// Package sentencepiece implements a tokenizers.Tokenizer based on SentencePiece tokenizer.
//
// It is used by the XLNet family of models (file "spiece.model") and by newer models that ship
// a "tokenizer.model" file.
package sentencepiece

import (
	"strings"
	"unicode"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/tokenizers/api"
	"golang.org/x/text/unicode/norm"
)

// ModelFiles are the SentencePiece model proto file names searched in a repo, in order.
var ModelFiles = []string{"tokenizer.model", "spiece.model"}

// xlnetSpecialTokens are the ids of the control symbols of the XLNet SentencePiece models, used when
// the tokenizer config doesn't list them in "added_tokens_decoder".
var xlnetSpecialTokens = map[string]int{
	"<cls>":  3,
	"<sep>":  4,
	"<pad>":  5,
	"<mask>": 6,
}

// defaultContents of special tokens not covered by the SentencePiece model info.
var defaultContents = map[api.SpecialToken]string{
	api.TokClassification: "<cls>",
	api.TokSeparator:      "<sep>",
	api.TokMask:           "<mask>",
}

// New creates a SentencePiece tokenizer based on the "tokenizer.model" (or "spiece.model") file, which must
// be a SentencePiece Model proto.
//
// It has the signature of tokenizers.Constructor.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	var modelFile string
	for _, candidate := range ModelFiles {
		if repo.HasFile(candidate) {
			modelFile = candidate
			break
		}
	}
	if modelFile == "" {
		return nil, errors.Errorf("none of the SentencePiece model files %q found in repo %q", ModelFiles, repo)
	}
	tokenizerFile, err := repo.DownloadFile(modelFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't download %q file", modelFile)
	}
	return NewFromFile(tokenizerFile, config)
}

// NewFromFile creates a SentencePiece tokenizer from a local model proto file. The config may be nil.
func NewFromFile(modelFile string, config *api.Config) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(modelFile)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", modelFile)
	}
	if config == nil {
		config = &api.Config{}
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
		config:    config,
	}, nil
}

// Tokenizer implements tokenizers.Tokenizer interface based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo

	config *api.Config
}

// Compile time assert that sentencepiece.Tokenizer implements tokenizers.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// Encode returns the text encoded into a sequence of ids.
// It implements sampler.Vocabulary.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(p.preprocess(text))
	return sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID })
}

// Decode returns the text from a sequence of ids.
// It implements sampler.Vocabulary.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// VocabSize implements api.Tokenizer.
func (p *Tokenizer) VocabSize() int {
	return p.Info.VocabularySize
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return p.Info.UnknownID, nil
	case api.TokPad:
		if p.Info.PadID >= 0 {
			return p.Info.PadID, nil
		}
	case api.TokBeginningOfSentence:
		return p.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return p.Info.EndOfSentenceID, nil
	}
	content := p.config.TokenContent(token)
	if content == "" {
		content = defaultContents[token]
	}
	if content != "" {
		if id, found := p.config.AddedTokenID(content); found {
			return id, nil
		}
		if id, found := xlnetSpecialTokens[content]; found && id < p.VocabSize() {
			return id, nil
		}
	}
	return 0, errors.Errorf("unknown special token: %s (%d)", token, token)
}

// preprocess normalizes text the way XLNet's tokenizer does: optional space collapsing, quote
// normalization, accent stripping and lower-casing, as configured.
func (p *Tokenizer) preprocess(text string) string {
	if p.config.RemoveSpace {
		text = strings.Join(strings.Fields(text), " ")
	}
	text = strings.NewReplacer("``", `"`, "''", `"`).Replace(text)
	if !p.config.KeepAccents && p.config.TokenizerClass == "XLNetTokenizer" {
		var sb strings.Builder
		for _, r := range norm.NFKD.String(text) {
			if unicode.Is(unicode.Mn, r) {
				continue
			}
			sb.WriteRune(r)
		}
		text = sb.String()
	}
	if p.config.DoLowerCase {
		text = strings.ToLower(text)
	}
	return text
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
