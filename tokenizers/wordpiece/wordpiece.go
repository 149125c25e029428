// Package wordpiece implements a tokenizers.Tokenizer based on BERT's WordPiece tokenizer.
//
// It reads the "vocab.txt" file of a model (one token per line, the line number being its id), and
// tokenizes text in two steps: a basic tokenizer (cleanup, optional lower-casing and accent stripping,
// punctuation and CJK character splitting), and a greedy longest-match-first split of each word into
// sub-word pieces, prefixed with "##" when they continue a word.
package wordpiece

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/tokenizers/api"
	"golang.org/x/text/unicode/norm"
)

const (
	// VocabFile is the name of the vocabulary file in a HuggingFace repo.
	VocabFile = "vocab.txt"

	// ContinuationPrefix is prepended to pieces that continue a word.
	ContinuationPrefix = "##"

	// MaxCharsPerWord above which a word is mapped to the unknown token.
	MaxCharsPerWord = 100
)

// defaultSpecialTokens holds the BERT conventions, used when the tokenizer config doesn't define them.
var defaultSpecialTokens = map[api.SpecialToken]string{
	api.TokUnknown:        "[UNK]",
	api.TokPad:            "[PAD]",
	api.TokClassification: "[CLS]",
	api.TokSeparator:      "[SEP]",
	api.TokMask:           "[MASK]",
}

// Tokenizer implements tokenizers.Tokenizer interface based on WordPiece.
type Tokenizer struct {
	vocab       []string
	vocabMap    map[string]int
	doLowerCase bool
	special     map[api.SpecialToken]int
}

// Compile time assert that wordpiece.Tokenizer implements tokenizers.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// New creates a WordPiece tokenizer based on the "vocab.txt" file of the repo.
//
// It has the signature of tokenizers.Constructor.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	if !repo.HasFile(VocabFile) {
		return nil, errors.Errorf("%q file not found in repo %q", VocabFile, repo)
	}
	vocabFile, err := repo.DownloadFile(VocabFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't download %q file", VocabFile)
	}
	vocab, err := ReadVocabFile(vocabFile)
	if err != nil {
		return nil, err
	}
	return NewFromVocab(vocab, config)
}

// ReadVocabFile reads a "vocab.txt" file, one token per line.
func ReadVocabFile(vocabFile string) ([]string, error) {
	f, err := os.Open(vocabFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary file %q", vocabFile)
	}
	defer func() { _ = f.Close() }()

	var vocab []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary file %q", vocabFile)
	}
	return vocab, nil
}

// NewFromVocab creates a WordPiece tokenizer from the list of tokens, where the index is the token id.
//
// The config is optional (it can be nil), and it is used for lower-casing and the special tokens contents.
func NewFromVocab(vocab []string, config *api.Config) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, errors.New("empty WordPiece vocabulary")
	}
	t := &Tokenizer{
		vocab:    vocab,
		vocabMap: make(map[string]int, len(vocab)),
		special:  make(map[api.SpecialToken]int),
	}
	for id, token := range vocab {
		if _, found := t.vocabMap[token]; !found {
			t.vocabMap[token] = id
		}
	}
	if config != nil {
		t.doLowerCase = config.DoLowerCase
	}
	for token, content := range defaultSpecialTokens {
		if config != nil && config.TokenContent(token) != "" {
			content = config.TokenContent(token)
		}
		if id, found := t.vocabMap[content]; found {
			t.special[token] = id
		}
	}
	if _, found := t.special[api.TokUnknown]; !found {
		return nil, errors.Errorf("WordPiece vocabulary has no unknown token %q", defaultSpecialTokens[api.TokUnknown])
	}
	return t, nil
}

// WithLowerCase configures whether text is lower-cased (and accents stripped) before tokenization.
func (t *Tokenizer) WithLowerCase(doLowerCase bool) *Tokenizer {
	t.doLowerCase = doLowerCase
	return t
}

// Tokenize splits text into WordPiece tokens (strings).
func (t *Tokenizer) Tokenize(text string) []string {
	var pieces []string
	for _, word := range t.basicTokenize(text) {
		pieces = append(pieces, t.wordPieces(word)...)
	}
	return pieces
}

// Encode returns the text encoded into a sequence of ids.
func (t *Tokenizer) Encode(text string) []int {
	pieces := t.Tokenize(text)
	ids := make([]int, len(pieces))
	for ii, piece := range pieces {
		ids[ii] = t.vocabMap[piece]
	}
	return ids
}

// Decode returns the text from a sequence of ids, joining continuation pieces with their words.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for ii, id := range ids {
		if id < 0 || id >= len(t.vocab) {
			continue
		}
		piece := t.vocab[id]
		if strings.HasPrefix(piece, ContinuationPrefix) {
			sb.WriteString(piece[len(ContinuationPrefix):])
			continue
		}
		if ii > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(piece)
	}
	return sb.String()
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if id, found := t.special[token]; found {
		return id, nil
	}
	return 0, errors.Errorf("unknown special token: %s (%d)", token, token)
}

// VocabSize implements api.Tokenizer.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// wordPieces splits a word with a greedy longest-match-first search over the vocabulary.
func (t *Tokenizer) wordPieces(word string) []string {
	runes := []rune(word)
	unk := t.vocab[t.special[api.TokUnknown]]
	if len(runes) > MaxCharsPerWord {
		return []string{unk}
	}
	var pieces []string
	for start := 0; start < len(runes); {
		end := len(runes)
		var current string
		for ; end > start; end-- {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = ContinuationPrefix + candidate
			}
			if _, found := t.vocabMap[candidate]; found {
				current = candidate
				break
			}
		}
		if current == "" {
			return []string{unk}
		}
		pieces = append(pieces, current)
		start = end
	}
	return pieces
}

// basicTokenize cleans up the text and splits it into words and punctuation.
func (t *Tokenizer) basicTokenize(text string) []string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			sb.WriteByte(' ')
		case isCJK(r):
			sb.WriteByte(' ')
			sb.WriteRune(r)
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}

	var words []string
	for _, word := range strings.Fields(sb.String()) {
		if t.doLowerCase {
			word = stripAccents(strings.ToLower(word))
		}
		words = append(words, splitOnPunctuation(word)...)
	}
	return words
}

// stripAccents removes combining marks after an NFD normalization.
func stripAccents(word string) string {
	var sb strings.Builder
	for _, r := range norm.NFD.String(word) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func splitOnPunctuation(word string) []string {
	var (
		parts   []string
		current []rune
	)
	for _, r := range word {
		if isPunctuation(r) {
			if len(current) > 0 {
				parts = append(parts, string(current))
				current = current[:0]
			}
			parts = append(parts, string(r))
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		parts = append(parts, string(current))
	}
	return parts
}

func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation treats all non-letter/number/space ASCII as punctuation, like BERT does.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
