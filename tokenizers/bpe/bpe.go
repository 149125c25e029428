// Package bpe implements a tokenizers.Tokenizer based on GPT-2's byte-level Byte-Pair-Encoding.
//
// It reads the "vocab.json" (token to id) and "merges.txt" (ranked merge rules) files of a model. Text is
// first split by GPT-2's pre-tokenization pattern, each piece is mapped byte by byte to printable runes, and
// the merge rules are applied in rank order.
package bpe

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/tokenizers/api"
	"k8s.io/klog/v2"
)

const (
	// VocabFile is the name of the token to id map in a HuggingFace repo.
	VocabFile = "vocab.json"

	// MergesFile is the name of the ranked merge rules in a HuggingFace repo.
	MergesFile = "merges.txt"

	// EndOfText is GPT-2's only special token, used for beginning/end of sentence and unknown.
	EndOfText = "<|endoftext|>"
)

// pretokenizePattern is GPT-2's pre-tokenization regular expression. It uses a negative look-ahead,
// hence regexp2.
var pretokenizePattern = regexp2.MustCompile(
	`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`, regexp2.None)

// Tokenizer implements tokenizers.Tokenizer interface based on byte-level BPE.
type Tokenizer struct {
	encoder map[string]int
	decoder []string
	ranks   map[pair]int

	byteEncoder [256]rune
	byteDecoder map[rune]byte

	special map[api.SpecialToken]int

	mu    sync.Mutex
	cache map[string][]string
}

type pair struct {
	a, b string
}

// Compile time assert that bpe.Tokenizer implements tokenizers.Tokenizer interface.
var (
	_ api.Tokenizer         = &Tokenizer{}
	_ api.SpecialTokenAdder = &Tokenizer{}
)

// New creates a byte-level BPE tokenizer based on the "vocab.json" and "merges.txt" files of the repo.
//
// It has the signature of tokenizers.Constructor.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	for _, fileName := range []string{VocabFile, MergesFile} {
		if !repo.HasFile(fileName) {
			return nil, errors.Errorf("%q file not found in repo %q", fileName, repo)
		}
	}
	paths, err := repo.DownloadFiles(VocabFile, MergesFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't download BPE files")
	}
	return NewFromFiles(paths[0], paths[1], config)
}

// NewFromFiles creates a byte-level BPE tokenizer from local "vocab.json" and "merges.txt" files.
// The config may be nil.
func NewFromFiles(vocabFile, mergesFile string, config *api.Config) (*Tokenizer, error) {
	vocabJson, err := os.ReadFile(vocabFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary file %q", vocabFile)
	}
	vocab := make(map[string]int)
	if err = json.Unmarshal(vocabJson, &vocab); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary file %q", vocabFile)
	}

	f, err := os.Open(mergesFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open merges file %q", mergesFile)
	}
	defer func() { _ = f.Close() }()
	var merges [][2]string
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed merge rule %q in line %d of %q", line, lineNum, mergesFile)
		}
		merges = append(merges, [2]string{parts[0], parts[1]})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read merges file %q", mergesFile)
	}
	return NewFromVocab(vocab, merges, config)
}

// NewFromVocab creates a byte-level BPE tokenizer from the token to id map, and the merge rules in rank order.
// The config may be nil.
func NewFromVocab(vocab map[string]int, merges [][2]string, config *api.Config) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, errors.New("empty BPE vocabulary")
	}
	t := &Tokenizer{
		encoder:     make(map[string]int, len(vocab)),
		ranks:       make(map[pair]int, len(merges)),
		byteDecoder: make(map[rune]byte, 256),
		special:     make(map[api.SpecialToken]int),
		cache:       make(map[string][]string),
	}
	maxID := -1
	for token, id := range vocab {
		if id < 0 {
			return nil, errors.Errorf("negative id %d for token %q", id, token)
		}
		t.encoder[token] = id
		maxID = max(maxID, id)
	}
	t.decoder = make([]string, maxID+1)
	for token, id := range vocab {
		t.decoder[id] = token
	}
	for rank, merge := range merges {
		t.ranks[pair{merge[0], merge[1]}] = rank
	}
	t.byteEncoder = bytesToUnicode()
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}

	if id, found := t.encoder[EndOfText]; found {
		t.special[api.TokBeginningOfSentence] = id
		t.special[api.TokEndOfSentence] = id
		t.special[api.TokUnknown] = id
	}
	if config != nil {
		for token := api.SpecialToken(0); token < api.TokSpecialTokensCount; token++ {
			if content := config.TokenContent(token); content != "" {
				if id, found := t.encoder[content]; found {
					t.special[token] = id
				}
			}
		}
	}
	return t, nil
}

// AddSpecialToken registers content as the given special token, appending it to the vocabulary if needed,
// and returns its id. Models using this tokenizer must size their embeddings with the new VocabSize.
func (t *Tokenizer) AddSpecialToken(token api.SpecialToken, content string) int {
	id, found := t.encoder[content]
	if !found {
		id = len(t.decoder)
		t.encoder[content] = id
		t.decoder = append(t.decoder, content)
		klog.V(1).Infof("Added special token %s=%q with id %d", token, content, id)
	}
	t.special[token] = id
	return id
}

// Tokenize splits text into byte-level BPE tokens (strings, in the byte-to-rune mapped alphabet).
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	for _, word := range pretokenize(text) {
		var sb strings.Builder
		for _, b := range []byte(word) {
			sb.WriteRune(t.byteEncoder[b])
		}
		tokens = append(tokens, t.bpe(sb.String())...)
	}
	return tokens
}

// Encode returns the text encoded into a sequence of ids.
func (t *Tokenizer) Encode(text string) []int {
	tokens := t.Tokenize(text)
	ids := make([]int, 0, len(tokens))
	for _, token := range tokens {
		if id, found := t.encoder[token]; found {
			ids = append(ids, id)
		} else if unk, found := t.special[api.TokUnknown]; found {
			ids = append(ids, unk)
		}
	}
	return ids
}

// Decode returns the text from a sequence of ids.
func (t *Tokenizer) Decode(ids []int) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			continue
		}
		for _, r := range t.decoder[id] {
			if b, found := t.byteDecoder[r]; found {
				buf = append(buf, b)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return string(buf)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if id, found := t.special[token]; found {
		return id, nil
	}
	return 0, errors.Errorf("unknown special token: %s (%d)", token, token)
}

// VocabSize implements api.Tokenizer, and includes tokens added with AddSpecialToken.
func (t *Tokenizer) VocabSize() int {
	return len(t.decoder)
}

// bpe applies the merge rules to a word, already mapped to the byte alphabet.
func (t *Tokenizer) bpe(word string) []string {
	t.mu.Lock()
	cached, found := t.cache[word]
	t.mu.Unlock()
	if found {
		return cached
	}

	var symbols []string
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		bestRank, bestIdx := math.MaxInt, -1
		for ii := 0; ii < len(symbols)-1; ii++ {
			if rank, ok := t.ranks[pair{symbols[ii], symbols[ii+1]}]; ok && rank < bestRank {
				bestRank, bestIdx = rank, ii
			}
		}
		if bestIdx < 0 {
			break
		}
		best := pair{symbols[bestIdx], symbols[bestIdx+1]}
		merged := make([]string, 0, len(symbols)-1)
		for ii := 0; ii < len(symbols); ii++ {
			if ii < len(symbols)-1 && symbols[ii] == best.a && symbols[ii+1] == best.b {
				merged = append(merged, best.a+best.b)
				ii++
				continue
			}
			merged = append(merged, symbols[ii])
		}
		symbols = merged
	}

	t.mu.Lock()
	t.cache[word] = symbols
	t.mu.Unlock()
	return symbols
}

// pretokenize splits text using GPT-2's pattern.
func pretokenize(text string) []string {
	var words []string
	m, err := pretokenizePattern.FindStringMatch(text)
	for err == nil && m != nil {
		words = append(words, m.String())
		m, err = pretokenizePattern.FindNextMatch(m)
	}
	if err != nil {
		klog.Errorf("Failed pre-tokenizing %q: %+v", text, err)
	}
	return words
}

// bytesToUnicode maps every byte to a printable rune: printable latin-1 bytes map to themselves, the
// others are shifted above 255.
func bytesToUnicode() (table [256]rune) {
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			table[b] = rune(b)
			continue
		}
		table[b] = rune(256 + n)
		n++
	}
	return
}
