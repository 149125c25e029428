package wordpiece

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/tokenizers/api"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"the", "dog", "is", "hair", "##y", ".", "un", "##want", "##ed", ",", "runn", "##ing", "cafe", "中",
}

func newTestTokenizer(t *testing.T, lowerCase bool) *Tokenizer {
	tok, err := NewFromVocab(testVocab, &api.Config{DoLowerCase: lowerCase})
	require.NoError(t, err)
	return tok
}

func TestTokenize(t *testing.T) {
	tok := newTestTokenizer(t, true)
	testCases := []struct {
		text     string
		expected []string
	}{
		{"The dog is hairy.", []string{"the", "dog", "is", "hair", "##y", "."}},
		{"unwanted, running", []string{"un", "##want", "##ed", ",", "runn", "##ing"}},
		{"  Café\t中 ", []string{"cafe", "中"}},
		{"unknownword", []string{"[UNK]"}},
		{"", nil},
		{strings.Repeat("a", MaxCharsPerWord+1), []string{"[UNK]"}},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, tok.Tokenize(tc.text), "Tokenize(%q)", tc.text)
	}
}

func TestCaseSensitive(t *testing.T) {
	tok := newTestTokenizer(t, false)
	assert.Equal(t, []string{"[UNK]", "dog"}, tok.Tokenize("The dog"))
	assert.Equal(t, []string{"the", "dog"}, tok.WithLowerCase(true).Tokenize("The dog"))
}

func TestEncodeDecode(t *testing.T) {
	tok := newTestTokenizer(t, true)
	ids := tok.Encode("The dog is hairy.")
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10}, ids)
	assert.Equal(t, "the dog is hairy .", tok.Decode(ids))
	assert.Equal(t, len(testVocab), tok.VocabSize())
}

func TestSpecialTokenID(t *testing.T) {
	tok := newTestTokenizer(t, true)
	for token, expected := range map[api.SpecialToken]int{
		api.TokPad:            0,
		api.TokUnknown:        1,
		api.TokClassification: 2,
		api.TokSeparator:      3,
		api.TokMask:           4,
	} {
		id, err := tok.SpecialTokenID(token)
		require.NoError(t, err)
		assert.Equal(t, expected, id, "token %s", token)
	}
	_, err := tok.SpecialTokenID(api.TokBeginningOfSentence)
	assert.Error(t, err)
}

func TestNewFromRepo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(strings.Join(testVocab, "\n")+"\n"), 0644))
	tok, err := New(&api.Config{DoLowerCase: true}, hub.NewFromDir(dir))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, tok.Encode("THE DOG"))

	_, err = New(&api.Config{}, hub.NewFromDir(t.TempDir()))
	assert.Error(t, err)
}

func TestNewFromVocabWithoutUnknown(t *testing.T) {
	_, err := NewFromVocab([]string{"a", "b"}, nil)
	assert.Error(t, err)
	_, err = NewFromVocab(nil, nil)
	assert.Error(t, err)
}
