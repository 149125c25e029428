package sentencepiece

import (
	"testing"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textcls/mlmc/hub"
	"github.com/textcls/mlmc/tokenizers/api"
)

func newInfoOnlyTokenizer(config *api.Config) *Tokenizer {
	return &Tokenizer{
		Info: &esentencepiece.ModelInfo{
			VocabularySize:        32000,
			UnknownID:             0,
			BeginningOfSentenceID: 1,
			EndOfSentenceID:       2,
			PadID:                 5,
		},
		config: config,
	}
}

func TestSpecialTokenID(t *testing.T) {
	tok := newInfoOnlyTokenizer(&api.Config{TokenizerClass: "XLNetTokenizer"})
	for token, expected := range map[api.SpecialToken]int{
		api.TokUnknown:             0,
		api.TokBeginningOfSentence: 1,
		api.TokEndOfSentence:       2,
		api.TokPad:                 5,
		api.TokClassification:      3,
		api.TokSeparator:           4,
		api.TokMask:                6,
	} {
		id, err := tok.SpecialTokenID(token)
		require.NoError(t, err)
		assert.Equal(t, expected, id, "token %s", token)
	}
	assert.Equal(t, 32000, tok.VocabSize())
}

func TestSpecialTokenIDFromConfig(t *testing.T) {
	config, err := api.ParseConfigContent([]byte(`{
		"cls_token": "<s>",
		"added_tokens_decoder": {"7": {"content": "<s>"}}
	}`))
	require.NoError(t, err)
	tok := newInfoOnlyTokenizer(config)
	id, err := tok.SpecialTokenID(api.TokClassification)
	require.NoError(t, err)
	assert.Equal(t, 7, id)
}

func TestPreprocess(t *testing.T) {
	tok := newInfoOnlyTokenizer(&api.Config{
		TokenizerClass: "XLNetTokenizer",
		DoLowerCase:    true,
		RemoveSpace:    true,
	})
	assert.Equal(t, `"cafe" is ok`, tok.preprocess("  ``Café''   is\tOK "))

	keep := newInfoOnlyTokenizer(&api.Config{TokenizerClass: "XLNetTokenizer", KeepAccents: true})
	assert.Equal(t, "Café", keep.preprocess("Café"))
}

func TestPreprocessClassDefaults(t *testing.T) {
	tok := newInfoOnlyTokenizer(api.ClassDefaults("XLNetTokenizer"))
	assert.Equal(t, "hello world", tok.preprocess("Hello  World"))

	gemma := newInfoOnlyTokenizer(api.ClassDefaults("GemmaTokenizer"))
	assert.Equal(t, "Hello  World", gemma.preprocess("Hello  World"))
}

func TestNewWithoutModelFile(t *testing.T) {
	_, err := New(&api.Config{}, hub.NewFromDir(t.TempDir()))
	assert.Error(t, err)
}
