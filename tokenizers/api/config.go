package api

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// AddedToken is an entry of "added_tokens_decoder" in tokenizer_config.json.
type AddedToken struct {
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// TokenString is the content of a special token in tokenizer_config.json. Older configurations store it as
// a plain string, newer ones as an "AddedToken" object with a "content" field: both are accepted.
type TokenString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *TokenString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var decoder AddedToken
		if err := json.Unmarshal(data, &decoder); err != nil {
			return err
		}
		*s = TokenString(decoder.Content)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TokenString(str)
	return nil
}

// Config holds the fields of HuggingFace's tokenizer_config.json used by the tokenizers. The file has no
// formal schema: unknown fields are ignored.
type Config struct {
	// ConfigFile is the path of the parsed file, if it was read from disk.
	ConfigFile string

	TokenizerClass string `json:"tokenizer_class"`

	// ModelMaxLength is the maximum sequence length of the model. Repos without a limit use a huge number (1e30).
	ModelMaxLength float64 `json:"model_max_length"`

	ClsToken  TokenString `json:"cls_token"`
	UnkToken  TokenString `json:"unk_token"`
	SepToken  TokenString `json:"sep_token"`
	MaskToken TokenString `json:"mask_token"`
	BosToken  TokenString `json:"bos_token"`
	EosToken  TokenString `json:"eos_token"`
	PadToken  TokenString `json:"pad_token"`

	AddedTokensDecoder map[int]AddedToken `json:"added_tokens_decoder"`

	DoLowerCase bool `json:"do_lower_case"`
	RemoveSpace bool `json:"remove_space"`
	KeepAccents bool `json:"keep_accents"`
}

// TokenContent returns the configured content (e.g. "[CLS]") of the special token, or "" if not configured.
func (c *Config) TokenContent(token SpecialToken) string {
	switch token {
	case TokBeginningOfSentence:
		return string(c.BosToken)
	case TokEndOfSentence:
		return string(c.EosToken)
	case TokUnknown:
		return string(c.UnkToken)
	case TokPad:
		return string(c.PadToken)
	case TokMask:
		return string(c.MaskToken)
	case TokClassification:
		return string(c.ClsToken)
	case TokSeparator:
		return string(c.SepToken)
	}
	return ""
}

// AddedTokenID returns the id of an added token (from "added_tokens_decoder") with the given content.
func (c *Config) AddedTokenID(content string) (int, bool) {
	for id, decoder := range c.AddedTokensDecoder {
		if decoder.Content == content {
			return id, true
		}
	}
	return 0, false
}

// ClassDefaults returns the Config a tokenizer class uses for the fields its tokenizer_config.json leaves
// out. BERT and XLNet tokenizers lower-case the text, and XLNet ones also collapse white space.
func ClassDefaults(tokenizerClass string) *Config {
	config := &Config{TokenizerClass: tokenizerClass}
	switch tokenizerClass {
	case "BertTokenizer", "BertTokenizerFast", "DistilBertTokenizer", "DistilBertTokenizerFast":
		config.DoLowerCase = true
	case "XLNetTokenizer", "XLNetTokenizerFast":
		config.DoLowerCase = true
		config.RemoveSpace = true
	}
	return config
}

// ParseConfigFile parses the given file (holding a tokenizer_config.json file) into a Config structure.
func ParseConfigFile(filePath string) (*Config, error) {
	return ParseConfigFileWithDefaults(filePath, &Config{})
}

// ParseConfigFileWithDefaults is like ParseConfigFile, but fields missing from the file keep the values
// in defaults, see ClassDefaults. defaults itself is not modified.
func ParseConfigFileWithDefaults(filePath string, defaults *Config) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", filePath)
	}
	config, err := parseConfigContentOver(content, defaults)
	if err != nil {
		return nil, errors.WithMessagef(err, "read from file %q", filePath)
	}
	config.ConfigFile = filePath
	return config, nil
}

// ParseConfigContent parses the given json content (of a tokenizer_config.json file) into a Config structure.
func ParseConfigContent(jsonContent []byte) (*Config, error) {
	return parseConfigContentOver(jsonContent, &Config{})
}

// parseConfigContentOver unmarshals jsonContent over a copy of defaults.
func parseConfigContentOver(jsonContent []byte, defaults *Config) (*Config, error) {
	config := *defaults
	config.AddedTokensDecoder = nil
	if err := json.Unmarshal(jsonContent, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer_config json content")
	}
	return &config, nil
}
