// Package features converts dataset.Example records into fixed-length model inputs: token ids, attention
// mask, segment ids and encoded labels.
package features

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/textcls/mlmc/dataset"
	"github.com/textcls/mlmc/tokenizers/api"
	"k8s.io/klog/v2"
)

// LabelMode selects how labels are encoded, which loss is used and how predictions are post-processed.
type LabelMode int

const (
	// SingleLabel examples have exactly one label, encoded as its index in the label vocabulary.
	SingleLabel LabelMode = iota

	// MultiLabel examples have any number of labels, encoded as a multi-hot vector over the label vocabulary.
	MultiLabel
)

// String implements fmt.Stringer.
func (m LabelMode) String() string {
	switch m {
	case SingleLabel:
		return "single-label"
	case MultiLabel:
		return "multi-label"
	}
	return fmt.Sprintf("LabelMode(%d)", int(m))
}

// DetectLabelMode returns SingleLabel if every example of every set has exactly one label, and MultiLabel
// otherwise. Unlabeled examples have zero labels, so they make the task multi-label.
func DetectLabelMode(exampleSets ...[]*dataset.Example) LabelMode {
	for _, examples := range exampleSets {
		for _, example := range examples {
			if len(example.Labels) != 1 {
				return MultiLabel
			}
		}
	}
	return SingleLabel
}

// Layout of the special tokens around the text.
type Layout int

const (
	// LayoutClassifierFirst is "[CLS] a [SEP]" (or "[CLS] a [SEP] b [SEP]" for pairs), used by BERT and XLNet.
	LayoutClassifierFirst Layout = iota

	// LayoutClassifierLast is "a [CLS]" (or "a [CLS] b [SEP]" for pairs), used by GPT-2, whose causal
	// attention only lets the last position see the whole text.
	LayoutClassifierLast
)

// LabelEncoding holds the encoded labels of one example: Index for SingleLabel, MultiHot for MultiLabel.
type LabelEncoding struct {
	Index    int
	MultiHot []int
}

// Feature is one example encoded for the model. InputIDs, InputMask and SegmentIDs all have the
// encoder's MaxSeqLength, and padding positions have mask 0.
type Feature struct {
	GUID       string
	InputIDs   []int
	InputMask  []int
	SegmentIDs []int
	Label      LabelEncoding
}

// NumLogged is the number of leading features logged by Encoder.Convert.
const NumLogged = 5

// Encoder converts examples to features.
type Encoder struct {
	Tokenizer    api.Tokenizer
	MaxSeqLength int
	Layout       Layout

	// Labels is the label vocabulary: the index of a label is its position.
	Labels []string
}

// Convert encodes the examples, with the labels encoded according to mode.
//
// It returns an error if a label is not in the vocabulary, if in SingleLabel mode an example doesn't have
// exactly one label, or if the tokenizer lacks the needed special tokens.
func (e *Encoder) Convert(examples []*dataset.Example, mode LabelMode) ([]*Feature, error) {
	if e.MaxSeqLength < 3 {
		return nil, errors.Errorf("max sequence length must be at least 3, got %d", e.MaxSeqLength)
	}
	clsID, err := e.Tokenizer.SpecialTokenID(api.TokClassification)
	if err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no classification token")
	}
	needSep := e.Layout == LayoutClassifierFirst
	for _, example := range examples {
		if example.TextB != "" {
			needSep = true
			break
		}
	}
	sepID := -1
	if needSep {
		sepID, err = e.Tokenizer.SpecialTokenID(api.TokSeparator)
		if err != nil {
			return nil, errors.WithMessage(err, "tokenizer has no separator token")
		}
	}
	labelMap := make(map[string]int, len(e.Labels))
	for ii, label := range e.Labels {
		labelMap[label] = ii
	}

	features := make([]*Feature, 0, len(examples))
	for exIdx, example := range examples {
		tokensA := e.Tokenizer.Encode(example.TextA)
		var tokensB []int
		if example.TextB != "" {
			tokensB = e.Tokenizer.Encode(example.TextB)
			// Account for the 3 special tokens.
			tokensA, tokensB = TruncatePair(tokensA, tokensB, e.MaxSeqLength-3)
		} else {
			maxLen := e.MaxSeqLength - 2
			if e.Layout == LayoutClassifierLast {
				maxLen = e.MaxSeqLength - 1
			}
			if len(tokensA) > maxLen {
				tokensA = tokensA[:maxLen]
			}
		}

		ids := make([]int, 0, e.MaxSeqLength)
		switch e.Layout {
		case LayoutClassifierFirst:
			ids = append(ids, clsID)
			ids = append(ids, tokensA...)
			ids = append(ids, sepID)
		case LayoutClassifierLast:
			ids = append(ids, tokensA...)
			ids = append(ids, clsID)
		default:
			return nil, errors.Errorf("unknown layout %d", e.Layout)
		}
		segments := make([]int, len(ids), e.MaxSeqLength)
		if len(tokensB) > 0 {
			ids = append(ids, tokensB...)
			ids = append(ids, sepID)
			for range len(tokensB) + 1 {
				segments = append(segments, 1)
			}
		}
		mask := make([]int, len(ids), e.MaxSeqLength)
		for ii := range mask {
			mask[ii] = 1
		}
		numTokens := len(ids)
		for len(ids) < e.MaxSeqLength {
			ids = append(ids, 0)
			mask = append(mask, 0)
			segments = append(segments, 0)
		}
		if len(ids) != e.MaxSeqLength || len(mask) != e.MaxSeqLength || len(segments) != e.MaxSeqLength {
			panic(errors.Errorf("feature %q lengths (%d, %d, %d) differ from max sequence length %d",
				example.GUID, len(ids), len(mask), len(segments), e.MaxSeqLength))
		}

		label, err := encodeLabels(example, labelMap, len(e.Labels), mode)
		if err != nil {
			return nil, err
		}
		feature := &Feature{
			GUID:       example.GUID,
			InputIDs:   ids,
			InputMask:  mask,
			SegmentIDs: segments,
			Label:      label,
		}
		if exIdx < NumLogged {
			e.logFeature(example, feature, numTokens, mode)
		}
		features = append(features, feature)
	}
	return features, nil
}

func encodeLabels(example *dataset.Example, labelMap map[string]int, numLabels int, mode LabelMode) (LabelEncoding, error) {
	switch mode {
	case SingleLabel:
		if len(example.Labels) != 1 {
			return LabelEncoding{}, errors.Errorf("example %q has %d labels, single-label mode requires exactly one",
				example.GUID, len(example.Labels))
		}
		idx, found := labelMap[example.Labels[0]]
		if !found {
			return LabelEncoding{}, errors.Errorf("example %q has unknown label %q", example.GUID, example.Labels[0])
		}
		return LabelEncoding{Index: idx}, nil

	case MultiLabel:
		multiHot := make([]int, numLabels)
		for _, label := range example.Labels {
			if label == "" {
				continue
			}
			idx, found := labelMap[label]
			if !found {
				return LabelEncoding{}, errors.Errorf("example %q has unknown label %q", example.GUID, label)
			}
			multiHot[idx] = 1
		}
		return LabelEncoding{MultiHot: multiHot}, nil
	}
	return LabelEncoding{}, errors.Errorf("unknown label mode %s", mode)
}

func (e *Encoder) logFeature(example *dataset.Example, feature *Feature, numTokens int, mode LabelMode) {
	tokens := make([]string, numTokens)
	for ii, id := range feature.InputIDs[:numTokens] {
		tokens[ii] = e.Tokenizer.Decode([]int{id})
	}
	klog.Info("*** Example ***")
	klog.Infof("guid: %s", example.GUID)
	klog.Infof("tokens: %s", strings.Join(tokens, " "))
	klog.Infof("input_ids: %s", joinInts(feature.InputIDs))
	klog.Infof("input_mask: %s", joinInts(feature.InputMask))
	klog.Infof("segment_ids: %s", joinInts(feature.SegmentIDs))
	klog.Infof("labels: %s", strings.Join(example.Labels, " "))
	if mode == MultiLabel {
		klog.Infof("label_ids: %s", joinInts(feature.Label.MultiHot))
	} else {
		klog.Infof("label_id: %d", feature.Label.Index)
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}

// TruncatePair returns prefixes of a and b whose total length is at most maxLength, removing one token at a
// time from the end of the longer one (from b on ties). The inputs are not modified.
func TruncatePair(a, b []int, maxLength int) ([]int, []int) {
	maxLength = max(maxLength, 0)
	lenA, lenB := len(a), len(b)
	for lenA+lenB > maxLength {
		if lenA > lenB {
			lenA--
		} else {
			lenB--
		}
	}
	return a[:lenA:lenA], b[:lenB:lenB]
}
