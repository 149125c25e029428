// Package dataset reads labeled text files into Example records, and derives the label vocabulary.
//
// The files are tab-separated, with a header row and (at least) the columns "data" (the text) and
// "labels" (comma-separated label names). A missing label is written as an empty field or as the literal
// "nan", the marker pandas uses when saving missing values.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TextColumn is the header of the text column.
	TextColumn = "data"

	// LabelsColumn is the header of the comma-separated labels column.
	LabelsColumn = "labels"

	// MissingLabel is how pandas writes a missing value.
	MissingLabel = "nan"

	// LabelSeparator separates the labels of one row.
	LabelSeparator = ","
)

// Example is a single training/evaluation example for sequence classification.
type Example struct {
	// GUID is a unique id for the example, "<set>-<row>", with rows numbered from 1.
	GUID string

	// TextA is the untokenized text of the first sequence.
	TextA string

	// TextB is the optional untokenized text of the second sequence, for sequence pair tasks.
	// Empty if there is no second sequence.
	TextB string

	// Labels of the example. Empty for examples without labels.
	Labels []string
}

// row is one line of the tab-separated file.
type row struct {
	Data   string `csv:"data"`
	Labels string `csv:"labels"`
}

// Processor reads the train and dev files.
type Processor struct{}

// TrainExamples reads the examples of the train split.
func (p *Processor) TrainExamples(dataPath string) ([]*Example, error) {
	klog.Infof("Looking at %s", dataPath)
	return p.readExamples(dataPath, "train")
}

// DevExamples reads the examples of the dev (evaluation) split.
func (p *Processor) DevExamples(dataPath string) ([]*Example, error) {
	return p.readExamples(dataPath, "dev")
}

// Labels returns the sorted label vocabulary of the train and dev files: every distinct label name, without
// the empty label. The position of a label in the returned slice is its index in the encoded features.
func (p *Processor) Labels(trainPath, devPath string) ([]string, error) {
	trainExamples, err := p.TrainExamples(trainPath)
	if err != nil {
		return nil, err
	}
	devExamples, err := p.DevExamples(devPath)
	if err != nil {
		return nil, err
	}
	return LabelVocabulary(trainExamples, devExamples), nil
}

// LabelVocabulary returns the sorted distinct labels of the given example sets, without the empty label.
func LabelVocabulary(exampleSets ...[]*Example) []string {
	set := make(map[string]struct{})
	for _, examples := range exampleSets {
		for _, example := range examples {
			for _, label := range example.Labels {
				if label != "" {
					set[label] = struct{}{}
				}
			}
		}
	}
	labels := make([]string, 0, len(set))
	for label := range set {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func (p *Processor) readExamples(dataPath, setType string) ([]*Example, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s file %q", setType, dataPath)
	}
	defer func() { _ = f.Close() }()
	examples, err := ReadExamples(f, setType)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %s file %q", setType, dataPath)
	}
	return examples, nil
}

// ReadExamples parses a tab-separated stream into examples, with GUIDs prefixed by setType.
func ReadExamples(r io.Reader, setType string) ([]*Example, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = 0 // All rows must have as many fields as the header.

	var rows []*row
	if err := gocsv.UnmarshalCSV(&headerCheckedReader{Reader: reader}, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to parse tab-separated values")
	}

	examples := make([]*Example, 0, len(rows))
	for ii, r := range rows {
		examples = append(examples, &Example{
			GUID:   fmt.Sprintf("%s-%d", setType, ii+1),
			TextA:  r.Data,
			Labels: ParseLabels(r.Labels),
		})
	}
	return examples, nil
}

// ParseLabels splits a labels field on commas. The missing marker ("nan"), an empty field and empty
// names between commas yield no labels.
func ParseLabels(field string) []string {
	field = strings.TrimSpace(field)
	if field == "" || field == MissingLabel {
		return []string{}
	}
	parts := strings.Split(field, LabelSeparator)
	labels := make([]string, 0, len(parts))
	for _, label := range parts {
		if label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}

// headerCheckedReader implements gocsv.CSVReader, and verifies that the required columns are present:
// gocsv silently leaves missing columns empty.
type headerCheckedReader struct {
	*csv.Reader
}

// ReadAll implements gocsv.CSVReader.
func (r *headerCheckedReader) ReadAll() ([][]string, error) {
	records, err := r.Reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("missing header row")
	}
	header := make(map[string]bool, len(records[0]))
	for _, column := range records[0] {
		header[strings.TrimSpace(column)] = true
	}
	for _, column := range []string{TextColumn, LabelsColumn} {
		if !header[column] {
			return nil, errors.Errorf("missing required column %q in header %q", column, records[0])
		}
	}
	return records, nil
}
