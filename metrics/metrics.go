// Package metrics aggregates classification predictions into precision, recall and F1 scores, micro and
// macro averaged, plus a per-class text report.
//
// Scores follow the conventions of scikit-learn: a ratio with a zero denominator is 0, single-label macro
// averages are taken over the labels that appear in the gold labels or in the predictions, and multi-label
// macro averages over all label columns.
package metrics

import (
	"fmt"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Keys of the results map, see Results.Map.
const (
	KeyPrecisionMicro = "Precision, Micro"
	KeyPrecisionMacro = "Precision, Macro"
	KeyRecallMicro    = "Recall, Micro"
	KeyRecallMacro    = "Recall, Macro"
	KeyF1Micro        = "F1 score, Micro"
	KeyF1Macro        = "F1 score, Macro"
	KeyReport         = "Classification report"
)

// ClassScores holds the scores of one label.
type ClassScores struct {
	Name                  string
	Precision, Recall, F1 float64

	// Support is the number of gold occurrences of the label.
	Support int

	truePositives, falsePositives, falseNegatives int
}

// Results of Frame and FrameIndices.
type Results struct {
	PrecisionMicro, PrecisionMacro float64
	RecallMicro, RecallMacro       float64
	F1Micro, F1Macro               float64

	// Classes has the scores of each label, in label index order.
	Classes []ClassScores

	// Report is the per-class scores table, with micro, macro and weighted averages.
	Report string
}

// Map returns the results keyed by the Key* constants.
func (r *Results) Map() map[string]any {
	return map[string]any{
		KeyPrecisionMicro: r.PrecisionMicro,
		KeyPrecisionMacro: r.PrecisionMacro,
		KeyRecallMicro:    r.RecallMicro,
		KeyRecallMacro:    r.RecallMacro,
		KeyF1Micro:        r.F1Micro,
		KeyF1Macro:        r.F1Macro,
		KeyReport:         r.Report,
	}
}

// Frame computes the metrics of multi-label predictions: preds and gold are 0/1 matrices shaped
// [numExamples, len(labelNames)].
func Frame(preds, gold [][]int, labelNames []string) (*Results, error) {
	if len(preds) != len(gold) {
		return nil, errors.Errorf("number of predictions (%d) and gold labels (%d) differ", len(preds), len(gold))
	}
	numLabels := len(labelNames)
	classes := newClasses(labelNames)
	for ii := range preds {
		if len(preds[ii]) != numLabels || len(gold[ii]) != numLabels {
			return nil, errors.Errorf("example %d has %d predictions and %d gold labels, expected %d of each",
				ii, len(preds[ii]), len(gold[ii]), numLabels)
		}
		for label := range numLabels {
			p, g := preds[ii][label] != 0, gold[ii][label] != 0
			c := &classes[label]
			switch {
			case p && g:
				c.truePositives++
			case p:
				c.falsePositives++
			case g:
				c.falseNegatives++
			}
		}
	}
	macroLabels := make([]int, numLabels)
	for ii := range macroLabels {
		macroLabels[ii] = ii
	}
	return newResults(classes, macroLabels), nil
}

// FrameIndices computes the metrics of single-label predictions: preds and gold hold label indices.
func FrameIndices(preds, gold []int, labelNames []string) (*Results, error) {
	if len(preds) != len(gold) {
		return nil, errors.Errorf("number of predictions (%d) and gold labels (%d) differ", len(preds), len(gold))
	}
	numLabels := len(labelNames)
	classes := newClasses(labelNames)
	present := make([]bool, numLabels)
	for ii := range preds {
		p, g := preds[ii], gold[ii]
		if p < 0 || p >= numLabels || g < 0 || g >= numLabels {
			return nil, errors.Errorf("example %d has prediction %d and gold label %d, valid labels are 0 to %d",
				ii, p, g, numLabels-1)
		}
		present[p], present[g] = true, true
		if p == g {
			classes[g].truePositives++
			continue
		}
		classes[p].falsePositives++
		classes[g].falseNegatives++
	}
	var macroLabels []int
	for label, isPresent := range present {
		if isPresent {
			macroLabels = append(macroLabels, label)
		}
	}
	return newResults(classes, macroLabels), nil
}

func newClasses(labelNames []string) []ClassScores {
	classes := make([]ClassScores, len(labelNames))
	for ii, name := range labelNames {
		classes[ii].Name = name
	}
	return classes
}

// ratio returns num/den, or 0 if den is 0.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// mean returns the mean of values, or 0 if empty.
func mean(values stats.Float64Data) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}

// weightedMean returns the mean of values weighted by weights, or 0 if the weights sum to 0.
func weightedMean(values, weights stats.Float64Data) float64 {
	total, err := stats.Sum(weights)
	if err != nil || total == 0 {
		return 0
	}
	products := make(stats.Float64Data, len(values))
	for ii := range values {
		products[ii] = values[ii] * weights[ii]
	}
	sum, _ := stats.Sum(products)
	return sum / total
}

// averages of a set of classes.
type averages struct {
	precision, recall, f1 float64
}

func macroAverages(classes []ClassScores, labels []int) averages {
	var precisions, recalls, f1s stats.Float64Data
	for _, label := range labels {
		precisions = append(precisions, classes[label].Precision)
		recalls = append(recalls, classes[label].Recall)
		f1s = append(f1s, classes[label].F1)
	}
	return averages{mean(precisions), mean(recalls), mean(f1s)}
}

func newResults(classes []ClassScores, macroLabels []int) *Results {
	var tp, fp, fn int
	for ii := range classes {
		c := &classes[ii]
		c.Precision = ratio(c.truePositives, c.truePositives+c.falsePositives)
		c.Recall = ratio(c.truePositives, c.truePositives+c.falseNegatives)
		c.F1 = f1(c.Precision, c.Recall)
		c.Support = c.truePositives + c.falseNegatives
		tp += c.truePositives
		fp += c.falsePositives
		fn += c.falseNegatives
	}
	r := &Results{Classes: classes}
	r.PrecisionMicro = ratio(tp, tp+fp)
	r.RecallMicro = ratio(tp, tp+fn)
	r.F1Micro = f1(r.PrecisionMicro, r.RecallMicro)
	macro := macroAverages(classes, macroLabels)
	r.PrecisionMacro, r.RecallMacro, r.F1Macro = macro.precision, macro.recall, macro.f1
	r.Report = report(r)
	return r
}

// report renders the per-class scores and the micro, macro and weighted averages over all labels.
func report(r *Results) string {
	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"", "precision", "recall", "f1-score", "support"})
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)

	formatRow := func(name string, precision, recall, f1 float64, support int) []string {
		return []string{name, fmt.Sprintf("%.2f", precision), fmt.Sprintf("%.2f", recall), fmt.Sprintf("%.2f", f1),
			fmt.Sprint(support)}
	}
	totalSupport := 0
	allLabels := make([]int, len(r.Classes))
	var precisions, recalls, f1s, supports stats.Float64Data
	for ii, c := range r.Classes {
		table.Append(formatRow(c.Name, c.Precision, c.Recall, c.F1, c.Support))
		totalSupport += c.Support
		allLabels[ii] = ii
		precisions = append(precisions, c.Precision)
		recalls = append(recalls, c.Recall)
		f1s = append(f1s, c.F1)
		supports = append(supports, float64(c.Support))
	}
	table.Append([]string{"", "", "", "", ""})
	table.Append(formatRow("micro avg", r.PrecisionMicro, r.RecallMicro, r.F1Micro, totalSupport))
	macro := macroAverages(r.Classes, allLabels)
	table.Append(formatRow("macro avg", macro.precision, macro.recall, macro.f1, totalSupport))
	table.Append(formatRow("weighted avg", weightedMean(precisions, supports), weightedMean(recalls, supports),
		weightedMean(f1s, supports), totalSupport))
	table.Render()
	return buf.String()
}
