package finetune

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/textcls/mlmc/internal/files"
	"k8s.io/klog/v2"
)

// Keys of the results map, besides the metrics.Key* ones.
const (
	KeyEvalLoss   = "eval_loss"
	KeyGlobalStep = "global_step"
	KeyLoss       = "loss"
)

// ResultsFileName returns the path of the results file in outputDir for the model and the training file:
// "eval_results_<model>_<train file stem>.txt", with "/" in the model id replaced by "_".
func ResultsFileName(outputDir, modelID, trainFile string) string {
	modelName := strings.ReplaceAll(modelID, "/", "_")
	return filepath.Join(outputDir, fmt.Sprintf("eval_results_%s_%s.txt", modelName, files.Stem(trainFile)))
}

// FormatValue formats a result value: floats with the shortest representation that reads back exactly.
func FormatValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// WriteResults writes one "key = value" line per result, sorted by key, and logs them.
func WriteResults(filePath string, results map[string]any) error {
	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	klog.Info("***** Eval results *****")
	for _, key := range keys {
		value := FormatValue(results[key])
		klog.Infof("  %s = %s", key, value)
		fmt.Fprintf(&sb, "%s = %s\n", key, value)
	}
	if err := os.WriteFile(filePath, []byte(sb.String()), 0644); err != nil {
		return errors.Wrapf(err, "failed to write results to %q", filePath)
	}
	return nil
}
