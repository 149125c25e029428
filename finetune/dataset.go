package finetune

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/features"
)

// Dataset yields batches of features as tensors. It implements GoMLX's train.Dataset.
//
// Inputs are the token ids, the attention mask and the segment ids, all int32 shaped [batch, seq].
// Labels are int32 [batch, 1] indices for features.SingleLabel, and a float32 [batch, numLabels]
// multi-hot for features.MultiLabel. The last batch of an epoch may be smaller.
type Dataset struct {
	name      string
	features  []*features.Feature
	mode      features.LabelMode
	numLabels int
	batchSize int
	seqLen    int

	shuffle bool
	rng     *rand.Rand
	order   []int
	next    int
}

var _ train.Dataset = &Dataset{}

// NewDataset creates a Dataset over the features. If shuffle is set, each epoch visits the features in a
// new random order drawn from seed, otherwise in their given order.
func NewDataset(name string, feats []*features.Feature, mode features.LabelMode, numLabels, batchSize int,
	shuffle bool, seed int64) (*Dataset, error) {
	if len(feats) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q batch size must be positive, got %d", name, batchSize)
	}
	ds := &Dataset{
		name:      name,
		features:  feats,
		mode:      mode,
		numLabels: numLabels,
		batchSize: batchSize,
		seqLen:    len(feats[0].InputIDs),
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, len(feats)),
	}
	for ii, f := range feats {
		if len(f.InputIDs) != ds.seqLen {
			return nil, errors.Errorf("dataset %q feature %d has length %d, expected %d", name, ii, len(f.InputIDs), ds.seqLen)
		}
		if mode == features.MultiLabel && len(f.Label.MultiHot) != numLabels {
			return nil, errors.Errorf("dataset %q feature %d has %d labels, expected %d", name, ii, len(f.Label.MultiHot), numLabels)
		}
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.features) }

// NumBatches in one epoch.
func (ds *Dataset) NumBatches() int {
	return (len(ds.features) + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset, and starts a new epoch.
func (ds *Dataset) Reset() {
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
	ds.next = 0
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.order) {
		err = io.EOF
		return
	}
	end := min(ds.next+ds.batchSize, len(ds.order))
	batch := ds.order[ds.next:end]
	ds.next = end

	batchSize := len(batch)
	ids := make([]int32, 0, batchSize*ds.seqLen)
	mask := make([]int32, 0, batchSize*ds.seqLen)
	segments := make([]int32, 0, batchSize*ds.seqLen)
	for _, idx := range batch {
		f := ds.features[idx]
		ids = appendInt32(ids, f.InputIDs)
		mask = appendInt32(mask, f.InputMask)
		segments = appendInt32(segments, f.SegmentIDs)
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(ids, batchSize, ds.seqLen),
		tensors.FromFlatDataAndDimensions(mask, batchSize, ds.seqLen),
		tensors.FromFlatDataAndDimensions(segments, batchSize, ds.seqLen),
	}

	if ds.mode == features.MultiLabel {
		multiHot := make([]float32, 0, batchSize*ds.numLabels)
		for _, idx := range batch {
			for _, v := range ds.features[idx].Label.MultiHot {
				multiHot = append(multiHot, float32(v))
			}
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(multiHot, batchSize, ds.numLabels)}
	} else {
		indices := make([]int32, batchSize)
		for ii, idx := range batch {
			indices[ii] = int32(ds.features[idx].Label.Index)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(indices, batchSize, 1)}
	}
	return
}

func appendInt32(dst []int32, values []int) []int32 {
	for _, v := range values {
		dst = append(dst, int32(v))
	}
	return dst
}
