// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/waterlevel/preprocess"
	"github.com/pkg/errors"
)

// TrainDataset implements train.Dataset over a fixed set of samples, bound to epochs.
//
// Each epoch visits a new permutation of the samples, drawn from a generator seeded with the
// dataset seed and the epoch number, so runs are reproducible. An epoch yields
// max(1, len(samples)/batchSize) full batches (leftover samples of the permutation are
// skipped) and then io.EOF. Reset starts the next epoch.
//
// Yielded inputs are the (optionally augmented) images shaped [batch, size, size, 3], and labels
// are one-hot encoded, shaped [batch, numClasses].
type TrainDataset struct {
	name                  string
	samples               []preprocess.Sample
	size, numClasses      int
	batchSize             int
	seed                  int64
	augmenter             *Augmenter
	muYield               sync.Mutex
	epoch, step, numSteps int
	order                 []int
	rng                   *rand.Rand
}

var _ train.Dataset = (*TrainDataset)(nil)

// NewTrainDataset creates a TrainDataset. augmenter can be nil for no augmentation.
//
// If there are fewer samples than batchSize, the batch size is reduced to the number of samples.
func NewTrainDataset(name string, samples []preprocess.Sample, size, numClasses, batchSize int, seed int64,
	augmenter *Augmenter) (*TrainDataset, error) {
	if len(samples) == 0 {
		return nil, errors.Errorf("dataset %q has no samples", name)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", name, batchSize)
	}
	batchSize = min(batchSize, len(samples))
	ds := &TrainDataset{
		name:       name,
		samples:    samples,
		size:       size,
		numClasses: numClasses,
		batchSize:  batchSize,
		seed:       seed,
		augmenter:  augmenter,
		numSteps:   max(1, len(samples)/batchSize),
	}
	ds.startEpoch(0)
	return ds, nil
}

// Name implements train.Dataset.
func (ds *TrainDataset) Name() string { return ds.name }

// BatchSize actually used.
func (ds *TrainDataset) BatchSize() int { return ds.batchSize }

// StepsPerEpoch is the number of batches yielded per epoch.
func (ds *TrainDataset) StepsPerEpoch() int { return ds.numSteps }

// Epoch returns the current epoch number, starting at 0.
func (ds *TrainDataset) Epoch() int { return ds.epoch }

// Order returns a copy of the permutation of sample indices of the current epoch.
func (ds *TrainDataset) Order() []int { return append([]int(nil), ds.order...) }

func (ds *TrainDataset) startEpoch(epoch int) {
	ds.epoch = epoch
	ds.step = 0
	ds.rng = rand.New(rand.NewPCG(uint64(ds.seed), uint64(epoch)))
	ds.order = ds.rng.Perm(len(ds.samples))
}

// Yield implements train.Dataset.
func (ds *TrainDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muYield.Lock()
	defer ds.muYield.Unlock()
	if ds.step >= ds.numSteps {
		return nil, nil, nil, io.EOF
	}
	start := ds.step * ds.batchSize
	batch := make([]preprocess.Sample, ds.batchSize)
	for ii := range batch {
		sample := ds.samples[ds.order[start+ii]]
		if ds.augmenter.Enabled() {
			sample.Pixels = ds.augmenter.Augment(sample.Pixels, ds.size, ds.rng)
		}
		batch[ii] = sample
	}
	ds.step++
	inputs = []*tensors.Tensor{preprocess.ImagesTensor(batch, ds.size)}
	labels = []*tensors.Tensor{preprocess.LabelsTensor(batch, ds.numClasses)}
	return
}

// Reset implements train.Dataset: it starts the next epoch, with a new permutation.
func (ds *TrainDataset) Reset() {
	ds.muYield.Lock()
	defer ds.muYield.Unlock()
	ds.startEpoch(ds.epoch + 1)
}

// EvalDataset implements train.Dataset yielding every sample once, in order, without augmentation.
// The last batch may be smaller.
type EvalDataset struct {
	name             string
	samples          []preprocess.Sample
	size, numClasses int
	batchSize        int
	muYield          sync.Mutex
	pos              int
}

var _ train.Dataset = (*EvalDataset)(nil)

// NewEvalDataset creates an EvalDataset.
func NewEvalDataset(name string, samples []preprocess.Sample, size, numClasses, batchSize int) (*EvalDataset, error) {
	if len(samples) == 0 {
		return nil, errors.Errorf("dataset %q has no samples", name)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", name, batchSize)
	}
	return &EvalDataset{
		name:       name,
		samples:    samples,
		size:       size,
		numClasses: numClasses,
		batchSize:  batchSize,
	}, nil
}

// Name implements train.Dataset.
func (ds *EvalDataset) Name() string { return ds.name }

// Len returns the number of samples.
func (ds *EvalDataset) Len() int { return len(ds.samples) }

// Yield implements train.Dataset.
func (ds *EvalDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muYield.Lock()
	defer ds.muYield.Unlock()
	if ds.pos >= len(ds.samples) {
		return nil, nil, nil, io.EOF
	}
	end := min(ds.pos+ds.batchSize, len(ds.samples))
	batch := ds.samples[ds.pos:end]
	ds.pos = end
	inputs = []*tensors.Tensor{preprocess.ImagesTensor(batch, ds.size)}
	labels = []*tensors.Tensor{preprocess.LabelsTensor(batch, ds.numClasses)}
	return
}

// Reset implements train.Dataset.
func (ds *EvalDataset) Reset() {
	ds.muYield.Lock()
	defer ds.muYield.Unlock()
	ds.pos = 0
}
