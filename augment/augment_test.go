// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"io"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/waterlevel/preprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 8

// gradientSample returns a sample whose pixels vary with the position, so transformations are visible.
func gradientSample(label int) preprocess.Sample {
	pixels := make([]float32, testSize*testSize*preprocess.NumChannels)
	for ii := range pixels {
		pixels[ii] = float32(ii%(testSize*preprocess.NumChannels)) / float32(testSize*preprocess.NumChannels)
	}
	return preprocess.Sample{Pixels: pixels, Label: label}
}

func TestAugmentKeepsShapeRangeAndInput(t *testing.T) {
	a := DefaultAugmenter()
	rng := rand.New(rand.NewPCG(1, 2))
	sample := gradientSample(0)
	original := slices.Clone(sample.Pixels)
	changed := false
	for range 20 {
		out := a.Augment(sample.Pixels, testSize, rng)
		require.Len(t, out, len(original))
		for _, v := range out {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
		if !slices.Equal(out, original) {
			changed = true
		}
	}
	assert.True(t, changed, "augmentation never changed the image")
	assert.Equal(t, original, sample.Pixels, "input pixels must not be modified")
}

func TestAugmentDisabledIsIdentity(t *testing.T) {
	sample := gradientSample(0)
	var a *Augmenter
	assert.False(t, a.Enabled())
	out := a.Augment(sample.Pixels, testSize, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, sample.Pixels, out)
	assert.False(t, (&Augmenter{}).Enabled())
}

func TestAugmentBrightnessOnly(t *testing.T) {
	a := &Augmenter{Brightness: 0.1}
	pixels := make([]float32, testSize*testSize*preprocess.NumChannels)
	for ii := range pixels {
		pixels[ii] = 0.5
	}
	out := a.Augment(pixels, testSize, rand.New(rand.NewPCG(3, 4)))
	delta := out[0] - 0.5
	assert.LessOrEqual(t, delta, float32(0.1)+1e-6)
	assert.GreaterOrEqual(t, delta, float32(-0.1)-1e-6)
	for _, v := range out {
		assert.InDelta(t, out[0], v, 1e-6, "brightness shift must be uniform over the image")
	}
}

func makeSamples(n int) []preprocess.Sample {
	samples := make([]preprocess.Sample, n)
	for ii := range samples {
		samples[ii] = gradientSample(ii % 3)
	}
	return samples
}

func TestTrainDatasetEpochs(t *testing.T) {
	ds, err := NewTrainDataset("train", makeSamples(24), testSize, 3, 8, 42, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.StepsPerEpoch())

	firstOrder := ds.Order()
	var count int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []int{8, testSize, testSize, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{8, 3}, labels[0].Shape().Dimensions)
		count++
	}
	assert.Equal(t, 3, count)

	// Yield keeps returning io.EOF until Reset.
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	ds.Reset()
	assert.Equal(t, 1, ds.Epoch())
	secondOrder := ds.Order()
	assert.NotEqual(t, firstOrder, secondOrder)
	assert.ElementsMatch(t, firstOrder, secondOrder)

	// Same seed reproduces the same permutations.
	ds2, err := NewTrainDataset("train", makeSamples(24), testSize, 3, 8, 42, nil)
	require.NoError(t, err)
	assert.Equal(t, firstOrder, ds2.Order())
	ds2.Reset()
	assert.Equal(t, secondOrder, ds2.Order())
}

func TestTrainDatasetSmallerThanBatch(t *testing.T) {
	ds, err := NewTrainDataset("train", makeSamples(5), testSize, 3, 32, 1, DefaultAugmenter())
	require.NoError(t, err)
	assert.Equal(t, 5, ds.BatchSize())
	assert.Equal(t, 1, ds.StepsPerEpoch())
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 5, inputs[0].Shape().Dimensions[0])

	_, err = NewTrainDataset("empty", nil, testSize, 3, 32, 1, nil)
	require.Error(t, err)
}

func TestEvalDatasetIsOrderedAndNotAugmented(t *testing.T) {
	samples := makeSamples(7)
	ds, err := NewEvalDataset("validation", samples, testSize, 3, 3)
	require.NoError(t, err)
	var sizes []int
	var all []float32
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, inputs[0].Shape().Dimensions[0])
		assert.Equal(t, inputs[0].Shape().Dimensions[0], labels[0].Shape().Dimensions[0])
		all = append(all, tensors.CopyFlatData[float32](inputs[0])...)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, preprocess.ImagesTensor(samples, testSize).Shape().Size(), len(all))
	assert.Equal(t, tensors.CopyFlatData[float32](preprocess.ImagesTensor(samples, testSize)), all)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}
