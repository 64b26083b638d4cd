// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/waterlevel/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClassTooSmall is returned by Split, under the config.FailOnSmallClass policy, when a class
// has less than 2 samples.
var ErrClassTooSmall = errors.New("class too small to be split")

// Split partitions sample indices into train and validation sets, stratified by label.
//
// Each class contributes round(fraction * count) of its samples to validation, chosen with a
// random generator seeded with seed, clamped so each class with at least 2 samples appears in
// both sets. Classes with a single sample are kept in training (config.KeepInTrain) or make
// the split fail (config.FailOnSmallClass).
//
// Returned indices are sorted, disjoint, and together cover all of labels.
func Split(labels []int, fraction float64, seed int64, smallClassPolicy string) (train, validation []int, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, errors.Errorf("validation fraction must be in (0, 1), got %g", fraction)
	}
	byClass := make(map[int][]int)
	for idx, label := range labels {
		byClass[label] = append(byClass[label], idx)
	}
	classes := make([]int, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	slices.Sort(classes)

	rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	for _, label := range classes {
		indices := byClass[label]
		n := len(indices)
		if n < 2 {
			if smallClassPolicy == config.FailOnSmallClass {
				return nil, nil, errors.Wrapf(ErrClassTooSmall, "class %d has %d sample(s)", label, n)
			}
			klog.Warningf("Class %d has only %d sample(s): keeping it in the training set only", label, n)
			train = append(train, indices...)
			continue
		}
		rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		numValidation := int(math.Round(fraction * float64(n)))
		numValidation = min(max(numValidation, 1), n-1)
		validation = append(validation, indices[:numValidation]...)
		train = append(train, indices[numValidation:]...)
	}
	slices.Sort(train)
	slices.Sort(validation)
	return train, validation, nil
}
