// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ErrNoPretrainedWeights is returned by backbones that have no pretrained weights available.
var ErrNoPretrainedWeights = errors.New("backbone has no pretrained weights")

// Tiny is a small convolutional backbone: a 2x2 convolution with stride 2 (one output per
// non-overlapping patch), ReLU and max-pooling, followed by a 1x1 convolution, ReLU and
// max-pooling. It trains in seconds on CPU and is used for tests and quick runs.
//
// All its layers are built from reshapes, dot-products and reductions, so it can be trained
// on any backend, including SimpleGo. Image sizes must be multiples of 8.
type Tiny struct {
	// Filters of the first block; the second block uses twice as many. Defaults to 8.
	Filters int
}

var _ Backbone = (*Tiny)(nil)

// Name implements Backbone.
func (t *Tiny) Name() string { return "TinyCNN" }

// Layers implements Backbone.
func (t *Tiny) Layers(_ int) []Layer {
	filters := t.Filters
	if filters <= 0 {
		filters = 8
	}
	return []Layer{
		{Name: "input_1", Kind: KindInput},
		{Name: "conv_1", Kind: KindConv, Channels: 3, Filters: filters, KernelSize: 2, Strides: 2,
			Padding: PaddingValid, UseBias: true},
		{Name: "conv_1_relu", Kind: KindReLU},
		{Name: "pool_1", Kind: KindMaxPool, KernelSize: 2, Strides: 2},
		{Name: "conv_2", Kind: KindConv, Channels: filters, Filters: 2 * filters, KernelSize: 1, Strides: 1,
			Padding: PaddingValid, UseBias: true},
		{Name: "conv_2_relu", Kind: KindReLU},
		{Name: "pool_2", Kind: KindMaxPool, KernelSize: 2, Strides: 2},
	}
}

// LoadPretrained implements Backbone. It always fails with ErrNoPretrainedWeights.
func (t *Tiny) LoadPretrained(_ *context.Context, _ string, _ int) error {
	return errors.WithStack(ErrNoPretrainedWeights)
}
