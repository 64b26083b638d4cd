// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/data/hdf5"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MobileNetV2 backbone (https://arxiv.org/abs/1801.04381), without the classification top,
// laid out exactly as keras.applications.MobileNetV2 so the Keras ImageNet weights can be
// loaded and "last N layers" counts the same layers.
type MobileNetV2 struct {
	// Alpha is the width multiplier: 0.35 for the mobile sized network.
	Alpha float64
}

var _ Backbone = (*MobileNetV2)(nil)

// MobileNetV2WeightsURL is the base URL of the Keras pretrained weights.
var MobileNetV2WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/mobilenet_v2/"

// mobileNetV2PretrainedAlphas and mobileNetV2PretrainedSizes are the variations for which Keras
// publishes ImageNet weights.
var (
	mobileNetV2PretrainedAlphas = []float64{0.35, 0.5, 0.75, 1.0, 1.3, 1.4}
	mobileNetV2PretrainedSizes  = []int{96, 128, 160, 192, 224}
)

// invertedResidualBlocks of MobileNetV2: filters, strides and expansion factor, indexed by block id.
var invertedResidualBlocks = []struct{ filters, strides, expansion int }{
	{16, 1, 1},
	{24, 2, 6}, {24, 1, 6},
	{32, 2, 6}, {32, 1, 6}, {32, 1, 6},
	{64, 2, 6}, {64, 1, 6}, {64, 1, 6}, {64, 1, 6},
	{96, 1, 6}, {96, 1, 6}, {96, 1, 6},
	{160, 2, 6}, {160, 1, 6}, {160, 1, 6},
	{320, 1, 6},
}

// Name implements Backbone.
func (m *MobileNetV2) Name() string { return fmt.Sprintf("MobileNetV2(alpha=%g)", m.Alpha) }

// makeDivisible rounds v to the nearest multiple of divisor, not going down by more than 10%.
func makeDivisible(v float64, divisor int) int {
	rounded := max(divisor, int(v+float64(divisor)/2)/divisor*divisor)
	if float64(rounded) < 0.9*v {
		rounded += divisor
	}
	return rounded
}

// Layers implements Backbone.
func (m *MobileNetV2) Layers(imageSize int) []Layer {
	var list []Layer
	add := func(l Layer) { list = append(list, l) }
	size := imageSize
	channels := 3

	add(Layer{Name: "input_1", Kind: KindInput})
	firstFilters := makeDivisible(32*m.Alpha, 8)
	add(Layer{Name: "Conv1", Kind: KindConv, Channels: channels, Filters: firstFilters,
		KernelSize: 3, Strides: 2, Padding: PaddingSame})
	channels = firstFilters
	size = (size + 1) / 2
	add(Layer{Name: "bn_Conv1", Kind: KindBatchNorm, Channels: channels})
	add(Layer{Name: "Conv1_relu", Kind: KindReLU, MaxValue: 6})

	for blockID, block := range invertedResidualBlocks {
		prefix := fmt.Sprintf("block_%d_", blockID)
		if blockID == 0 {
			prefix = "expanded_conv_"
		}
		blockInput := list[len(list)-1].Name
		inChannels := channels
		pointwiseFilters := makeDivisible(float64(int(float64(block.filters)*m.Alpha)), 8)

		if blockID != 0 {
			expanded := block.expansion * inChannels
			add(Layer{Name: prefix + "expand", Kind: KindConv, Channels: channels, Filters: expanded,
				KernelSize: 1, Strides: 1, Padding: PaddingSame})
			channels = expanded
			add(Layer{Name: prefix + "expand_BN", Kind: KindBatchNorm, Channels: channels})
			add(Layer{Name: prefix + "expand_relu", Kind: KindReLU, MaxValue: 6})
		}
		padding := PaddingSame
		if block.strides == 2 {
			// Keras' correct_pad for a 3x3 kernel: odd sizes are padded on both sides.
			adjust := 1 - size%2
			add(Layer{Name: prefix + "pad", Kind: KindZeroPadding,
				ZeroPadding: [2][2]int{{1 - adjust, 1}, {1 - adjust, 1}}})
			padding = PaddingValid
			size = (size + 1) / 2
		}
		add(Layer{Name: prefix + "depthwise", Kind: KindDepthwiseConv, Channels: channels,
			KernelSize: 3, Strides: block.strides, Padding: padding})
		add(Layer{Name: prefix + "depthwise_BN", Kind: KindBatchNorm, Channels: channels})
		add(Layer{Name: prefix + "depthwise_relu", Kind: KindReLU, MaxValue: 6})
		add(Layer{Name: prefix + "project", Kind: KindConv, Channels: channels, Filters: pointwiseFilters,
			KernelSize: 1, Strides: 1, Padding: PaddingSame})
		channels = pointwiseFilters
		add(Layer{Name: prefix + "project_BN", Kind: KindBatchNorm, Channels: channels})
		if inChannels == pointwiseFilters && block.strides == 1 {
			add(Layer{Name: prefix + "add", Kind: KindAdd,
				Inputs: []string{blockInput, prefix + "project_BN"}})
		}
	}

	lastFilters := 1280
	if m.Alpha > 1.0 {
		lastFilters = makeDivisible(1280*m.Alpha, 8)
	}
	add(Layer{Name: "Conv_1", Kind: KindConv, Channels: channels, Filters: lastFilters,
		KernelSize: 1, Strides: 1, Padding: PaddingSame})
	add(Layer{Name: "Conv_1_bn", Kind: KindBatchNorm, Channels: lastFilters})
	add(Layer{Name: "out_relu", Kind: KindReLU, MaxValue: 6})
	return list
}

// weightsFileName returns the name of the Keras weights file without the top, for the given image size.
// Keras uses the 224 weights for sizes it doesn't publish: convolution weights don't depend on it.
func (m *MobileNetV2) weightsFileName(imageSize int) (string, error) {
	if !slices.Contains(mobileNetV2PretrainedAlphas, m.Alpha) {
		return "", errors.Errorf("no pretrained MobileNetV2 weights for alpha=%g, only for %v",
			m.Alpha, mobileNetV2PretrainedAlphas)
	}
	if !slices.Contains(mobileNetV2PretrainedSizes, imageSize) {
		imageSize = 224
	}
	return fmt.Sprintf("mobilenet_v2_weights_tf_dim_ordering_tf_kernels_%s_%d_no_top.h5",
		formatAlpha(m.Alpha), imageSize), nil
}

// formatAlpha formats alpha as Python's str(float(alpha)) does: "1.0", "0.35".
func formatAlpha(alpha float64) string {
	s := fmt.Sprintf("%g", alpha)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// LoadPretrained implements Backbone: it downloads the Keras ImageNet weights to dataDir (if not
// there yet), unpacks them with h5dump, and sets them as the backbone variables in ctx.
//
// Nothing is set in ctx unless all weights were read and have the expected shapes.
func (m *MobileNetV2) LoadPretrained(ctx *context.Context, dataDir string, imageSize int) error {
	fileName, err := m.weightsFileName(imageSize)
	if err != nil {
		return err
	}
	dataDir = data.ReplaceTildeInDir(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q for pretrained weights", dataDir)
	}
	h5Path := path.Join(dataDir, fileName)
	unpackedPath := h5Path[:len(h5Path)-len(".h5")] + "_gomlx"
	if !data.FileExists(unpackedPath) {
		if err := data.DownloadIfMissing(MobileNetV2WeightsURL+fileName, h5Path, ""); err != nil {
			return errors.WithMessagef(err, "failed to download MobileNetV2 weights from %q", MobileNetV2WeightsURL+fileName)
		}
		klog.Infof("Unpacking %s to %s", h5Path, unpackedPath)
		if err := hdf5.UnpackToTensors(unpackedPath, h5Path).ProgressBar().Done(); err != nil {
			_ = os.RemoveAll(unpackedPath)
			_ = os.Remove(h5Path)
			return errors.WithMessagef(err, "failed to unpack MobileNetV2 weights from %q", h5Path)
		}
	}

	type loaded struct {
		scope, name string
		value       *tensors.Tensor
	}
	var values []loaded
	backboneCtx := ctx.In(BackboneScope)
	for _, layer := range m.Layers(imageSize) {
		for _, name := range layer.WeightNames() {
			// Keras h5 files store weights as <layer>/<layer>/<weight>:0.
			tensorPath := path.Join(unpackedPath, layer.Name, layer.Name, name+":0")
			value, err := tensors.Load(tensorPath)
			if err != nil {
				return errors.Wrapf(err, "failed to read pretrained weight %s/%s", layer.Name, name)
			}
			want := layer.WeightShape(name)
			if value.DType() != weightsDType || !slices.Equal(value.Shape().Dimensions, want) {
				return errors.Errorf("pretrained weight %s/%s is shaped %s, expected %s%v",
					layer.Name, name, value.Shape(), weightsDType, want)
			}
			values = append(values, loaded{scope: layer.Name, name: name, value: value})
		}
	}
	for _, v := range values {
		backboneCtx.In(v.scope).Checked(false).VariableWithValue(v.name, v.value)
	}
	klog.V(1).Infof("Loaded %d pretrained MobileNetV2 weights from %s", len(values), unpackedPath)
	return nil
}
