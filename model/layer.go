// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
)

// Kind of layer. Each kind has a Keras class counterpart, used when exporting.
type Kind int

const (
	KindInput Kind = iota
	KindConv
	KindDepthwiseConv
	KindBatchNorm
	KindReLU
	KindZeroPadding
	KindAdd
	KindMaxPool
	KindGlobalAveragePool
	KindDropout
	KindDense
)

// Padding modes of convolutions, with Keras semantics.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// Activations of dense layers.
const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationSoftmax = "softmax"
)

const (
	batchNormEpsilon  = 1e-3
	batchNormMomentum = 0.999
)

// Layer describes one layer of the network in Keras terms.
//
// Layers are applied in sequence: each layer takes the output of the previous one, unless
// Inputs lists the names of the layers it takes instead (used by residual Add layers).
type Layer struct {
	Name   string
	Kind   Kind
	Inputs []string

	// Channels is the number of input channels (or input units of a dense layer). It is
	// required for the layers with weights.
	Channels int

	// Filters of a convolution, Units of a dense layer.
	Filters, Units int

	KernelSize, Strides int
	Padding             string
	UseBias             bool

	// ZeroPadding is ((top, bottom), (left, right)).
	ZeroPadding [2][2]int

	// MaxValue of a ReLU, 0 for unbounded.
	MaxValue float64

	// Rate of a Dropout layer.
	Rate float64

	// Activation of a Dense layer.
	Activation string
}

// WeightNames returns the names of the variables of the layer, in Keras order.
func (l Layer) WeightNames() []string {
	switch l.Kind {
	case KindConv, KindDense:
		if l.UseBias {
			return []string{"kernel", "bias"}
		}
		return []string{"kernel"}
	case KindDepthwiseConv:
		return []string{"depthwise_kernel"}
	case KindBatchNorm:
		return []string{"gamma", "beta", "moving_mean", "moving_variance"}
	default:
		return nil
	}
}

// WeightShape returns the shape of the layer variable with the given name.
func (l Layer) WeightShape(name string) []int {
	switch name {
	case "kernel":
		if l.Kind == KindDense {
			return []int{l.Channels, l.Units}
		}
		return []int{l.KernelSize, l.KernelSize, l.Channels, l.Filters}
	case "depthwise_kernel":
		return []int{l.KernelSize, l.KernelSize, l.Channels, 1}
	case "bias":
		if l.Kind == KindDense {
			return []int{l.Units}
		}
		return []int{l.Filters}
	default:
		return []int{l.Channels}
	}
}

// isStatistic returns whether the weight is a batch normalization statistic, which is never trained.
func isStatistic(weightName string) bool {
	return weightName == "moving_mean" || weightName == "moving_variance"
}

// OutputChannels returns the number of channels (or units) produced by the layer, given
// the number of channels it receives.
func (l Layer) OutputChannels(inputChannels int) int {
	switch l.Kind {
	case KindConv:
		return l.Filters
	case KindDense:
		return l.Units
	default:
		return inputChannels
	}
}

// ClassName returns the Keras class name of the layer.
func (l Layer) ClassName() string {
	switch l.Kind {
	case KindInput:
		return "InputLayer"
	case KindConv:
		return "Conv2D"
	case KindDepthwiseConv:
		return "DepthwiseConv2D"
	case KindBatchNorm:
		return "BatchNormalization"
	case KindReLU:
		return "ReLU"
	case KindZeroPadding:
		return "ZeroPadding2D"
	case KindAdd:
		return "Add"
	case KindMaxPool:
		return "MaxPooling2D"
	case KindGlobalAveragePool:
		return "GlobalAveragePooling2D"
	case KindDropout:
		return "Dropout"
	case KindDense:
		return "Dense"
	default:
		return fmt.Sprintf("Kind(%d)", int(l.Kind))
	}
}

// KerasConfig returns the layer configuration as Keras (and TensorFlow.js) serializes it.
// imageSize is only used by the input layer.
func (l Layer) KerasConfig(trainable bool, imageSize int) map[string]any {
	config := map[string]any{
		"name":      l.Name,
		"trainable": trainable,
		"dtype":     "float32",
	}
	pair := func(v int) []int { return []int{v, v} }
	switch l.Kind {
	case KindInput:
		config["batch_input_shape"] = []any{nil, imageSize, imageSize, 3}
		config["sparse"] = false
		config["ragged"] = false
	case KindConv:
		config["filters"] = l.Filters
		config["kernel_size"] = pair(l.KernelSize)
		config["strides"] = pair(l.Strides)
		config["padding"] = l.Padding
		config["data_format"] = "channels_last"
		config["dilation_rate"] = pair(1)
		config["groups"] = 1
		config["activation"] = ActivationLinear
		config["use_bias"] = l.UseBias
		config["kernel_initializer"] = map[string]any{"class_name": "GlorotUniform", "config": map[string]any{}}
		config["bias_initializer"] = map[string]any{"class_name": "Zeros", "config": map[string]any{}}
	case KindDepthwiseConv:
		config["kernel_size"] = pair(l.KernelSize)
		config["strides"] = pair(l.Strides)
		config["padding"] = l.Padding
		config["data_format"] = "channels_last"
		config["dilation_rate"] = pair(1)
		config["depth_multiplier"] = 1
		config["activation"] = ActivationLinear
		config["use_bias"] = l.UseBias
		config["depthwise_initializer"] = map[string]any{"class_name": "GlorotUniform", "config": map[string]any{}}
	case KindBatchNorm:
		config["axis"] = 3
		config["momentum"] = batchNormMomentum
		config["epsilon"] = batchNormEpsilon
		config["center"] = true
		config["scale"] = true
	case KindReLU:
		if l.MaxValue > 0 {
			config["max_value"] = l.MaxValue
		} else {
			config["max_value"] = nil
		}
		config["negative_slope"] = 0.0
		config["threshold"] = 0.0
	case KindZeroPadding:
		config["padding"] = [][]int{
			{l.ZeroPadding[0][0], l.ZeroPadding[0][1]},
			{l.ZeroPadding[1][0], l.ZeroPadding[1][1]},
		}
		config["data_format"] = "channels_last"
	case KindMaxPool:
		config["pool_size"] = pair(l.KernelSize)
		config["strides"] = pair(l.Strides)
		config["padding"] = PaddingValid
		config["data_format"] = "channels_last"
	case KindGlobalAveragePool:
		config["data_format"] = "channels_last"
		config["keepdims"] = false
	case KindDropout:
		config["rate"] = l.Rate
		config["noise_shape"] = nil
		config["seed"] = nil
	case KindDense:
		config["units"] = l.Units
		config["activation"] = l.Activation
		config["use_bias"] = l.UseBias
		config["kernel_initializer"] = map[string]any{"class_name": "GlorotUniform", "config": map[string]any{}}
		config["bias_initializer"] = map[string]any{"class_name": "Zeros", "config": map[string]any{}}
	}
	return config
}
