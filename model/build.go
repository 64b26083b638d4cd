// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// buildLayers applies layerList to x and returns the output of the last layer. Each layer
// gets its own scope (its name) under ctx.
//
// Variables of layers with index < trainableFrom are marked as not trainable, and the outputs
// of those layers go through StopGradient.
func buildLayers(ctx *context.Context, layerList []Layer, x *Node, trainableFrom int, seed int64) *Node {
	outputs := make(map[string]*Node, len(layerList))
	for idx, layer := range layerList {
		inputs := []*Node{x}
		if len(layer.Inputs) > 0 {
			inputs = make([]*Node, len(layer.Inputs))
			for ii, name := range layer.Inputs {
				input, found := outputs[name]
				if !found {
					exceptions.Panicf("layer %q takes as input %q, which is not defined before it", layer.Name, name)
				}
				inputs[ii] = input
			}
		}
		trainable := idx >= trainableFrom
		x = buildLayer(ctx.In(layer.Name), layer, inputs, trainable, seed)
		if !trainable {
			x = StopGradient(x)
		}
		outputs[layer.Name] = x
	}
	return x
}

// buildLayer builds one layer on the given inputs.
func buildLayer(ctx *context.Context, layer Layer, inputs []*Node, trainable bool, seed int64) *Node {
	x := inputs[0]
	g := x.Graph()
	if layer.WeightNames() != nil {
		if channels := x.Shape().Dimensions[x.Rank()-1]; channels != layer.Channels {
			exceptions.Panicf("layer %q (%s) expects %d input channels, got input shaped %s",
				layer.Name, layer.ClassName(), layer.Channels, x.Shape())
		}
	}
	switch layer.Kind {
	case KindInput:
		return x

	case KindConv:
		kernel := weight(ctx, g, layer, "kernel", trainable, seed)
		x = conv(x, kernel, layer)
		if layer.UseBias {
			bias := weight(ctx, g, layer, "bias", trainable, seed)
			x = Add(x, Reshape(bias, 1, 1, 1, layer.Filters))
		}
		return x

	case KindDepthwiseConv:
		kernel := weight(ctx, g, layer, "depthwise_kernel", trainable, seed)
		var padding [2][2]int
		if layer.Padding == PaddingSame {
			dims := x.Shape().Dimensions
			padding = [2][2]int{
				samePadding(dims[1], layer.KernelSize, layer.Strides),
				samePadding(dims[2], layer.KernelSize, layer.Strides),
			}
		}
		return depthwiseConv(zeroPad(x, padding), kernel, layer.KernelSize, layer.Strides)

	case KindBatchNorm:
		// Inference mode: the moving statistics are used, also while training.
		gamma := weight(ctx, g, layer, "gamma", trainable, seed)
		beta := weight(ctx, g, layer, "beta", trainable, seed)
		mean := weight(ctx, g, layer, "moving_mean", trainable, seed)
		variance := weight(ctx, g, layer, "moving_variance", trainable, seed)
		scale := Mul(gamma, Rsqrt(AddScalar(variance, batchNormEpsilon)))
		offset := Sub(beta, Mul(mean, scale))
		dims := make([]int, x.Rank())
		for ii := range dims {
			dims[ii] = 1
		}
		dims[len(dims)-1] = layer.Channels
		return Add(Mul(x, Reshape(scale, dims...)), Reshape(offset, dims...))

	case KindReLU:
		if layer.MaxValue > 0 {
			return ClipScalar(x, 0, layer.MaxValue)
		}
		return activations.Relu(x)

	case KindZeroPadding:
		return zeroPad(x, layer.ZeroPadding)

	case KindAdd:
		if len(inputs) != 2 {
			exceptions.Panicf("layer %q (Add) requires 2 inputs, got %d", layer.Name, len(inputs))
		}
		return Add(inputs[0], inputs[1])

	case KindMaxPool:
		if tiles(x, layer.KernelSize, layer.Strides) {
			k := layer.KernelSize
			dims := x.Shape().Dimensions
			x = Reshape(x, dims[0], dims[1]/k, k, dims[2]/k, k, dims[3])
			return ReduceMax(x, 2, 4)
		}
		return MaxPool(x).Window(layer.KernelSize).Strides(layer.Strides).NoPadding().Done()

	case KindGlobalAveragePool:
		return ReduceMean(x, 1, 2)

	case KindDropout:
		if layer.Rate <= 0 {
			return x
		}
		return layers.DropoutStatic(ctx, x, layer.Rate)

	case KindDense:
		kernel := weight(ctx, g, layer, "kernel", trainable, seed)
		x = Einsum("bi,io->bo", x, kernel)
		if layer.UseBias {
			bias := weight(ctx, g, layer, "bias", trainable, seed)
			x = Add(x, Reshape(bias, 1, layer.Units))
		}
		switch layer.Activation {
		case ActivationReLU:
			x = activations.Relu(x)
		case ActivationSoftmax:
			x = Softmax(x, -1)
		case ActivationLinear, "":
		default:
			exceptions.Panicf("layer %q: unknown activation %q", layer.Name, layer.Activation)
		}
		return x
	}
	exceptions.Panicf("layer %q: unknown kind %s", layer.Name, layer.ClassName())
	return nil
}

// weight returns the value of the layer variable name, creating it if needed.
//
// Variables already present in the context (pretrained weights, or loaded from a checkpoint)
// are used as is.
func weight(ctx *context.Context, g *Graph, layer Layer, name string, trainable bool, seed int64) *Node {
	shape := layer.WeightShape(name)
	v := ctx.InspectVariable(ctx.Scope(), name)
	if v == nil {
		v = ctx.VariableWithValue(name, initialValue(ctx.Scope(), name, shape, seed))
	} else if !slices.Equal(v.Shape().Dimensions, shape) {
		exceptions.Panicf("variable %s/%s is shaped %s, but layer %q (%s) requires %v",
			ctx.Scope(), name, v.Shape(), layer.Name, layer.ClassName(), shape)
	}
	v.SetTrainable(trainable && !isStatistic(name))
	return v.ValueGraph(g)
}

// initialValue returns the Keras default initial value of a weight: Glorot uniform for kernels,
// ones for gamma and moving variance, and zeros otherwise.
//
// Random values are drawn from a generator seeded with seed and the full variable name, so they
// don't depend on the order in which variables are created.
func initialValue(scope, name string, shape []int, seed int64) *tensors.Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	values := make([]float32, size)
	switch name {
	case "gamma", "moving_variance":
		for ii := range values {
			values[ii] = 1
		}
	case "kernel", "depthwise_kernel":
		fanIn, fanOut := fans(shape)
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		hash := fnv.New64a()
		_, _ = hash.Write([]byte(scope + "/" + name))
		rng := rand.New(rand.NewPCG(uint64(seed), hash.Sum64()))
		for ii := range values {
			values[ii] = float32((2*rng.Float64() - 1) * limit)
		}
	}
	return tensors.FromFlatDataAndDimensions(values, shape...)
}

// fans returns the fan-in and fan-out of a kernel shape, following Keras conventions.
func fans(shape []int) (fanIn, fanOut int) {
	switch len(shape) {
	case 2:
		return shape[0], shape[1]
	case 4:
		receptiveField := shape[0] * shape[1]
		return shape[2] * receptiveField, shape[3] * receptiveField
	}
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size, size
}

// samePadding returns the padding (before, after) of an axis for "same" padding, as TensorFlow
// does it: when the total is odd, the extra padding goes after.
func samePadding(size, kernelSize, strides int) [2]int {
	outputSize := (size + strides - 1) / strides
	total := max((outputSize-1)*strides+kernelSize-size, 0)
	return [2]int{total / 2, total - total/2}
}

// tiles returns whether a window of kernelSize moved by strides splits the spatial axes of x
// into non-overlapping patches, with nothing left over and no padding needed.
func tiles(x *Node, kernelSize, strides int) bool {
	dims := x.Shape().Dimensions
	return kernelSize == strides && dims[1]%kernelSize == 0 && dims[2]%kernelSize == 0
}

// conv applies the convolution of a KindConv layer, kernel shaped
// [kernelSize, kernelSize, channels, filters].
//
// Non-overlapping windows (including 1x1 convolutions) are computed as a reshape followed by
// a dot-product. Otherwise the backend convolution is used if available, and a sum of
// strided slices if not.
func conv(x, kernel *Node, layer Layer) *Node {
	k, s := layer.KernelSize, layer.Strides
	if tiles(x, k, s) {
		dims := x.Shape().Dimensions
		x = Reshape(x, dims[0], dims[1]/k, k, dims[2]/k, k, dims[3])
		return Einsum("bhiwjc,ijcf->bhwf", x, kernel)
	}

	var padding [2][2]int
	if layer.Padding == PaddingSame {
		dims := x.Shape().Dimensions
		padding = [2][2]int{samePadding(dims[1], k, s), samePadding(dims[2], k, s)}
	}
	if x.Graph().Backend().Capabilities().Operations[backends.OpTypeConvGeneralDilated] {
		return Convolve(x, kernel).Strides(s).PaddingPerDim(padding[:]).Done()
	}
	return convBySlices(zeroPad(x, padding), kernel, k, s)
}

// convBySlices convolves the already padded x with kernel, shaped
// [kernelSize, kernelSize, channels, filters], as a sum over the kernel positions of strided
// slices of x multiplied by the kernel weights at that position.
func convBySlices(x, kernel *Node, kernelSize, strides int) *Node {
	dims := x.Shape().Dimensions
	kernelDims := kernel.Shape().Dimensions
	outHeight := (dims[1]-kernelSize)/strides + 1
	outWidth := (dims[2]-kernelSize)/strides + 1
	var output *Node
	for row := range kernelSize {
		for col := range kernelSize {
			patch := Slice(x, AxisRange(),
				AxisRange(row, row+(outHeight-1)*strides+1).Stride(strides),
				AxisRange(col, col+(outWidth-1)*strides+1).Stride(strides),
				AxisRange())
			w := Reshape(Slice(kernel, AxisElem(row), AxisElem(col)), kernelDims[2], kernelDims[3])
			term := Einsum("bhwc,cf->bhwf", patch, w)
			if output == nil {
				output = term
			} else {
				output = Add(output, term)
			}
		}
	}
	return output
}

// zeroPad pads the spatial axes (1 and 2) of x with zeros.
func zeroPad(x *Node, padding [2][2]int) *Node {
	g := x.Graph()
	for ii, axis := range []int{1, 2} {
		for side, amount := range padding[ii] {
			if amount == 0 {
				continue
			}
			dims := slices.Clone(x.Shape().Dimensions)
			dims[axis] = amount
			zeros := Zeros(g, shapes.Make(x.DType(), dims...))
			if side == 0 {
				x = Concatenate([]*Node{zeros, x}, axis)
			} else {
				x = Concatenate([]*Node{x, zeros}, axis)
			}
		}
	}
	return x
}

// depthwiseConv convolves each channel of the already padded x with its own kernel, shaped
// [kernelSize, kernelSize, channels, 1]. It is built as a sum of strided slices scaled by
// the kernel weights.
func depthwiseConv(x, kernel *Node, kernelSize, strides int) *Node {
	dims := x.Shape().Dimensions
	channels := dims[3]
	outHeight := (dims[1]-kernelSize)/strides + 1
	outWidth := (dims[2]-kernelSize)/strides + 1
	var output *Node
	for row := range kernelSize {
		for col := range kernelSize {
			patch := Slice(x, AxisRange(),
				AxisRange(row, row+(outHeight-1)*strides+1).Stride(strides),
				AxisRange(col, col+(outWidth-1)*strides+1).Stride(strides),
				AxisRange())
			w := Reshape(Slice(kernel, AxisElem(row), AxisElem(col)), 1, 1, 1, channels)
			term := Mul(patch, w)
			if output == nil {
				output = term
			} else {
				output = Add(output, term)
			}
		}
	}
	return output
}

// weightsDType is the dtype of every variable of the model.
var weightsDType = dtypes.Float32
