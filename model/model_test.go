// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/waterlevel/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

func backboneParameters(layerList []Layer) int {
	var total int
	for _, layer := range layerList {
		for _, name := range layer.WeightNames() {
			size := 1
			for _, dim := range layer.WeightShape(name) {
				size *= dim
			}
			total += size
		}
	}
	return total
}

func TestMobileNetV2MatchesKerasLayout(t *testing.T) {
	backbone := &MobileNetV2{Alpha: 0.35}
	layerList := backbone.Layers(224)
	require.Len(t, layerList, 154)
	assert.Equal(t, "input_1", layerList[0].Name)
	assert.Equal(t, "Conv1", layerList[1].Name)
	assert.Equal(t, 16, layerList[1].Filters)
	assert.Equal(t, "out_relu", layerList[len(layerList)-1].Name)
	assert.Equal(t, 410208, backboneParameters(layerList))

	var numAdd, numPad int
	names := make(map[string]bool)
	for _, layer := range layerList {
		require.False(t, names[layer.Name], "layer name %q repeated", layer.Name)
		names[layer.Name] = true
		switch layer.Kind {
		case KindAdd:
			numAdd++
		case KindZeroPadding:
			numPad++
			assert.Equal(t, [2][2]int{{0, 1}, {0, 1}}, layer.ZeroPadding)
		}
	}
	assert.Equal(t, 10, numAdd)
	assert.Equal(t, 4, numPad)

	// Keras "base_model.layers[:-30]" leaves the last 30 layers trainable.
	from, err := UnfreezeBoundary{LastLayers: 30}.TrainableFrom(layerList)
	require.NoError(t, err)
	assert.Equal(t, 124, from)
	assert.Equal(t, "block_13_project_BN", layerList[from].Name)
}

func TestUnfreezeBoundary(t *testing.T) {
	layerList := (&Tiny{}).Layers(16)
	require.Len(t, layerList, 7)

	from, err := UnfreezeBoundary{LastLayers: 30}.TrainableFrom(layerList)
	require.NoError(t, err)
	assert.Equal(t, 0, from)

	from, err = UnfreezeBoundary{LastLayers: 3}.TrainableFrom(layerList)
	require.NoError(t, err)
	assert.Equal(t, 4, from)

	from, err = UnfreezeBoundary{Fraction: 0.5}.TrainableFrom(layerList)
	require.NoError(t, err)
	assert.Equal(t, 3, from)

	from, err = UnfreezeBoundary{FromLayer: "conv_2"}.TrainableFrom(layerList)
	require.NoError(t, err)
	assert.Equal(t, 4, from)

	_, err = UnfreezeBoundary{FromLayer: "block_13_expand"}.TrainableFrom(layerList)
	require.Error(t, err)
	_, err = UnfreezeBoundary{}.TrainableFrom(layerList)
	require.Error(t, err)
	_, err = UnfreezeBoundary{Fraction: 1.5}.TrainableFrom(layerList)
	require.Error(t, err)

	cfg := config.Default()
	assert.Equal(t, UnfreezeBoundary{LastLayers: 30}, BoundaryFromConfig(cfg))
	assert.Equal(t, "last 30 layers", BoundaryFromConfig(cfg).String())
}

func testImages(batchSize, size int) *tensors.Tensor {
	values := make([]float32, batchSize*size*size*3)
	for ii := range values {
		values[ii] = float32(ii%17) / 16
	}
	return tensors.FromFlatDataAndDimensions(values, batchSize, size, size, 3)
}

func TestTinyModelOutputsProbabilities(t *testing.T) {
	backend := testBackend(t)
	m := New(&Tiny{}, 16, 3, 8, 0.2, 42)
	total, trainable := m.NumParameters(m.NumBackboneLayers())
	assert.Greater(t, total, trainable)

	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return m.BuildGraph(ctx, images, m.NumBackboneLayers())
	})
	output := exec.Call(testImages(2, 16))[0]
	assert.Equal(t, []int{2, 3}, output.Shape().Dimensions)
	probabilities := output.Value().([][]float32)
	for _, row := range probabilities {
		var sum float32
		for _, p := range row {
			assert.GreaterOrEqual(t, p, float32(0))
			assert.LessOrEqual(t, p, float32(1))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	// Backbone frozen, head trainable.
	convKernel := m.Variable(ctx, "conv_1", "kernel")
	require.NotNil(t, convKernel)
	assert.False(t, convKernel.Trainable)
	denseKernel := m.Variable(ctx, "dense", "kernel")
	require.NotNil(t, denseKernel)
	assert.True(t, denseKernel.Trainable)
	assert.Equal(t, []int{16, 8}, denseKernel.Shape().Dimensions)
	assert.Nil(t, m.Variable(ctx, "dense", "does_not_exist"))

	// Rebuilding with the backbone unfrozen reuses the variables, now trainable.
	exec = context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		return m.BuildGraph(ctx, images, 0)
	})
	again := exec.Call(testImages(2, 16))[0]
	assert.Equal(t, probabilities, again.Value().([][]float32))
	assert.True(t, m.Variable(ctx, "conv_1", "kernel").Trainable)
}

func TestTinyModelIsDifferentiable(t *testing.T) {
	backend := testBackend(t)
	m := New(&Tiny{}, 16, 3, 8, 0.2, 42)
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		g := images.Graph()
		probabilities := m.BuildGraph(ctx, images, 0)
		target := Const(g, [][]float32{{1, 0, 0}, {0, 0, 1}})
		loss := Neg(ReduceAllSum(Mul(Log(probabilities), target)))
		var weights []*Node
		for _, layer := range []string{"conv_1", "conv_2", "dense"} {
			weights = append(weights, m.Variable(ctx, layer, "kernel").ValueGraph(g))
		}
		return Gradient(loss, weights...)
	})
	gradients := exec.Call(testImages(2, 16))
	require.Len(t, gradients, 3)
	assert.Equal(t, []int{2, 2, 3, 8}, gradients[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 1, 8, 16}, gradients[1].Shape().Dimensions)
	for ii, gradient := range gradients {
		var nonZero bool
		for _, x := range tensors.CopyFlatData[float32](gradient) {
			if x != 0 {
				nonZero = true
				break
			}
		}
		assert.True(t, nonZero, "gradient #%d is all zeros", ii)
	}
}

func TestConvolutionPathsAgree(t *testing.T) {
	backend := testBackend(t)
	kernelValues := make([]float32, 2*2*3*4)
	for ii := range kernelValues {
		kernelValues[ii] = float32(ii%7-3) / 4
	}
	kernel := tensors.FromFlatDataAndDimensions(kernelValues, 2, 2, 3, 4)
	layer := Layer{Name: "conv", Kind: KindConv, Channels: 3, Filters: 4, KernelSize: 2, Strides: 2, Padding: PaddingValid}
	results := ExecOnceN(backend, func(x, kernel *Node) []*Node {
		return []*Node{conv(x, kernel, layer), convBySlices(x, kernel, 2, 2)}
	}, testImages(2, 8), kernel)
	require.Len(t, results, 2)
	assert.Equal(t, []int{2, 4, 4, 4}, results[0].Shape().Dimensions)
	assert.Equal(t, results[1].Shape().Dimensions, results[0].Shape().Dimensions)
	want := tensors.CopyFlatData[float32](results[1])
	got := tensors.CopyFlatData[float32](results[0])
	for ii := range want {
		assert.InDelta(t, want[ii], got[ii], 1e-5)
	}

	// Same padding with an overlapping window keeps the spatial size.
	layer = Layer{Name: "conv", Kind: KindConv, Channels: 3, Filters: 4, KernelSize: 2, Strides: 1, Padding: PaddingSame}
	output := ExecOnce(backend, func(x, kernel *Node) *Node {
		return conv(x, kernel, layer)
	}, testImages(1, 5), kernel)
	assert.Equal(t, []int{1, 5, 5, 4}, output.Shape().Dimensions)
}

func TestMaxPoolPaths(t *testing.T) {
	backend := testBackend(t)
	layer := Layer{Name: "pool", Kind: KindMaxPool, KernelSize: 2, Strides: 2}
	x := tensors.FromFlatDataAndDimensions([]float32{
		1, 5, 2, 0,
		3, 4, 8, 1,
		0, 0, 7, 7,
		9, 1, 6, 2,
	}, 1, 4, 4, 1)
	output := ExecOnce(backend, func(x *Node) *Node {
		return buildLayer(context.New(), layer, []*Node{x}, true, 0)
	}, x)
	assert.Equal(t, []int{1, 2, 2, 1}, output.Shape().Dimensions)
	assert.Equal(t, []float32{5, 8, 9, 7}, tensors.CopyFlatData[float32](output))
}

func TestMobileNetV2BuildsOnSmallImages(t *testing.T) {
	if testing.Short() {
		t.Skip("building the full MobileNetV2 graph is slow")
	}
	backend := testBackend(t)
	m := New(&MobileNetV2{Alpha: 0.35}, 32, 3, 8, 0.2, 42)
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return m.BuildGraph(ctx, images, m.NumBackboneLayers())
	})
	output := exec.Call(testImages(1, 32))[0]
	assert.Equal(t, []int{1, 3}, output.Shape().Dimensions)
	assert.Equal(t, []int{1280}, m.Variable(ctx, "Conv_1_bn", "moving_mean").Shape().Dimensions)
	assert.False(t, m.Variable(ctx, "Conv_1_bn", "gamma").Trainable)
}

func TestPretrainedFallsBackToRandomInit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()
	savedURL := MobileNetV2WeightsURL
	MobileNetV2WeightsURL = server.URL + "/"
	defer func() { MobileNetV2WeightsURL = savedURL }()

	ctx := context.New()
	m := New(&MobileNetV2{Alpha: 0.35}, 224, 3, 128, 0.2, 42)
	assert.False(t, m.LoadPretrained(ctx, t.TempDir()))
	assert.Nil(t, m.Variable(ctx, "Conv1", "kernel"))

	tiny := New(&Tiny{}, 16, 3, 8, 0.2, 42)
	assert.False(t, tiny.LoadPretrained(ctx, t.TempDir()))
	require.ErrorIs(t, (&Tiny{}).LoadPretrained(ctx, "", 16), ErrNoPretrainedWeights)

	_, err := (&MobileNetV2{Alpha: 0.6}).weightsFileName(224)
	require.Error(t, err)
	name, err := (&MobileNetV2{Alpha: 1}).weightsFileName(300)
	require.NoError(t, err)
	assert.Equal(t, "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_1.0_224_no_top.h5", name)
}

func TestCategoricalAccuracy(t *testing.T) {
	backend := testBackend(t)
	labels := tensors.FromValue([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0, 1, 0}})
	predictions := tensors.FromValue([][]float32{{0.8, 0.1, 0.1}, {0.2, 0.7, 0.1}, {0.5, 0.3, 0.2}, {0.1, 0.1, 0.8}})
	exec := context.NewExec(backend, context.New(), func(ctx *context.Context, labels, predictions *Node) *Node {
		return CategoricalAccuracyGraph(ctx, []*Node{labels}, []*Node{predictions})
	})
	accuracy := exec.Call(labels, predictions)[0]
	assert.InDelta(t, 0.5, accuracy.Value().(float32), 1e-6)
}

func TestNewBackbone(t *testing.T) {
	cfg := config.Default()
	backbone, err := NewBackbone(cfg)
	require.NoError(t, err)
	assert.Equal(t, "MobileNetV2(alpha=0.35)", backbone.Name())
	cfg.Backbone = config.BackboneTiny
	backbone, err = NewBackbone(cfg)
	require.NoError(t, err)
	m := FromConfig(cfg, backbone)
	assert.Equal(t, 3, m.NumClasses())
	assert.Equal(t, cfg.ImageSize, m.ImageSize())
	assert.Len(t, m.Layers(), len(m.BackboneLayers())+5)
	assert.Equal(t, "/backbone/conv_1", m.ScopeOf("conv_1"))
	assert.Equal(t, "/head/dense_1", m.ScopeOf("dense_1"))
	cfg.Backbone = "resnet"
	_, err = NewBackbone(cfg)
	require.Error(t, err)
}
