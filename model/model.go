// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model builds the fill-level classifier: a convolutional backbone (MobileNetV2 with
// ImageNet weights, or a tiny CNN) followed by a classification head.
//
// The network is described as an ordered list of Keras-like layers (see Layer), which is used
// to build the GoMLX graph, to decide which layers are frozen, and to export the model topology.
//
// Variables live under the scopes "backbone/<layer>" and "head/<layer>" of the context, named as
// Keras names the layer weights ("kernel", "bias", "gamma", "moving_mean", ...).
package model

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/waterlevel/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes of the variables of the two parts of the model.
const (
	BackboneScope = "backbone"
	HeadScope     = "head"
)

// Backbone is the feature extraction part of the model.
type Backbone interface {
	// Name of the architecture, for logging.
	Name() string

	// Layers returns the ordered layers of the backbone, for square images of the given size.
	// The first layer is the input layer.
	Layers(imageSize int) []Layer

	// LoadPretrained sets the backbone variables in ctx (under BackboneScope) to pretrained
	// values, downloading them to dataDir if needed.
	LoadPretrained(ctx *context.Context, dataDir string, imageSize int) error
}

// Model is the backbone plus the classification head: global average pooling, dropout,
// a dense ReLU layer, dropout and a dense softmax layer with one unit per class.
type Model struct {
	backbone              Backbone
	imageSize, numClasses int
	seed                  int64

	backboneLayers, headLayers []Layer
}

// New creates the model description. Nothing is built until BuildGraph is called.
func New(backbone Backbone, imageSize, numClasses, hiddenUnits int, dropoutRate float64, seed int64) *Model {
	m := &Model{
		backbone:       backbone,
		imageSize:      imageSize,
		numClasses:     numClasses,
		seed:           seed,
		backboneLayers: backbone.Layers(imageSize),
	}
	features := 3
	for _, layer := range m.backboneLayers {
		features = layer.OutputChannels(features)
	}
	m.headLayers = []Layer{
		{Name: "global_average_pooling2d", Kind: KindGlobalAveragePool},
		{Name: "dropout", Kind: KindDropout, Rate: dropoutRate},
		{Name: "dense", Kind: KindDense, Channels: features, Units: hiddenUnits, UseBias: true,
			Activation: ActivationReLU},
		{Name: "dropout_1", Kind: KindDropout, Rate: dropoutRate},
		{Name: "dense_1", Kind: KindDense, Channels: hiddenUnits, Units: numClasses, UseBias: true,
			Activation: ActivationSoftmax},
	}
	return m
}

// NewBackbone returns the backbone configured in cfg.
func NewBackbone(cfg config.Config) (Backbone, error) {
	switch cfg.Backbone {
	case config.BackboneMobileNetV2:
		return &MobileNetV2{Alpha: cfg.WidthMultiplier}, nil
	case config.BackboneTiny:
		return &Tiny{}, nil
	}
	return nil, errors.Errorf("unknown backbone %q, valid values are %q and %q",
		cfg.Backbone, config.BackboneMobileNetV2, config.BackboneTiny)
}

// FromConfig creates the model configured in cfg, with the given backbone.
func FromConfig(cfg config.Config, backbone Backbone) *Model {
	return New(backbone, cfg.ImageSize, cfg.NumClasses(), cfg.HiddenUnits, cfg.DropoutRate, cfg.SplitSeed)
}

// Backbone of the model.
func (m *Model) Backbone() Backbone { return m.backbone }

// ImageSize is the edge of the square input images.
func (m *Model) ImageSize() int { return m.imageSize }

// NumClasses is the size of the output.
func (m *Model) NumClasses() int { return m.numClasses }

// BackboneLayers returns the layers of the backbone.
func (m *Model) BackboneLayers() []Layer { return slices.Clone(m.backboneLayers) }

// NumBackboneLayers returns the number of backbone layers: passed as trainableFrom to BuildGraph
// it freezes the whole backbone.
func (m *Model) NumBackboneLayers() int { return len(m.backboneLayers) }

// Layers returns all layers of the model, backbone first.
func (m *Model) Layers() []Layer {
	return slices.Concat(m.backboneLayers, m.headLayers)
}

// ScopeOf returns the scope (absolute path in the context) of the variables of the named layer.
func (m *Model) ScopeOf(layerName string) string {
	for _, layer := range m.backboneLayers {
		if layer.Name == layerName {
			return "/" + BackboneScope + "/" + layerName
		}
	}
	return "/" + HeadScope + "/" + layerName
}

// Variable returns the variable weightName of the named layer, or nil if it doesn't exist (yet) in ctx.
func (m *Model) Variable(ctx *context.Context, layerName, weightName string) *context.Variable {
	return ctx.InspectVariable(m.ScopeOf(layerName), weightName)
}

// NumParameters returns the number of scalar parameters of the model, and how many of those are
// trained when the backbone layers before trainableFrom are frozen.
func (m *Model) NumParameters(trainableFrom int) (total, trainable int) {
	count := func(layerList []Layer, from int) {
		for idx, layer := range layerList {
			for _, name := range layer.WeightNames() {
				size := 1
				for _, dim := range layer.WeightShape(name) {
					size *= dim
				}
				total += size
				if idx >= from && !isStatistic(name) {
					trainable += size
				}
			}
		}
	}
	count(m.backboneLayers, trainableFrom)
	count(m.headLayers, 0)
	return
}

// BuildGraph builds the model on images shaped [batchSize, imageSize, imageSize, 3], with values
// in [0, 1], and returns the class probabilities shaped [batchSize, numClasses].
//
// Backbone layers with index < trainableFrom are frozen. The head is always trainable.
func (m *Model) BuildGraph(ctx *context.Context, images *Node, trainableFrom int) *Node {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[1] != m.imageSize || dims[2] != m.imageSize || dims[3] != 3 {
		exceptions.Panicf("model expects images shaped [batch, %d, %d, 3], got %s",
			m.imageSize, m.imageSize, images.Shape())
	}
	ctx = ctx.Checked(false)
	features := buildLayers(ctx.In(BackboneScope), m.backboneLayers, images, trainableFrom, m.seed)
	probabilities := buildLayers(ctx.In(HeadScope), m.headLayers, features, 0, m.seed)
	probabilities.AssertDims(dims[0], m.numClasses)
	return probabilities
}

// ModelFn returns a train.ModelFn that builds the model with the backbone layers before
// trainableFrom frozen.
func (m *Model) ModelFn(trainableFrom int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{m.BuildGraph(ctx, inputs[0], trainableFrom)}
	}
}

// LoadPretrained tries to load the pretrained backbone weights into ctx. If that fails, the
// model keeps its random initialization: it returns false and logs a prominent warning, since
// the expected accuracy is much lower.
func (m *Model) LoadPretrained(ctx *context.Context, dataDir string) bool {
	err := m.backbone.LoadPretrained(ctx, dataDir, m.imageSize)
	if err == nil {
		klog.Infof("Backbone %s: using pretrained weights", m.backbone.Name())
		return true
	}
	banner := strings.Repeat("!", 80)
	klog.Warningf("%s", banner)
	klog.Warningf("Backbone %s: failed to load pretrained weights: %+v", m.backbone.Name(), err)
	klog.Warningf("Training from a RANDOMLY INITIALIZED backbone: expect a much lower accuracy.")
	klog.Warningf("%s", banner)
	return false
}
