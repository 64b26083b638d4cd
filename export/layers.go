// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/waterlevel/model"
	"github.com/pkg/errors"
)

// Names of the files of the layers format.
const (
	ModelFileName   = "model.json"
	WeightsFileName = "group1-shard1of1.bin"
)

// LayersFormat is the value of the "format" field of model.json.
const LayersFormat = "layers-model"

// kerasVersion reported in the model topology: the layers format is read by TensorFlow.js as a Keras model.
const kerasVersion = "2.15.0"

// ModelJSON is the content of model.json in the TensorFlow.js layers format.
type ModelJSON struct {
	Format          string         `json:"format"`
	GeneratedBy     string         `json:"generatedBy"`
	ConvertedBy     string         `json:"convertedBy"`
	ModelTopology   map[string]any `json:"modelTopology"`
	WeightsManifest []WeightsGroup `json:"weightsManifest"`
}

// WeightsGroup lists the weights stored in a group of binary shards, in order.
type WeightsGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

// WeightSpec describes one weight of the manifest.
type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// Topology returns the Keras functional model configuration of m. Backbone layers with
// index < trainableFrom are marked as not trainable.
func Topology(m *model.Model, trainableFrom int) map[string]any {
	layerList := m.Layers()
	layersConfig := make([]map[string]any, 0, len(layerList))
	for idx, layer := range layerList {
		trainable := idx >= trainableFrom
		inboundNodes := []any{}
		if idx > 0 {
			inputs := layer.Inputs
			if len(inputs) == 0 {
				inputs = []string{layerList[idx-1].Name}
			}
			node := make([]any, len(inputs))
			for ii, input := range inputs {
				node[ii] = []any{input, 0, 0, map[string]any{}}
			}
			inboundNodes = append(inboundNodes, node)
		}
		layersConfig = append(layersConfig, map[string]any{
			"class_name":    layer.ClassName(),
			"config":        layer.KerasConfig(trainable, m.ImageSize()),
			"name":          layer.Name,
			"inbound_nodes": inboundNodes,
		})
	}
	return map[string]any{
		"class_name": "Functional",
		"config": map[string]any{
			"name":          "waterlevel",
			"trainable":     true,
			"layers":        layersConfig,
			"input_layers":  []any{[]any{layerList[0].Name, 0, 0}},
			"output_layers": []any{[]any{layerList[len(layerList)-1].Name, 0, 0}},
		},
		"keras_version": kerasVersion,
		"backend":       "tensorflow",
	}
}

// WriteLayers writes the model in ctx to dir in the TensorFlow.js layers format: model.json with
// the topology and the weights manifest, and one binary shard with the weights as little-endian
// float32 values, in manifest order.
//
// Backbone layers with index < trainableFrom are marked as not trainable, whatever the state of
// their variables in ctx.
//
// It fails if a variable of the model is missing from ctx, or if it has an unexpected dtype or shape.
// Nothing is left in dir on failure.
func WriteLayers(ctx *context.Context, m *model.Model, trainableFrom int, dir string) (err error) {
	var specs []WeightSpec
	var values []*tensors.Tensor
	for _, layer := range m.Layers() {
		for _, name := range layer.WeightNames() {
			v := m.Variable(ctx, layer.Name, name)
			if v == nil {
				return errors.Errorf("model topology incomplete: variable %s/%s not found in context",
					m.ScopeOf(layer.Name), name)
			}
			value := v.Value()
			if value.DType() != dtypes.Float32 {
				return errors.Errorf("variable %s/%s has unsupported dtype %s, only %s can be exported",
					m.ScopeOf(layer.Name), name, value.DType(), dtypes.Float32)
			}
			want := layer.WeightShape(name)
			if !slices.Equal(value.Shape().Dimensions, want) {
				return errors.Errorf("variable %s/%s is shaped %s, expected %v",
					m.ScopeOf(layer.Name), name, value.Shape(), want)
			}
			specs = append(specs, WeightSpec{Name: layer.Name + "/" + name, Shape: want, DType: "float32"})
			values = append(values, value)
		}
	}

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create export directory %q", dir)
	}
	weightsPath := filepath.Join(dir, WeightsFileName)
	modelPath := filepath.Join(dir, ModelFileName)
	defer func() {
		if err != nil {
			_ = os.Remove(weightsPath)
			_ = os.Remove(modelPath)
		}
	}()
	if err = writeWeights(weightsPath, values); err != nil {
		return err
	}
	modelJSON := ModelJSON{
		Format:        LayersFormat,
		GeneratedBy:   "gomlx",
		ConvertedBy:   "waterlevel",
		ModelTopology: Topology(m, trainableFrom),
		WeightsManifest: []WeightsGroup{{
			Paths:   []string{WeightsFileName},
			Weights: specs,
		}},
	}
	contents, err := json.Marshal(modelJSON)
	if err != nil {
		return errors.Wrap(err, "failed to serialize model topology")
	}
	if err = os.WriteFile(modelPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", modelPath)
	}
	return nil
}

func writeWeights(filePath string, values []*tensors.Tensor) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create weights file %q", filePath)
	}
	w := bufio.NewWriter(f)
	for _, value := range values {
		if err = binary.Write(w, binary.LittleEndian, tensors.CopyFlatData[float32](value)); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write weights to %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write weights to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close weights file %q", filePath)
}
