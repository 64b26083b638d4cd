// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the immutable configuration of a water-level training run.
//
// A Config is built once, usually from Default() overlaid with the hyperparameters
// set in a context.Context (see FromContext), validated, and then passed by value
// to every component of the pipeline. Components never modify it.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// Default values, mirroring the reference MobileNetV2 recipe.
const (
	DefaultDatasetID    = "chethuhn/water-bottle-dataset"
	DefaultImageSize    = 224
	DefaultBatchSize    = 32
	DefaultEpochs       = 50
	DefaultLearningRate = 0.001
	DefaultSplitSeed    = 42
	DefaultModelType    = "MobileNetV2"
)

// Small class policies for the stratified splitter.
const (
	// KeepInTrain keeps classes too small to be split entirely in the training set.
	KeepInTrain = "keep-in-train"

	// FailOnSmallClass makes the split fail if a class is too small to be split.
	FailOnSmallClass = "error"
)

// Backbone names.
const (
	BackboneMobileNetV2 = "mobilenetv2"
	BackboneTiny        = "tiny"
)

// DefaultClasses is the canonical label set: the index of a label is its numeric encoding.
var DefaultClasses = []string{"half", "full", "overflowing"}

// DefaultFolderMapping maps the normalized folder names of the Kaggle water-bottle dataset
// to canonical labels.
var DefaultFolderMapping = map[string]string{
	"full water level": "full",
	"half water level": "half",
	"overflowing":      "overflowing",
}

// Config of a training run. Treat it as a value: it is copied into each component.
type Config struct {
	// DataDir is where datasets, pretrained weights and caches are stored.
	DataDir string `json:"data_dir" yaml:"data_dir" validate:"required"`

	// DatasetDir, if set, is used as a local dataset root instead of downloading DatasetID.
	DatasetDir string `json:"dataset_dir" yaml:"dataset_dir"`

	// DatasetID is the Kaggle dataset identifier ("owner/name").
	DatasetID string `json:"dataset_id" yaml:"dataset_id"`

	// OutputDir receives the exported model and its sidecar files.
	OutputDir string `json:"output_dir" yaml:"output_dir" validate:"required"`

	// CheckpointDir holds the best checkpoint and the final model snapshot.
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir" validate:"required"`

	ImageSize    int     `json:"image_size" yaml:"image_size" validate:"gte=8,lte=1024"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size" validate:"gte=1"`
	Epochs       int     `json:"epochs" yaml:"epochs" validate:"gte=1"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" validate:"gt=0"`

	ValidationFraction float64 `json:"validation_fraction" yaml:"validation_fraction" validate:"gt=0,lt=1"`
	SplitSeed          int64   `json:"split_seed" yaml:"split_seed"`
	SmallClassPolicy   string  `json:"small_class_policy" yaml:"small_class_policy" validate:"oneof=keep-in-train error"`
	AugmentSeed        int64   `json:"augment_seed" yaml:"augment_seed"`

	// Classes is the ordered canonical label set.
	Classes []string `json:"classes" yaml:"classes" validate:"min=2,dive,required"`

	// FolderMapping maps normalized folder names to entries of Classes.
	FolderMapping map[string]string `json:"folder_mapping" yaml:"folder_mapping" validate:"min=1"`

	Backbone          string  `json:"backbone" yaml:"backbone" validate:"oneof=mobilenetv2 tiny"`
	WidthMultiplier   float64 `json:"width_multiplier" yaml:"width_multiplier" validate:"gt=0,lte=1.4"`
	PretrainedWeights bool    `json:"pretrained_weights" yaml:"pretrained_weights"`
	DropoutRate       float64 `json:"dropout_rate" yaml:"dropout_rate" validate:"gte=0,lt=1"`
	HiddenUnits       int     `json:"hidden_units" yaml:"hidden_units" validate:"gte=1"`

	// Fine-tuning boundary: exactly one of FineTuneLayers (> 0), FineTuneFraction (> 0) or
	// FineTuneFromLayer (!= "") is used, in this order of precedence after validation.
	FineTuneLayers    int     `json:"fine_tune_layers" yaml:"fine_tune_layers" validate:"gte=0"`
	FineTuneFraction  float64 `json:"fine_tune_fraction" yaml:"fine_tune_fraction" validate:"gte=0,lte=1"`
	FineTuneFromLayer string  `json:"fine_tune_from_layer" yaml:"fine_tune_from_layer"`

	EarlyStoppingPatience int     `json:"early_stopping_patience" yaml:"early_stopping_patience" validate:"gte=1"`
	PlateauPatience       int     `json:"plateau_patience" yaml:"plateau_patience" validate:"gte=1"`
	PlateauFactor         float64 `json:"plateau_factor" yaml:"plateau_factor" validate:"gt=0,lt=1"`
	MinLearningRate       float64 `json:"min_learning_rate" yaml:"min_learning_rate" validate:"gte=0"`

	// ModelType is the backbone identifier written to the model metadata.
	ModelType string `json:"model_type" yaml:"model_type" validate:"required"`

	// Quiet disables progress bars.
	Quiet bool `json:"quiet" yaml:"quiet"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:               "~/work/waterlevel",
		DatasetID:             DefaultDatasetID,
		OutputDir:             "~/work/waterlevel/tfjs_model",
		CheckpointDir:         "~/work/waterlevel/checkpoints",
		ImageSize:             DefaultImageSize,
		BatchSize:             DefaultBatchSize,
		Epochs:                DefaultEpochs,
		LearningRate:          DefaultLearningRate,
		ValidationFraction:    0.2,
		SplitSeed:             DefaultSplitSeed,
		SmallClassPolicy:      KeepInTrain,
		AugmentSeed:           DefaultSplitSeed,
		Classes:               slices.Clone(DefaultClasses),
		FolderMapping:         cloneMapping(DefaultFolderMapping),
		Backbone:              BackboneMobileNetV2,
		WidthMultiplier:       0.35,
		PretrainedWeights:     true,
		DropoutRate:           0.2,
		HiddenUnits:           128,
		FineTuneLayers:        30,
		EarlyStoppingPatience: 10,
		PlateauPatience:       5,
		PlateauFactor:         0.5,
		MinLearningRate:       1e-7,
		ModelType:             DefaultModelType,
	}
}

// FineTuneEpochs is the epoch budget of the fine-tuning phase: half of Epochs, at least 1.
func (c Config) FineTuneEpochs() int {
	return max(1, c.Epochs/2)
}

// FineTuneLearningRate is the learning rate used when fine-tuning: one order of magnitude lower.
func (c Config) FineTuneLearningRate() float64 {
	return c.LearningRate / 10
}

// NumClasses returns the size of the canonical label set.
func (c Config) NumClasses() int { return len(c.Classes) }

// ClassIndex returns the position of label in Classes, or -1.
func (c Config) ClassIndex(label string) int {
	return slices.Index(c.Classes, label)
}

// WithPaths returns a copy of c with the directory fields having "~" expanded.
func (c Config) WithPaths() Config {
	c.DataDir = data.ReplaceTildeInDir(c.DataDir)
	c.OutputDir = data.ReplaceTildeInDir(c.OutputDir)
	c.CheckpointDir = data.ReplaceTildeInDir(c.CheckpointDir)
	if c.DatasetDir != "" {
		c.DatasetDir = data.ReplaceTildeInDir(c.DatasetDir)
	}
	c.Classes = slices.Clone(c.Classes)
	c.FolderMapping = cloneMapping(c.FolderMapping)
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			parts := make([]string, 0, len(vErrs))
			for _, fe := range vErrs {
				parts = append(parts, fmt.Sprintf("%s (%s=%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.Errorf("invalid configuration: %s", strings.Join(parts, ", "))
		}
		return errors.Wrap(err, "invalid configuration")
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, class := range c.Classes {
		if seen[class] {
			return errors.Errorf("invalid configuration: class %q listed twice in %q", class, c.Classes)
		}
		seen[class] = true
	}
	for folder, label := range c.FolderMapping {
		if !seen[label] {
			return errors.Errorf("invalid configuration: folder %q maps to %q, which is not one of the classes %q",
				folder, label, c.Classes)
		}
	}
	numBoundaries := 0
	if c.FineTuneLayers > 0 {
		numBoundaries++
	}
	if c.FineTuneFraction > 0 {
		numBoundaries++
	}
	if c.FineTuneFromLayer != "" {
		numBoundaries++
	}
	if numBoundaries != 1 {
		return errors.Errorf("invalid configuration: exactly one of fine_tune_layers (%d), fine_tune_fraction (%g) "+
			"or fine_tune_from_layer (%q) must be set", c.FineTuneLayers, c.FineTuneFraction, c.FineTuneFromLayer)
	}
	if c.MinLearningRate > c.LearningRate {
		return errors.Errorf("invalid configuration: min_learning_rate (%g) > learning_rate (%g)",
			c.MinLearningRate, c.LearningRate)
	}
	return nil
}

func cloneMapping(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
