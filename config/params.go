// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// Hyperparameter keys stored in the context.Context. They can be set from the command line
// with -set="key1=value1;key2=value2".
//
// ParamLearningRate is the key read by the GoMLX optimizers (optimizers.ParamLearningRate).
const (
	ParamImageSize          = "image_size"
	ParamBatchSize          = "batch_size"
	ParamEpochs             = "epochs"
	ParamLearningRate       = "learning_rate"
	ParamValidationFraction = "validation_fraction"
	ParamSplitSeed          = "split_seed"
	ParamSmallClassPolicy   = "small_class_policy"
	ParamAugmentSeed        = "augment_seed"
	ParamBackbone           = "backbone"
	ParamWidthMultiplier    = "width_multiplier"
	ParamPretrained         = "pretrained"
	ParamDropoutRate        = "dropout_rate"
	ParamHiddenUnits        = "hidden_units"
	ParamFineTuneLayers     = "fine_tune_layers"
	ParamFineTuneFraction   = "fine_tune_fraction"
	ParamFineTuneFromLayer  = "fine_tune_from_layer"
	ParamPatience           = "early_stopping_patience"
	ParamPlateauPatience    = "plateau_patience"
	ParamPlateauFactor      = "plateau_factor"
	ParamMinLearningRate    = "min_learning_rate"
)

// SetContextDefaults stores the hyperparameters of base in ctx, so they can be listed and
// overwritten by commandline.ParseContextSettings.
func SetContextDefaults(ctx *context.Context, base Config) {
	ctx.SetParams(map[string]any{
		ParamImageSize:          base.ImageSize,
		ParamBatchSize:          base.BatchSize,
		ParamEpochs:             base.Epochs,
		ParamLearningRate:       base.LearningRate,
		ParamValidationFraction: base.ValidationFraction,
		ParamSplitSeed:          int(base.SplitSeed),
		ParamSmallClassPolicy:   base.SmallClassPolicy,
		ParamAugmentSeed:        int(base.AugmentSeed),
		ParamBackbone:           base.Backbone,
		ParamWidthMultiplier:    base.WidthMultiplier,
		ParamPretrained:         base.PretrainedWeights,
		ParamDropoutRate:        base.DropoutRate,
		ParamHiddenUnits:        base.HiddenUnits,
		ParamFineTuneLayers:     base.FineTuneLayers,
		ParamFineTuneFraction:   base.FineTuneFraction,
		ParamFineTuneFromLayer:  base.FineTuneFromLayer,
		ParamPatience:           base.EarlyStoppingPatience,
		ParamPlateauPatience:    base.PlateauPatience,
		ParamPlateauFactor:      base.PlateauFactor,
		ParamMinLearningRate:    base.MinLearningRate,

		optimizers.ParamOptimizer: "adam",
	})
}

// FromContext returns a copy of base with the hyperparameters found in ctx overlaid.
//
// Setting fine_tune_fraction or fine_tune_from_layer disables the default fine_tune_layers,
// unless fine_tune_layers is also changed.
func FromContext(ctx *context.Context, base Config) Config {
	c := base.WithPaths()
	c.ImageSize = context.GetParamOr(ctx, ParamImageSize, c.ImageSize)
	c.BatchSize = context.GetParamOr(ctx, ParamBatchSize, c.BatchSize)
	c.Epochs = context.GetParamOr(ctx, ParamEpochs, c.Epochs)
	c.LearningRate = context.GetParamOr(ctx, ParamLearningRate, c.LearningRate)
	c.ValidationFraction = context.GetParamOr(ctx, ParamValidationFraction, c.ValidationFraction)
	c.SplitSeed = int64(context.GetParamOr(ctx, ParamSplitSeed, int(c.SplitSeed)))
	c.SmallClassPolicy = context.GetParamOr(ctx, ParamSmallClassPolicy, c.SmallClassPolicy)
	c.AugmentSeed = int64(context.GetParamOr(ctx, ParamAugmentSeed, int(c.AugmentSeed)))
	c.Backbone = context.GetParamOr(ctx, ParamBackbone, c.Backbone)
	c.WidthMultiplier = context.GetParamOr(ctx, ParamWidthMultiplier, c.WidthMultiplier)
	c.PretrainedWeights = context.GetParamOr(ctx, ParamPretrained, c.PretrainedWeights)
	c.DropoutRate = context.GetParamOr(ctx, ParamDropoutRate, c.DropoutRate)
	c.HiddenUnits = context.GetParamOr(ctx, ParamHiddenUnits, c.HiddenUnits)
	c.EarlyStoppingPatience = context.GetParamOr(ctx, ParamPatience, c.EarlyStoppingPatience)
	c.PlateauPatience = context.GetParamOr(ctx, ParamPlateauPatience, c.PlateauPatience)
	c.PlateauFactor = context.GetParamOr(ctx, ParamPlateauFactor, c.PlateauFactor)
	c.MinLearningRate = context.GetParamOr(ctx, ParamMinLearningRate, c.MinLearningRate)

	layers := context.GetParamOr(ctx, ParamFineTuneLayers, c.FineTuneLayers)
	fraction := context.GetParamOr(ctx, ParamFineTuneFraction, c.FineTuneFraction)
	fromLayer := context.GetParamOr(ctx, ParamFineTuneFromLayer, c.FineTuneFromLayer)
	if layers == base.FineTuneLayers && (fraction != base.FineTuneFraction || fromLayer != base.FineTuneFromLayer) {
		layers = 0
	}
	c.FineTuneLayers, c.FineTuneFraction, c.FineTuneFromLayer = layers, fraction, fromLayer
	if c.Backbone == BackboneTiny && c.ModelType == DefaultModelType {
		c.ModelType = "TinyCNN"
	}
	return c
}
