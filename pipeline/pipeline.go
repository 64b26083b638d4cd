// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs the whole training of the water-level classifier: dataset acquisition,
// preprocessing, split, model construction, two-phase training and export.
package pipeline

import (
	stdcontext "context"
	"fmt"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/waterlevel/augment"
	"github.com/gomlx/waterlevel/config"
	"github.com/gomlx/waterlevel/dataset"
	"github.com/gomlx/waterlevel/export"
	"github.com/gomlx/waterlevel/model"
	"github.com/gomlx/waterlevel/preprocess"
	"github.com/gomlx/waterlevel/trainer"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FinalModelDir is the subdirectory of the checkpoint directory where the final model is saved.
const FinalModelDir = "final_model"

// Options to replace the default collaborators of Run. The zero value uses the defaults.
type Options struct {
	// Source of the dataset. Defaults to the local Config.DatasetDir if set, or Config.DatasetID from Kaggle.
	Source dataset.Source

	// Backbone of the model. Defaults to model.NewBackbone(cfg).
	Backbone model.Backbone

	// Exporter of the trained model. Defaults to export.New(cfg).
	Exporter *export.Exporter

	// Augmenter of the training images. Defaults to augment.DefaultAugmenter().
	Augmenter *augment.Augmenter
}

// Result of a training run.
type Result struct {
	RunID string

	// Discovery holds the dataset folders found, including the skipped ones.
	Discovery *dataset.Discovery

	// NumImages loaded, and how they were split.
	NumImages, NumTrain, NumValidation int

	// Pretrained is whether the backbone started from pretrained weights.
	Pretrained bool

	History *trainer.History

	// ValLoss and ValAccuracy of the final (best) model.
	ValLoss, ValAccuracy float64

	// Model and Context with its variables, after training.
	Model   *model.Model
	Context *context.Context

	Export      *export.Result
	SnapshotDir string
}

// NewSource returns the dataset source configured in cfg.
func NewSource(cfg config.Config) dataset.Source {
	if cfg.DatasetDir != "" {
		return dataset.LocalSource{Dir: cfg.DatasetDir}
	}
	return &dataset.KaggleSource{
		DatasetID: cfg.DatasetID,
		CacheDir:  cfg.DataDir,
		Quiet:     cfg.Quiet,
	}
}

// Run the training pipeline configured by cfg on the given backend.
//
// It fails with dataset.ErrNoImages, before any model is built, if no image could be loaded.
func Run(goCtx stdcontext.Context, cfg config.Config, backend backends.Backend, opts Options) (*Result, error) {
	cfg = cfg.WithPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	result := &Result{RunID: uuid.NewString()}
	klog.Infof("Training run %s", result.RunID)

	// Data.
	source := opts.Source
	if source == nil {
		source = NewSource(cfg)
	}
	root, err := source.Fetch(goCtx)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to fetch dataset %s", source.Name())
	}
	fm, err := dataset.NewFolderMapping(cfg.FolderMapping, cfg.Classes)
	if err != nil {
		return nil, err
	}
	result.Discovery, err = dataset.Discover(root, fm)
	if err != nil {
		return nil, err
	}
	corpus, err := preprocess.BuildCorpus(result.Discovery, cfg.ImageSize, !cfg.Quiet)
	if err != nil {
		return nil, err
	}
	result.NumImages = corpus.Len()
	if err = goCtx.Err(); err != nil {
		return nil, errors.Wrap(err, "training run interrupted")
	}

	trainIdx, valIdx, err := preprocess.Split(corpus.Labels(), cfg.ValidationFraction, cfg.SplitSeed, cfg.SmallClassPolicy)
	if err != nil {
		return nil, err
	}
	if len(valIdx) == 0 {
		return nil, errors.Errorf("no validation samples: the %d images are too few to split (per class counts %v)",
			corpus.Len(), corpus.CountPerClass())
	}
	result.NumTrain, result.NumValidation = len(trainIdx), len(valIdx)
	if !cfg.Quiet {
		fmt.Printf("Training samples: %d\nValidation samples: %d\n", result.NumTrain, result.NumValidation)
	}
	augmenter := opts.Augmenter
	if augmenter == nil {
		augmenter = augment.DefaultAugmenter()
	}
	trainDS, err := augment.NewTrainDataset("train", corpus.Subset(trainIdx), cfg.ImageSize, cfg.NumClasses(),
		cfg.BatchSize, cfg.AugmentSeed, augmenter)
	if err != nil {
		return nil, err
	}
	valDS, err := augment.NewEvalDataset("validation", corpus.Subset(valIdx), cfg.ImageSize, cfg.NumClasses(),
		cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	// Model.
	backbone := opts.Backbone
	if backbone == nil {
		if backbone, err = model.NewBackbone(cfg); err != nil {
			return nil, err
		}
	}
	m := model.FromConfig(cfg, backbone)
	ctx := context.New()
	if cfg.PretrainedWeights {
		result.Pretrained = m.LoadPretrained(ctx, cfg.DataDir)
	}
	if !cfg.Quiet {
		total, _ := m.NumParameters(0)
		fmt.Printf("Model: %s backbone + classification head, %d parameters\n", backbone.Name(), total)
	}

	// Training.
	orchestrator := trainer.New(cfg, backend, m, trainDS, valDS)
	result.History, err = orchestrator.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err = goCtx.Err(); err != nil {
		return nil, errors.Wrap(err, "training run interrupted")
	}
	finalCtx, loss, accuracy, err := orchestrator.LoadBest()
	if err != nil {
		klog.Warningf("Best model checkpoint not available, using the current model: %v", err)
		finalCtx = ctx
		if loss, accuracy, err = orchestrator.Evaluate(ctx); err != nil {
			return nil, err
		}
	}
	result.Model, result.Context = m, finalCtx
	result.ValLoss, result.ValAccuracy = loss, accuracy
	fmt.Printf("Validation accuracy: %.4f (%.2f%%)\nValidation loss: %.4f\n", accuracy, 100*accuracy, loss)

	// Export.
	exporter := opts.Exporter
	if exporter == nil {
		exporter = export.New(cfg)
	}
	result.Export, err = exporter.Export(finalCtx, m)
	if err != nil {
		return nil, err
	}
	result.SnapshotDir = filepath.Join(cfg.CheckpointDir, FinalModelDir)
	if err = export.SaveSnapshot(finalCtx, m, result.SnapshotDir); err != nil {
		return nil, err
	}
	return result, nil
}
