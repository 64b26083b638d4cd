// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains the fill-level classifier in two phases: first only the classification head,
// with the backbone frozen, and then fine-tuning the top layers of the backbone with a lower
// learning rate.
//
// Each phase runs epoch by epoch, evaluating on the validation set after each epoch, with early
// stopping on the validation accuracy (restoring the best weights of the phase), learning rate
// reduction when the validation loss plateaus, and a checkpoint of the best model so far.
package trainer

import (
	"fmt"
	"math"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/waterlevel/augment"
	"github.com/gomlx/waterlevel/config"
	"github.com/gomlx/waterlevel/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BestCheckpointDir is the subdirectory of the configured checkpoint directory holding the best model.
const BestCheckpointDir = "best_model"

// Phase of the training.
type Phase int

const (
	// PhaseHead trains the classification head with the backbone frozen.
	PhaseHead Phase = iota + 1

	// PhaseFineTune trains the head and the top layers of the backbone.
	PhaseFineTune
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseHead:
		return "head"
	case PhaseFineTune:
		return "fine-tune"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// EpochRecord holds the results of one epoch.
type EpochRecord struct {
	Phase Phase
	// Epoch within the phase, starting at 1.
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	ValAccuracy  float64
	LearningRate float64
	// Best is set if the epoch improved the best validation accuracy so far, and was checkpointed.
	Best bool
}

// History of a training run.
type History struct {
	Records []EpochRecord

	// BestValAccuracy over all epochs, and the phase and epoch where it happened.
	BestValAccuracy float64
	BestPhase       Phase
	BestEpoch       int

	// StoppedEarly lists the phases that ended by early stopping.
	StoppedEarly []Phase
}

// PhaseRecords returns the records of the given phase.
func (h *History) PhaseRecords(phase Phase) []EpochRecord {
	var records []EpochRecord
	for _, r := range h.Records {
		if r.Phase == phase {
			records = append(records, r)
		}
	}
	return records
}

// Orchestrator runs the two training phases of a model.
type Orchestrator struct {
	cfg      config.Config
	backend  backends.Backend
	model    *model.Model
	boundary model.UnfreezeBoundary
	trainDS  *augment.TrainDataset
	evalDS   *augment.EvalDataset

	accuracy       metrics.Interface
	earlyStopping  *earlyStopping
	plateau        *plateau
	bestCheckpoint *checkpoints.Handler
	history        *History
}

// New creates an Orchestrator. Training only starts with Run.
func New(cfg config.Config, backend backends.Backend, m *model.Model,
	trainDS *augment.TrainDataset, evalDS *augment.EvalDataset) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		backend:       backend,
		model:         m,
		boundary:      model.BoundaryFromConfig(cfg),
		trainDS:       trainDS,
		evalDS:        evalDS,
		accuracy:      model.NewCategoricalAccuracy("Categorical Accuracy", "acc"),
		earlyStopping: newEarlyStopping(cfg.EarlyStoppingPatience),
		plateau:       newPlateau(cfg.PlateauFactor, cfg.PlateauPatience, cfg.MinLearningRate),
	}
}

// BestCheckpointPath is the directory where the best model is checkpointed.
func (o *Orchestrator) BestCheckpointPath() string {
	return path.Join(o.cfg.CheckpointDir, BestCheckpointDir)
}

// Run trains the model whose variables are in ctx (pretrained backbone weights, if any, must
// already be loaded). ctx holds the weights of the last epoch of the fine-tuning phase (or the best
// of the phase, if it stopped early) when it returns.
//
// Previous checkpoints of the best model are removed.
func (o *Orchestrator) Run(ctx *context.Context) (*History, error) {
	trainableFrom, err := o.boundary.TrainableFrom(o.model.BackboneLayers())
	if err != nil {
		return nil, err
	}
	bestDir := o.BestCheckpointPath()
	if err := os.RemoveAll(bestDir); err != nil {
		return nil, errors.Wrapf(err, "failed to remove previous best model checkpoint in %q", bestDir)
	}
	o.bestCheckpoint, err = checkpoints.Build(ctx).Dir(bestDir).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint for the best model in %q", bestDir)
	}
	o.history = &History{BestValAccuracy: math.Inf(-1)}

	numFrozen := o.model.NumBackboneLayers()
	total, trainable := o.model.NumParameters(numFrozen)
	klog.Infof("Phase %s: %d epochs, learning rate %g, backbone frozen (%d of %d parameters trainable)",
		PhaseHead, o.cfg.Epochs, o.cfg.LearningRate, trainable, total)
	if err := o.runPhase(ctx, PhaseHead, numFrozen, o.cfg.LearningRate, o.cfg.Epochs); err != nil {
		return o.history, err
	}

	total, trainable = o.model.NumParameters(trainableFrom)
	klog.Infof("Phase %s: %d epochs, learning rate %g, training the %s of the backbone (%d of %d parameters trainable)",
		PhaseFineTune, o.cfg.FineTuneEpochs(), o.cfg.FineTuneLearningRate(), o.boundary, trainable, total)
	if err := o.runPhase(ctx, PhaseFineTune, trainableFrom, o.cfg.FineTuneLearningRate(), o.cfg.FineTuneEpochs()); err != nil {
		return o.history, err
	}
	return o.history, nil
}

// newTrainer creates the trainer for a phase: equivalent to compiling a Keras model, it starts
// with a fresh optimizer state.
func (o *Orchestrator) newTrainer(ctx *context.Context, trainableFrom int) (*train.Trainer, optimizers.Interface) {
	optimizer := optimizers.Adam().LearningRate(o.cfg.LearningRate).Done()
	trainer := train.NewTrainer(o.backend, ctx.Checked(false), o.model.ModelFn(trainableFrom),
		losses.CategoricalCrossEntropy,
		optimizer,
		nil,                             // trainMetrics
		[]metrics.Interface{o.accuracy}) // evalMetrics
	return trainer, optimizer
}

// setLearningRate sets the learning rate used by the optimizer, creating its variable if needed.
func setLearningRate(ctx *context.Context, learningRate float64) {
	optimizers.LearningRateVar(ctx, dtypes.Float32, learningRate).SetValue(tensors.FromScalar(float32(learningRate)))
}

func (o *Orchestrator) runPhase(ctx *context.Context, phase Phase, trainableFrom int, learningRate float64, numEpochs int) error {
	trainer, optimizer := o.newTrainer(ctx, trainableFrom)
	optimizer.Clear(ctx)
	setLearningRate(ctx, learningRate)
	o.earlyStopping.reset()
	o.plateau.reset()

	loop := train.NewLoop(trainer)
	if !o.cfg.Quiet {
		commandline.AttachProgressBar(loop)
	}

	var best weightsSnapshot
	for epoch := range numEpochs {
		trainMetrics, err := loop.RunEpochs(o.trainDS, 1)
		if err != nil {
			return errors.WithMessagef(err, "phase %s, epoch %d: training failed", phase, epoch+1)
		}
		valLoss, valAccuracy, err := o.evaluate(trainer)
		if err != nil {
			return errors.WithMessagef(err, "phase %s, epoch %d: evaluation failed", phase, epoch+1)
		}
		record := EpochRecord{
			Phase:        phase,
			Epoch:        epoch + 1,
			TrainLoss:    trainLoss(trainer, trainMetrics),
			ValLoss:      valLoss,
			ValAccuracy:  valAccuracy,
			LearningRate: learningRate,
		}

		// Best model over all phases.
		if valAccuracy > o.history.BestValAccuracy {
			o.history.BestValAccuracy = valAccuracy
			o.history.BestPhase, o.history.BestEpoch = phase, epoch+1
			record.Best = true
			if err := o.bestCheckpoint.Save(); err != nil {
				return errors.WithMessagef(err, "phase %s, epoch %d: failed to save best model", phase, epoch+1)
			}
		}
		o.history.Records = append(o.history.Records, record)
		o.report(numEpochs, record)

		improved, stop := o.earlyStopping.update(epoch, valAccuracy)
		if improved || best == nil {
			best = snapshotWeights(ctx)
		}
		if stop {
			klog.Infof("Phase %s: early stopping at epoch %d, val_accuracy hasn't improved since epoch %d (%.4f)",
				phase, epoch+1, o.earlyStopping.bestEpoch+1, o.earlyStopping.best)
			o.history.StoppedEarly = append(o.history.StoppedEarly, phase)
			break
		}

		newLearningRate := o.plateau.update(valLoss, learningRate)
		if newLearningRate != learningRate {
			klog.Infof("Phase %s, epoch %d: val_loss plateaued, reducing learning rate to %g",
				phase, epoch+1, newLearningRate)
			learningRate = newLearningRate
			setLearningRate(ctx, learningRate)
		}
	}
	if best != nil {
		klog.V(1).Infof("Phase %s: restoring weights of epoch %d (val_accuracy=%.4f)",
			phase, o.earlyStopping.bestEpoch+1, o.earlyStopping.best)
		best.restore()
	}
	return nil
}

// evaluate returns the validation loss and accuracy.
func (o *Orchestrator) evaluate(trainer *train.Trainer) (loss, accuracy float64, err error) {
	o.evalDS.Reset()
	var values []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { values = trainer.Eval(o.evalDS) })
	if err != nil {
		return
	}
	loss = scalar(values[0])
	for ii, metric := range trainer.EvalMetrics() {
		if metric == o.accuracy {
			accuracy = scalar(values[ii])
		}
	}
	return
}

// trainLoss returns the moving average of the training loss reported by the last training step.
func trainLoss(trainer *train.Trainer, values []*tensors.Tensor) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	for ii, metric := range trainer.TrainMetrics() {
		if metric.ShortName() == "~loss" && ii < len(values) {
			return scalar(values[ii])
		}
	}
	return scalar(values[0])
}

func scalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}

func (o *Orchestrator) report(numEpochs int, r EpochRecord) {
	klog.V(1).Infof("%+v", r)
	if o.cfg.Quiet {
		return
	}
	var marker string
	if r.Best {
		marker = " *"
	}
	fmt.Printf("[%s] Epoch %d/%d - loss: %.4f - val_loss: %.4f - val_accuracy: %.4f - lr: %.2g%s\n",
		r.Phase, r.Epoch, numEpochs, r.TrainLoss, r.ValLoss, r.ValAccuracy, r.LearningRate, marker)
}

// LoadBest loads the best checkpointed model into a new context, and evaluates it on the validation
// set. It returns the new context and the validation loss and accuracy.
func (o *Orchestrator) LoadBest() (ctx *context.Context, loss, accuracy float64, err error) {
	ctx = context.New()
	if _, err = checkpoints.Build(ctx).Dir(o.BestCheckpointPath()).Immediate().Done(); err != nil {
		return nil, 0, 0, errors.WithMessagef(err, "failed to load best model from %q", o.BestCheckpointPath())
	}
	loss, accuracy, err = o.Evaluate(ctx)
	return
}

// Evaluate the model in ctx on the validation set, returning the loss and accuracy.
func (o *Orchestrator) Evaluate(ctx *context.Context) (loss, accuracy float64, err error) {
	trainer, _ := o.newTrainer(ctx, o.model.NumBackboneLayers())
	return o.evaluate(trainer)
}
