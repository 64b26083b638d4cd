// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// earlyStopping tracks the validation accuracy of a phase and signals when it hasn't improved for
// patience epochs. It follows Keras' EarlyStopping with mode "max" and min_delta 0.
type earlyStopping struct {
	patience  int
	best      float64
	bestEpoch int
	wait      int
}

func newEarlyStopping(patience int) *earlyStopping {
	es := &earlyStopping{patience: patience}
	es.reset()
	return es
}

// reset is called at the start of each phase.
func (es *earlyStopping) reset() {
	es.best = math.Inf(-1)
	es.bestEpoch = -1
	es.wait = 0
}

// update records the accuracy of the given epoch (0-based within the phase). It returns whether it
// is a new best and whether training should stop.
func (es *earlyStopping) update(epoch int, accuracy float64) (improved, stop bool) {
	es.wait++
	if accuracy > es.best {
		es.best = accuracy
		es.bestEpoch = epoch
		es.wait = 0
		return true, false
	}
	return false, es.wait >= es.patience && epoch > 0
}

// plateau reduces the learning rate when the validation loss stops improving. It follows Keras'
// ReduceLROnPlateau with mode "min", min_delta 1e-4 and no cooldown.
type plateau struct {
	factor, minLR float64
	patience      int
	minDelta      float64
	best          float64
	wait          int
}

func newPlateau(factor float64, patience int, minLR float64) *plateau {
	p := &plateau{factor: factor, patience: patience, minLR: minLR, minDelta: 1e-4}
	p.reset()
	return p
}

func (p *plateau) reset() {
	p.best = math.Inf(1)
	p.wait = 0
}

// update records the validation loss of an epoch and returns the learning rate to use from now on.
func (p *plateau) update(loss, learningRate float64) float64 {
	if loss < p.best-p.minDelta {
		p.best = loss
		p.wait = 0
		return learningRate
	}
	p.wait++
	if p.wait < p.patience {
		return learningRate
	}
	p.wait = 0
	if learningRate <= p.minLR {
		return learningRate
	}
	return max(learningRate*p.factor, p.minLR)
}

// weightsSnapshot holds a copy of the values of the trainable variables.
type weightsSnapshot map[*context.Variable]*tensors.Tensor

// snapshotWeights copies the current value of every trainable variable of ctx.
func snapshotWeights(ctx *context.Context) weightsSnapshot {
	snapshot := make(weightsSnapshot)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			snapshot[v] = v.Value().LocalClone()
		}
	})
	return snapshot
}

// restore sets the variables back to the values in the snapshot.
func (s weightsSnapshot) restore() {
	for v, value := range s {
		v.SetValue(value.LocalClone())
	}
}
