// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/waterlevel/config"
	"github.com/pkg/errors"
)

// UnfreezeBoundary selects the backbone layers trained during fine-tuning. Exactly one of
// the fields should be set:
//
//   - LastLayers: the last N layers are trained (counting layers without weights, as Keras does).
//   - Fraction: the last fraction of the layers are trained.
//   - FromLayer: layers from the named one (inclusive) onwards are trained.
type UnfreezeBoundary struct {
	LastLayers int
	Fraction   float64
	FromLayer  string
}

// BoundaryFromConfig returns the fine-tuning boundary configured in cfg.
func BoundaryFromConfig(cfg config.Config) UnfreezeBoundary {
	return UnfreezeBoundary{
		LastLayers: cfg.FineTuneLayers,
		Fraction:   cfg.FineTuneFraction,
		FromLayer:  cfg.FineTuneFromLayer,
	}
}

// String implements fmt.Stringer.
func (b UnfreezeBoundary) String() string {
	switch {
	case b.LastLayers > 0:
		return fmt.Sprintf("last %d layers", b.LastLayers)
	case b.Fraction > 0:
		return fmt.Sprintf("last %.0f%% of layers", 100*b.Fraction)
	case b.FromLayer != "":
		return fmt.Sprintf("layers from %q", b.FromLayer)
	}
	return "no boundary"
}

// TrainableFrom returns the index of the first backbone layer trained during fine-tuning.
func (b UnfreezeBoundary) TrainableFrom(layerList []Layer) (int, error) {
	numLayers := len(layerList)
	switch {
	case b.LastLayers > 0:
		return max(0, numLayers-b.LastLayers), nil
	case b.Fraction > 0:
		if b.Fraction > 1 {
			return 0, errors.Errorf("fine-tuning fraction must be in (0, 1], got %g", b.Fraction)
		}
		return numLayers - int(math.Round(b.Fraction*float64(numLayers))), nil
	case b.FromLayer != "":
		idx := slices.IndexFunc(layerList, func(l Layer) bool { return l.Name == b.FromLayer })
		if idx < 0 {
			return 0, errors.Errorf("fine-tuning boundary layer %q is not a layer of the backbone", b.FromLayer)
		}
		return idx, nil
	}
	return 0, errors.New("fine-tuning boundary not set: set the number of layers, a fraction or a layer name")
}
