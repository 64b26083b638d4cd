// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
)

// CategoricalAccuracyGraph returns the fraction of examples whose most probable class is the one
// set in the one-hot labels. It implements metrics.BaseMetricGraph.
func CategoricalAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	predictedClass := ArgMax(predictions[0], predictions[0].Rank()-1)
	trueClass := ArgMax(labels[0], labels[0].Rank()-1)
	return ReduceAllMean(ConvertDType(Equal(predictedClass, trueClass), predictions[0].DType()))
}

// NewCategoricalAccuracy returns a metric with the mean CategoricalAccuracyGraph over a dataset.
func NewCategoricalAccuracy(name, shortName string) metrics.Interface {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, CategoricalAccuracyGraph, nil)
}
