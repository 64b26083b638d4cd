// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/waterlevel/model"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// ConvertToFloat32 converts the model variables in ctx stored with another float dtype
// (float64, float16 or bfloat16) to float32, in place. Variables missing from ctx are left
// for the converter to report.
func ConvertToFloat32(ctx *context.Context, m *model.Model) error {
	for _, layer := range m.Layers() {
		for _, name := range layer.WeightNames() {
			v := m.Variable(ctx, layer.Name, name)
			if v == nil || v.Value().DType() == dtypes.Float32 {
				continue
			}
			value, err := toFloat32(v.Value())
			if err != nil {
				return errors.WithMessagef(err, "variable %s/%s", m.ScopeOf(layer.Name), name)
			}
			klog.V(1).Infof("Variable %s/%s converted from %s to %s",
				m.ScopeOf(layer.Name), name, v.Value().DType(), dtypes.Float32)
			v.SetValue(value)
		}
	}
	return nil
}

func toFloat32(value *tensors.Tensor) (*tensors.Tensor, error) {
	var flat []float32
	switch value.DType() {
	case dtypes.Float64:
		flat = narrow(tensors.CopyFlatData[float64](value))
	case dtypes.Float16:
		flat = mapFlat(value, float16.Float16.Float32)
	case dtypes.BFloat16:
		flat = mapFlat(value, bfloat16.BFloat16.Float32)
	default:
		return nil, errors.Errorf("dtype %s can't be converted to %s", value.DType(), dtypes.Float32)
	}
	return tensors.FromFlatDataAndDimensions(flat, value.Shape().Dimensions...), nil
}

func narrow[T constraints.Float](values []T) []float32 {
	flat := make([]float32, len(values))
	for ii, x := range values {
		flat[ii] = float32(x)
	}
	return flat
}

func mapFlat[T dtypes.Supported](value *tensors.Tensor, fn func(T) float32) []float32 {
	var flat []float32
	tensors.ConstFlatData(value, func(values []T) {
		flat = make([]float32, len(values))
		for ii, x := range values {
			flat[ii] = fn(x)
		}
	})
	return flat
}
