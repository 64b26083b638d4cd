// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"context"
	"os"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// Source provides the local root directory of a dataset, downloading it if needed.
type Source interface {
	// Name identifies the dataset, for logging.
	Name() string

	// Fetch returns the local root directory of the dataset.
	Fetch(ctx context.Context) (root string, err error)
}

// LocalSource is a dataset already present in the local file system.
type LocalSource struct {
	Dir string
}

var _ Source = LocalSource{}

// Name implements Source.
func (s LocalSource) Name() string { return s.Dir }

// Fetch implements Source: it checks that the directory exists.
func (s LocalSource) Fetch(_ context.Context) (string, error) {
	dir := data.ReplaceTildeInDir(s.Dir)
	info, err := os.Stat(dir)
	if err != nil {
		return "", errors.Wrapf(err, "dataset directory %q not available", dir)
	}
	if !info.IsDir() {
		return "", errors.Errorf("dataset path %q is not a directory", dir)
	}
	return dir, nil
}
