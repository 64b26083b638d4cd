// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset acquires the water-bottle image dataset and maps its folders to canonical labels.
//
// Datasets found in the wild name their class folders inconsistently ("Full  Water Level",
// "full water level", ...). NormalizeFolderName reduces these to a canonical key, and a
// FolderMapping resolves keys to labels of the canonical label set.
package dataset

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// NormalizeFolderName lower-cases name, trims it, and collapses runs of white space into one space.
// It is idempotent.
func NormalizeFolderName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// FolderMapping resolves folder names to canonical labels. Create it with NewFolderMapping.
type FolderMapping struct {
	labels  map[string]string
	classes []string
}

// NewFolderMapping creates a FolderMapping from folder names (in any case or spacing) to labels.
// Every label must be one of classes, whose order defines the label indices.
func NewFolderMapping(folders map[string]string, classes []string) (*FolderMapping, error) {
	if len(classes) == 0 {
		return nil, errors.New("no classes given for folder mapping")
	}
	fm := &FolderMapping{
		labels:  make(map[string]string, len(folders)),
		classes: slices.Clone(classes),
	}
	for folder, label := range folders {
		if !slices.Contains(classes, label) {
			return nil, errors.Errorf("folder %q mapped to unknown label %q, valid labels are %q", folder, label, classes)
		}
		key := NormalizeFolderName(folder)
		if previous, found := fm.labels[key]; found && previous != label {
			return nil, errors.Errorf("folder %q (normalized to %q) mapped to both %q and %q",
				folder, key, previous, label)
		}
		fm.labels[key] = label
	}
	return fm, nil
}

// Resolve returns the canonical label for the folder name, and whether it is known.
func (fm *FolderMapping) Resolve(folder string) (label string, ok bool) {
	label, ok = fm.labels[NormalizeFolderName(folder)]
	return
}

// Classes returns the canonical label set, in index order.
func (fm *FolderMapping) Classes() []string { return slices.Clone(fm.classes) }

// Index of label in the canonical label set, or -1.
func (fm *FolderMapping) Index(label string) int { return slices.Index(fm.classes, label) }
