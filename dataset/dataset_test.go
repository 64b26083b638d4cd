// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/waterlevel/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFolderName(t *testing.T) {
	for _, name := range []string{"Full  Water Level", " full water level ", "FULL\tWATER\nlevel", "full water level"} {
		normalized := NormalizeFolderName(name)
		assert.Equal(t, "full water level", normalized, "normalizing %q", name)
		assert.Equal(t, normalized, NormalizeFolderName(normalized), "normalization must be idempotent")
	}
	assert.Equal(t, "", NormalizeFolderName("   "))
}

func defaultMapping(t *testing.T) *FolderMapping {
	cfg := config.Default()
	fm, err := NewFolderMapping(cfg.FolderMapping, cfg.Classes)
	require.NoError(t, err)
	return fm
}

func TestFolderMappingResolve(t *testing.T) {
	fm := defaultMapping(t)
	for folder, want := range map[string]string{
		"Full  Water Level": "full",
		"full water level":  "full",
		"Half water level":  "half",
		"OVERFLOWING":       "overflowing",
	} {
		label, ok := fm.Resolve(folder)
		require.True(t, ok, "folder %q", folder)
		assert.Equal(t, want, label)
	}
	_, ok := fm.Resolve("Unknown Level")
	assert.False(t, ok)
	assert.Equal(t, 1, fm.Index("full"))
	assert.Equal(t, []string{"half", "full", "overflowing"}, fm.Classes())

	_, err := NewFolderMapping(map[string]string{"empty": "empty"}, []string{"half", "full"})
	require.Error(t, err)
	_, err = NewFolderMapping(map[string]string{"Full": "full", "full ": "half"}, []string{"half", "full"})
	require.Error(t, err)
}

func TestDiscoverLayouts(t *testing.T) {
	fm := defaultMapping(t)

	t.Run("flat with unknown folder", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, filepath.Join(root, "Full Water level"), "a.jpg", "b.JPG", "notes.txt")
		writeFiles(t, filepath.Join(root, "Half  water level"), "c.png")
		writeFiles(t, filepath.Join(root, "Overflowing"), "d.jpeg")
		writeFiles(t, filepath.Join(root, "Unknown Level"), "e.jpg")
		d, err := Discover(root, fm)
		require.NoError(t, err)
		assert.Equal(t, 4, d.NumImages())
		assert.Equal(t, []string{"Unknown Level"}, d.Skipped)
		assert.Empty(t, d.Missing)
		assert.Len(t, d.Files[fm.Index("full")], 2)
		assert.Len(t, d.Files[fm.Index("half")], 1)
	})

	t.Run("class folder nested twice", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, filepath.Join(root, "Full Water level", "Full Water level"), "a.jpg", "b.jpg")
		writeFiles(t, filepath.Join(root, "Overflowing", "Overflowing", "deeper", "deepest"), "c.jpg")
		d, err := Discover(root, fm)
		require.NoError(t, err)
		assert.Len(t, d.Files[fm.Index("full")], 2)
		assert.Len(t, d.Files[fm.Index("overflowing")], 1)
		assert.Equal(t, []string{"half"}, d.Missing)
	})

	t.Run("archive wrapper directory", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, filepath.Join(root, "Water Bottle Dataset", "Half water level"), "a.jpg")
		d, err := Discover(root, fm)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "Water Bottle Dataset"), d.Root)
		assert.Equal(t, 1, d.NumImages())
	})

	t.Run("no images", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, filepath.Join(root, "Full Water level"), "readme.md")
		writeFiles(t, filepath.Join(root, "Unknown Level"), "a.jpg")
		_, err := Discover(root, fm)
		require.ErrorIs(t, err, ErrNoImages)
	})
}

func TestLocalSource(t *testing.T) {
	dir := t.TempDir()
	got, err := LocalSource{Dir: dir}.Fetch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = LocalSource{Dir: filepath.Join(dir, "missing")}.Fetch(t.Context())
	require.Error(t, err)
}
