// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	stdcontext "context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/waterlevel/config"
	"github.com/gomlx/waterlevel/dataset"
	"github.com/gomlx/waterlevel/export"
	"github.com/gomlx/waterlevel/model"
	"github.com/gomlx/waterlevel/preprocess"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImages(t *testing.T, dir string, n int, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	img := image.NewRGBA(image.Rect(0, 0, 20, 12))
	for y := range 12 {
		for x := range 20 {
			img.Set(x, y, c)
		}
	}
	for ii := range n {
		f, err := os.Create(filepath.Join(dir, "img_"+string(rune('a'+ii))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func testConfig(t *testing.T, datasetDir string) config.Config {
	base := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = base
	cfg.DatasetDir = datasetDir
	cfg.OutputDir = filepath.Join(base, "models", "tfjs_model")
	cfg.CheckpointDir = filepath.Join(base, "checkpoints")
	cfg.Backbone = config.BackboneTiny
	cfg.ModelType = "TinyCNN"
	cfg.ImageSize = 16
	cfg.Epochs = 1
	cfg.HiddenUnits = 8
	cfg.FineTuneLayers = 3
	cfg.Quiet = true
	return cfg
}

func testBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

// spyBackbone records whether the model was built.
type spyBackbone struct {
	model.Tiny
	used bool
}

func (s *spyBackbone) Layers(imageSize int) []model.Layer {
	s.used = true
	return s.Tiny.Layers(imageSize)
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end training skipped in short mode")
	}
	root := t.TempDir()
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	writeImages(t, filepath.Join(root, "Full  Water Level"), 10, gray)
	writeImages(t, filepath.Join(root, "half water level"), 10, gray)
	writeImages(t, filepath.Join(root, "Overflowing"), 10, gray)
	writeImages(t, filepath.Join(root, "Unknown Level"), 4, gray)

	cfg := testConfig(t, root)
	result, err := Run(stdcontext.Background(), cfg, testBackend(t), Options{})
	require.NoError(t, err)

	_, err = uuid.Parse(result.RunID)
	require.NoError(t, err, "run ID %q", result.RunID)
	assert.Equal(t, 30, result.NumImages)
	assert.Equal(t, 24, result.NumTrain)
	assert.Equal(t, 6, result.NumValidation)
	assert.False(t, result.Pretrained)
	assert.Equal(t, []string{"Unknown Level"}, result.Discovery.Skipped)
	assert.Equal(t, []string{"half", "full", "overflowing"}, result.Discovery.Classes)
	assert.NotEmpty(t, result.History.Records)
	assert.GreaterOrEqual(t, result.ValAccuracy, 0.0)
	assert.LessOrEqual(t, result.ValAccuracy, 1.0)

	// Output has one probability per class.
	backend := testBackend(t)
	exec := context.NewExec(backend, result.Context.Reuse(), func(ctx *context.Context, images *Node) *Node {
		return result.Model.BuildGraph(ctx, images, 0)
	})
	pixels, err := preprocess.LoadImage(filepath.Join(root, "Overflowing", "img_a.png"), cfg.ImageSize)
	require.NoError(t, err)
	output := exec.Call(preprocess.ImagesTensor([]preprocess.Sample{{Pixels: pixels}}, cfg.ImageSize))[0]
	assert.Equal(t, []int{1, 3}, output.Shape().Dimensions)

	// Exported files.
	assert.False(t, result.Export.UsedFallback)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, export.ModelFileName))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, export.WeightsFileName))
	var labels []string
	contents, err := os.ReadFile(filepath.Join(cfg.OutputDir, export.ClassLabelsFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(contents, &labels))
	assert.Equal(t, []string{"half", "full", "overflowing"}, labels)
	var metadata export.Metadata
	contents, err = os.ReadFile(filepath.Join(cfg.OutputDir, export.MetadataFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(contents, &metadata))
	assert.Equal(t, export.Metadata{InputSize: 16, Classes: labels, NumClasses: 3, ModelType: "TinyCNN"}, metadata)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(cfg.OutputDir), export.InterchangeDirName))
	assert.DirExists(t, result.SnapshotDir)
}

func TestRunUsesExportFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end training skipped in short mode")
	}
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "full water level"), 5, color.White)
	writeImages(t, filepath.Join(root, "half water level"), 5, color.Black)
	writeImages(t, filepath.Join(root, "overflowing"), 5, color.RGBA{B: 255, A: 255})
	cfg := testConfig(t, root)
	exporter := export.New(cfg.WithPaths())
	exporter.Primary = func(*context.Context, *model.Model, int, string) error {
		return errors.New("layer DepthwiseConv2D not supported")
	}
	result, err := Run(stdcontext.Background(), cfg, testBackend(t), Options{Exporter: exporter})
	require.NoError(t, err)
	assert.True(t, result.Export.UsedFallback)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, export.ModelFileName))
	assert.NoDirExists(t, exporter.InterchangeDir())
}

func TestRunWithoutImagesFailsBeforeBuildingModel(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Full Water Level"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Unknown Level"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Full Water Level", "notes.txt"), []byte("x"), 0o644))

	spy := &spyBackbone{}
	_, err := Run(stdcontext.Background(), testConfig(t, root), testBackend(t), Options{Backbone: spy})
	require.ErrorIs(t, err, dataset.ErrNoImages)
	assert.False(t, spy.used)
}

func TestRunWithUndecodableImagesFailsBeforeBuildingModel(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "half water level")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o644))

	spy := &spyBackbone{}
	_, err := Run(stdcontext.Background(), testConfig(t, root), testBackend(t), Options{Backbone: spy})
	require.ErrorIs(t, err, dataset.ErrNoImages)
	assert.False(t, spy.used)
}

type failingSource struct{}

func (failingSource) Name() string { return "kaggle:owner/missing" }

func (failingSource) Fetch(stdcontext.Context) (string, error) {
	return "", errors.New("401 Unauthorized")
}

func TestRunPropagatesDatasetSourceFailure(t *testing.T) {
	_, err := Run(stdcontext.Background(), testConfig(t, ""), testBackend(t), Options{Source: failingSource{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 Unauthorized")
	assert.Contains(t, err.Error(), "kaggle:owner/missing")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.BatchSize = 0
	_, err := Run(stdcontext.Background(), cfg, testBackend(t), Options{})
	require.Error(t, err)
}

func TestNewSource(t *testing.T) {
	cfg := config.Default()
	cfg.DatasetDir = "/data/bottles"
	assert.Equal(t, dataset.LocalSource{Dir: "/data/bottles"}, NewSource(cfg))
	cfg.DatasetDir = ""
	source := NewSource(cfg)
	assert.Equal(t, "kaggle:"+config.DefaultDatasetID, source.Name())
}
