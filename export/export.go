// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package export writes the trained model in the TensorFlow.js layers format, along with the
// JSON sidecars describing its labels and input, for use by the mobile application.
//
// If writing the model directly fails, the model is saved to an interchange directory (a GoMLX
// checkpoint), reloaded and converted from there. The interchange directory is always removed.
package export

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/waterlevel/config"
	"github.com/gomlx/waterlevel/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the files and directories written next to the model.
const (
	ClassLabelsFileName = "class_labels.json"
	MetadataFileName    = "model_metadata.json"

	// InterchangeDirName is created next to the output directory by the fallback export.
	InterchangeDirName = "savedmodel_temp"
)

// Converter writes the model whose variables are in ctx to dir. Backbone layers with
// index < trainableFrom are marked as frozen.
type Converter func(ctx *context.Context, m *model.Model, trainableFrom int, dir string) error

// Metadata is the content of model_metadata.json.
type Metadata struct {
	InputSize  int      `json:"input_size"`
	Classes    []string `json:"classes"`
	NumClasses int      `json:"num_classes"`
	ModelType  string   `json:"model_type"`
}

// File is an exported file, with its path relative to the output directory.
type File struct {
	Path string
	Size int64
}

// Result of an export.
type Result struct {
	Dir          string
	UsedFallback bool
	Files        []File
}

// Exporter writes the model and its sidecars to OutputDir.
type Exporter struct {
	OutputDir string
	Metadata  Metadata

	// Boundary of the fine-tuned backbone layers, used for the trainable flags of the exported layers.
	Boundary model.UnfreezeBoundary

	// Primary converter, tried first. Defaults to WriteLayers.
	Primary Converter

	// Fallback converter, applied to the model reloaded from the interchange directory. Defaults to WriteLayers.
	Fallback Converter

	// Quiet disables printing the list of exported files (they are still logged with klog.V(1)).
	Quiet bool
}

// New returns an Exporter configured from cfg, using WriteLayers for both strategies.
func New(cfg config.Config) *Exporter {
	return &Exporter{
		OutputDir: cfg.OutputDir,
		Metadata: Metadata{
			InputSize:  cfg.ImageSize,
			Classes:    slices.Clone(cfg.Classes),
			NumClasses: cfg.NumClasses(),
			ModelType:  cfg.ModelType,
		},
		Boundary: model.BoundaryFromConfig(cfg),
		Primary:  WriteLayers,
		Fallback: WriteLayers,
		Quiet:    cfg.Quiet,
	}
}

// InterchangeDir returns the directory used by the fallback export.
func (e *Exporter) InterchangeDir() string {
	return filepath.Join(filepath.Dir(filepath.Clean(e.OutputDir)), InterchangeDirName)
}

// Export writes the model in ctx and the sidecar files to the output directory.
func (e *Exporter) Export(ctx *context.Context, m *model.Model) (*Result, error) {
	if len(e.Metadata.Classes) != m.NumClasses() {
		return nil, errors.Errorf("model has %d outputs, but there are %d classes (%q)",
			m.NumClasses(), len(e.Metadata.Classes), e.Metadata.Classes)
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", e.OutputDir)
	}
	trainableFrom, err := e.Boundary.TrainableFrom(m.BackboneLayers())
	if err != nil {
		return nil, err
	}
	result := &Result{Dir: e.OutputDir}
	primaryErr := e.Primary(ctx, m, trainableFrom, e.OutputDir)
	if primaryErr != nil {
		klog.Warningf("Direct export to %q failed, trying through the interchange directory %q: %v",
			e.OutputDir, e.InterchangeDir(), primaryErr)
		if fallbackErr := e.viaInterchange(ctx, m, trainableFrom); fallbackErr != nil {
			return nil, errors.Errorf("both export methods failed: direct: %v; via interchange directory: %v",
				primaryErr, fallbackErr)
		}
		result.UsedFallback = true
		klog.Infof("Export through the interchange directory succeeded")
	}

	if err := writeJSON(filepath.Join(e.OutputDir, ClassLabelsFileName), e.Metadata.Classes); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(e.OutputDir, MetadataFileName), e.Metadata); err != nil {
		return nil, err
	}

	result.Files, err = ListFiles(e.OutputDir)
	if err != nil {
		return nil, err
	}
	e.report(result)
	return result, nil
}

// viaInterchange saves the model to the interchange directory, reloads it into a new context,
// converts its weights to float32 and writes it with the Fallback converter. The interchange
// directory is removed in all cases.
func (e *Exporter) viaInterchange(ctx *context.Context, m *model.Model, trainableFrom int) (err error) {
	dir := e.InterchangeDir()
	if err = os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear interchange directory %q", dir)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			klog.Errorf("Failed to remove interchange directory %q: %+v", dir, rmErr)
			if err == nil {
				err = errors.Wrapf(rmErr, "failed to remove interchange directory %q", dir)
			}
		}
	}()
	if err = saveCheckpoint(ctx, m, dir); err != nil {
		return err
	}
	reloaded := context.New()
	if _, err = checkpoints.Build(reloaded).Dir(dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to reload model from interchange directory %q", dir)
	}
	if err = ConvertToFloat32(reloaded, m); err != nil {
		return err
	}
	return e.Fallback(reloaded, m, trainableFrom, e.OutputDir)
}

// modelContext returns a new context with a copy of the variables of the model (and nothing else:
// no optimizer state or hyperparameters).
func modelContext(ctx *context.Context, m *model.Model) (*context.Context, error) {
	modelCtx := context.New()
	for _, layer := range m.Layers() {
		for _, name := range layer.WeightNames() {
			v := m.Variable(ctx, layer.Name, name)
			if v == nil {
				return nil, errors.Errorf("variable %s/%s not found in context", m.ScopeOf(layer.Name), name)
			}
			modelCtx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), v.Value().LocalClone()).
				SetTrainable(v.Trainable)
		}
	}
	return modelCtx, nil
}

// saveCheckpoint saves the model variables in ctx as a GoMLX checkpoint in dir, replacing any previous content.
func saveCheckpoint(ctx *context.Context, m *model.Model, dir string) error {
	modelCtx, err := modelContext(ctx, m)
	if err != nil {
		return err
	}
	if err = os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear checkpoint directory %q", dir)
	}
	handler, err := checkpoints.Build(modelCtx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	return errors.WithMessagef(handler.Save(), "failed to save checkpoint in %q", dir)
}

// SaveSnapshot saves the model variables in ctx (without optimizer state) as a GoMLX checkpoint in dir.
func SaveSnapshot(ctx *context.Context, m *model.Model, dir string) error {
	if err := saveCheckpoint(ctx, m, dir); err != nil {
		return err
	}
	klog.Infof("Final model snapshot saved to %s", dir)
	return nil
}

func writeJSON(filePath string, v any) error {
	contents, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s", filepath.Base(filePath))
	}
	return errors.Wrapf(os.WriteFile(filePath, contents, 0o644), "failed to write %q", filePath)
}

// ListFiles returns the regular files under dir, recursively, sorted by path.
func ListFiles(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %q", dir)
	}
	slices.SortFunc(files, func(a, b File) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}

func (e *Exporter) report(result *Result) {
	lines := make([]string, 0, len(result.Files))
	for _, f := range result.Files {
		lines = append(lines, fmt.Sprintf("  - %s (%s)", f.Path, humanize.Bytes(uint64(f.Size))))
	}
	klog.V(1).Infof("Exported to %s:\n%s", result.Dir, strings.Join(lines, "\n"))
	if e.Quiet {
		return
	}
	fmt.Printf("Model exported to %s\n", result.Dir)
	fmt.Println("Files created:")
	for _, line := range lines {
		fmt.Println(line)
	}
}
