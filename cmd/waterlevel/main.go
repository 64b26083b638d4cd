// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// waterlevel trains the water-bottle fill level classifier and exports it for the mobile application.
//
// Hyperparameters are set with -set="key1=value1;key2=value2;...", e.g.:
//
//	waterlevel -dataset=~/Downloads/water-bottle-dataset -set="epochs=10;backbone=tiny"
//
// Use -set="" -list to print the available hyperparameters and their defaults.
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/waterlevel/config"
	"github.com/gomlx/waterlevel/pipeline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	defaults = config.Default()

	flagDataDir       = flag.String("data", defaults.DataDir, "Directory to cache downloaded datasets and pretrained weights.")
	flagDataset       = flag.String("dataset", "", "Local dataset directory with one sub-directory per class. If empty, the dataset is downloaded from Kaggle.")
	flagDatasetID     = flag.String("kaggle", defaults.DatasetID, "Kaggle dataset identifier (owner/name), used if -dataset is not set.")
	flagOutput        = flag.String("output", defaults.OutputDir, "Directory where the exported model and its sidecar files are written.")
	flagCheckpointDir = flag.String("checkpoint", defaults.CheckpointDir, "Directory for the best model checkpoint and the final model snapshot.")
	flagMapping       = flag.String("mapping", "", "Optional YAML file mapping dataset folder names to class labels.")
	flagList          = flag.Bool("list", false, "List the hyperparameters and their values, and exit.")
	flagQuiet         = flag.Bool("quiet", false, "Disable progress bars and the per epoch report.")
)

func main() {
	ctx := context.New()
	config.SetContextDefaults(ctx, defaults)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	base := defaults
	base.DataDir = *flagDataDir
	base.DatasetDir = *flagDataset
	base.DatasetID = *flagDatasetID
	base.OutputDir = *flagOutput
	base.CheckpointDir = *flagCheckpointDir
	base.Quiet = *flagQuiet
	if *flagMapping != "" {
		base = must.M1(base.LoadFolderMapping(*flagMapping))
	}
	cfg := config.FromContext(ctx, base)
	if *flagList {
		fmt.Println(commandline.SprintContextSettings(ctx))
		return
	}
	if len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	goCtx, cancel := signal.NotifyContext(stdcontext.Background(), os.Interrupt)
	defer cancel()

	backend := backends.New()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	result, err := pipeline.Run(goCtx, cfg, backend, pipeline.Options{})
	if err != nil {
		klog.Errorf("Training failed: %+v", err)
		os.Exit(1)
	}
	fmt.Println(renderReport(cfg, result))
}
