// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"fmt"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/waterlevel/dataset"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Sample is one preprocessed image and its label index. Pixels are HWC float32 values in [0, 1];
// they are never modified after creation.
type Sample struct {
	Path   string
	Pixels []float32
	Label  int
}

// Corpus holds all the preprocessed samples of a dataset.
type Corpus struct {
	// Size is the edge of the square images.
	Size    int
	Classes []string
	Samples []Sample

	// Skipped lists the image files that failed to decode.
	Skipped []string
}

// Len returns the number of samples.
func (c *Corpus) Len() int { return len(c.Samples) }

// NumClasses returns the size of the label set.
func (c *Corpus) NumClasses() int { return len(c.Classes) }

// Labels returns the label index of each sample.
func (c *Corpus) Labels() []int {
	labels := make([]int, len(c.Samples))
	for ii, s := range c.Samples {
		labels[ii] = s.Label
	}
	return labels
}

// CountPerClass returns the number of samples of each class.
func (c *Corpus) CountPerClass() []int {
	counts := make([]int, len(c.Classes))
	for _, s := range c.Samples {
		counts[s.Label]++
	}
	return counts
}

// Subset returns the samples at the given indices.
func (c *Corpus) Subset(indices []int) []Sample {
	subset := make([]Sample, len(indices))
	for ii, idx := range indices {
		subset[ii] = c.Samples[idx]
	}
	return subset
}

// BuildCorpus loads and preprocesses every image found in d. Images that fail to decode are
// logged and skipped. It returns dataset.ErrNoImages if nothing could be loaded.
func BuildCorpus(d *dataset.Discovery, size int, showProgressBar bool) (*Corpus, error) {
	corpus := &Corpus{Size: size, Classes: d.Classes}
	var bar *progressbar.ProgressBar
	if showProgressBar {
		bar = progressbar.NewOptions(d.NumImages(),
			progressbar.OptionSetDescription("Loading images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	for label, files := range d.Files {
		if len(files) > 0 {
			klog.Infof("Loading %d images for label %q", len(files), d.Classes[label])
		}
		for _, path := range files {
			pixels, err := LoadImage(path, size)
			if bar != nil {
				_ = bar.Add(1)
			}
			if err != nil {
				klog.Warningf("Skipping image: %v", err)
				corpus.Skipped = append(corpus.Skipped, path)
				continue
			}
			corpus.Samples = append(corpus.Samples, Sample{Path: path, Pixels: pixels, Label: label})
		}
	}
	if bar != nil {
		_ = bar.Close()
		fmt.Println()
	}
	if len(corpus.Samples) == 0 {
		return nil, errors.Wrapf(dataset.ErrNoImages, "all %d image files failed to load", len(corpus.Skipped))
	}
	numPresent := 0
	for _, count := range corpus.CountPerClass() {
		if count > 0 {
			numPresent++
		}
	}
	fmt.Printf("Loaded %d images across %d classes (%d skipped)\n", corpus.Len(), numPresent, len(corpus.Skipped))
	return corpus, nil
}

// OneHot encodes label as a vector of numClasses values, all 0 except for a 1 at label.
func OneHot(label, numClasses int) []float32 {
	v := make([]float32, numClasses)
	v[label] = 1
	return v
}

// ArgMax returns the index of the largest value, the first one if there are ties.
func ArgMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

// ImagesTensor stacks the samples' pixels into a float32 tensor shaped [len(samples), size, size, 3].
func ImagesTensor(samples []Sample, size int) *tensors.Tensor {
	imageLen := size * size * NumChannels
	flat := make([]float32, 0, len(samples)*imageLen)
	for _, s := range samples {
		flat = append(flat, s.Pixels...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(samples), size, size, NumChannels)
}

// LabelsTensor returns the one-hot encoded labels as a float32 tensor shaped [len(samples), numClasses].
func LabelsTensor(samples []Sample, numClasses int) *tensors.Tensor {
	flat := make([]float32, 0, len(samples)*numClasses)
	for _, s := range samples {
		flat = append(flat, OneHot(s.Label, numClasses)...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(samples), numClasses)
}
