// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements random image augmentation and the train.Dataset implementations
// that feed preprocessed samples to the training loop.
package augment

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/waterlevel/preprocess"
)

// Augmenter applies random transformations to images. The zero value does nothing; use
// DefaultAugmenter for the standard configuration.
type Augmenter struct {
	// FlipHorizontal flips half of the images left-right.
	FlipHorizontal bool

	// Rotation is the maximum rotation as a fraction of a full turn: 0.1 rotates up to ±36 degrees.
	Rotation float64

	// Zoom is the maximum zoom in or out, as a fraction of the image size.
	Zoom float64

	// Brightness is the maximum value added to or subtracted from every pixel (pixels are in [0, 1]).
	Brightness float64
}

// DefaultAugmenter: random horizontal flip, rotation 0.1, zoom 0.1 and brightness 0.1.
func DefaultAugmenter() *Augmenter {
	return &Augmenter{FlipHorizontal: true, Rotation: 0.1, Zoom: 0.1, Brightness: 0.1}
}

// Enabled reports whether any transformation is configured.
func (a *Augmenter) Enabled() bool {
	return a != nil && (a.FlipHorizontal || a.Rotation > 0 || a.Zoom > 0 || a.Brightness > 0)
}

// Augment returns a transformed copy of the HWC pixels of a size x size image. The input is
// not modified, and output values stay in [0, 1].
func (a *Augmenter) Augment(pixels []float32, size int, rng *rand.Rand) []float32 {
	if !a.Enabled() {
		return append([]float32(nil), pixels...)
	}
	var img *image.NRGBA
	if a.FlipHorizontal || a.Rotation > 0 || a.Zoom > 0 {
		img = preprocess.PixelsToNRGBA(pixels, size)
		if a.FlipHorizontal && rng.IntN(2) == 1 {
			img = imaging.FlipH(img)
		}
		if a.Rotation > 0 {
			degrees := uniform(rng, a.Rotation) * 360
			img = rotateInPlace(img, degrees)
		}
		if a.Zoom > 0 {
			img = zoom(img, 1+uniform(rng, a.Zoom))
		}
	}
	var out []float32
	if img != nil {
		out = preprocess.NRGBAToPixels(img)
	} else {
		out = append([]float32(nil), pixels...)
	}
	if a.Brightness > 0 {
		delta := float32(uniform(rng, a.Brightness))
		for ii, v := range out {
			out[ii] = min(max(v+delta, 0), 1)
		}
	}
	return out
}

// uniform returns a random value in [-limit, limit].
func uniform(rng *rand.Rand, limit float64) float64 {
	return (2*rng.Float64() - 1) * limit
}

// rotateInPlace rotates img counter-clockwise around its center, keeping its size. Corners
// uncovered by the rotation are filled with the original image.
func rotateInPlace(img *image.NRGBA, degrees float64) *image.NRGBA {
	if degrees == 0 {
		return img
	}
	width, height := img.Rect.Dx(), img.Rect.Dy()
	rotated := imaging.Rotate(img, degrees, color.Transparent)
	rotated = imaging.CropCenter(rotated, width, height)
	return imaging.OverlayCenter(img, rotated, 1.0)
}

// zoom scales the image content by factor around its center, keeping its size: factor > 1 zooms in.
func zoom(img *image.NRGBA, factor float64) *image.NRGBA {
	width, height := img.Rect.Dx(), img.Rect.Dy()
	if factor >= 1 {
		cropWidth := max(1, int(float64(width)/factor+0.5))
		cropHeight := max(1, int(float64(height)/factor+0.5))
		if cropWidth == width && cropHeight == height {
			return img
		}
		cropped := imaging.CropCenter(img, cropWidth, cropHeight)
		return imaging.Resize(cropped, width, height, imaging.Linear)
	}
	smallWidth := max(1, int(float64(width)*factor+0.5))
	smallHeight := max(1, int(float64(height)*factor+0.5))
	if smallWidth == width && smallHeight == height {
		return img
	}
	small := imaging.Resize(img, smallWidth, smallHeight, imaging.Linear)
	return imaging.PasteCenter(img, small)
}
