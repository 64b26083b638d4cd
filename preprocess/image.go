// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package preprocess converts discovered image files into fixed-size float samples, encodes
// labels, and splits the corpus into stratified train and validation sets.
package preprocess

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// NumChannels of the preprocessed images: R, G, B.
const NumChannels = 3

// LoadImage decodes the image at path, converts it to RGB, resizes it (distorting the aspect
// ratio if needed) to size x size, and returns its pixels in HWC order scaled to [0, 1].
func LoadImage(path string, size int) ([]float32, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.Errorf("image %q is empty (%dx%d)", path, bounds.Dx(), bounds.Dy())
	}
	return ImageToPixels(img, size), nil
}

// ImageToPixels resizes img to size x size and returns its RGB pixels (HWC) scaled to [0, 1].
// The alpha channel, if any, is dropped.
func ImageToPixels(img image.Image, size int) []float32 {
	resized := imaging.Resize(img, size, size, imaging.Linear)
	return NRGBAToPixels(resized)
}

// NRGBAToPixels converts the image to a flat HWC float32 slice with values in [0, 1].
func NRGBAToPixels(img *image.NRGBA) []float32 {
	width, height := img.Rect.Dx(), img.Rect.Dy()
	pixels := make([]float32, 0, width*height*NumChannels)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			pixels = append(pixels,
				float32(row[4*x])/255,
				float32(row[4*x+1])/255,
				float32(row[4*x+2])/255)
		}
	}
	return pixels
}

// PixelsToNRGBA is the inverse of NRGBAToPixels: values are clipped to [0, 1] and alpha is opaque.
func PixelsToNRGBA(pixels []float32, size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Rect, image.Opaque, image.Point{}, draw.Src)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			src := (y*size + x) * NumChannels
			dst := y*img.Stride + x*4
			for c := 0; c < NumChannels; c++ {
				img.Pix[dst+c] = floatToByte(pixels[src+c])
			}
		}
	}
	return img
}

func floatToByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
