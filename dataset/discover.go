// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoImages is returned when no image could be found (or later, decoded) for any of the labels.
var ErrNoImages = errors.New("no images found for any of the labels")

// ImageExtensions accepted by Discover, lower-case.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}

// Discovery is the result of scanning a dataset root directory.
type Discovery struct {
	// Root actually used: it may be a sub-directory of the root given to Discover.
	Root string

	// Classes is the canonical label set, and Files[i] holds the sorted image paths for Classes[i].
	Classes []string
	Files   [][]string

	// Folders[i] lists the folders (relative to Root) mapped to Classes[i].
	Folders [][]string

	// Skipped lists folders that didn't map to any label.
	Skipped []string

	// Missing lists the labels for which no image was found.
	Missing []string
}

// NumImages returns the total number of image files found.
func (d *Discovery) NumImages() int {
	var count int
	for _, files := range d.Files {
		count += len(files)
	}
	return count
}

// Discover scans the immediate sub-directories of root and maps them to labels with fm.
//
// If none of them maps to a label (e.g. the dataset archive wraps everything in one extra
// directory), it looks one level deeper. Unknown folders are skipped with a warning, labels
// without images are reported in Discovery.Missing, and only if no image at all is found
// it returns ErrNoImages.
func Discover(root string, fm *FolderMapping) (*Discovery, error) {
	d, err := discoverIn(root, fm)
	if err != nil {
		return nil, err
	}
	if !d.anyFolderMatched() {
		subDirs, err := listSubDirs(root)
		if err != nil {
			return nil, err
		}
		for _, subDir := range subDirs {
			nested, err := discoverIn(filepath.Join(root, subDir), fm)
			if err != nil {
				return nil, err
			}
			if nested.anyFolderMatched() {
				klog.V(1).Infof("dataset root %q has its class folders nested under %q", root, subDir)
				d = nested
				break
			}
		}
	}
	for _, skipped := range d.Skipped {
		klog.Warningf("Skipping unknown class directory %q (normalized: %q)", skipped, NormalizeFolderName(filepath.Base(skipped)))
	}
	for classIdx, label := range d.Classes {
		if len(d.Files[classIdx]) == 0 {
			d.Missing = append(d.Missing, label)
			klog.Warningf("No images found for label %q under %q", label, d.Root)
		}
	}
	if d.NumImages() == 0 {
		return d, errors.Wrapf(ErrNoImages, "scanning dataset directory %q (labels %q, skipped folders %q)",
			root, d.Classes, d.Skipped)
	}
	return d, nil
}

func (d *Discovery) anyFolderMatched() bool {
	for _, folders := range d.Folders {
		if len(folders) > 0 {
			return true
		}
	}
	return false
}

func discoverIn(root string, fm *FolderMapping) (*Discovery, error) {
	classes := fm.Classes()
	d := &Discovery{
		Root:    root,
		Classes: classes,
		Files:   make([][]string, len(classes)),
		Folders: make([][]string, len(classes)),
	}
	subDirs, err := listSubDirs(root)
	if err != nil {
		return nil, err
	}
	for _, subDir := range subDirs {
		label, ok := fm.Resolve(subDir)
		if !ok {
			d.Skipped = append(d.Skipped, subDir)
			continue
		}
		classIdx := fm.Index(label)
		files, err := findImages(filepath.Join(root, subDir))
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("folder %q -> label %q: %d images", subDir, label, len(files))
		d.Folders[classIdx] = append(d.Folders[classIdx], subDir)
		d.Files[classIdx] = append(d.Files[classIdx], files...)
	}
	for classIdx := range d.Files {
		slices.Sort(d.Files[classIdx])
		d.Files[classIdx] = slices.Compact(d.Files[classIdx])
	}
	return d, nil
}

// findImages looks for images directly in dir; if there are none, in its immediate sub-directories;
// and if there are still none, anywhere under dir.
func findImages(dir string) ([]string, error) {
	files, err := imagesIn(dir)
	if err != nil || len(files) > 0 {
		return files, err
	}
	subDirs, err := listSubDirs(dir)
	if err != nil {
		return nil, err
	}
	for _, subDir := range subDirs {
		subFiles, err := imagesIn(filepath.Join(dir, subDir))
		if err != nil {
			return nil, err
		}
		files = append(files, subFiles...)
	}
	if len(files) > 0 {
		return files, nil
	}
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && IsImageFile(entry.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "searching images under %q", dir)
	}
	return files, nil
}

// imagesIn lists the image files directly in dir.
func imagesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && IsImageFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

func listSubDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	var subDirs []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			subDirs = append(subDirs, entry.Name())
		}
	}
	return subDirs, nil
}

// IsImageFile reports whether the file name has one of the ImageExtensions, in any case.
func IsImageFile(name string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(name)))
}
