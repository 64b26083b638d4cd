// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// mappingFile is the YAML layout accepted by LoadFolderMapping:
//
//	classes: [half, full, overflowing]
//	folders:
//	  "Full Water Level": full
//	  "Half water level": half
//	  "Overflowing": overflowing
//
// "classes" is optional.
type mappingFile struct {
	Classes []string          `yaml:"classes"`
	Folders map[string]string `yaml:"folders"`
}

// LoadFolderMapping reads a folder-to-label mapping from a YAML file, and returns a copy of
// c using it. If the file lists classes, they replace c.Classes.
//
// Keys are kept as written: they are normalized when the mapping is used.
func (c Config) LoadFolderMapping(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "failed to read folder mapping file %q", path)
	}
	var mf mappingFile
	if err = yaml.Unmarshal(contents, &mf); err != nil {
		return c, errors.Wrapf(err, "failed to parse folder mapping file %q", path)
	}
	if len(mf.Folders) == 0 {
		return c, errors.Errorf("folder mapping file %q has no \"folders\" entries", path)
	}
	c = c.WithPaths()
	c.FolderMapping = cloneMapping(mf.Folders)
	if len(mf.Classes) > 0 {
		c.Classes = mf.Classes
	}
	return c, nil
}
