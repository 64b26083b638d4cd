// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KaggleAPIURL is the base URL of the Kaggle public API.
var KaggleAPIURL = "https://www.kaggle.com/api/v1"

// kaggleGuidance is appended to authentication and download errors.
const kaggleGuidance = "make sure Kaggle credentials are configured: either set KAGGLE_USERNAME and KAGGLE_KEY, " +
	"or save the API token from https://www.kaggle.com/settings as ~/.kaggle/kaggle.json"

// KaggleCredentials used with HTTP basic authentication.
type KaggleCredentials struct {
	Username string `json:"username"`
	Key      string `json:"key"`
}

// KaggleCredentialsFromEnv reads credentials from $KAGGLE_USERNAME/$KAGGLE_KEY, or from
// kaggle.json in $KAGGLE_CONFIG_DIR (default ~/.kaggle).
func KaggleCredentialsFromEnv() (KaggleCredentials, error) {
	creds := KaggleCredentials{Username: os.Getenv("KAGGLE_USERNAME"), Key: os.Getenv("KAGGLE_KEY")}
	if creds.Username != "" && creds.Key != "" {
		return creds, nil
	}
	configDir := os.Getenv("KAGGLE_CONFIG_DIR")
	if configDir == "" {
		configDir = data.ReplaceTildeInDir("~/.kaggle")
	}
	configPath := filepath.Join(configDir, "kaggle.json")
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return creds, errors.Wrapf(err, "no Kaggle credentials in the environment and failed to read %q: %s",
			configPath, kaggleGuidance)
	}
	if err = json.Unmarshal(contents, &creds); err != nil {
		return creds, errors.Wrapf(err, "failed to parse Kaggle credentials in %q", configPath)
	}
	if creds.Username == "" || creds.Key == "" {
		return creds, errors.Errorf("Kaggle credentials in %q are incomplete: %s", configPath, kaggleGuidance)
	}
	return creds, nil
}

// KaggleSource downloads a Kaggle dataset archive and unpacks it under CacheDir.
// Later fetches reuse the unpacked files.
type KaggleSource struct {
	// DatasetID in the form "owner/dataset-name".
	DatasetID string

	// CacheDir is the base directory where datasets are stored.
	CacheDir string

	// Credentials, if empty, are read with KaggleCredentialsFromEnv when needed.
	Credentials KaggleCredentials

	// Client used for the download. Defaults to http.DefaultClient.
	Client *http.Client

	// Unzip extracts zipFile into dir. Defaults to data.Unzip.
	Unzip func(zipFile, dir string) error

	// Quiet disables the download progress bar.
	Quiet bool
}

var _ Source = (*KaggleSource)(nil)

// Name implements Source.
func (s *KaggleSource) Name() string { return "kaggle:" + s.DatasetID }

// datasetDir is where the dataset is cached.
func (s *KaggleSource) datasetDir() string {
	return filepath.Join(data.ReplaceTildeInDir(s.CacheDir), "kaggle", filepath.FromSlash(s.DatasetID))
}

// Fetch implements Source.
func (s *KaggleSource) Fetch(ctx context.Context) (string, error) {
	parts := strings.Split(s.DatasetID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.Errorf("invalid Kaggle dataset id %q, expected \"owner/dataset-name\"", s.DatasetID)
	}
	baseDir := s.datasetDir()
	filesDir := filepath.Join(baseDir, "files")
	if entries, err := os.ReadDir(filesDir); err == nil && len(entries) > 0 {
		klog.V(1).Infof("using cached dataset %q in %q", s.DatasetID, filesDir)
		return filesDir, nil
	}

	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create dataset directory %q", filesDir)
	}
	zipPath := filepath.Join(baseDir, "archive.zip")
	if err := s.download(ctx, zipPath); err != nil {
		return "", err
	}
	unzip := s.Unzip
	if unzip == nil {
		unzip = data.Unzip
	}
	absZipPath, err := filepath.Abs(zipPath)
	if err != nil {
		return "", errors.Wrapf(err, "resolving path %q", zipPath)
	}
	if err = unzip(absZipPath, filesDir); err != nil {
		_ = os.RemoveAll(filesDir)
		return "", errors.WithMessagef(err, "failed to unpack Kaggle dataset %q", s.DatasetID)
	}
	if err = os.Remove(zipPath); err != nil {
		klog.Warningf("failed to remove downloaded archive %q: %v", zipPath, err)
	}
	fmt.Printf("Dataset %q downloaded to %s\n", s.DatasetID, filesDir)
	return filesDir, nil
}

// download the dataset archive to zipPath, with an intermediary file so that no partial
// archive is left behind.
func (s *KaggleSource) download(ctx context.Context, zipPath string) error {
	creds := s.Credentials
	if creds.Username == "" || creds.Key == "" {
		var err error
		creds, err = KaggleCredentialsFromEnv()
		if err != nil {
			return errors.WithMessagef(err, "cannot download Kaggle dataset %q", s.DatasetID)
		}
	}
	url := fmt.Sprintf("%s/datasets/download/%s", strings.TrimSuffix(KaggleAPIURL, "/"), s.DatasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "creating request for %q", url)
	}
	req.SetBasicAuth(creds.Username, creds.Key)
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	fmt.Printf("Downloading Kaggle dataset %q ...\n", s.DatasetID)
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q: check the network connection", url)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Errorf("Kaggle refused access to %q (%s): %s", s.DatasetID, resp.Status, kaggleGuidance)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Errorf("Kaggle dataset %q not found (%s)", s.DatasetID, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return errors.Errorf("failed downloading Kaggle dataset %q: %s", s.DatasetID, resp.Status)
	}

	tmpPath := zipPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	var size int64
	if !s.Quiet && resp.ContentLength > 0 {
		size, err = data.CopyWithProgressBar(f, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(f, resp.Body)
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = os.Rename(tmpPath, zipPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, zipPath)
	}
	klog.Infof("downloaded %s for dataset %q", humanize.Bytes(uint64(size)), s.DatasetID)
	return nil
}
