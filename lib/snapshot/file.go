// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const defaultSnapshotPath = "/var/lib/cloudscheduler/snapshot.json"

type fileStore struct {
	Path   string
	logger logrus.FieldLogger
}

func newFileStore(params json.RawMessage, logger logrus.FieldLogger) (Store, error) {
	fs := &fileStore{logger: logger}
	if err := json.Unmarshal(params, fs); err != nil {
		return nil, err
	}
	if fs.Path == "" {
		fs.Path = defaultSnapshotPath
	}
	if !filepath.IsAbs(fs.Path) {
		return nil, fmt.Errorf("snapshot Path %q is not absolute", fs.Path)
	}
	return fs, nil
}

// Load returns an error wrapping fs.ErrNotExist if the file does
// not exist.
func (fs *fileStore) Load(ctx context.Context) ([]byte, error) {
	return os.ReadFile(fs.Path)
}

// Save replaces the file atomically, so a crash leaves either the
// old or the new snapshot in place.
func (fs *fileStore) Save(ctx context.Context, data []byte) error {
	dir, base := filepath.Split(fs.Path)
	f, err := os.CreateTemp(dir, "."+base+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	_, err = f.Write(data)
	if err == nil {
		err = f.Chmod(0600)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	err = os.Rename(f.Name(), fs.Path)
	if errors.Is(err, os.ErrNotExist) {
		// tempfile vanished underneath us
		return fmt.Errorf("rename %s: %w", f.Name(), err)
	}
	return err
}
