// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package snapshot provides places to keep the resource pool's
// snapshot between restarts.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// A Store holds one snapshot blob. Load returns an error wrapping
// fs.ErrNotExist if nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

type newStoreFunc func(params json.RawMessage, logger logrus.FieldLogger) (Store, error)

var drivers = map[string]newStoreFunc{
	"file":  newFileStore,
	"s3":    newS3Store,
	"redis": newRedisStore,
}

// New returns a Store using the named driver ("file", "s3", or
// "redis"). An empty driver name means "file".
func New(driver string, params json.RawMessage, logger logrus.FieldLogger) (Store, error) {
	if driver == "" {
		driver = "file"
	}
	fn, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported snapshot driver %q", driver)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return fn(params, logger.WithField("SnapshotDriver", driver))
}
