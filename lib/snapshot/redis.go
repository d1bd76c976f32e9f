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

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type redisStore struct {
	// redis://[:password@]host:port[/db]
	URL string
	Key string

	client *redis.Client
	logger logrus.FieldLogger
}

func newRedisStore(params json.RawMessage, logger logrus.FieldLogger) (Store, error) {
	st := &redisStore{logger: logger}
	if err := json.Unmarshal(params, st); err != nil {
		return nil, err
	}
	if st.URL == "" {
		return nil, errors.New("redis snapshot store: URL must not be empty")
	}
	opts, err := redis.ParseURL(st.URL)
	if err != nil {
		return nil, fmt.Errorf("redis snapshot store: %w", err)
	}
	if st.Key == "" {
		st.Key = "cloudscheduler:snapshot"
	}
	st.client = redis.NewClient(opts)
	return st, nil
}

func (st *redisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := st.client.Get(ctx, st.Key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("redis key %s: %w", st.Key, os.ErrNotExist)
	}
	return data, err
}

func (st *redisStore) Save(ctx context.Context, data []byte) error {
	return st.client.Set(ctx, st.Key, data, 0).Err()
}
