// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"net/http"

	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that failed to start.
// It is never healthy, is already done, and answers every request
// with 503 and the startup error.
func ErrorHandler(ctx context.Context, err error) Handler {
	f := &startupFailure{
		err:    fmt.Errorf("startup failed: %w", err),
		logger: ctxlog.FromContext(ctx),
		done:   make(chan struct{}),
	}
	close(f.done)
	f.logger.WithError(err).Error("service failed to start")
	return f
}

type startupFailure struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (f *startupFailure) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.logger.WithField("URL", r.URL.String()).Debug("refusing request after startup failure")
	httpserver.Error(w, f.err.Error(), http.StatusServiceUnavailable)
}

func (f *startupFailure) CheckHealth() error { return f.err }

func (f *startupFailure) Done() <-chan struct{} { return f.done }
