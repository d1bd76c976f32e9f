// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// cloud.RateLimitError, and if so, ensures Error() returns a non-nil
// error until the rate limiting holdoff period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	var rle cloud.RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := time.Until(until)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur, until), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
