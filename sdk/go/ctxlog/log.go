// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var (
	loggerCtxKey = new(int)
	rootLogger   = logrus.New()
)

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a new child context such that FromContext(child)
// returns the given logger.
func Context(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext returns the logger suitable for the given context -- the one
// attached by Context() if applicable, otherwise the top-level logger
// with no fields/values.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey).(logrus.FieldLogger); ok {
			return logger
		}
	}
	return rootLogger.WithFields(nil)
}

// New returns a new logger with the indicated format and
// level.
func New(out io.Writer, format, level string) *logrus.Logger {
	logger := logrus.New()
	logger.Out = out
	setFormat(logger, format)
	setLevel(logger, level)
	return logger
}

// TestLogger returns a logger that writes through the gocheck log
// of the given test, so its output is shown only for failing tests
// (or with -check.vv).
func TestLogger(c *check.C) *logrus.Logger {
	logger := logrus.New()
	logger.Out = &logWriter{c.Log}
	setFormat(logger, "text")
	if d := os.Getenv("CLOUDPOOL_DEBUG"); d != "0" && d != "" {
		setLevel(logger, "debug")
	} else {
		setLevel(logger, "info")
	}
	return logger
}

func setLevel(logger *logrus.Logger, level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("Level", level).Fatal("unknown log level")
	}
	logger.Level = lvl
}

func setFormat(logger *logrus.Logger, format string) {
	switch format {
	case "text":
		logger.Formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: rfc3339NanoFixed,
		}
	case "json", "":
		logger.Formatter = &logrus.JSONFormatter{
			TimestampFormat: rfc3339NanoFixed,
		}
	default:
		logrus.WithField("LogFormat", format).Fatal("unknown log format")
	}
}

type logWriter struct {
	logfunc func(...interface{})
}

func (tlw *logWriter) Write(buf []byte) (int, error) {
	tlw.logfunc(string(buf))
	return len(buf), nil
}
