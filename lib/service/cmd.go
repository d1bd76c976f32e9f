// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cmd"
	"git.cloudscheduler.org/cloudscheduler.git/lib/config"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/health"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// NewHandlerFunc builds the service. It may block (e.g., to recover
// state) and the service is not reported ready until it returns.
// The handler must stop its background work when ctx is cancelled.
type NewHandlerFunc func(_ context.Context, _ *csched.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, calls
// newHandler, and brings up an http server with the returned handler
// on Scheduler.ManagementListen.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, health checks).
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.Scheduler.SystemLogs.Format, cfg.Scheduler.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"Scheduler": cfg.Scheduler.Name,
	})
	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	reg := prometheus.NewRegistry()
	// cloudscheduler_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	var srv *httpserver.Server
	if listen := cfg.Scheduler.ManagementListen; listen != "" {
		srv = &httpserver.Server{
			Server: http.Server{
				Handler: httpserver.AddRequestIDs(
					httpserver.LogRequests(logger,
						interceptHealthReqs(cfg.Scheduler.ManagementToken, handler.CheckHealth, handler))),
				BaseContext: func(net.Listener) context.Context { return ctx },
			},
			Addr: listen,
		}
		if err = srv.Start(); err != nil {
			return 1
		}
		logger.WithFields(logrus.Fields{
			"Listen":  srv.Addr,
			"Version": cmd.Version.String(),
		}).Info("listening")
	} else {
		logger.WithField("Version", cmd.Version.String()).Info("running without management listener")
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-handler.Done():
	}
	cancel()
	if srv != nil {
		srv.Close()
	}
	// Let the handler finish its shutdown work (e.g., a final
	// snapshot) before the process exits.
	if done := handler.Done(); done != nil {
		<-done
	}
	return 0
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	mux.MethodNotAllowed = next
	mux.HandleMethodNotAllowed = false
	return mux
}
