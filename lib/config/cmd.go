// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cmd"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := &Loader{
		Stdin:  stdin,
		Logger: ctxlog.New(stderr, "text", "info"),
	}

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// CheckCommand loads a config file and reports every problem that
// would cause a cluster entry to be skipped at startup. Registry
// supplies the cloud types that are supported.
type CheckCommand struct {
	Registry cloud.Registry
}

func (chk CheckCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	logger := logrus.New()
	logger.Out = stderr
	logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	warnings := &warningCounter{}
	logger.AddHook(warnings)
	loader := &Loader{
		Stdin:  stdin,
		Logger: logger,
	}

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	problems := 0
	seen := map[string]bool{}
	for i, cl := range cfg.Clusters {
		var msg string
		if err := cl.Check(); err != nil {
			msg = err.Error()
		} else if seen[cl.Name] {
			msg = "duplicate cluster name"
		} else if _, ok := chk.Registry[cl.CloudType]; chk.Registry != nil && !ok {
			msg = cloud.ErrUnknownCloudType(cl.CloudType).Error()
		}
		seen[cl.Name] = true
		if msg != "" {
			fmt.Fprintf(stdout, "Clusters[%d] (%q): %s\n", i, cl.Name, msg)
			problems++
		}
	}
	if problems > 0 || warnings.n > 0 {
		return 1
	}
	return 0
}

type warningCounter struct {
	n int
}

func (*warningCounter) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel}
}

func (wc *warningCounter) Fire(*logrus.Entry) error {
	wc.n++
	return nil
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}
