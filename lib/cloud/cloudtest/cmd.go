// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudtest creates, boots and destroys one instance on a
// configured cluster to check its driver and credentials.
package cloudtest

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cmd"
	"git.cloudscheduler.org/cloudscheduler.git/lib/config"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
)

// Command runs the test against one cluster of the config file,
// using Registry to find its driver.
type Command struct {
	Registry cloud.Registry
}

func (command Command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("fatal")
		}
		logger.Info("exiting")
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	clusterName := flags.String("cluster", "", "Name of the cluster to test (if empty, use the first configured cluster)")
	image := flags.String("image", "", "Image to boot (if empty, use the driver's default)")
	instanceType := flags.String("instance-type", "", "Provider instance type (if empty, use the driver's default)")
	memoryMB := flags.Int("memory", 0, "Memory `MB` to request (if zero, use the cluster's first memory tier)")
	pollInterval := flags.Duration("poll-interval", 10*time.Second, "Time between polls")
	timeoutBooting := flags.Duration("boot-timeout", 10*time.Minute, "Maximum time to wait for the instance to boot")
	timeoutShutdown := flags.Duration("shutdown-timeout", 5*time.Minute, "Maximum time to wait for the instance to disappear after destroying it")
	pauseBeforeDestroy := flags.Bool("pause-before-destroy", false, "Prompt and wait before destroying the test instance")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cc, err := pickCluster(cfg, *clusterName)
	if err != nil {
		return 1
	}
	if err = cc.Check(); err != nil {
		err = fmt.Errorf("cluster %q: %w", cc.Name, err)
		return 1
	}
	req := cloud.CreateRequest{
		Name:     fmt.Sprintf("cloud-test-%d", os.Getpid()),
		Type:     "cloud-test",
		User:     "cloud-test",
		Network:  cc.Networks[0],
		CPUArch:  cc.CPUArchs[0],
		MemoryMB: *memoryMB,
		CPUCores: cc.CPUCores,
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = cc.Memory[0]
	}
	if *image != "" {
		req.Image = map[string]string{"default": *image}
	}
	if *instanceType != "" {
		req.InstanceType = map[string]string{"default": *instanceType}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	if !(&tester{
		Logger:          logger,
		Registry:        command.Registry,
		Cluster:         cc,
		Request:         req,
		PollInterval:    *pollInterval,
		TimeoutBooting:  *timeoutBooting,
		TimeoutShutdown: *timeoutShutdown,
		PauseBeforeDestroy: func() {
			if *pauseBeforeDestroy {
				logger.Info("waiting for operator to press Enter")
				fmt.Fprint(stderr, "Press Enter to continue: ")
				bufio.NewReader(stdin).ReadString('\n')
			}
		},
	}).Run(ctx) {
		return 1
	}
	return 0
}

// Return the named cluster, or the first one if name=="".
func pickCluster(cfg *csched.Config, name string) (csched.ClusterConfig, error) {
	if len(cfg.Clusters) == 0 {
		return csched.ClusterConfig{}, fmt.Errorf("no clusters are configured")
	} else if name == "" {
		return cfg.Clusters[0], nil
	}
	for _, cc := range cfg.Clusters {
		if cc.Name == name {
			return cc, nil
		}
	}
	return csched.ClusterConfig{}, fmt.Errorf("requested cluster %q is not configured", name)
}
