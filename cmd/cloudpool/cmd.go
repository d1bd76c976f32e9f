// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/cloudtest"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cmd"
	"git.cloudscheduler.org/cloudscheduler.git/lib/config"
	"git.cloudscheduler.org/cloudscheduler.git/lib/dispatchcloud"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"server":          dispatchcloud.Command,
		"check-config":    config.CheckCommand{Registry: dispatchcloud.Drivers},
		"config-check":    config.CheckCommand{Registry: dispatchcloud.Drivers},
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"cloud-test":      cloudtest.Command{Registry: dispatchcloud.Drivers},
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
