// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/loopback"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("cloudpool config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("cloudpool config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config file is empty\n`)
}

func (s *CommandSuite) TestDumpMergesDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Scheduler:
  ManagementToken: secret
Clusters:
  - Name: lo
    CloudType: Loopback
    Memory: [1024]
`
	code := DumpCommand.RunCommand("cloudpool config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*CPUArchs:\n *- x86_64\n.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	reg := cloud.Registry{"Loopback": loopback.NewBackend().Driver()}
	in := `
Clusters:
  - Name: lo
    CloudType: Loopback
    Memory: [1024]
  - Name: lo
    CloudType: Loopback
    Memory: [1024]
  - Name: mystery
    CloudType: Mystery
    Memory: [1024]
  - Name: nomem
    CloudType: Loopback
`
	var stdout, stderr bytes.Buffer
	code := CheckCommand{Registry: reg}.RunCommand("cloudpool check-config", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, `Clusters[1] ("lo"): duplicate cluster name
Clusters[2] ("mystery"): unsupported cloud type "Mystery"
Clusters[3] ("nomem"): Memory must list at least one tier
`)

	stdout.Reset()
	code = CheckCommand{Registry: reg}.RunCommand("cloudpool check-config", []string{"-config", "-"}, bytes.NewBufferString("Clusters: [{Name: lo, CloudType: Loopback, Memory: [1]}]\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckWarnsUnknownKeys(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand{}.RunCommand("cloudpool check-config", []string{"-config", "-"}, bytes.NewBufferString("Bogus: true\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown config entry: Bogus.*`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("cloudpool config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
