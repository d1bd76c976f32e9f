// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck tests for output being leaked to os.Stdout and os.Stderr
// that should be sent to the stdout and stderr streams passed to
// RunCommand.
//
// It redirects os.Stdout and os.Stderr to temporary files, and
// returns a func, which the caller is expected to defer, that
// restores them and checks that nothing was written.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run a command that should be quiet on os.Stdout/os.Stderr
//	}
func LeakCheck(c *check.C) func() {
	tmpdir := c.MkDir()
	stdout, stderr := os.Stdout, os.Stderr
	leaks := map[string]*os.File{}
	for _, name := range []string{"stdout", "stderr"} {
		f, err := os.CreateTemp(tmpdir, name)
		c.Assert(err, check.IsNil)
		leaks[name] = f
	}
	os.Stdout, os.Stderr = leaks["stdout"], leaks["stderr"]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for name, f := range leaks {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", name))
			f.Close()
		}
	}
}
