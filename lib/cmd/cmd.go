// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmd helps define reusable functions that can be exposed as
// [subcommands of] command line programs.
package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
)

type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Set at build time with -ldflags "-X ...cmd.version=1.2.3".
var version = "dev"

// Version is a Handler that prints the package version (set at build
// time using -ldflags) and Go runtime version to stdout, and returns
// 0.
var Version versionCommand

type versionCommand struct{}

func (versionCommand) String() string {
	return fmt.Sprintf("%s (%s)", version, runtime.Version())
}

func (versionCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = regexp.MustCompile(` -*version$`).ReplaceAllLiteralString(prog, "")
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
}

// Multi is a Handler that looks up its first argument in a map (after
// stripping any "--" or "-" prefix), and invokes the resulting
// Handler with the remaining args.
//
// Example:
//
//	os.Exit(Multi(map[string]Handler{
//	        "foobar": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
//	                fmt.Println(args[0])
//	                return 2
//	        }),
//	})("/usr/bin/multi", []string{"foobar", "baz"}, os.Stdin, os.Stdout, os.Stderr))
//
// ...prints "baz" and exits 2.
type Multi map[string]Handler

func (m Multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, basename := filepath.Split(prog)
	cmd, ok := m[basename]
	if !ok {
		// "cloudpool-server" => "server"
		cmd, ok = m[strings.TrimPrefix(basename, "cloudpool-")]
	}
	if ok {
		return cmd.RunCommand(prog, args, stdin, stdout, stderr)
	} else if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
		m.Usage(stderr)
		return 2
	} else if cmd, ok = m[args[0]]; ok {
		return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
	} else if cmd, ok = m[strings.TrimLeft(args[0], "-")]; ok {
		return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
	} else {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		m.Usage(stderr)
		return 2
	}
}

func (m Multi) Usage(stderr io.Writer) {
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	m.listSubcommands(stderr, "")
}

func (m Multi) listSubcommands(out io.Writer, prefix string) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Some subcommands have alternate versions
			// like "--version" for compatibility. Don't
			// clutter the subcommand summary with those.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	for _, sc := range subcommands {
		switch cmd := m[sc].(type) {
		case Multi:
			cmd.listSubcommands(out, prefix+sc+" ")
		default:
			fmt.Fprintf(out, "    %s%s\n", prefix, sc)
		}
	}
}
