// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the scheduler's YAML configuration file,
// layering it over built-in defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is used when no -config flag is given.
const DefaultConfigFile = "/etc/cloudscheduler/config.yml"

//go:embed config.default.yml
var DefaultYAML []byte

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file to read; "-" means Stdin.
	Path string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/cloudscheduler/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a CLOUDSCHEDULER_CONFIG environment variable)")
	if path := os.Getenv("CLOUDSCHEDULER_CONFIG"); path != "" {
		ldr.Path = path
	}
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	return os.ReadFile(path)
}

// Load reads the config file named by ldr.Path and returns the
// resulting configuration, with defaults filled in.
func (ldr *Loader) Load() (*csched.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.LoadBytes(buf)
}

// LoadBytes is like Load, but parses buf instead of reading a file.
//
// Unknown keys are logged as warnings. Cluster entries are not
// validated here; the pool reports and skips invalid ones when it is
// built.
func (ldr *Loader) LoadBytes(buf []byte) (*csched.Config, error) {
	var cfg csched.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, errors.New("config file is empty")
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	if ldr.Logger != nil {
		ldr.logExtraKeys(buf)
	}
	for i := range cfg.Clusters {
		if err := mergo.Merge(&cfg.Clusters[i], cfg.ClusterDefaults); err != nil {
			return nil, fmt.Errorf("applying ClusterDefaults to Clusters[%d]: %w", i, err)
		}
	}
	if err := checkScheduler(cfg.Scheduler); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkScheduler(sc csched.SchedulerConfig) error {
	switch {
	case sc.PollInterval <= 0:
		return fmt.Errorf("Scheduler.PollInterval must be positive (got %s)", sc.PollInterval)
	case sc.SnapshotInterval < 0:
		return fmt.Errorf("Scheduler.SnapshotInterval must not be negative (got %s)", sc.SnapshotInterval)
	case sc.MaxPollsPerSecond < 0:
		return fmt.Errorf("Scheduler.MaxPollsPerSecond must not be negative (got %d)", sc.MaxPollsPerSecond)
	case sc.MaxAllocateAttempts < 1:
		return fmt.Errorf("Scheduler.MaxAllocateAttempts must be at least 1 (got %d)", sc.MaxAllocateAttempts)
	}
	return nil
}

// logExtraKeys warns about keys in the supplied config that don't
// appear in the default config, e.g., typos.
func (ldr *Loader) logExtraKeys(buf []byte) {
	var expected, supplied map[string]interface{}
	if err := yaml.Unmarshal(DefaultYAML, &expected); err != nil {
		return
	}
	if err := yaml.Unmarshal(buf, &supplied); err != nil {
		return
	}
	var clusterKeys map[string]interface{}
	if cd, ok := expected["ClusterDefaults"].(map[string]interface{}); ok {
		clusterKeys = clusterEntryKeys(cd)
	}
	expected["ClusterDefaults"] = clusterKeys
	for _, key := range extraKeys(expected, supplied, "") {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", key)
	}
	if list, ok := supplied["Clusters"].([]interface{}); ok {
		for i, entry := range list {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			for _, key := range extraKeys(clusterKeys, m, fmt.Sprintf("Clusters[%d].", i)) {
				ldr.Logger.Warnf("deprecated or unknown config entry: %s", key)
			}
		}
	}
}

// clusterEntryKeys returns a map with every key a cluster entry may
// have. DriverParameters is opaque, so it maps to nil.
func clusterEntryKeys(defaults map[string]interface{}) map[string]interface{} {
	keys := map[string]interface{}{}
	for _, k := range []string{"Name", "CloudType", "Host", "Memory", "CPUArchs", "Networks", "VMSlots", "CPUCores", "Storage"} {
		keys[k] = ""
	}
	for k := range defaults {
		keys[k] = ""
	}
	keys["DriverParameters"] = nil
	return keys
}

func extraKeys(expected, supplied map[string]interface{}, prefix string) []string {
	var extra []string
	for k, v := range supplied {
		ev, ok := expected[k]
		if !ok {
			extra = append(extra, prefix+k)
			continue
		}
		em, ok1 := ev.(map[string]interface{})
		sm, ok2 := v.(map[string]interface{})
		if ok1 && ok2 && !strings.HasSuffix(k, "DriverParameters") {
			extra = append(extra, extraKeys(em, sm, prefix+k+".")...)
		}
	}
	sort.Strings(extra)
	return extra
}
