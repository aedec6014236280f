// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

var ErrNoConfig = errors.New("config is empty")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	// If SkipEnv is true, JOBEXEC_* environment variables are
	// ignored.
	SkipEnv bool

	Path string // "-" means read from Stdin

	// Getenv is used to read environment variables. If nil,
	// os.Getenv is used.
	Getenv func(string) string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	// Calling SetupFlags on a throwaway FlagSet has the side
	// effect of assigning default values to the configurable
	// fields.
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/jobexec/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", jobexec.DefaultConfigFile, "Configuration `file`")
	flagset.BoolVar(&ldr.SkipEnv, "skip-env", false, "Ignore JOBEXEC_* environment variables")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the config file at ldr.Path, applies it on top of the
// default configuration, applies environment variable overrides,
// and checks the result.
func (ldr *Loader) Load() (*jobexec.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

// LoadDefault returns the default configuration, without environment
// overrides.
func LoadDefault() (*jobexec.Config, error) {
	ldr := &Loader{SkipEnv: true}
	return ldr.load([]byte("{}"))
}

func (ldr *Loader) load(buf []byte) (*jobexec.Config, error) {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, ErrNoConfig
	}
	var cfg jobexec.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Load the config into a generic map first, so unknown keys
	// can be reported and explicit nulls don't wipe out default
	// values.
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, err
	}
	removeNullKeys(src)
	if ldr.Logger != nil {
		var dflt map[string]interface{}
		err = yaml.Unmarshal(DefaultYAML, &dflt)
		if err != nil {
			return nil, fmt.Errorf("loading defaults: %w", err)
		}
		ldr.logExtraKeys(dflt, src, "")
	}
	cleaned, err := yaml.Marshal(src)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(cleaned, &cfg)
	if err != nil {
		return nil, err
	}

	if !ldr.SkipEnv {
		ldr.applyEnv(&cfg)
	}
	err = checkConfig(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) getenv(key string) string {
	if ldr.Getenv != nil {
		return ldr.Getenv(key)
	}
	return os.Getenv(key)
}

// applyEnv consults the JOBEXEC_* environment variables. They are
// read here, once, and not consulted again while jobs run.
func (ldr *Loader) applyEnv(cfg *jobexec.Config) {
	if v := ldr.getenv("JOBEXEC_RM_BIN_PATH"); v != "" {
		cfg.ResourceManagerPath = v
	}
	if v := ldr.getenv("JOBEXEC_NOTIFY_EMAILS"); v != "" {
		var emails []string
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				emails = append(emails, addr)
			}
		}
		cfg.Notifications.Emails = emails
	}
	if v := ldr.getenv("JOBEXEC_DEFAULT_GATEWAY"); v != "" {
		cfg.Credentials.DefaultGatewayID = v
	}
	if v := ldr.getenv("JOBEXEC_DEFAULT_TOKEN"); v != "" {
		cfg.Credentials.DefaultTokenID = v
	}
}

func checkConfig(cfg *jobexec.Config) error {
	if cfg.ClusterPool.MaxSessionsPerKey < 1 {
		return fmt.Errorf("ClusterPool.MaxSessionsPerKey must be at least 1 (was %d)", cfg.ClusterPool.MaxSessionsPerKey)
	}
	if cfg.Monitor.PollInterval <= 0 {
		return fmt.Errorf("Monitor.PollInterval must be positive (was %s)", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.WaitTimeout < 0 {
		return fmt.Errorf("Monitor.WaitTimeout must not be negative (was %s)", cfg.Monitor.WaitTimeout)
	}
	if cfg.Credentials.CacheSize < 1 {
		return fmt.Errorf("Credentials.CacheSize must be at least 1 (was %d)", cfg.Credentials.CacheSize)
	}
	for jm := range cfg.JobManagers {
		switch jm {
		case jobexec.JobManagerPBS, jobexec.JobManagerSLURM, jobexec.JobManagerUGE, jobexec.JobManagerLSF:
		default:
			return fmt.Errorf("JobManagers: unknown job manager type %q", jm)
		}
	}
	switch cfg.SystemLogs.Format {
	case "json", "text":
	default:
		return fmt.Errorf("SystemLogs.Format must be \"json\" or \"text\" (was %q)", cfg.SystemLogs.Format)
	}
	if _, err := logrus.ParseLevel(cfg.SystemLogs.LogLevel); err != nil {
		return fmt.Errorf("SystemLogs.LogLevel: %w", err)
	}
	return nil
}

func removeNullKeys(m map[string]interface{}) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
		if v, _ := v.(map[string]interface{}); v != nil {
			removeNullKeys(v)
		}
	}
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if len(expected) == 0 {
		// Free-form section (e.g., JobManagers or
		// DriverParameters).
		return
	}
	allowed := map[string]interface{}{}
	for k, v := range expected {
		allowed[strings.ToLower(k)] = v
	}
	for k, vsupp := range supplied {
		vexp, ok := allowed[strings.ToLower(k)]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}
