// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/ghodss/yaml"
)

// Load reads a site config from rdr, on top of the defaults in
// DefaultYAML, and checks the result.
func Load(rdr io.Reader) (*Config, error) {
	buf, err := ioutil.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %s", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	err = cfg.Check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads the config file at path. If path is "-", the config
// is read from stdin.
func LoadFile(path string, stdin io.Reader) (*Config, error) {
	buf, err := readSource(path, stdin)
	if err != nil {
		return nil, err
	}
	return loadNamed(path, buf)
}

func loadNamed(path string, buf []byte) (*Config, error) {
	cfg, err := Load(bytes.NewReader(buf))
	if err != nil && path != "-" {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, err
}

func readSource(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return ioutil.ReadAll(stdin)
	}
	return ioutil.ReadFile(path)
}

// UnknownKeys returns the dotted names of entries in the site config
// buf that do not correspond to any default config entry, like
// "Workers.Cuont".
func UnknownKeys(buf []byte) ([]string, error) {
	var supplied, expected map[string]interface{}
	if err := yaml.Unmarshal(buf, &supplied); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(DefaultYAML, &expected); err != nil {
		return nil, fmt.Errorf("loading defaults: %s", err)
	}
	var unknown []string
	collectExtraKeys(expected, supplied, "", &unknown)
	sort.Strings(unknown)
	return unknown, nil
}

func collectExtraKeys(expected, supplied map[string]interface{}, prefix string, unknown *[]string) {
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			*unknown = append(*unknown, prefix+k)
			continue
		}
		msupp, ok1 := vsupp.(map[string]interface{})
		mexp, ok2 := vexp.(map[string]interface{})
		if ok1 && ok2 {
			collectExtraKeys(mexp, msupp, prefix+k+".", unknown)
		}
	}
}

// Path returns the config file to use when the -config flag is
// empty: $EASYQ_CONFIG if set, otherwise DefaultConfigFile.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("EASYQ_CONFIG"); env != "" {
		return env
	}
	return DefaultConfigFile
}

// Check returns an error describing the first invalid entry in cfg.
func (cfg *Config) Check() error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("Database.Driver: unsupported driver %q", cfg.Database.Driver)
	}
	if cfg.Redis.Address == "" {
		return errors.New("Redis.Address: must not be empty")
	}
	if cfg.Queue.Name == "" {
		return errors.New("Queue.Name: must not be empty")
	}
	if cfg.Scheduler.Group == "" {
		return errors.New("Scheduler.Group: must not be empty")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return errors.New("Scheduler.PollInterval: must be greater than zero")
	}
	switch cfg.Docker.HostPolicy {
	case "round-robin", "random":
	default:
		return fmt.Errorf("Docker.HostPolicy: unsupported policy %q", cfg.Docker.HostPolicy)
	}
	for _, h := range cfg.Docker.Hosts {
		if err := checkHostPort(h); err != nil {
			return fmt.Errorf("Docker.Hosts: %s", err)
		}
	}
	if cfg.Workers.Count < 1 {
		return errors.New("Workers.Count: must be at least 1")
	}
	if cfg.Workers.MaxRetries < 0 {
		return errors.New("Workers.MaxRetries: must not be negative")
	}
	if cfg.Workers.RetryMaxDelay < cfg.Workers.RetryBaseDelay {
		return errors.New("Workers.RetryMaxDelay: must not be less than RetryBaseDelay")
	}
	return nil
}

func checkHostPort(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("%q: missing host", hostport)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("%q: port is not an integer", hostport)
	}
	return nil
}
