// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(""))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Services.API.Listen, check.Equals, ":8080")
	c.Check(cfg.Database.Driver, check.Equals, "postgres")
	c.Check(cfg.Queue.Name, check.Equals, "jobs")
	c.Check(cfg.Scheduler.PollInterval.Duration(), check.Equals, time.Second)
	c.Check(cfg.Docker.HostPolicy, check.Equals, "round-robin")
	c.Check(cfg.Docker.Hosts, check.HasLen, 0)
	c.Check(cfg.Workers.MaxRetries, check.Equals, 3)
	c.Check(cfg.Workers.RetryMaxDelay.Duration(), check.Equals, time.Minute)
	c.Check(cfg.Workers.DefaultTimeout.Duration(), check.Equals, time.Duration(0))
}

func (s *LoadSuite) TestOverride(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(`
Database:
  Driver: sqlite
  Connection: /tmp/easyq.db
Docker:
  Hosts: ["docker1:2375", "docker2:2375"]
  HostPolicy: random
Workers:
  Count: 8
  RetryBaseDelay: 2s
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Database.Driver, check.Equals, "sqlite")
	c.Check(cfg.Database.MaxOpenConns, check.Equals, 16)
	c.Check(cfg.Docker.Hosts, check.DeepEquals, []string{"docker1:2375", "docker2:2375"})
	c.Check(cfg.Docker.HostPolicy, check.Equals, "random")
	c.Check(cfg.Docker.StopTimeout.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.Workers.Count, check.Equals, 8)
	c.Check(cfg.Workers.RetryBaseDelay.Duration(), check.Equals, 2*time.Second)
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		yaml string
		msg  string
	}{
		{"Database: {Driver: mysql}", `Database.Driver: .*`},
		{"Docker: {HostPolicy: fastest}", `Docker.HostPolicy: .*`},
		{"Docker: {Hosts: [docker1]}", `Docker.Hosts: .*`},
		{"Docker: {Hosts: [\"docker1:abc\"]}", `Docker.Hosts: .*port is not an integer`},
		{"Workers: {Count: 0}", `Workers.Count: .*`},
		{"Workers: {RetryBaseDelay: 2m}", `Workers.RetryMaxDelay: .*`},
		{"Scheduler: {PollInterval: 1}", `.*duration must be given as a string.*`},
	} {
		c.Logf("trial: %s", trial.yaml)
		_, err := Load(bytes.NewBufferString(trial.yaml))
		c.Check(err, check.ErrorMatches, trial.msg)
	}
}

func (s *LoadSuite) TestPath(c *check.C) {
	defer os.Setenv("EASYQ_CONFIG", os.Getenv("EASYQ_CONFIG"))
	os.Setenv("EASYQ_CONFIG", "")
	c.Check(Path(""), check.Equals, DefaultConfigFile)
	c.Check(Path("/x.yml"), check.Equals, "/x.yml")
	os.Setenv("EASYQ_CONFIG", "/env.yml")
	c.Check(Path(""), check.Equals, "/env.yml")
	c.Check(Path("/x.yml"), check.Equals, "/x.yml")
}

func (s *LoadSuite) TestDumpCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("easyq-server config-dump", []string{"-config", "-"}, bytes.NewBufferString("Workers: {Count: 2}"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var cfg Config
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &cfg), check.IsNil)
	c.Check(cfg.Workers.Count, check.Equals, 2)
	c.Check(cfg.Queue.Name, check.Equals, "jobs")
}

func (s *LoadSuite) TestCheckCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("easyq-server config-check", []string{"-config", "-"}, bytes.NewBufferString("Workers: {Count: -1}"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `Workers.Count: .*\n`)
}

func (s *LoadSuite) TestUnknownKeys(c *check.C) {
	unknown, err := UnknownKeys([]byte(`
Workers:
  Cuont: 2
  Count: 3
Docker:
  Hosts: ["a:1"]
Bogus: {X: 1}
`))
	c.Assert(err, check.IsNil)
	c.Check(unknown, check.DeepEquals, []string{"Bogus", "Workers.Cuont"})

	unknown, err = UnknownKeys([]byte("Workers: {Count: 3}"))
	c.Check(err, check.IsNil)
	c.Check(unknown, check.HasLen, 0)
}

func (s *LoadSuite) TestCheckCommandStrict(c *check.C) {
	for _, trial := range []struct {
		args []string
		code int
	}{
		{[]string{"-config", "-"}, 0},
		{[]string{"-config", "-", "-strict"}, 1},
	} {
		var stdout, stderr bytes.Buffer
		code := CheckCommand.RunCommand("easyq-server config-check", trial.args, bytes.NewBufferString("Queue: {Nmae: x}"), &stdout, &stderr)
		c.Check(code, check.Equals, trial.code)
		c.Check(stderr.String(), check.Equals, "unrecognized config entry: Queue.Nmae\n")
	}
}

func (s *LoadSuite) TestCheckCommandMissingFile(c *check.C) {
	var stderr bytes.Buffer
	code := CheckCommand.RunCommand("easyq-server config-check", []string{"-config", filepath.Join(c.MkDir(), "nope.yml")}, nil, ioutil.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*no such file or directory\n`)
}

func (s *LoadSuite) TestDumpDefaultsCommand(c *check.C) {
	var stdout bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("easyq-server config-defaults", nil, nil, &stdout, ioutil.Discard)
	c.Check(code, check.Equals, 0)
	c.Check(strings.Contains(stdout.String(), "HostPolicy: round-robin"), check.Equals, true)
}

func (s *LoadSuite) TestWatch(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "config.yml")
	c.Assert(ioutil.WriteFile(path, []byte("Docker: {Hosts: [\"a:1\"]}"), 0644), check.IsNil)

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	defer cancel()
	reloaded := make(chan *Config, 4)
	c.Assert(Watch(ctx, path, func(cfg *Config) { reloaded <- cfg }), check.IsNil)

	// An invalid file is ignored.
	c.Assert(ioutil.WriteFile(path, []byte("Docker: {Hosts: [\"a\"]}"), 0644), check.IsNil)
	select {
	case cfg := <-reloaded:
		c.Fatalf("unexpected reload: %+v", cfg.Docker)
	case <-time.After(500 * time.Millisecond):
	}

	c.Assert(ioutil.WriteFile(path, []byte("Docker: {Hosts: [\"a:1\", \"b:2\"]}"), 0644), check.IsNil)
	select {
	case cfg := <-reloaded:
		c.Check(cfg.Docker.Hosts, check.DeepEquals, []string{"a:1", "b:2"})
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for reload")
	}
}
