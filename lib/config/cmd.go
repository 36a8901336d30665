// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/heynemann/easyq/lib/cmd"
)

// DumpCommand prints the effective configuration: the site config
// file merged over the defaults.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", "", "Site configuration `file` (default $EASYQ_CONFIG or "+DefaultConfigFile+"; \"-\" means stdin)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := LoadFile(Path(*configFile), stdin)
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

// CheckCommand loads the site config file and reports whether it
// is valid. Entries that easyq does not recognize (usually typos)
// are listed as warnings, or treated as errors with -strict.
var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", "", "Site configuration `file` (default $EASYQ_CONFIG or "+DefaultConfigFile+"; \"-\" means stdin)")
	strict := flags.Bool("strict", false, "Exit 1 if the config file has unrecognized entries")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	path := Path(*configFile)
	buf, err := readSource(path, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	if _, err := loadNamed(path, buf); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	unknown, err := UnknownKeys(buf)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	for _, k := range unknown {
		fmt.Fprintf(stderr, "unrecognized config entry: %s\n", k)
	}
	if *strict && len(unknown) > 0 {
		return 1
	}
	return 0
}

// DumpDefaultsCommand prints the default configuration.
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
