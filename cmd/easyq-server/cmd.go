// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/heynemann/easyq/lib/api"
	"github.com/heynemann/easyq/lib/cmd"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/jobstore"
	"github.com/heynemann/easyq/lib/worker"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"api":             api.Command,
		"worker":          worker.Command,
		"stuck-jobs":      jobstore.StuckJobsCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
