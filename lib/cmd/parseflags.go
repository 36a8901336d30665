// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, reporting problems on stderr.
//
// positional describes the accepted positional arguments for the
// usage line ("Usage: {prog} [options] {positional}"), or is empty
// if none are accepted.
//
// When ok is false the caller should return exitCode right away: 0
// after printing -help output, 2 after a usage error.
func ParseFlags(f *flag.FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
		f.SetOutput(stderr)
		f.PrintDefaults()
		return false, 0
	}
	if err == nil && positional == "" && f.NArg() > 0 {
		err = fmt.Errorf("unexpected arguments %q", f.Args())
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	}
	return true, 0
}
