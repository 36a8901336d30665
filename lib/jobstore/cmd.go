// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/heynemann/easyq/lib/cmd"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/sdk/go/easyq"
)

// StuckJobsCommand lists jobs that were created but never handed to
// the work queue or scheduler, e.g., because redis was down when they
// were submitted. With -cancel, it also marks them cancelled.
var StuckJobsCommand stuckJobsCommand

type stuckJobsCommand struct{}

func (stuckJobsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", "", "Site configuration `file` (default $EASYQ_CONFIG or "+config.DefaultConfigFile+"; \"-\" means stdin)")
	olderThan := flags.Duration("older-than", 10*time.Minute, "only report jobs created at least this long ago")
	cancel := flags.Bool("cancel", false, "mark the reported jobs cancelled")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := config.LoadFile(config.Path(*configFile), stdin)
	if err != nil {
		return 1
	}
	ctx := context.Background()
	store, err := Open(ctx, cfg.Database.Driver, cfg.Database.Connection, cfg.Database.MaxOpenConns)
	if err != nil {
		return 1
	}
	defer store.Close()

	now := store.Now()
	jobs, err := store.StuckJobs(ctx, now.Add(-*olderThan))
	if err != nil {
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTASK\tIMAGE\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", job.JobID, job.TaskID, job.Image, humanize.RelTime(job.CreatedAt, now, "ago", "from now"))
	}
	tw.Flush()
	if !*cancel {
		return 0
	}
	for _, job := range jobs {
		_, err = store.UpdateJob(ctx, job.JobID, easyq.StatusPatch(easyq.JobCancelled, map[string]interface{}{
			easyq.MetaError:      "cancelled by cleanup: never enqueued",
			easyq.MetaFinishedAt: now.UTC().Format(time.RFC3339Nano),
		}))
		if err != nil {
			err = fmt.Errorf("cancelling job %s: %w", job.JobID, err)
			return 1
		}
	}
	fmt.Fprintf(stderr, "cancelled %d jobs\n", len(jobs))
	return 0
}
