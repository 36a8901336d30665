// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/heynemann/easyq/sdk/go/easyq"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StuckJobsSuite{})

type StuckJobsSuite struct{}

func (*StuckJobsSuite) TestStuckJobs(c *check.C) {
	ctx := context.Background()
	dir := c.MkDir()
	dbfile := filepath.Join(dir, "easyq.db")
	cfgfile := filepath.Join(dir, "config.yml")
	c.Assert(os.WriteFile(cfgfile, []byte(fmt.Sprintf("Database: {Driver: sqlite, Connection: %q}\n", dbfile)), 0600), check.IsNil)

	store, err := Open(ctx, "sqlite", dbfile, 0)
	c.Assert(err, check.IsNil)
	store.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err = store.UpsertTask(ctx, "t1")
	c.Assert(err, check.IsNil)
	stuck, err := store.CreateJob(ctx, "t1", "ubuntu", "ls", nil)
	c.Assert(err, check.IsNil)
	queued, err := store.CreateJob(ctx, "t1", "ubuntu", "ls", map[string]interface{}{easyq.MetaEnqueuedID: "abc"})
	c.Assert(err, check.IsNil)
	store.Now = time.Now
	recent, err := store.CreateJob(ctx, "t1", "ubuntu", "ls", nil)
	c.Assert(err, check.IsNil)
	store.Close()

	var stdout, stderr bytes.Buffer
	code := StuckJobsCommand.RunCommand("stuck-jobs", []string{"-config", cfgfile, "-older-than", "10m"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `(?ms)JOB +TASK +IMAGE +CREATED\n`+stuck.JobID+` +t1 +ubuntu +1 hour ago\n`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*`+queued.JobID+`.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*`+recent.JobID+`.*`)

	stdout.Reset()
	code = StuckJobsCommand.RunCommand("stuck-jobs", []string{"-config", cfgfile, "-cancel"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*cancelled 1 jobs\n`)

	store, err = Open(ctx, "sqlite", dbfile, 0)
	c.Assert(err, check.IsNil)
	defer store.Close()
	job, err := store.GetJob(ctx, stuck.JobID)
	c.Assert(err, check.IsNil)
	c.Check(job.Status, check.Equals, easyq.JobCancelled)
	job, err = store.GetJob(ctx, recent.JobID)
	c.Assert(err, check.IsNil)
	c.Check(job.Status, check.Equals, easyq.JobPending)
}

func (*StuckJobsSuite) TestBadFlags(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := StuckJobsCommand.RunCommand("stuck-jobs", []string{"-older-than", "yesterday"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	code = StuckJobsCommand.RunCommand("stuck-jobs", []string{"-config", "/nonexistent/config.yml"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no such file or directory.*`)
}
