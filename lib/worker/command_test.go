// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (*CommandSuite) TestNewHandler(c *check.C) {
	mr, err := miniredis.Run()
	c.Assert(err, check.IsNil)
	defer mr.Close()
	cfg, err := config.Load(bytes.NewBufferString(fmt.Sprintf(`
Database: {Driver: sqlite, Connection: %q}
Redis: {Address: %q}
Queue: {ClaimTimeout: 1s}
Scheduler: {PollInterval: 100ms}
Workers: {Count: 1}
`, filepath.Join(c.MkDir(), "easyq.db"), mr.Addr())))
	c.Assert(err, check.IsNil)

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	defer cancel()
	reg := prometheus.NewRegistry()
	h := newHandler(ctx, cfg, reg, metrics.New(reg))
	c.Assert(h.CheckHealth(), check.IsNil)
	wh, ok := h.(*handler)
	c.Assert(ok, check.Equals, true)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/tasks/foo", nil))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)

	// A job scheduled in the past is promoted by the scheduler
	// loop and claimed by the pool. With no docker hosts
	// configured, it is retried later.
	_, err = wh.app.Store.UpsertTask(ctx, "t1")
	c.Assert(err, check.IsNil)
	job, err := wh.app.Store.CreateJob(ctx, "t1", "ubuntu", "ls", nil)
	c.Assert(err, check.IsNil)
	_, err = wh.app.Scheduler.ScheduleAt(ctx, time.Now().Add(-time.Minute), job.Ref(), 0)
	c.Assert(err, check.IsNil)
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(50 * time.Millisecond) {
		job, err = wh.app.Store.GetJob(ctx, job.JobID)
		c.Assert(err, check.IsNil)
		if job.Status == easyq.JobRetrying || time.Now().After(deadline) {
			break
		}
	}
	c.Check(job.Status, check.Equals, easyq.JobRetrying)
	c.Check(job.Metadata[easyq.MetaError], check.Matches, `no healthy host available.*`)

	closer, ok := h.(io.Closer)
	c.Assert(ok, check.Equals, true)
	c.Check(closer.Close(), check.IsNil)
}

func (*CommandSuite) TestNewHandlerBadBackend(c *check.C) {
	cfg, err := config.Load(bytes.NewBufferString(fmt.Sprintf(`
Database: {Driver: sqlite, Connection: %q}
`, filepath.Join(c.MkDir(), "nonexistent", "easyq.db"))))
	c.Assert(err, check.IsNil)
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	h := newHandler(ctx, cfg, prometheus.NewRegistry(), nil)
	c.Check(h.CheckHealth(), check.NotNil)
	select {
	case <-h.Done():
	default:
		c.Error("error handler should be done")
	}
}
