// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
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
`, filepath.Join(c.MkDir(), "easyq.db"), mr.Addr())))
	c.Assert(err, check.IsNil)

	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	reg := prometheus.NewRegistry()
	h := newHandler(ctx, cfg, reg, metrics.New(reg))
	c.Assert(h.CheckHealth(), check.IsNil)
	defer h.(io.Closer).Close()

	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest("POST", "/tasks/t1", strings.NewReader(`{"image":"ubuntu","command":"ls","startIn":"1h"}`)).WithContext(ctx))
		c.Check(resp.Code, check.Equals, http.StatusOK)
	}
	expect := `
# HELP easyq_jobs_enqueued_total Number of jobs accepted, by schedule kind.
# TYPE easyq_jobs_enqueued_total counter
easyq_jobs_enqueued_total{schedule="after"} 2
`
	c.Check(testutil.GatherAndCompare(reg, strings.NewReader(expect), "easyq_jobs_enqueued_total"), check.IsNil)
	c.Check(mr.Exists("easyq:schedule:jobs:due"), check.Equals, true)
}
