// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package metrics

import (
	"testing"
	"time"

	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&MetricsSuite{})

type MetricsSuite struct{}

func (s *MetricsSuite) TestRoute(c *check.C) {
	for in, out := range map[string]string{
		"/tasks/abc":                 "/tasks/{task_id}",
		"/tasks/abc/":                "/tasks/{task_id}",
		"/tasks/abc/jobs/j1":         "/tasks/{task_id}/jobs/{job_id}",
		"/tasks/abc/jobs/j1/stop":    "/tasks/{task_id}/jobs/{job_id}/stop",
		"/docker-executor/blacklist": "/docker-executor/blacklist",
		"/_health/ping":              "/_health/ping",
		"/":                          "other",
		"/wp-admin/setup.php":        "other",
		"/tasks":                     "other",
		"/tasks/abc/x/y":             "other",
		"/tasks/abc/jobs":            "other",
		"/tasks/abc/jobs/j1/restart": "other",
		"/tasks/abc/jobs/j1/stop/x":  "other",
	} {
		c.Check(Route(in), check.Equals, out, check.Commentf("%s", in))
	}
}

func (s *MetricsSuite) TestReportMetric(c *check.C) {
	reg := prometheus.NewRegistry()
	sink := New(reg)
	sink.ReportMetric(EventRequest, "/tasks/a", 200, int64(12))
	sink.ReportMetric(EventRequest, "/tasks/b", 200, int64(30))
	sink.ReportMetric(EventRequest, "/tasks/b", 400, int64(1))
	sink.ReportMetric(EventEnqueued, easyq.ScheduleCron)
	sink.ReportMetric(EventFinished, easyq.JobSucceeded, 3*time.Second)
	sink.ReportMetric(EventRetried)
	sink.ReportMetric(EventRetried)
	sink.ReportMetric(EventFinished, "bogus")
	sink.ReportMetric("custom")

	c.Check(testutil.ToFloat64(sink.requests.WithLabelValues("/tasks/{task_id}", "200")), check.Equals, 2.0)
	c.Check(testutil.ToFloat64(sink.requests.WithLabelValues("/tasks/{task_id}", "400")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(sink.enqueued.WithLabelValues("cron")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(sink.finished.WithLabelValues("succeeded")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(sink.retries), check.Equals, 2.0)
	c.Check(testutil.ToFloat64(sink.events.WithLabelValues(EventFinished)), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(sink.events.WithLabelValues("custom")), check.Equals, 1.0)
	c.Check(testutil.CollectAndCount(sink.requestDuration), check.Equals, 1)
}

func (s *MetricsSuite) TestJobDurationHistogram(c *check.C) {
	reg := prometheus.NewRegistry()
	sink := New(reg)
	sink.ReportMetric(EventFinished, easyq.JobSucceeded, 3*time.Second)
	sink.ReportMetric(EventFinished, easyq.JobFailed, 2*time.Minute)
	sink.ReportMetric(EventFinished, easyq.JobCancelled, time.Duration(0))

	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	var hist *dto.Histogram
	for _, mf := range mfs {
		if mf.GetName() == "easyq_jobs_duration_seconds" {
			c.Check(mf.GetType(), check.Equals, dto.MetricType_HISTOGRAM)
			c.Assert(mf.GetMetric(), check.HasLen, 1)
			hist = mf.GetMetric()[0].GetHistogram()
		}
	}
	c.Assert(hist, check.NotNil)
	c.Check(hist.GetSampleCount(), check.Equals, uint64(3))
	c.Check(hist.GetSampleSum(), check.Equals, 123.0)
	for _, b := range hist.GetBucket() {
		switch b.GetUpperBound() {
		case 1:
			c.Check(b.GetCumulativeCount(), check.Equals, uint64(1))
		case 5:
			c.Check(b.GetCumulativeCount(), check.Equals, uint64(2))
		case 300:
			c.Check(b.GetCumulativeCount(), check.Equals, uint64(3))
		}
	}
}

func (s *MetricsSuite) TestNilSink(c *check.C) {
	var sink *Sink
	sink.ReportMetric(EventRetried)
}
