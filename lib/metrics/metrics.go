// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package metrics turns easyq events into prometheus metrics.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/prometheus/client_golang/prometheus"
)

// Event names accepted by ReportMetric, with their arguments.
const (
	// path string, status int, milliseconds int64
	EventRequest = "report_request"
	// kind easyq.ScheduleKind
	EventEnqueued = "job_enqueued"
	// status easyq.JobStatus, duration time.Duration
	EventFinished = "job_finished"
	// no arguments
	EventRetried = "job_retried"
)

// Sink records events reported by the API and workers. A nil *Sink
// discards everything.
type Sink struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	enqueued        *prometheus.CounterVec
	finished        *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	retries         prometheus.Counter
	events          *prometheus.CounterVec
}

// New returns a Sink whose metrics are registered with reg.
func New(reg *prometheus.Registry) *Sink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Sink{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "easyq",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Number of HTTP requests handled, by route and response status.",
		}, []string{"path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "easyq",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling HTTP requests, by route.",
		}, []string{"path"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "easyq",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Number of jobs accepted, by schedule kind.",
		}, []string{"schedule"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "easyq",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Number of jobs that reached a final status, by status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "easyq",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Container run time of finished jobs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "easyq",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Number of job attempts rescheduled after a transient error.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "easyq",
			Name:      "events_total",
			Help:      "Number of other reported events, by name.",
		}, []string{"event"}),
	}
	reg.MustRegister(s.requests, s.requestDuration, s.enqueued, s.finished, s.jobDuration, s.retries, s.events)
	return s
}

// ReportMetric records an event. Events with unexpected arguments
// are counted as generic events rather than dropped.
func (s *Sink) ReportMetric(event string, args ...interface{}) {
	if s == nil {
		return
	}
	switch event {
	case EventRequest:
		if len(args) == 3 {
			path, ok1 := args[0].(string)
			status, ok2 := args[1].(int)
			ms, ok3 := args[2].(int64)
			if ok1 && ok2 && ok3 {
				route := Route(path)
				s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
				s.requestDuration.WithLabelValues(route).Observe(float64(ms) / 1000)
				return
			}
		}
	case EventEnqueued:
		if len(args) == 1 {
			if kind, ok := args[0].(easyq.ScheduleKind); ok {
				s.enqueued.WithLabelValues(string(kind)).Inc()
				return
			}
		}
	case EventFinished:
		if len(args) == 2 {
			status, ok1 := args[0].(easyq.JobStatus)
			dur, ok2 := args[1].(time.Duration)
			if ok1 && ok2 {
				s.finished.WithLabelValues(string(status)).Inc()
				s.jobDuration.Observe(dur.Seconds())
				return
			}
		}
	case EventRetried:
		s.retries.Inc()
		return
	}
	s.events.WithLabelValues(event).Inc()
}

var fixedRoutes = map[string]bool{
	"/docker-executor/blacklist": true,
	"/_health/ping":              true,
	"/metrics":                   true,
}

// Route returns the route template matching path, so task and job
// IDs don't each get their own time series. Paths that match no
// API route are reported as "other".
func Route(path string) string {
	if fixedRoutes[path] {
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case parts[0] != "tasks" || len(parts) < 2 || parts[1] == "":
		return "other"
	case len(parts) == 2:
		return "/tasks/{task_id}"
	case parts[2] != "jobs" || len(parts) < 4 || parts[3] == "":
		return "other"
	case len(parts) == 4:
		return "/tasks/{task_id}/jobs/{job_id}"
	case len(parts) == 5 && parts[4] == "stop":
		return "/tasks/{task_id}/jobs/{job_id}/stop"
	default:
		return "other"
	}
}
