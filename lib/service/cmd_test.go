// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/health"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

func (*Suite) TestCommand(c *check.C) {
	stdin := bytes.NewBufferString(`
Services: {API: {Listen: "127.0.0.1:0"}}
Database: {Driver: sqlite, Connection: /nonexistent}
`)
	healthCheck := make(chan bool, 1)
	closed := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := Command(ServiceAPI, func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, sink *metrics.Sink) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(cfg.Database.Driver, check.Equals, "sqlite")
		c.Check(sink, check.NotNil)
		path, ok := ConfigPathFromContext(ctx)
		c.Check(ok, check.Equals, true)
		c.Check(path, check.Equals, "-")
		return &testHandler{ctx: ctx, healthCheck: healthCheck, closed: closed}
	})
	cmd.(*command).ctx = context.WithValue(ctx, contextKey, "bar")

	done := make(chan int)
	var stdout, stderr bytes.Buffer

	go func() {
		done <- cmd.RunCommand("easyq-server api", []string{"-config", "-"}, stdin, &stdout, &stderr)
	}()
	select {
	case <-healthCheck:
	case <-done:
		c.Fatal("command exited without health check")
	}
	cancel()
	select {
	case code := <-done:
		c.Check(code, check.Equals, 0)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for command to exit")
	}
	c.Check(closed, check.HasLen, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"CheckHealth called".*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"listening".*`)
}

func (*Suite) TestUnhealthyAtStartup(c *check.C) {
	stdin := bytes.NewBufferString(`Services: {Worker: {Listen: "127.0.0.1:0"}}`)
	cmd := Command(ServiceWorker, func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, sink *metrics.Sink) Handler {
		return ErrorHandler(ctx, errors.New("redis is on fire"))
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("easyq-server worker", []string{"-config", "-"}, stdin, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*redis is on fire.*`)
}

func (*Suite) TestBadConfig(c *check.C) {
	stdin := bytes.NewBufferString(`Workers: {Count: 0}`)
	cmd := Command(ServiceWorker, func(context.Context, *config.Config, *prometheus.Registry, *metrics.Sink) Handler {
		c.Error("newHandler should not be called")
		return nil
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("easyq-server worker", []string{"-config", "-"}, stdin, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*Workers.Count.*`)
}

func (*Suite) TestInterceptHealthReqs(c *check.C) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).ReportMetric(metrics.EventRetried)
	healthy := errors.New("not yet")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := interceptHealthReqs("secret", health.Checks{"api": func() error { return healthy }}, reg, next)

	for _, trial := range []struct {
		method string
		path   string
		token  string
		code   int
		body   string
	}{
		{"GET", "/_health/ping", "", http.StatusForbidden, ""},
		{"GET", "/_health/ping", "secret", http.StatusServiceUnavailable, `(?s).*"error":"api: not yet".*`},
		{"GET", "/metrics", "", http.StatusForbidden, ""},
		{"GET", "/metrics", "secret", http.StatusOK, `(?ms).*easyq_jobs_retries_total 1.*`},
		{"POST", "/tasks/foo", "", http.StatusTeapot, ""},
		{"POST", "/metrics", "", http.StatusTeapot, ""},
	} {
		req := httptest.NewRequest(trial.method, trial.path, nil)
		if trial.token != "" {
			req.Header.Set("Authorization", "Bearer "+trial.token)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		comment := check.Commentf("%s %s", trial.method, trial.path)
		c.Check(resp.Code, check.Equals, trial.code, comment)
		if trial.body != "" {
			c.Check(resp.Body.String(), check.Matches, trial.body, comment)
		}
	}

	healthy = nil
	req := httptest.NewRequest("GET", "/_health/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK","checks":{"api":"OK"}}`+"\n")
}

func (*Suite) TestGetListenAddr(c *check.C) {
	cfg, err := config.Load(bytes.NewBufferString(`{}`))
	c.Assert(err, check.IsNil)
	addr, err := getListenAddr(cfg, ServiceAPI)
	c.Check(err, check.IsNil)
	c.Check(addr, check.Equals, ":8080")
	addr, err = getListenAddr(cfg, ServiceWorker)
	c.Check(err, check.IsNil)
	c.Check(addr, check.Equals, ":8081")
	_, err = getListenAddr(cfg, "bogus")
	c.Check(err, check.ErrorMatches, `unknown service name "bogus"`)
	cfg.Services.API.Listen = ""
	_, err = getListenAddr(cfg, ServiceAPI)
	c.Check(err, check.ErrorMatches, `configuration does not enable the "api" service`)
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
	closed      chan bool
}

func (th *testHandler) Done() <-chan struct{}                            { return nil }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { th.handler.ServeHTTP(w, r) }
func (th *testHandler) Close() error {
	th.closed <- true
	return nil
}
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
