// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"net/http"
	"os"

	"github.com/heynemann/easyq/lib/appctx"
	"github.com/heynemann/easyq/lib/cmd"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/dockerexec"
	"github.com/heynemann/easyq/lib/hostselect"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/lib/service"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs a worker process: the worker pool, and the scheduler
// loop that moves due jobs onto the work queue. Its http server only
// serves health checks and metrics.
var Command cmd.Handler = service.Command(service.ServiceWorker, newHandler)

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, sink *metrics.Sink) service.Handler {
	logger := ctxlog.FromContext(ctx)
	app, err := appctx.Open(ctx, cfg)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	h := &handler{Handler: http.NotFoundHandler(), app: app, schedDone: make(chan struct{})}
	ctx, h.cancel = context.WithCancel(ctx)
	fail := func(err error) service.Handler {
		h.cancel()
		if h.executor != nil {
			h.executor.Close()
		}
		app.Close()
		return service.ErrorHandler(ctx, err)
	}
	h.executor, err = dockerexec.New(cfg.Docker)
	if err != nil {
		return fail(err)
	}
	selector, err := hostselect.New(app.Blacklist, cfg.Docker.HostPolicy)
	if err != nil {
		return fail(err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return fail(err)
	}
	h.pool = &Pool{
		Store:        app.Store,
		Queue:        app.Queue,
		Scheduler:    app.Scheduler,
		Selector:     selector,
		Executor:     h.executor,
		StopSignals:  app.StopSignals,
		Reporter:     sink,
		Logger:       logger,
		Registry:     reg,
		Config:       cfg,
		ConsumerName: hostname,
	}
	if err := h.pool.Start(ctx); err != nil {
		return fail(err)
	}
	go func() {
		defer close(h.schedDone)
		app.Scheduler.Run(ctx)
	}()
	if path, ok := service.ConfigPathFromContext(ctx); ok && path != "-" {
		err := config.Watch(ctx, path, func(newcfg *config.Config) {
			h.pool.SetHosts(newcfg.Docker.Hosts)
			logger.WithField("Hosts", newcfg.Docker.Hosts).Info("docker host list updated")
		})
		if err != nil {
			logger.WithError(err).Warn("not watching config file, docker host changes need a restart")
		}
	}
	return h
}

type handler struct {
	http.Handler
	app       *appctx.App
	executor  *dockerexec.Executor
	pool      *Pool
	cancel    context.CancelFunc
	schedDone chan struct{}
}

func (h *handler) CheckHealth() error    { return h.app.CheckHealth() }
func (h *handler) Done() <-chan struct{} { return nil }

// Close stops the scheduler loop, waits for running jobs to finish,
// then releases the docker clients and backend connections.
func (h *handler) Close() error {
	h.cancel()
	h.pool.Stop()
	<-h.schedDone
	h.executor.Close()
	return h.app.Close()
}
