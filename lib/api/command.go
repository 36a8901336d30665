// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package api

import (
	"context"
	"net/http"

	"github.com/heynemann/easyq/lib/appctx"
	"github.com/heynemann/easyq/lib/cmd"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/enqueue"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/lib/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the HTTP API service.
var Command cmd.Handler = service.Command(service.ServiceAPI, newHandler)

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, sink *metrics.Sink) service.Handler {
	app, err := appctx.Open(ctx, cfg)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	resolver := &enqueue.Resolver{
		Store:       app.Store,
		Queue:       app.Queue,
		Scheduler:   app.Scheduler,
		StopSignals: app.StopSignals,
		Reporter:    sink,
	}
	return &handler{
		Handler: NewRouter(resolver, app.Store, app.Blacklist, cfg.API.MaxRequestBodySize),
		app:     app,
	}
}

type handler struct {
	http.Handler
	app *appctx.App
}

func (h *handler) CheckHealth() error    { return h.app.CheckHealth() }
func (h *handler) Done() <-chan struct{} { return nil }
func (h *handler) Close() error          { return h.app.Close() }
