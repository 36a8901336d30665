// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"net/http"

	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/httpserver"
)

// ErrorHandler returns a Handler for a service that could not start,
// e.g., because its backends could not be opened. It reports itself
// as unhealthy, answers every request with 503, and is already Done,
// so Command exits after logging err.
func ErrorHandler(ctx context.Context, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("unhealthy service")
	return errorHandler{err}
}

type errorHandler struct {
	err error
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(r.Context()).WithError(eh.err).Error("unhealthy service")
	httpserver.Error(w, "service unavailable", http.StatusServiceUnavailable)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

func (eh errorHandler) Done() <-chan struct{} {
	return doneChannel
}

var doneChannel = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
