// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the HTTP plumbing shared by the easyq
// services: a server that drains in-flight requests on shutdown,
// request IDs, request logging and error responses.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	// ShutdownTimeout is how long Close waits for in-flight
	// requests before dropping connections. Zero means 10s.
	ShutdownTimeout time.Duration

	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

// Start listens on Addr and serves in a background goroutine. When
// Start returns, Addr holds the address actually bound, so ":0" can
// be used in tests.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections, waits up to ShutdownTimeout for
// in-flight requests, and returns when the server has stopped. It is
// safe to call more than once.
func (srv *Server) Close() error {
	srv.closeOnce.Do(func() {
		timeout := srv.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.closeErr = err
			srv.Server.Close()
		}
	})
	if err := srv.Wait(); err != nil {
		return err
	}
	return srv.closeErr
}

// Wait returns when the server has shut down. The error is nil after
// a normal Close.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}

// HandlerWithDeadline cancels the request context if the request
// takes longer than the specified timeout. A zero timeout means no
// deadline.
func HandlerWithDeadline(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.TimeoutHandler(next, timeout, "request timed out\n")
}
