// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/heynemann/easyq/lib/cmd"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/health"
	"github.com/heynemann/easyq/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service names accepted by Command.
const (
	ServiceAPI    = "api"
	ServiceWorker = "worker"
)

// Handler is the service-specific part of a running service. If it
// also implements io.Closer, it is closed after the http server
// stops.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *config.Config, registry *prometheus.Registry, reporter *metrics.Sink) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the site config, calls
// newHandler with it, and brings up an http server with the
// returned handler.
//
// The handler is wrapped with server middleware (adding
// X-Request-Id headers, logging requests/responses, serving health
// checks and metrics, etc).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "Site configuration `file` (default $EASYQ_CONFIG or "+config.DefaultConfigFile+"; \"-\" means stdin)")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfgPath := config.Path(*configFile)
	cfg, err := config.LoadFile(cfgPath, stdin)
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	logOut := stderr
	if cfg.SystemLogs.File != "" {
		logOut = ctxlog.Output(cfg.SystemLogs.File, cfg.SystemLogs.MaxSizeMB, cfg.SystemLogs.MaxBackups)
	}
	log = ctxlog.New(logOut, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, stop := signal.NotifyContext(c.ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = ctxlog.Context(ctx, logger)
	ctx = context.WithValue(ctx, contextKeyConfigPath{}, cfgPath)

	listen, err := getListenAddr(cfg, c.svcName)
	if err != nil {
		return 1
	}

	reg := prometheus.NewRegistry()
	// easyq_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "easyq",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)
	sink := metrics.New(reg)

	handler := c.newHandler(ctx, cfg, reg, sink)
	if closer, ok := handler.(io.Closer); ok {
		defer closer.Close()
	}
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.HandlerWithDeadline(cfg.API.RequestTimeout.Duration(),
				httpserver.AddRequestIDs(
					httpserver.LogRequests(logger, sink,
						interceptHealthReqs(cfg.ManagementToken, health.Checks{c.svcName: handler.CheckHealth}, reg, handler)))),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	logger.Info("shutting down")
	return 0
}

func interceptHealthReqs(mgtToken string, checks health.Checks, reg *prometheus.Registry, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Checks: checks,
	})
	mux.Handler("GET", "/metrics", requireToken(mgtToken, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	mux.NotFound = next
	mux.HandleMethodNotAllowed = false
	return mux
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "authorization error", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getListenAddr(cfg *config.Config, svcName string) (string, error) {
	var svc config.Service
	switch svcName {
	case ServiceAPI:
		svc = cfg.Services.API
	case ServiceWorker:
		svc = cfg.Services.Worker
	default:
		return "", fmt.Errorf("unknown service name %q", svcName)
	}
	if want := os.Getenv("EASYQ_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	if svc.Listen == "" {
		return "", fmt.Errorf("configuration does not enable the %q service", svcName)
	}
	return svc.Listen, nil
}

type contextKeyConfigPath struct{}

// ConfigPathFromContext returns the path of the config file the
// service was started with. It is "-" if the config was read from
// stdin.
func ConfigPathFromContext(ctx context.Context) (string, bool) {
	path, ok := ctx.Value(contextKeyConfigPath{}).(string)
	return path, ok
}
