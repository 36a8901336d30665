// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// A MetricReporter receives one "report_request" event per request,
// with the request path, response status and duration in
// milliseconds.
type MetricReporter interface {
	ReportMetric(event string, args ...interface{})
}

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request logger (carrying the request ID)
// is attached to the request context for use by ctxlog.FromContext.
// If reporter is not nil, it is notified of each completed request.
func LogRequests(logger logrus.FieldLogger, reporter MetricReporter, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		start := time.Now()
		w := &responseRecorder{ResponseWriter: wrapped}
		remoteAddr := req.Header.Get("X-Forwarded-For")
		if remoteAddr == "" {
			remoteAddr = req.RemoteAddr
		}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  req.Header.Get(RequestIDHeader),
			"remoteAddr": remoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqBytes":   req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Debug("request")
		defer logResponse(w, req, start, lgr, reporter)
		h.ServeHTTP(w, req)
	})
}

func logResponse(w *responseRecorder, req *http.Request, start time.Time, lgr logrus.FieldLogger, reporter MetricReporter) {
	done := time.Now()
	elapsed := done.Sub(start)
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	toStatus := elapsed
	if !w.writeTime.IsZero() {
		toStatus = w.writeTime.Sub(start)
	}
	lgr = lgr.WithFields(logrus.Fields{
		"timeTotal":      elapsed.Seconds(),
		"timeToStatus":   toStatus.Seconds(),
		"respStatusCode": status,
		"respBytes":      w.bytes,
	})
	switch {
	case status < 400:
		lgr.Info("response")
	case status < 500:
		lgr.Info("bad request")
	default:
		lgr.Error("internal server error")
	}
	if reporter != nil {
		reporter.ReportMetric("report_request", req.URL.Path, status, elapsed.Milliseconds())
	}
}

// responseRecorder remembers the status and body size sent to the
// client, and when the status was sent.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	bytes     int
	writeTime time.Time
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
		rr.writeTime = time.Now()
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.status == 0 {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += n
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
