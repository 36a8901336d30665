// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves the /_health/ping endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Checks maps a component name to its health-check function.
type Checks map[string]Func

// Handler is an http.Handler that runs every check and responds with
// JSON like
//
//	{"health":"OK","checks":{"api":"OK"}}
//
// or, with status 503,
//
//	{"health":"ERROR","error":"api: redis: connection refused","checks":{"api":"redis: connection refused"}}
//
// The request path is not examined; callers route only the ping path
// here.
type Handler struct {
	// Authentication token. If empty, no token is required.
	Token string

	Checks Checks
}

type pingResponse struct {
	Health string            `json:"health"`
	Error  string            `json:"error,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Token != "" && r.Header.Get("Authorization") != "Bearer "+h.Token {
		http.Error(w, "authorization error", http.StatusForbidden)
		return
	}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := pingResponse{Health: "OK"}
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := h.Checks[name](); err != nil {
			resp.Checks[name] = err.Error()
			if resp.Error == "" {
				resp.Health = "ERROR"
				resp.Error = name + ": " + err.Error()
			}
		} else {
			resp.Checks[name] = "OK"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
