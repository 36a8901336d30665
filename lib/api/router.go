// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package api serves the easyq HTTP API: task submission, job
// status and stop, and the docker host blacklist.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/heynemann/easyq/lib/blacklist"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/heynemann/easyq/sdk/go/httpserver"
)

type Resolver interface {
	Enqueue(ctx context.Context, req easyq.EnqueueRequest) (easyq.EnqueueResponse, error)
	Stop(ctx context.Context, taskID, jobID string) (easyq.Job, error)
}

type Store interface {
	GetTask(ctx context.Context, taskID string) (easyq.Task, error)
	GetJob(ctx context.Context, jobID string) (easyq.Job, error)
	ListJobs(ctx context.Context, taskID string) ([]easyq.Job, error)
}

type Blacklist interface {
	Add(ctx context.Context, host string) error
	Remove(ctx context.Context, host string) error
	Members(ctx context.Context) ([]string, error)
}

const errUnparsableTask = "Failed to enqueue task because JSON body could not be parsed."

type router struct {
	http.Handler
	resolver    Resolver
	store       Store
	blacklist   Blacklist
	maxBodySize int64
}

// NewRouter returns the API handler. Request bodies larger than
// maxBodySize are rejected; zero means no limit.
func NewRouter(resolver Resolver, store Store, bl Blacklist, maxBodySize int64) http.Handler {
	rtr := &router{
		resolver:    resolver,
		store:       store,
		blacklist:   bl,
		maxBodySize: maxBodySize,
	}
	r := mux.NewRouter()
	r.HandleFunc(`/tasks/{task_id}`, rtr.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc(`/tasks/{task_id}`, rtr.handleTask).Methods(http.MethodGet)
	r.HandleFunc(`/tasks/{task_id}/jobs/{job_id}`, rtr.handleJob).Methods(http.MethodGet)
	r.HandleFunc(`/tasks/{task_id}/jobs/{job_id}/stop`, rtr.handleStop).Methods(http.MethodPost)
	r.HandleFunc(`/docker-executor/blacklist`, rtr.handleBlacklistAdd).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc(`/docker-executor/blacklist`, rtr.handleBlacklistRemove).Methods(http.MethodDelete)
	r.HandleFunc(`/docker-executor/blacklist`, rtr.handleBlacklistList).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(rtr.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(rtr.handleMethodNotAllowed)
	rtr.Handler = r
	return rtr
}

func (rtr *router) handleEnqueue(w http.ResponseWriter, req *http.Request) {
	taskID := mux.Vars(req)["task_id"]
	var ereq easyq.EnqueueRequest
	if err := rtr.decode(req, &ereq); err != nil {
		ctxlog.FromContext(req.Context()).WithError(err).Warn(errUnparsableTask)
		httpserver.Error(w, errUnparsableTask, http.StatusBadRequest)
		return
	}
	ereq.TaskID = taskID
	resp, err := rtr.resolver.Enqueue(req.Context(), ereq)
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	rtr.sendJSON(w, resp)
}

type taskResponse struct {
	TaskID    string      `json:"taskId"`
	CreatedAt time.Time   `json:"createdAt"`
	Jobs      []easyq.Job `json:"jobs"`
}

func (rtr *router) handleTask(w http.ResponseWriter, req *http.Request) {
	taskID := mux.Vars(req)["task_id"]
	task, err := rtr.store.GetTask(req.Context(), taskID)
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	jobs, err := rtr.store.ListJobs(req.Context(), taskID)
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	if jobs == nil {
		jobs = []easyq.Job{}
	}
	rtr.sendJSON(w, taskResponse{TaskID: task.TaskID, CreatedAt: task.CreatedAt, Jobs: jobs})
}

func (rtr *router) handleJob(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	job, err := rtr.store.GetJob(req.Context(), vars["job_id"])
	if err == nil && job.TaskID != vars["task_id"] {
		err = easyq.ErrNotFound
	}
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	rtr.sendJSON(w, job)
}

func (rtr *router) handleStop(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	job, err := rtr.resolver.Stop(req.Context(), vars["task_id"], vars["job_id"])
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	rtr.sendJSON(w, job)
}

// blacklistHost returns the "host" attribute of the request body, or
// "" if the body is not a JSON object with a non-empty host. A host
// that is present but not a string is returned as-is so it fails
// host:port validation.
func (rtr *router) blacklistHost(req *http.Request) string {
	var body map[string]interface{}
	if err := rtr.decode(req, &body); err != nil {
		return ""
	}
	switch host := body["host"].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(host)
	default:
		buf, _ := json.Marshal(host)
		return string(buf)
	}
}

func (rtr *router) handleBlacklistAdd(w http.ResponseWriter, req *http.Request) {
	host, err := blacklist.ParseHost(rtr.blacklistHost(req))
	if err == nil {
		err = rtr.blacklist.Add(req.Context(), host)
	}
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	ctxlog.FromContext(req.Context()).WithField("host", host).Info("host added to blacklist")
	w.WriteHeader(http.StatusOK)
}

func (rtr *router) handleBlacklistRemove(w http.ResponseWriter, req *http.Request) {
	host := rtr.blacklistHost(req)
	if host == "" {
		rtr.handleError(w, req, blacklist.ErrRemoveMissingHost)
		return
	}
	if err := rtr.blacklist.Remove(req.Context(), host); err != nil {
		rtr.handleError(w, req, err)
		return
	}
	ctxlog.FromContext(req.Context()).WithField("host", host).Info("host removed from blacklist")
	w.WriteHeader(http.StatusOK)
}

func (rtr *router) handleBlacklistList(w http.ResponseWriter, req *http.Request) {
	hosts, err := rtr.blacklist.Members(req.Context())
	if err != nil {
		rtr.handleError(w, req, err)
		return
	}
	if hosts == nil {
		hosts = []string{}
	}
	rtr.sendJSON(w, map[string][]string{"hosts": hosts})
}

func (rtr *router) handleNotFound(w http.ResponseWriter, req *http.Request) {
	httpserver.Error(w, "Not Found", http.StatusNotFound)
}

func (rtr *router) handleMethodNotAllowed(w http.ResponseWriter, req *http.Request) {
	httpserver.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

// decode reads a JSON body into dst. A missing body, "null", or
// trailing garbage is an error.
func (rtr *router) decode(req *http.Request, dst interface{}) error {
	body := io.Reader(req.Body)
	if rtr.maxBodySize > 0 {
		body = io.LimitReader(req.Body, rtr.maxBodySize+1)
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if rtr.maxBodySize > 0 && int64(len(buf)) > rtr.maxBodySize {
		return errors.New("request body too large")
	}
	trimmed := strings.TrimSpace(string(buf))
	if trimmed == "" || trimmed == "null" {
		return errors.New("empty request body")
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func (rtr *router) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (rtr *router) handleError(w http.ResponseWriter, req *http.Request, err error) {
	if req.Context().Err() != nil {
		w.WriteHeader(httpserver.StatusClientClosedRequest)
		return
	}
	status := httpserver.StatusOf(err)
	if status >= 500 {
		ctxlog.FromContext(req.Context()).WithError(err).Error("request failed")
	}
	httpserver.Error(w, err.Error(), status)
}
