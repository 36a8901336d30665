// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package enqueue turns task submissions into jobs, and hands each
// job to the work queue or the delay/cron scheduler.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/sirupsen/logrus"
)

// stopAttempts bounds how many times Stop re-reads a job whose
// status changes under it before giving up.
const stopAttempts = 5

type Store interface {
	UpsertTask(ctx context.Context, taskID string) (easyq.Task, error)
	CreateJob(ctx context.Context, taskID, image, command string, metadata map[string]interface{}) (easyq.Job, error)
	GetJob(ctx context.Context, jobID string) (easyq.Job, error)
	UpdateJob(ctx context.Context, jobID string, patch easyq.JobPatch) (easyq.Job, error)
}

type Queue interface {
	Enqueue(ctx context.Context, ref easyq.JobRef, timeout time.Duration) (string, error)
	Remove(ctx context.Context, id string) (bool, error)
}

type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, ref easyq.JobRef, timeout time.Duration) (string, error)
	ScheduleCron(ctx context.Context, expr string, ref easyq.JobRef, timeout time.Duration) (string, error)
	Cancel(ctx context.Context, handle string) (bool, error)
}

type StopSignals interface {
	Publish(ctx context.Context, jobID string) error
}

type MetricReporter interface {
	ReportMetric(event string, args ...interface{})
}

// Resolver accepts enqueue and stop requests.
type Resolver struct {
	Store       Store
	Queue       Queue
	Scheduler   Scheduler
	StopSignals StopSignals
	Reporter    MetricReporter

	// Now returns the current time. Tests can replace it.
	Now func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Enqueue creates a job for req.TaskID (creating the task if
// needed), and registers it to run at the requested time.
//
// Invalid requests are rejected with an *easyq.ClientInputError
// before anything is written. If the queue or scheduler is
// unavailable the error is an *easyq.SchedulingError, and the job
// is left pending with no enqueued_id.
func (r *Resolver) Enqueue(ctx context.Context, req easyq.EnqueueRequest) (easyq.EnqueueResponse, error) {
	var resp easyq.EnqueueResponse
	if strings.TrimSpace(req.Image) == "" || strings.TrimSpace(req.Command) == "" {
		return resp, &easyq.ClientInputError{Message: "image and command must be filled in the request."}
	}
	if req.TaskID == "" {
		return resp, &easyq.ClientInputError{Message: "Failed to enqueue task because task id is empty."}
	}
	spec, err := ResolveSchedule(req, r.now())
	if err != nil {
		return resp, err
	}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"task_id": req.TaskID,
		"image":   req.Image,
		"command": req.Command,
	})

	logger.Debug("creating task")
	if _, err := r.Store.UpsertTask(ctx, req.TaskID); err != nil {
		return resp, err
	}
	job, err := r.Store.CreateJob(ctx, req.TaskID, req.Image, req.Command, nil)
	if err != nil {
		return resp, err
	}
	logger = logger.WithField("job_id", job.JobID)
	logger.Debug("job created")
	resp.TaskID = req.TaskID
	resp.JobID = job.JobID

	ref := job.Ref()
	var handle string
	switch spec.Kind {
	case easyq.ScheduleAt, easyq.ScheduleAfter:
		handle, err = r.Scheduler.ScheduleAt(ctx, spec.At, ref, 0)
		logger = logger.WithField("start_at", spec.At)
	case easyq.ScheduleCron:
		handle, err = r.Scheduler.ScheduleCron(ctx, spec.Cron, ref, 0)
		logger = logger.WithField("cron", spec.Cron)
	default:
		handle, err = r.Queue.Enqueue(ctx, ref, 0)
	}
	if err != nil {
		logger.WithError(err).Error("job left pending, could not register it to run")
		return resp, &easyq.SchedulingError{Err: err}
	}
	if !spec.Delayed() {
		resp.QueueJobID = &handle
	}

	md := map[string]interface{}{easyq.MetaEnqueuedID: handle}
	patch := easyq.JobPatch{Metadata: md}
	if spec.Delayed() {
		patch = easyq.StatusPatch(easyq.JobScheduled, md)
	}
	_, err = r.Store.UpdateJob(ctx, job.JobID, patch)
	if errors.Is(err, easyq.ErrInvalidTransition) {
		// A worker already picked it up (startAt in the past).
		_, err = r.Store.UpdateJob(ctx, job.JobID, easyq.JobPatch{Metadata: md})
	}
	if err != nil {
		// The job is registered and will run; only the handle
		// is missing from its record.
		logger.WithError(err).WithField("enqueued_id", handle).Warn("error saving enqueued_id")
	}
	if r.Reporter != nil {
		r.Reporter.ReportMetric(metrics.EventEnqueued, spec.Kind)
	}
	logger.WithFields(logrus.Fields{
		"schedule":    spec.Kind,
		"enqueued_id": handle,
	}).Info("job enqueued")
	return resp, nil
}

// Stop cancels a job. A job that has not started is withdrawn from
// the queue or schedule and marked cancelled. A running job's
// container is sent a stop signal, and the worker running it records
// the outcome. Stopping a job that already finished is a no-op.
func (r *Resolver) Stop(ctx context.Context, taskID, jobID string) (easyq.Job, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"task_id": taskID,
		"job_id":  jobID,
	})
	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.TaskID != taskID {
		return easyq.Job{}, easyq.ErrNotFound
	}
	for attempt := 1; job.Status != easyq.JobRunning; attempt++ {
		if job.Status.Final() {
			return job, nil
		}
		if attempt > stopAttempts {
			return job, &easyq.SchedulingError{Err: fmt.Errorf("job %s changed status %d times while being stopped", jobID, stopAttempts)}
		}
		if handle := job.EnqueuedID(); handle != "" {
			if err := r.withdraw(ctx, handle); err != nil {
				return job, &easyq.SchedulingError{Err: err}
			}
		}
		from, to := job.Status, easyq.JobCancelled
		cancelled, err := r.Store.UpdateJob(ctx, jobID, easyq.JobPatch{
			Status:   &to,
			IfStatus: &from,
			Metadata: map[string]interface{}{
				easyq.MetaFinishedAt: r.now().UTC().Format(time.RFC3339Nano),
			},
		})
		if err == nil {
			logger.Info("job cancelled")
			return cancelled, nil
		} else if !errors.Is(err, easyq.ErrInvalidTransition) {
			return job, err
		}
		// A worker claimed it (or rescheduled it) after we read
		// it. Look again: a running job needs a stop signal.
		job, err = r.Store.GetJob(ctx, jobID)
		if err != nil {
			return job, err
		}
	}
	if err := r.StopSignals.Publish(ctx, jobID); err != nil {
		return job, &easyq.SchedulingError{Err: err}
	}
	logger.Info("stop signal sent")
	return job, nil
}

// withdraw removes handle from whichever of the schedule and the
// work queue holds it.
func (r *Resolver) withdraw(ctx context.Context, handle string) error {
	ok, err := r.Scheduler.Cancel(ctx, handle)
	if err != nil || ok {
		return err
	}
	_, err = r.Queue.Remove(ctx, handle)
	return err
}
