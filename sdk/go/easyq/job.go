// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package easyq holds the types shared by the easyq services: tasks,
// jobs, schedule specs, execution results and the error taxonomy.
package easyq

import (
	"time"
)

// A Task is a named unit of one-off or recurring intent. Tasks are
// created on first reference and never duplicated.
type Task struct {
	TaskID    string    `json:"taskId"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   = JobStatus("pending")
	JobScheduled = JobStatus("scheduled")
	JobRunning   = JobStatus("running")
	JobSucceeded = JobStatus("succeeded")
	JobFailed    = JobStatus("failed")
	JobRetrying  = JobStatus("retrying")
	JobCancelled = JobStatus("cancelled")
)

// jobPredecessors lists, for each status, the statuses a job may be
// in immediately before entering it.
var jobPredecessors = map[JobStatus][]JobStatus{
	JobPending:   nil,
	JobScheduled: {JobPending},
	JobRunning:   {JobPending, JobScheduled, JobRetrying},
	JobRetrying:  {JobRunning},
	JobSucceeded: {JobRunning},
	JobFailed:    {JobRunning, JobRetrying},
	JobCancelled: {JobPending, JobScheduled, JobRunning, JobRetrying},
}

// Valid returns true if s is one of the known statuses.
func (s JobStatus) Valid() bool {
	_, ok := jobPredecessors[s]
	return ok
}

// Final returns true if no further transitions are possible from s.
func (s JobStatus) Final() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Predecessors returns the statuses from which a job can move to s.
// Re-entering the current status is always allowed and is not
// listed.
func (s JobStatus) Predecessors() []JobStatus {
	return append([]JobStatus(nil), jobPredecessors[s]...)
}

// CanTransition returns true if a job in status from may be updated
// to status to.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, p := range jobPredecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Well-known Job metadata keys.
const (
	MetaEnqueuedID  = "enqueued_id"
	MetaHost        = "host"
	MetaExitCode    = "exit_code"
	MetaOutput      = "output"
	MetaDuration    = "duration"
	MetaError       = "error"
	MetaStartedAt   = "started_at"
	MetaFinishedAt  = "finished_at"
	MetaCronParent  = "cron_parent"
	MetaContainerID = "container_id"
)

// A Job is one execution instance of a Task.
type Job struct {
	JobID      string                 `json:"jobId"`
	TaskID     string                 `json:"taskId"`
	Image      string                 `json:"image"`
	Command    string                 `json:"command"`
	Status     JobStatus              `json:"status"`
	Metadata   map[string]interface{} `json:"metadata"`
	RetryCount int                    `json:"retryCount"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// EnqueuedID returns the queue or schedule handle recorded in the
// job's metadata, or "" if the job was never handed off.
func (j Job) EnqueuedID() string {
	s, _ := j.Metadata[MetaEnqueuedID].(string)
	return s
}

// Ref returns a reference to the job suitable for queueing.
func (j Job) Ref() JobRef {
	return JobRef{
		TaskID:  j.TaskID,
		JobID:   j.JobID,
		Image:   j.Image,
		Command: j.Command,
	}
}

// JobPatch is a partial update to a Job. Nil fields are left
// unchanged. Metadata keys are merged into the existing metadata.
type JobPatch struct {
	Status     *JobStatus
	Metadata   map[string]interface{}
	RetryCount *int

	// IfStatus, if not nil, makes the update conditional: it fails
	// with ErrInvalidTransition unless the job is in this status
	// when the update is applied.
	IfStatus *JobStatus
}

// StatusPatch returns a JobPatch that sets the status and merges the
// given metadata.
func StatusPatch(status JobStatus, metadata map[string]interface{}) JobPatch {
	return JobPatch{Status: &status, Metadata: metadata}
}

// JobRef is what travels through the work queue and the scheduler:
// enough to find the job record and run its container.
type JobRef struct {
	TaskID  string `json:"task_id"`
	JobID   string `json:"job_id"`
	Image   string `json:"image"`
	Command string `json:"command"`

	// Recurring is set on cron ticks. Each tick runs as a new job
	// under the same task; JobID names the cron anchor job.
	Recurring bool `json:"recurring,omitempty"`
}

// Outcome is the terminal result of one container execution.
type Outcome string

const (
	OutcomeSucceeded = Outcome("succeeded")
	OutcomeFailed    = Outcome("failed")
	OutcomeCancelled = Outcome("cancelled")
)

// Status returns the JobStatus corresponding to the outcome.
func (o Outcome) Status() JobStatus {
	switch o {
	case OutcomeSucceeded:
		return JobSucceeded
	case OutcomeCancelled:
		return JobCancelled
	default:
		return JobFailed
	}
}

// ExecutionResult describes a container that ran to a terminal state.
type ExecutionResult struct {
	Host        string
	ContainerID string
	ExitCode    int
	Output      string
	Duration    time.Duration
	Outcome     Outcome
}

// Metadata returns the result as job metadata entries.
func (r ExecutionResult) Metadata() map[string]interface{} {
	return map[string]interface{}{
		MetaHost:        r.Host,
		MetaContainerID: r.ContainerID,
		MetaExitCode:    r.ExitCode,
		MetaOutput:      r.Output,
		MetaDuration:    r.Duration.String(),
	}
}
