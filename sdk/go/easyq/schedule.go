// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package easyq

import (
	"encoding/json"
	"time"
)

// ScheduleKind identifies which variant of a ScheduleSpec is in use.
type ScheduleKind string

const (
	ScheduleImmediate = ScheduleKind("immediate")
	ScheduleAt        = ScheduleKind("at")
	ScheduleAfter     = ScheduleKind("after")
	ScheduleCron      = ScheduleKind("cron")
)

// RecurrencePolicy says how many times a schedule entry fires.
type RecurrencePolicy int

const (
	// RecurrenceOnce entries fire a single time and are then
	// discarded.
	RecurrenceOnce RecurrencePolicy = iota
	// RecurrenceInfinite entries fire on every tick until
	// cancelled. There is no repeat bound.
	RecurrenceInfinite
)

// ScheduleSpec says when a job should run. Exactly one variant is
// honored: Kind selects it.
type ScheduleSpec struct {
	Kind       ScheduleKind
	At         time.Time     // ScheduleAt, and ScheduleAfter once resolved
	After      time.Duration // ScheduleAfter
	Cron       string        // ScheduleCron
	Recurrence RecurrencePolicy
}

// Delayed returns true if the spec is handled by the delay/cron
// scheduler rather than pushed straight onto the work queue.
func (s ScheduleSpec) Delayed() bool {
	return s.Kind != ScheduleImmediate
}

// EnqueueRequest is the body of POST /tasks/{task_id}.
type EnqueueRequest struct {
	TaskID  string `json:"-"`
	Image   string `json:"image"`
	Command string `json:"command"`

	// StartAt is an absolute time, in seconds since the epoch.
	// Accepts a JSON number or numeric string.
	StartAt json.Number `json:"startAt,omitempty"`

	// StartIn is a relative delay: a duration string like "5m" or
	// a number of seconds.
	StartIn interface{} `json:"startIn,omitempty"`

	// Cron is a 5-field cron expression or a descriptor like
	// "@hourly".
	Cron string `json:"cron,omitempty"`
}

// EnqueueResponse is returned after a job is created. QueueJobID is
// nil when the job went to the scheduler instead of the work queue.
type EnqueueResponse struct {
	TaskID     string  `json:"taskId"`
	JobID      string  `json:"jobId"`
	QueueJobID *string `json:"queueJobId"`
}
