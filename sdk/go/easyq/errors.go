// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package easyq

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a task or job does not exist.
	ErrNotFound = notFoundError{errors.New("not found")}

	// ErrInvalidTransition is returned by a job update that would
	// move the job's status backward.
	ErrInvalidTransition = invalidTransitionError{errors.New("invalid job status transition")}
)

type notFoundError struct{ error }

func (notFoundError) HTTPStatus() int { return http.StatusNotFound }

type invalidTransitionError struct{ error }

func (invalidTransitionError) HTTPStatus() int { return http.StatusConflict }

// ClientInputError reports a malformed or incomplete request. The
// message is meant to be shown to the client as is.
type ClientInputError struct {
	Message string
}

func (e *ClientInputError) Error() string { return e.Message }

// HTTPStatus implements httpserver.HTTPStatusError.
func (e *ClientInputError) HTTPStatus() int { return http.StatusBadRequest }

// ClientInputErrorf returns a ClientInputError with a formatted
// message.
func ClientInputErrorf(format string, args ...interface{}) error {
	return &ClientInputError{Message: fmt.Sprintf(format, args...)}
}

// SchedulingError reports that the work queue or scheduler backend
// could not accept a job.
type SchedulingError struct {
	Err error
}

func (e *SchedulingError) Error() string { return "scheduling backend unavailable: " + e.Err.Error() }
func (e *SchedulingError) Unwrap() error { return e.Err }

// HTTPStatus implements httpserver.HTTPStatusError.
func (e *SchedulingError) HTTPStatus() int { return http.StatusServiceUnavailable }

// TransientExecutionError reports a condition that may go away by
// itself, like an unreachable docker daemon. The job should be
// retried, possibly on a different host.
type TransientExecutionError struct {
	Host string
	Err  error
}

func (e *TransientExecutionError) Error() string {
	if e.Host == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Host, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// NoHealthyHostError is returned by host selection when every
// candidate host is blacklisted (or there are no candidates at all).
type NoHealthyHostError struct {
	Candidates int
}

func (e *NoHealthyHostError) Error() string {
	return fmt.Sprintf("no healthy host available (%d candidates, all blacklisted)", e.Candidates)
}

// FatalConfigError reports that a job can never run as specified,
// e.g., the image reference cannot be resolved.
type FatalConfigError struct {
	Err error
}

func (e *FatalConfigError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalConfigError) Unwrap() error { return e.Err }

// IsTransient returns true if err should be handled by retrying the
// job later.
func IsTransient(err error) bool {
	var te *TransientExecutionError
	var nh *NoHealthyHostError
	return errors.As(err, &te) || errors.As(err, &nh)
}

// IsFatal returns true if retrying would not help.
func IsFatal(err error) bool {
	var fe *FatalConfigError
	return errors.As(err, &fe)
}
