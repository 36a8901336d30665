// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusClientClosedRequest is reported when the client went away
// before a response was ready.
const StatusClientClosedRequest = 499

// HTTPStatusError is an error that knows which response status it
// should produce.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// Error writes msg as a plain text response body with the given
// status code.
func Error(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprint(w, msg)
}

// StatusOf returns the HTTP status appropriate for err: the value of
// its HTTPStatus() method if it (or anything it wraps) has one,
// otherwise 500.
func StatusOf(err error) int {
	if errors.Is(err, context.Canceled) {
		return StatusClientClosedRequest
	}
	var se HTTPStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return http.StatusInternalServerError
}
