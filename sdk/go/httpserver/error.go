// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError is an error that knows which response status it
// should be reported with.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int { return ews.Status }
func (ews errorWithStatus) Unwrap() error   { return ews.error }

type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: []string{msg}})
}

// WriteError writes err as a JSON error response, using its
// HTTPStatus if it has one and 500 otherwise.
func WriteError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		code = hse.HTTPStatus()
	}
	Error(w, err.Error(), code)
}
