// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks.
package health

import (
	"encoding/json"
	"net/http"
	"strings"

	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/auth"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
type Handler struct {
	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// "ping" always exists and is healthy unless listed here.
	Routes Routes
}

type response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, h.Prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	switch tok := auth.BearerToken(r); {
	case h.Token == "" || !ok:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case tok == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	case tok != h.Token:
		http.Error(w, "authorization error", http.StatusForbidden)
		return
	}
	resp := response{Health: "OK"}
	if err := fn(); err != nil {
		resp = response{Health: "ERROR", Error: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
