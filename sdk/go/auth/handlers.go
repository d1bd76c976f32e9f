// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks management tokens on incoming requests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/httpserver"
)

// BearerToken returns the token given in the request's
// "Authorization: Bearer" header, or "" if there is none.
func BearerToken(r *http.Request) string {
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(ah[len("Bearer "):])
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := BearerToken(r)
		if got == "" {
			httpserver.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			httpserver.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
