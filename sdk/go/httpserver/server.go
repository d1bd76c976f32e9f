// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"errors"
	"net"
	"net/http"
	"sync"
)

// Server is an http.Server that can be started and stopped
// separately from the process.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	listener net.Listener
	done     chan struct{}
	mtx      sync.Mutex
	err      error
}

// Start listens on Addr and serves in a background goroutine. By the
// time Start returns, Addr is the address actually being listened
// on, which makes ":0" usable in tests.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		srv.mtx.Lock()
		srv.err = err
		srv.mtx.Unlock()
	}()
	return nil
}

// Close shuts down the server and returns when it has stopped.
func (srv *Server) Close() error {
	srv.Server.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
