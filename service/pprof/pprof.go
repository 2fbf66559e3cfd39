// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package pprof serves runtime profiles of a daemon over HTTP.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/juju/loggo/v2"
)

var log = loggo.GetLogger("pprof")

type Config struct {
	ListenAddress string
}

type Server struct {
	cfg     *Config
	running atomic.Bool
	addr    atomic.Pointer[net.Addr]
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return &Server{cfg: cfg}, nil
}

// Addr returns the address the server is bound to, nil when not listening.
func (s *Server) Addr() net.Addr {
	if a := s.addr.Load(); a != nil {
		return *a
	}
	return nil
}

func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("already running")
	}
	defer s.running.Store(false)

	if s.cfg.ListenAddress == "" {
		return errors.New("listen address is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	l, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	addr := l.Addr()
	s.addr.Store(&addr)
	defer s.addr.Store(nil)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	httpErrCh := make(chan error, 1)
	go func() {
		log.Infof("pprof listening: %v", addr)
		httpErrCh <- httpServer.Serve(l)
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Errorf("pprof http server exit: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErrCh:
		return err
	}
}
