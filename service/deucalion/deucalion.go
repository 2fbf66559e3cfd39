// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package deucalion serves Prometheus metrics and an optional health
// endpoint.
//
//	d, _ := deucalion.New(&deucalion.Config{
//	    ListenAddress: PrometheusListenAddress,
//	})
//
//	_ = d.Run(ctx, collectors, healthCB)
package deucalion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	daemonName = "deucalion"
	logLevel   = "INFO"

	healthTimeout = 5 * time.Second
)

var log = loggo.GetLogger(daemonName)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// HealthFunc reports whether the service is healthy. data, when not nil,
// is returned to the caller as JSON.
type HealthFunc func(ctx context.Context) (healthy bool, data any, err error)

type Config struct {
	ListenAddress string
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenAddress: "", // localhost:2112
	}
}

type Deucalion struct {
	mtx       sync.RWMutex
	isRunning bool
	cfg       *Config

	healthCB HealthFunc
}

func New(cfg *Config) (*Deucalion, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Deucalion{cfg: cfg}, nil
}

func handle(service string, mux *http.ServeMux, pattern string, handler func(http.ResponseWriter, *http.Request)) {
	mux.HandleFunc(pattern, handler)
	log.Infof("handle (%v): %v", service, pattern)
}

func (d *Deucalion) health(w http.ResponseWriter, r *http.Request) {
	log.Tracef("health")
	defer log.Tracef("health exit")

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	type result struct {
		healthy bool
		data    any
		err     error
	}
	c := make(chan result, 1)
	go func() {
		var r result
		r.healthy, r.data, r.err = d.healthCB(ctx)
		c <- r
	}()

	var res result
	select {
	case <-ctx.Done():
		w.WriteHeader(http.StatusRequestTimeout)
		return
	case res = <-c:
	}
	if res.err != nil {
		log.Errorf("health callback: %v", res.err)
		http.Error(w, http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
		return
	}
	if res.data != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	if !res.healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if res.data != nil {
		if err := json.NewEncoder(w).Encode(res.data); err != nil {
			log.Errorf("health encode: %v", err)
		}
	}
}

func (d *Deucalion) Running() bool {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.isRunning
}

func (d *Deucalion) testAndSetRunning(b bool) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	old := d.isRunning
	d.isRunning = b
	return old != d.isRunning
}

// Run serves /metrics, and /health when healthCB is set, until ctx is
// cancelled.
func (d *Deucalion) Run(ctx context.Context, cs []prometheus.Collector, healthCB HealthFunc) error {
	if !d.testAndSetRunning(true) {
		return errors.New("already running")
	}
	defer d.testAndSetRunning(false)

	if d.cfg.ListenAddress == "" {
		return errors.New("listen address is required")
	}

	reg := prometheus.NewRegistry()
	all := []prometheus.Collector{
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	all = append(all, cs...)
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	handle("prometheus", mux, "/metrics", promhttp.HandlerFor(reg,
		promhttp.HandlerOpts{Registry: reg}).ServeHTTP)
	if healthCB != nil {
		d.healthCB = healthCB
		handle("prometheus", mux, "/health", d.health)
	}

	ln, err := net.Listen("tcp", d.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errC := make(chan error, 1)
	go func() {
		log.Infof("Prometheus listening: %v", ln.Addr())
		errC <- srv.Serve(ln)
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf("http prometheus server exit: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errC:
		return err
	}

	log.Infof("deucalion service shutting down")
	return err
}
