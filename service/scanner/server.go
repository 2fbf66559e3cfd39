// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemilabs/sshscan/blockfile"
	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database/sshdb"
	"github.com/hemilabs/sshscan/service/deucalion"
	"github.com/hemilabs/sshscan/service/pprof"
)

const (
	ModeSSH       = "ssh"       // histories, spentness and summaries
	ModeSpentness = "spentness" // spentness and hints only
)

// Server keeps the index in step with a block directory.
type Server struct {
	mtx       sync.RWMutex
	isRunning bool

	wg sync.WaitGroup

	cfg *Config

	db      sshdb.Database
	loader  *blockfile.Loader
	chain   *chainstate.Chain
	scanner *Scanner

	pos blockfile.Position // header walk resume point
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	switch cfg.Mode {
	case ModeSSH, ModeSpentness:
	default:
		return nil, fmt.Errorf("invalid mode: %v", cfg.Mode)
	}
	if cfg.BlockDir == "" {
		return nil, errors.New("block directory is required")
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("invalid poll interval: %v", cfg.PollInterval)
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Running() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.isRunning
}

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.isRunning
	s.isRunning = b
	return old != s.isRunning
}

func (s *Server) promRunning() float64 {
	if s.Running() {
		return 1
	}
	return 0
}

func (s *Server) checkpoint() sshdb.Checkpoint {
	if s.cfg.Mode == ModeSpentness {
		return sshdb.CheckpointSpentness
	}
	return sshdb.CheckpointSSH
}

// readHeaders adds every header written since the last walk to the chain
// and recomputes the best chain.
func (s *Server) readHeaders(ctx context.Context) error {
	log.Tracef("readHeaders")
	defer log.Tracef("readHeaders exit")

	var added int
	pos, err := s.loader.HeadersFrom(ctx, s.pos,
		func(loc blockfile.Location, bh *wire.BlockHeader) error {
			err := s.chain.Add(bh, loc)
			if errors.Is(err, chainstate.ErrDuplicateBlock) {
				return nil
			}
			added++
			return err
		})
	if err != nil {
		return fmt.Errorf("%w: headers: %w", ErrIO, err)
	}
	s.pos = pos
	if rs := s.chain.Organize(); rs != nil {
		log.Infof("%v", rs)
	}
	if added > 0 {
		log.Infof("Added %v headers, top %v, waiting %v", added,
			s.chain.Top(), s.chain.Waiting())
	}
	return nil
}

// sync reads new headers, undoes an index that left the main chain and
// scans up to the top.
func (s *Server) sync(ctx context.Context) error {
	log.Tracef("sync")
	defer log.Tracef("sync exit")

	if err := s.readHeaders(ctx); err != nil {
		return err
	}

	cp := s.checkpoint()
	hash, err := s.scanner.checkpoint(ctx, cp)
	if err != nil {
		return err
	}
	if hash != nil {
		rs, err := s.chain.ReorgFrom(*hash)
		if err != nil {
			return fmt.Errorf("%w: %v checkpoint: %w", ErrIntegrity, cp,
				err)
		}
		if rs != nil {
			if err := s.scanner.UndoWithRetry(ctx, rs); err != nil {
				return fmt.Errorf("undo: %w", err)
			}
		}
	}

	if s.cfg.Mode == ModeSpentness {
		return s.scanner.ScanSpentness(ctx)
	}
	return s.scanner.Scan(ctx)
}

func (s *Server) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !s.testAndSetRunning(true) {
		return errors.New("sshscan already running")
	}
	defer s.testAndSetRunning(false)

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	params, err := blockfile.Params(s.cfg.Network)
	if err != nil {
		return err
	}

	s.db, err = sshdb.New(ctx, &sshdb.Config{
		Home:   s.cfg.Home,
		Engine: s.cfg.Engine,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := s.db.Close(context.Background()); err != nil {
			log.Errorf("close database: %v", err)
		}
	}()

	s.loader = blockfile.NewLoader(s.cfg.BlockDir, params)
	s.chain = chainstate.New(params)
	s.pos = blockfile.Position{}
	s.scanner, err = New(s.cfg, s.db, s.chain, s.loader)
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}

	// Prometheus
	if s.cfg.PrometheusListenAddress != "" {
		d, err := deucalion.New(&deucalion.Config{
			ListenAddress: s.cfg.PrometheusListenAddress,
		})
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		cs := append(s.scanner.Collectors(),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: promSubsystem,
				Name:      "running",
				Help:      "Is sshscan service running.",
			}, s.promRunning))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := d.Run(ctx, cs, nil); !errors.Is(err, context.Canceled) {
				log.Errorf("prometheus terminated with error: %v", err)
				return
			}
			log.Infof("prometheus clean shutdown")
		}()
	}

	// pprof
	if s.cfg.PprofListenAddress != "" {
		p, err := pprof.NewServer(&pprof.Config{
			ListenAddress: s.cfg.PprofListenAddress,
		})
		if err != nil {
			return fmt.Errorf("create pprof server: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
				log.Errorf("pprof server terminated with error: %v", err)
				return
			}
			log.Infof("pprof server clean shutdown")
		}()
	}

	err = s.sync(ctx)
	if err == nil && s.cfg.PollInterval > 0 {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break loop
			case <-ticker.C:
			}
			if err = s.sync(ctx); err != nil {
				break loop
			}
		}
	}
	cancel()

	log.Infof("sshscan service shutting down")
	s.wg.Wait()
	log.Infof("sshscan service clean shutdown")

	return err
}
