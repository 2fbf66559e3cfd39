// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package scanner builds the script-hash history (SSH) and spentness
// indices from block files.
//
// Blocks are scanned in batches. Every batch is parsed by a pool of workers
// in two passes: the output pass credits script hashes and records where
// every transaction lives, the input pass resolves spent outputs and places
// spend markers. Merged batches are serialized in address prefix order and
// handed to a single committer through a bounded queue, which is the only
// backpressure in the pipeline.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/sshscan/blockfile"
	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
)

const (
	logLevel = "INFO"

	promSubsystem = "sshscan" // Prometheus

	defaultBatchSize         = 128 * 1024 * 1024
	defaultCommitThreshold   = 256 * 1024 * 1024
	defaultLeftoverThreshold = 10_000_000
	defaultHintThreshold     = 1_000_000
	defaultBlockCacheSize    = 256
)

var log = loggo.GetLogger("scanner")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// IOError is returned when block files or the database can not be read or
// written. The whole operation may be retried.
type IOError string

func (e IOError) Error() string {
	return string(e)
}

func (e IOError) Is(target error) bool {
	_, ok := target.(IOError)
	return ok
}

// IntegrityError is returned when chain data and index disagree. It is
// never retried.
type IntegrityError string

func (e IntegrityError) Error() string {
	return string(e)
}

func (e IntegrityError) Is(target error) bool {
	_, ok := target.(IntegrityError)
	return ok
}

type AlreadyScanningError string

func (e AlreadyScanningError) Error() string {
	return string(e)
}

func (e AlreadyScanningError) Is(target error) bool {
	_, ok := target.(AlreadyScanningError)
	return ok
}

var (
	ErrIO              = IOError("io error")
	ErrIntegrity       = IntegrityError("integrity error")
	ErrAlreadyScanning = AlreadyScanningError("already scanning")
	ErrReorgRequired   = errors.New("checkpoint not on main chain")
	ErrLeftovers       = errors.New("leftover threshold exceeded")
)

// Phase identifies the operation a progress report belongs to.
type Phase string

const (
	PhaseSSH       Phase = "ssh"
	PhaseSpentness Phase = "spentness"
	PhaseUndo      Phase = "undo"
	PhaseUpdateSSH Phase = "updatessh"
)

// ProgressFunc receives best effort progress reports. Reports are dropped
// when the callback can not keep up.
type ProgressFunc func(phase Phase, progress float64, unit, total int)

// Chain provides the block headers the scanner walks.
type Chain interface {
	Top() *chainstate.Header
	HeaderByHeight(height uint32) (*chainstate.Header, error)
	HeaderByHash(hash chainhash.Hash) (*chainstate.Header, error)
	HeightAndDup(height uint32) (uint8, error)
}

// BlockLoader maps block files and decodes blocks out of them.
type BlockLoader interface {
	MapFiles(ids []uint32) (map[uint32]*blockfile.FileMap, error)
	DecodeBlock(fm *blockfile.FileMap, loc blockfile.Location) (*wire.MsgBlock, error)
}

// BlockData is a decoded block and its place in the chain.
type BlockData struct {
	Header *chainstate.Header
	Block  *btcutil.Block
}

func (bd *BlockData) Key() sshdb.BlockKey {
	return sshdb.NewBlockKey(bd.Header.Height, bd.Header.Dup)
}

type Config struct {
	// Scanner
	Threads           int          // parse workers, 0 is one per cpu
	WriteQueueDepth   int          // commit queue capacity
	BatchSize         int          // raw block bytes per batch
	CommitThreshold   int          // bytes per database transaction
	LeftoverThreshold int          // max deferred spentness entries
	HintThreshold     int          // max touched script hashes tracked
	BlockCacheSize    int          // decoded origin blocks kept around
	Progress          ProgressFunc // optional

	// Server
	BlockDir                string
	Network                 string
	Home                    string
	Engine                  string
	Mode                    string
	PollInterval            time.Duration // 0 scans once
	LogLevel                string
	PrometheusListenAddress string
	PprofListenAddress      string
}

func NewDefaultConfig() *Config {
	return &Config{
		Threads:           runtime.NumCPU(),
		WriteQueueDepth:   1,
		BatchSize:         defaultBatchSize,
		CommitThreshold:   defaultCommitThreshold,
		LeftoverThreshold: defaultLeftoverThreshold,
		HintThreshold:     defaultHintThreshold,
		BlockCacheSize:    defaultBlockCacheSize,

		Network:  "mainnet",
		Engine:   sshdb.EngineLevel,
		Mode:     ModeSSH,
		LogLevel: logLevel,
	}
}

type Scanner struct {
	mtx      sync.Mutex
	scanning bool

	cfg    *Config
	db     sshdb.Database
	chain  Chain
	loader BlockLoader

	// Decoded blocks looked up while resolving inputs.
	blockCache *lru.Cache[sshdb.BlockKey, *BlockData]

	// Batches that are parsed but not yet committed.
	pending *pendingSet
	batchID atomic.Uint64

	// Script hashes whose summaries are stale.
	hintsMtx      sync.Mutex
	hints         map[sshdb.ScriptHash]struct{}
	hintsOverflow bool

	metrics *metrics
}

func New(cfg *Config, db sshdb.Database, chain Chain, loader BlockLoader) (*Scanner, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	// A single committer drains the queue, the depth only sets how far
	// parsing may run ahead.
	if cfg.WriteQueueDepth <= 0 {
		cfg.WriteQueueDepth = 1
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %v", cfg.BatchSize)
	}
	if cfg.CommitThreshold <= 0 {
		return nil, fmt.Errorf("invalid commit threshold: %v",
			cfg.CommitThreshold)
	}
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = defaultBlockCacheSize
	}
	if db == nil || chain == nil || loader == nil {
		return nil, errors.New("database, chain and loader are required")
	}
	bc, err := lru.New[sshdb.BlockKey, *BlockData](cfg.BlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	return &Scanner{
		cfg:        cfg,
		db:         db,
		chain:      chain,
		loader:     loader,
		blockCache: bc,
		pending:    newPendingSet(),
		hints:      make(map[sshdb.ScriptHash]struct{}),
		metrics:    newMetrics(),
	}, nil
}

func (s *Scanner) nextBatchID() uint64 {
	return s.batchID.Add(1)
}

func (s *Scanner) testAndSetScanning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.scanning
	s.scanning = b
	return old != s.scanning
}

// Scanning reports whether a scan, undo or summary update is running.
func (s *Scanner) Scanning() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.scanning
}

// TopScannedBlockHash returns the last block whose SSH effects are durably
// committed, nil when nothing was scanned yet.
func (s *Scanner) TopScannedBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	return s.checkpoint(ctx, sshdb.CheckpointSSH)
}

// TopSpentnessBlockHash is TopScannedBlockHash for the spentness-only scan.
func (s *Scanner) TopSpentnessBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	return s.checkpoint(ctx, sshdb.CheckpointSpentness)
}

func (s *Scanner) checkpoint(ctx context.Context, cp sshdb.Checkpoint) (*chainhash.Hash, error) {
	hash, err := s.db.CheckpointGet(ctx, cp)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v: %w", ErrIO, cp, err)
	}
	return hash, nil
}

// resumeHeight returns the first height to scan after checkpoint cp. A
// checkpoint that left the main chain must be undone first.
func (s *Scanner) resumeHeight(ctx context.Context, cp sshdb.Checkpoint) (uint32, error) {
	hash, err := s.checkpoint(ctx, cp)
	if err != nil {
		return 0, err
	}
	if hash == nil {
		return 0, nil
	}
	h, err := s.chain.HeaderByHash(*hash)
	if err != nil {
		return 0, fmt.Errorf("%w: %v checkpoint %v: %w", ErrReorgRequired,
			cp, hash, err)
	}
	mh, err := s.chain.HeaderByHeight(h.Height)
	if err != nil || mh.Hash != h.Hash {
		return 0, fmt.Errorf("%w: %v checkpoint %v", ErrReorgRequired,
			cp, h)
	}
	return h.Height + 1, nil
}

// mainHeaders returns the main chain headers in [from, to].
func (s *Scanner) mainHeaders(from, to uint32) ([]*chainstate.Header, error) {
	hs := make([]*chainstate.Header, 0, to-from+1)
	for height := from; height <= to; height++ {
		h, err := s.chain.HeaderByHeight(height)
		if err != nil {
			return nil, fmt.Errorf("%w: header %v: %w", ErrIntegrity,
				height, err)
		}
		hs = append(hs, h)
		if height == to {
			// Avoid wrapping at the maximum height.
			break
		}
	}
	return hs, nil
}

// partition splits headers into runs of at most BatchSize raw block bytes.
// Every run holds at least one block.
func (s *Scanner) partition(headers []*chainstate.Header) [][]*chainstate.Header {
	var (
		runs  [][]*chainstate.Header
		start int
		size  int
	)
	for k, h := range headers {
		size += int(h.Location.Size)
		if size >= s.cfg.BatchSize {
			runs = append(runs, headers[start:k+1])
			start = k + 1
			size = 0
		}
	}
	if start < len(headers) {
		runs = append(runs, headers[start:])
	}
	return runs
}

func (s *Scanner) addHints(shs map[sshdb.ScriptHash]struct{}) {
	s.hintsMtx.Lock()
	defer s.hintsMtx.Unlock()

	if s.hintsOverflow {
		return
	}
	for sh := range shs {
		s.hints[sh] = struct{}{}
	}
	if len(s.hints) > s.cfg.HintThreshold {
		log.Infof("more than %v script hashes touched, summaries will "+
			"be recomputed in full", s.cfg.HintThreshold)
		s.hintsOverflow = true
		clear(s.hints)
	}
}

// AddUpdateSSHHints marks script hashes whose summaries must be recomputed
// by the next hinted UpdateSSH.
func (s *Scanner) AddUpdateSSHHints(shs []sshdb.ScriptHash) {
	m := make(map[sshdb.ScriptHash]struct{}, len(shs))
	for _, sh := range shs {
		m[sh] = struct{}{}
	}
	s.addHints(m)
}

// takeHints returns and clears the hinted script hashes. overflow is true
// when too many were touched and a full sweep is required.
func (s *Scanner) takeHints() (hints []sshdb.ScriptHash, overflow bool) {
	s.hintsMtx.Lock()
	defer s.hintsMtx.Unlock()

	overflow = s.hintsOverflow
	hints = make([]sshdb.ScriptHash, 0, len(s.hints))
	for sh := range s.hints {
		hints = append(hints, sh)
	}
	clear(s.hints)
	s.hintsOverflow = false
	return hints, overflow
}
