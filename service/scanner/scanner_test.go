// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"

	"github.com/hemilabs/sshscan/blockfile"
	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
)

var (
	scriptS      = []byte{txscript.OP_TRUE}
	scriptT      = []byte{txscript.OP_2}
	scriptU      = []byte{txscript.OP_3}
	scriptReturn = []byte{txscript.OP_RETURN, 0x01, 0x02}
)

const hugeBatch = 1 << 30

// testEnv is a regtest chain written to real block files.
type testEnv struct {
	t      *testing.T
	params *chaincfg.Params
	dir    string
	w      *blockfile.Writer
	chain  *chainstate.Chain
	loader *blockfile.Loader
	nonce  uint32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	dir := t.TempDir()
	w, err := blockfile.NewWriter(dir, params, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Logf("close writer: %v", err)
		}
	})
	e := &testEnv{
		t:      t,
		params: params,
		dir:    dir,
		w:      w,
		chain:  chainstate.New(params),
		loader: blockfile.NewLoader(dir, params),
	}
	e.add(params.GenesisBlock)
	return e
}

func (e *testEnv) genesis() *wire.MsgBlock {
	return e.params.GenesisBlock
}

// add writes mb to the block files and places it in the chain.
func (e *testEnv) add(mb *wire.MsgBlock) *chainstate.Header {
	e.t.Helper()
	loc, err := e.w.WriteBlock(mb)
	if err != nil {
		e.t.Fatal(err)
	}
	if err := e.chain.Add(&mb.Header, loc); err != nil {
		e.t.Fatal(err)
	}
	e.chain.Organize()
	h, err := e.chain.HeaderByHash(mb.BlockHash())
	if err != nil {
		e.t.Fatal(err)
	}
	return h
}

// mine returns a block on parent whose coinbase pays 5000 to pkScript.
func (e *testEnv) mine(parent *wire.MsgBlock, pkScript []byte, txs ...*wire.MsgTx) *wire.MsgBlock {
	e.t.Helper()
	e.nonce++
	var extra [4]byte
	binary.BigEndian.PutUint32(extra[:], e.nonce)
	cb := wire.NewMsgTx(wire.TxVersion)
	cb.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex),
		SignatureScript: extra[:],
		Sequence:        wire.MaxTxInSequenceNum,
	})
	cb.AddTxOut(wire.NewTxOut(5000, pkScript))

	all := append([]*wire.MsgTx{cb}, txs...)
	utxs := make([]*btcutil.Tx, 0, len(all))
	for _, tx := range all {
		utxs = append(utxs, btcutil.NewTx(tx))
	}
	parentHash := parent.BlockHash()
	merkle := blockchain.CalcMerkleRoot(utxs, false)
	mb := wire.NewMsgBlock(wire.NewBlockHeader(1, &parentHash, &merkle,
		0x207fffff, e.nonce))
	mb.Header.Timestamp = time.Unix(1700000000+int64(e.nonce), 0)
	for _, tx := range all {
		if err := mb.AddTransaction(tx); err != nil {
			e.t.Fatal(err)
		}
	}
	return mb
}

func (e *testEnv) mineAdd(parent *wire.MsgBlock, pkScript []byte, txs ...*wire.MsgTx) *wire.MsgBlock {
	mb := e.mine(parent, pkScript, txs...)
	e.add(mb)
	return mb
}

func outpoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}

func spendTx(prevs []wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for k := range prevs {
		tx.AddTxIn(wire.NewTxIn(&prevs[k], nil, nil))
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func cb(mb *wire.MsgBlock) *wire.MsgTx {
	return mb.Transactions[0]
}

func newTestDB(t *testing.T) sshdb.Database {
	t.Helper()
	ctx := context.Background()
	db, err := sshdb.New(ctx, sshdb.NewDefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := db.Close(ctx); err != nil {
			t.Logf("close db: %v", err)
		}
	})
	return db
}

func newTestScanner(t *testing.T, e *testEnv, db sshdb.Database, batchSize, threads int) *Scanner {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.BatchSize = batchSize
	cfg.Threads = threads
	cfg.CommitThreshold = 4096
	s, err := New(cfg, db, e.chain, e.loader)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// dump returns every table as hex key -> hex value.
func dump(t *testing.T, db sshdb.Database) map[string]map[string]string {
	t.Helper()
	m := make(map[string]map[string]string, len(sshdb.Tables))
	for _, table := range sshdb.Tables {
		tm := make(map[string]string)
		err := db.ForEach(t.Context(), table, func(k, v []byte) error {
			tm[hex.EncodeToString(k)] = hex.EncodeToString(v)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		m[table] = tm
	}
	return m
}

func outKey(height uint32, dup uint8, tx, out uint32) sshdb.TxOutKey {
	return sshdb.NewTxOutKey(sshdb.NewTxKey(sshdb.NewBlockKey(height, dup), tx), out)
}

func inKey(height uint32, dup uint8, tx, in uint32) sshdb.TxInKey {
	return sshdb.NewTxInKey(sshdb.NewTxKey(sshdb.NewBlockKey(height, dup), tx), in)
}

func checkpointIs(t *testing.T, s *Scanner, cp sshdb.Checkpoint, want *wire.MsgBlock) {
	t.Helper()
	hash, err := s.checkpoint(t.Context(), cp)
	if err != nil {
		t.Fatal(err)
	}
	if hash == nil {
		t.Fatalf("%v: no checkpoint, want %v", cp, want.BlockHash())
	}
	if *hash != want.BlockHash() {
		t.Fatalf("%v: got %v, want %v", cp, hash, want.BlockHash())
	}
}

// busyChain mines a chain with spends inside blocks, across blocks,
// unspendable outputs and transactions with several inputs.
func busyChain(e *testEnv) []*wire.MsgBlock {
	b1 := e.mineAdd(e.genesis(), scriptS)
	txA := spendTx([]wire.OutPoint{outpoint(cb(b1), 0)},
		wire.NewTxOut(1000, scriptS),
		wire.NewTxOut(3000, scriptT),
		wire.NewTxOut(0, scriptReturn))
	b2 := e.mineAdd(b1, scriptT, txA)
	txB := spendTx([]wire.OutPoint{outpoint(txA, 0)},
		wire.NewTxOut(900, scriptU))
	txC := spendTx([]wire.OutPoint{outpoint(txB, 0)},
		wire.NewTxOut(800, scriptS))
	b3 := e.mineAdd(b2, scriptU, txB, txC)
	txD := spendTx([]wire.OutPoint{outpoint(cb(b2), 0), outpoint(txA, 1)},
		wire.NewTxOut(7000, scriptT))
	b4 := e.mineAdd(b3, scriptS, txD)
	txE := spendTx([]wire.OutPoint{outpoint(txC, 0), outpoint(cb(b3), 0)},
		wire.NewTxOut(5000, scriptS),
		wire.NewTxOut(700, scriptU))
	b5 := e.mineAdd(b4, scriptT, txE)
	b6 := e.mineAdd(b5, scriptU)
	txF := spendTx([]wire.OutPoint{outpoint(txE, 1), outpoint(cb(b6), 0)},
		wire.NewTxOut(5700, scriptT))
	b7 := e.mineAdd(b6, scriptS, txF)
	b8 := e.mineAdd(b7, scriptS)
	return []*wire.MsgBlock{e.genesis(), b1, b2, b3, b4, b5, b6, b7, b8}
}

func TestNew(t *testing.T) {
	e := newTestEnv(t)
	db := newTestDB(t)

	cfg := NewDefaultConfig()
	cfg.BatchSize = 0
	if _, err := New(cfg, db, e.chain, e.loader); err == nil {
		t.Fatal("expected batch size failure")
	}
	if _, err := New(nil, nil, e.chain, e.loader); err == nil {
		t.Fatal("expected missing database failure")
	}
	s, err := New(nil, db, e.chain, e.loader)
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.WriteQueueDepth != 1 || s.cfg.Threads <= 0 {
		t.Fatalf("unexpected defaults: %v", spew.Sdump(s.cfg))
	}
	hash, err := s.TopScannedBlockHash(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if hash != nil {
		t.Fatalf("unexpected checkpoint %v", hash)
	}
}

func TestScanCoinbaseSpend(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	db := newTestDB(t)
	s := newTestScanner(t, e, db, 1, 4)

	b1 := e.mineAdd(e.genesis(), scriptS)
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	checkpointIs(t, s, sshdb.CheckpointSSH, b1)

	// The output is resolvable before anything spends it.
	tk, err := db.TxKeyByHash(ctx, cb(b1).TxHash())
	if err != nil {
		t.Fatal(err)
	}
	if tk != sshdb.NewTxKey(sshdb.NewBlockKey(1, 0), 0) {
		t.Fatalf("unexpected tx key %v", tk)
	}

	spend := spendTx([]wire.OutPoint{outpoint(cb(b1), 0)},
		wire.NewTxOut(4000, scriptT))
	b2 := e.mineAdd(b1, scriptU, spend)
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	checkpointIs(t, s, sshdb.CheckpointSSH, b2)

	sh := sshdb.NewScriptHash(scriptS)
	hs, err := db.SubHistoriesByScriptHash(ctx, sh)
	if err != nil {
		t.Fatal(err)
	}
	expected := []sshdb.BlockSubHistory{
		{
			Block: sshdb.NewBlockKey(1, 0),
			History: sshdb.SubHistory{
				Entries: []sshdb.HistoryEntry{
					{Output: outKey(1, 0, 0, 0), Value: 5000},
				},
				SpentOffset: 1,
			},
		},
		{
			Block: sshdb.NewBlockKey(2, 0),
			History: sshdb.SubHistory{
				Entries: []sshdb.HistoryEntry{
					{
						Output:  outKey(1, 0, 0, 0),
						Value:   5000,
						Spender: inKey(2, 0, 1, 0),
					},
				},
				SpentOffset: 0,
			},
		},
	}
	if diff := deep.Equal(hs, expected); len(diff) > 0 {
		t.Fatalf("history: %v\n%v", diff, spew.Sdump(hs))
	}

	in, err := db.SpentnessByOutput(ctx, outKey(1, 0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if in != inKey(2, 0, 1, 0) {
		t.Fatalf("unexpected spender %v", in)
	}

	summaries := []struct {
		script []byte
		want   sshdb.Summary
	}{
		{scriptS, sshdb.Summary{TxioCount: 1, SpentCount: 1, Balance: 0}},
		{scriptT, sshdb.Summary{TxioCount: 1, Balance: 4000}},
		{scriptU, sshdb.Summary{TxioCount: 1, Balance: 5000}},
	}
	for _, tt := range summaries {
		sum, err := db.SummaryByScriptHash(ctx, sshdb.NewScriptHash(tt.script))
		if err != nil {
			t.Fatal(err)
		}
		if *sum != tt.want {
			t.Fatalf("summary %x: got %v, want %v", tt.script, *sum, tt.want)
		}
	}

	// Nothing left to do.
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if s.pending.len() != 0 {
		t.Fatalf("pending batches left: %v", s.pending.len())
	}
}

func TestScanUnspendable(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	db := newTestDB(t)
	s := newTestScanner(t, e, db, hugeBatch, 2)

	b1 := e.mineAdd(e.genesis(), scriptS)
	tx := spendTx([]wire.OutPoint{outpoint(cb(b1), 0)},
		wire.NewTxOut(0, scriptReturn),
		wire.NewTxOut(4000, scriptT))
	e.mineAdd(b1, scriptU, tx)
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	hs, err := db.SubHistoriesByScriptHash(ctx, sshdb.NewScriptHash(scriptReturn))
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 0 {
		t.Fatalf("unspendable output indexed: %v", spew.Sdump(hs))
	}
	// Output 1 keeps its index.
	hs, err = db.SubHistoriesByScriptHash(ctx, sshdb.NewScriptHash(scriptT))
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 1 || hs[0].History.Entries[0].Output != outKey(2, 0, 1, 1) {
		t.Fatalf("unexpected history: %v", spew.Sdump(hs))
	}
}

func TestPartitionInvariance(t *testing.T) {
	e := newTestEnv(t)
	blocks := busyChain(e)

	tests := []struct {
		name      string
		batchSize int
		threads   int
	}{
		{"one block per batch", 1, 1},
		{"one block per batch parallel", 1, 4},
		{"two blocks per batch", int(blocks[1].SerializeSize()) + 1, 3},
		{"single batch", hugeBatch, 1},
		{"single batch parallel", hugeBatch, 8},
	}
	var reference map[string]map[string]string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			s := newTestScanner(t, e, db, tt.batchSize, tt.threads)
			if err := s.Scan(t.Context()); err != nil {
				t.Fatal(err)
			}
			checkpointIs(t, s, sshdb.CheckpointSSH, blocks[len(blocks)-1])
			d := dump(t, db)
			if reference == nil {
				reference = d
				return
			}
			if diff := deep.Equal(d, reference); len(diff) > 0 {
				t.Fatalf("partition changed the index: %v", diff)
			}
		})
	}
}

func TestScanIncremental(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	blocks := busyChain(e)

	// Scanning everything at once and scanning as blocks arrive match.
	whole := newTestDB(t)
	if err := newTestScanner(t, e, whole, hugeBatch, 4).Scan(ctx); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEnv(t)
	db := newTestDB(t)
	s := newTestScanner(t, e2, db, 1, 2)
	for _, mb := range blocks[1:] {
		e2.add(mb)
		if err := s.Scan(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if diff := deep.Equal(dump(t, db), dump(t, whole)); len(diff) > 0 {
		t.Fatalf("incremental scan differs: %v", diff)
	}
}

func TestScanDoubleSpend(t *testing.T) {
	t.Run("same batch", func(t *testing.T) {
		ctx := t.Context()
		e := newTestEnv(t)
		db := newTestDB(t)
		s := newTestScanner(t, e, db, hugeBatch, 4)

		b1 := e.mineAdd(e.genesis(), scriptS)
		op := outpoint(cb(b1), 0)
		e.mineAdd(b1, scriptT,
			spendTx([]wire.OutPoint{op}, wire.NewTxOut(1, scriptT)),
			spendTx([]wire.OutPoint{op}, wire.NewTxOut(2, scriptU)))

		err := s.Scan(ctx)
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("expected integrity error, got %v", err)
		}
		hash, err := s.TopScannedBlockHash(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if hash != nil {
			t.Fatalf("checkpoint moved to %v", hash)
		}
		if s.pending.len() != 0 {
			t.Fatal("pending batches left after failure")
		}
	})

	t.Run("across batches", func(t *testing.T) {
		ctx := t.Context()
		e := newTestEnv(t)
		db := newTestDB(t)
		s := newTestScanner(t, e, db, 1, 2)

		b1 := e.mineAdd(e.genesis(), scriptS)
		op := outpoint(cb(b1), 0)
		b2 := e.mineAdd(b1, scriptT,
			spendTx([]wire.OutPoint{op}, wire.NewTxOut(1, scriptT)))
		b3 := e.mineAdd(b2, scriptU,
			spendTx([]wire.OutPoint{op}, wire.NewTxOut(2, scriptU)))

		err := s.Scan(ctx)
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("expected integrity error, got %v", err)
		}
		hash, err := s.TopScannedBlockHash(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if hash != nil && *hash == b3.BlockHash() {
			t.Fatal("checkpoint moved past the double spend")
		}
	})
}

func TestScanUnresolvedOutpoint(t *testing.T) {
	e := newTestEnv(t)
	db := newTestDB(t)
	s := newTestScanner(t, e, db, hugeBatch, 2)

	missing := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("nope"))}
	e.mineAdd(e.genesis(), scriptS,
		spendTx([]wire.OutPoint{missing}, wire.NewTxOut(1, scriptT)))
	err := s.Scan(t.Context())
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestScanReorgRequired(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	db := newTestDB(t)
	s := newTestScanner(t, e, db, 1, 2)

	b1 := e.mineAdd(e.genesis(), scriptS)
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	c1 := e.mineAdd(e.genesis(), scriptT)
	e.mineAdd(c1, scriptT)

	err := s.Scan(ctx)
	if !errors.Is(err, ErrReorgRequired) {
		t.Fatalf("expected reorg required, got %v", err)
	}
	checkpointIs(t, s, sshdb.CheckpointSSH, b1)
}

func TestAlreadyScanning(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	s := newTestScanner(t, e, newTestDB(t), 1, 1)

	if !s.testAndSetScanning(true) {
		t.Fatal("could not set scanning")
	}
	if !s.Scanning() {
		t.Fatal("not scanning")
	}
	for name, fn := range map[string]func() error{
		"Scan":          func() error { return s.Scan(ctx) },
		"ScanSpentness": func() error { return s.ScanSpentness(ctx) },
		"UpdateSSH":     func() error { return s.UpdateSSH(ctx, true) },
		"Undo":          func() error { return s.Undo(ctx, nil) },
	} {
		if err := fn(); !errors.Is(err, ErrAlreadyScanning) {
			t.Fatalf("%v: expected already scanning, got %v", name, err)
		}
	}
	s.testAndSetScanning(false)
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRunWorkersPanic(t *testing.T) {
	e := newTestEnv(t)
	s := newTestScanner(t, e, newTestDB(t), 1, 3)
	err := s.runWorkers(t.Context(), func(context.Context) error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("%w: read: %w", ErrIO, database.ErrNotFound)
	if !errors.Is(err, ErrIO) || !errors.Is(err, database.ErrNotFound) {
		t.Fatal("double wrapped error lost a class")
	}
	if errors.Is(err, ErrIntegrity) {
		t.Fatal("io error is not an integrity error")
	}
	if !errors.Is(IntegrityError("x"), ErrIntegrity) {
		t.Fatal("integrity error class")
	}
}
