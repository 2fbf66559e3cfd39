// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/sync/errgroup"

	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
)

// subSSH holds sub-histories by script hash and block.
type subSSH map[sshdb.ScriptHash]map[sshdb.BlockKey]*sshdb.SubHistory

func (m subSSH) get(sh sshdb.ScriptHash, bk sshdb.BlockKey) *sshdb.SubHistory {
	bm, ok := m[sh]
	if !ok {
		bm = make(map[sshdb.BlockKey]*sshdb.SubHistory)
		m[sh] = bm
	}
	h, ok := bm[bk]
	if !ok {
		h = &sshdb.SubHistory{}
		bm[bk] = h
	}
	return h
}

// setHint records where txid lives. Duplicate txids resolve to the later
// transaction.
func setHint(hints map[chainhash.Hash]sshdb.TxKey, txid chainhash.Hash, tk sshdb.TxKey) {
	if otk, ok := hints[txid]; ok && string(otk[:]) > string(tk[:]) {
		return
	}
	hints[txid] = tk
}

func recoverWorker(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: worker panic: %v", ErrIntegrity, r)
	}
}

// runWorkers runs fn on every worker thread and returns the first error.
func (s *Scanner) runWorkers(ctx context.Context, fn func(ctx context.Context) error) error {
	eg, ectx := errgroup.WithContext(ctx)
	for range s.cfg.Threads {
		eg.Go(func() (err error) {
			defer recoverWorker(&err)
			return fn(ectx)
		})
	}
	return eg.Wait()
}

// sshBatch is the state of one batch moving through the SSH pipeline.
type sshBatch struct {
	id    uint64
	batch *blockBatch

	mtx       sync.Mutex
	ssh       subSSH
	spentness map[sshdb.TxOutKey]sshdb.TxInKey

	// hints is complete once the output pass is merged and only read
	// afterwards. dbHints caches database lookups of the input pass.
	hints   map[chainhash.Hash]sshdb.TxKey
	dbHints sync.Map

	addrPrefixCounter atomic.Int32

	done     chan struct{}
	doneOnce sync.Once

	// diagnostics
	outputs int
	inputs  int
	parsed  time.Duration
}

func newSSHBatch(id uint64, b *blockBatch) *sshBatch {
	return &sshBatch{
		id:        id,
		batch:     b,
		ssh:       make(subSSH),
		spentness: make(map[sshdb.TxOutKey]sshdb.TxInKey),
		hints:     make(map[chainhash.Hash]sshdb.TxKey),
		done:      make(chan struct{}),
	}
}

func (b *sshBatch) String() string {
	return fmt.Sprintf("batch %v (%v)", b.id, b.batch)
}

// complete signals that the batch is fully merged.
func (b *sshBatch) complete() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *sshBatch) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

func (b *sshBatch) touched() map[sshdb.ScriptHash]struct{} {
	t := make(map[sshdb.ScriptHash]struct{}, len(b.ssh))
	for sh := range b.ssh {
		t[sh] = struct{}{}
	}
	return t
}

type outputResult struct {
	ssh     subSSH
	hints   map[chainhash.Hash]sshdb.TxKey
	outputs int
}

type inputResult struct {
	spends subSSH
	spent  map[sshdb.TxOutKey]sshdb.TxInKey
	inputs int
}

// parseSSHBatch runs both passes over a batch and merges the results.
func (s *Scanner) parseSSHBatch(ctx context.Context, b *sshBatch) error {
	log.Tracef("parseSSHBatch %v", b)
	defer log.Tracef("parseSSHBatch %v exit", b)

	start := time.Now()
	if err := b.batch.populateFileMap(); err != nil {
		return err
	}
	defer b.batch.release()

	if err := s.outputPass(ctx, b); err != nil {
		return fmt.Errorf("output pass %v: %w", b, err)
	}
	b.batch.resetCounter()
	if err := s.inputPass(ctx, b); err != nil {
		return fmt.Errorf("input pass %v: %w", b, err)
	}
	b.parsed = time.Since(start)
	b.complete()

	log.Debugf("%v parsed in %v: outputs %v inputs %v script hashes %v",
		b, b.parsed, b.outputs, b.inputs, len(b.ssh))
	return nil
}

func (s *Scanner) outputPass(ctx context.Context, b *sshBatch) error {
	return s.runWorkers(ctx, func(ctx context.Context) error {
		r := &outputResult{
			ssh:   make(subSSH),
			hints: make(map[chainhash.Hash]sshdb.TxKey),
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			bd, err := b.batch.getNext()
			if err != nil {
				return err
			}
			if bd == nil {
				break
			}
			parseOutputs(bd, r)
		}
		return b.mergeOutputs(r)
	})
}

// parseOutputs credits every spendable output of bd to its script hash.
func parseOutputs(bd *BlockData, r *outputResult) {
	bk := bd.Key()
	for txIdx, tx := range bd.Block.Transactions() {
		tk := sshdb.NewTxKey(bk, uint32(txIdx))
		setHint(r.hints, *tx.Hash(), tk)
		for outIdx, out := range tx.MsgTx().TxOut {
			if txscript.IsUnspendable(out.PkScript) {
				continue
			}
			h := r.ssh.get(sshdb.NewScriptHash(out.PkScript), bk)
			h.Entries = append(h.Entries, sshdb.HistoryEntry{
				Output: sshdb.NewTxOutKey(tk, uint32(outIdx)),
				Value:  out.Value,
			})
			h.SpentOffset = len(h.Entries)
			r.outputs++
		}
	}
}

func (b *sshBatch) mergeOutputs(r *outputResult) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for sh, m := range r.ssh {
		dst, ok := b.ssh[sh]
		if !ok {
			b.ssh[sh] = m
			continue
		}
		for bk, h := range m {
			if _, ok := dst[bk]; ok {
				return fmt.Errorf("%w: duplicate sub-history %v %v",
					ErrIntegrity, sh, bk)
			}
			dst[bk] = h
		}
	}
	for txid, tk := range r.hints {
		setHint(b.hints, txid, tk)
	}
	b.outputs += r.outputs
	return nil
}

func (s *Scanner) inputPass(ctx context.Context, b *sshBatch) error {
	return s.runWorkers(ctx, func(ctx context.Context) error {
		r := &inputResult{
			spends: make(subSSH),
			spent:  make(map[sshdb.TxOutKey]sshdb.TxInKey),
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			bd, err := b.batch.getNext()
			if err != nil {
				return err
			}
			if bd == nil {
				break
			}
			if err := s.parseInputs(ctx, b, bd, r); err != nil {
				return err
			}
		}
		return b.mergeInputs(r)
	})
}

// parseInputs places a spend marker for every output spent in bd.
func (s *Scanner) parseInputs(ctx context.Context, b *sshBatch, bd *BlockData, r *inputResult) error {
	bk := bd.Key()
	var ref StxoRef
	for txIdx, tx := range bd.Block.Transactions() {
		if blockchain.IsCoinBase(tx) {
			continue
		}
		tk := sshdb.NewTxKey(bk, uint32(txIdx))
		for inIdx, in := range tx.MsgTx().TxIn {
			ref.Reset()
			prev := in.PreviousOutPoint
			ptk, err := s.resolveTxKey(ctx, b, prev.Hash)
			if err != nil {
				return fmt.Errorf("input %v:%v: %w", tx.Hash(), inIdx, err)
			}
			obd, err := b.batch.getBlockData(ptk.BlockKey())
			if err != nil {
				return err
			}
			ref, err = newStxoRef(obd, ptk.TxIndex(), prev.Index)
			if err != nil {
				return err
			}
			if ref.TxHash() != prev.Hash {
				return fmt.Errorf("%w: %v resolved to %v", ErrIntegrity,
					prev, &ref)
			}

			outKey := ref.DBKey()
			inKey := sshdb.NewTxInKey(tk, uint32(inIdx))
			if other, ok := r.spent[outKey]; ok {
				return fmt.Errorf("%w: %v spent by %v and %v",
					ErrIntegrity, prev, other, inKey)
			}
			if err := s.checkSpender(ctx, outKey, inKey); err != nil {
				return err
			}
			r.spent[outKey] = inKey

			h := r.spends.get(ref.ScriptHash(), bk)
			h.Entries = append(h.Entries, sshdb.HistoryEntry{
				Output:  outKey,
				Value:   ref.Value(),
				Spender: inKey,
			})
			r.inputs++
		}
	}
	return nil
}

// resolveTxKey finds txid in the batch, then in pending batches and last in
// the database.
func (s *Scanner) resolveTxKey(ctx context.Context, b *sshBatch, txid chainhash.Hash) (sshdb.TxKey, error) {
	if tk, ok := b.hints[txid]; ok {
		return tk, nil
	}
	if tk, ok := s.pending.txKey(txid); ok {
		return tk, nil
	}
	if v, ok := b.dbHints.Load(txid); ok {
		return v.(sshdb.TxKey), nil
	}
	tk, err := s.db.TxKeyByHash(ctx, txid)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return tk, fmt.Errorf("%w: unresolved outpoint tx %v",
				ErrIntegrity, txid)
		}
		return tk, fmt.Errorf("%w: tx key %v: %w", ErrIO, txid, err)
	}
	b.dbHints.Store(txid, tk)
	return tk, nil
}

// checkSpender fails when out was already spent by a different input.
func (s *Scanner) checkSpender(ctx context.Context, out sshdb.TxOutKey, in sshdb.TxInKey) error {
	if other, ok := s.pending.spender(out); ok {
		if other != in {
			return fmt.Errorf("%w: %v spent by %v and %v",
				ErrIntegrity, out, other, in)
		}
		return nil
	}
	other, err := s.db.SpentnessByOutput(ctx, out)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("%w: spentness %v: %w", ErrIO, out, err)
	case other != in:
		stale, err := s.offMain(other.TxKey().BlockKey())
		if err != nil {
			return err
		}
		if stale {
			// Written for a block that lost a reorg before its
			// checkpoint landed, the new spend replaces it.
			log.Debugf("replacing stale spender %v of %v with %v",
				other, out, in)
			return nil
		}
		return fmt.Errorf("%w: %v spent by %v and %v", ErrIntegrity,
			out, other, in)
	}
	return nil
}

// offMain reports whether bk no longer names a main chain block.
func (s *Scanner) offMain(bk sshdb.BlockKey) (bool, error) {
	dup, err := s.chain.HeightAndDup(bk.Height())
	switch {
	case errors.Is(err, database.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("%w: header %v: %w", ErrIntegrity, bk, err)
	}
	return dup != bk.Dup(), nil
}

func (b *sshBatch) mergeInputs(r *inputResult) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for out, in := range r.spent {
		if other, ok := b.spentness[out]; ok {
			return fmt.Errorf("%w: %v spent by %v and %v",
				ErrIntegrity, out, other, in)
		}
		b.spentness[out] = in
	}
	for sh, m := range r.spends {
		for bk, sp := range m {
			h := b.ssh.get(sh, bk)
			if len(h.Spends()) > 0 {
				return fmt.Errorf("%w: duplicate spends %v %v",
					ErrIntegrity, sh, bk)
			}
			h.Entries = append(h.Entries, sp.Entries...)
		}
	}
	b.inputs += r.inputs
	return nil
}
