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

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sethvargo/go-retry"

	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
)

// Undo removes the index effects of the blocks rs orphaned and rewinds
// every checkpoint that points into them to the branch point. Undo may be
// repeated on the same ReorgState.
func (s *Scanner) Undo(ctx context.Context, rs *chainstate.ReorgState) error {
	log.Tracef("Undo")
	defer log.Tracef("Undo exit")

	if !s.testAndSetScanning(true) {
		return ErrAlreadyScanning
	}
	defer s.testAndSetScanning(false)

	if err := s.undo(ctx, rs); err != nil {
		return err
	}
	return s.refreshSummaries(ctx)
}

// UndoWithRetry calls Undo until it succeeds, fails with anything but an
// IOError or runs out of retries.
func (s *Scanner) UndoWithRetry(ctx context.Context, rs *chainstate.ReorgState) error {
	backoff := retry.WithJitter(250*time.Millisecond,
		retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.Undo(ctx, rs)
		if errors.Is(err, ErrIO) {
			log.Errorf("undo %v: %v", rs, err)
			return retry.RetryableError(err)
		}
		return err
	})
}

type undoResult struct {
	ws      *sshdb.WriteSet
	touched map[sshdb.ScriptHash]struct{}
}

func (s *Scanner) undo(ctx context.Context, rs *chainstate.ReorgState) error {
	if rs == nil || len(rs.Orphans()) == 0 {
		return nil
	}
	log.Infof("Undo %v", rs)

	// Orphans are highest first, batches want them ascending.
	orphans := rs.Orphans()
	headers := make([]*chainstate.Header, len(orphans))
	extra := make(map[sshdb.BlockKey]*chainstate.Header, len(orphans))
	inOrphans := make(map[chainhash.Hash]struct{}, len(orphans))
	for k, h := range orphans {
		headers[len(orphans)-1-k] = h
		extra[sshdb.NewBlockKey(h.Height, h.Dup)] = h
		inOrphans[h.Hash] = struct{}{}
	}

	// Checkpoints that point into the orphans move along with the undo.
	var rewind []sshdb.Checkpoint
	for _, cp := range []sshdb.Checkpoint{
		sshdb.CheckpointSSH,
		sshdb.CheckpointSpentness,
	} {
		hash, err := s.checkpoint(ctx, cp)
		if err != nil {
			return err
		}
		if hash == nil {
			continue
		}
		if _, ok := inOrphans[*hash]; ok {
			rewind = append(rewind, cp)
		}
	}

	progress := newProgressReporter(s.cfg.Progress)
	defer progress.stop()

	runs := s.partition(headers)
	for k := len(runs) - 1; k >= 0; k-- {
		bb, err := newBlockBatch(runs[k], orderDescending, s.loader,
			s.chain, s.blockCache)
		if err != nil {
			return err
		}
		bb.extra = extra
		progress.report(PhaseUndo, len(runs)-1-k, len(runs))
		if err := s.undoBatch(ctx, bb, rewind); err != nil {
			return fmt.Errorf("undo %v: %w", bb, err)
		}
	}
	progress.report(PhaseUndo, len(runs), len(runs))

	// Decoded orphans must not resolve anything after the reorg.
	for bk := range extra {
		s.blockCache.Remove(bk)
	}
	return nil
}

// undoBatch reverses the blocks of b and commits the result in a single
// transaction together with the rewound checkpoints.
func (s *Scanner) undoBatch(ctx context.Context, b *blockBatch, rewind []sshdb.Checkpoint) error {
	log.Tracef("undoBatch %v", b)
	defer log.Tracef("undoBatch %v exit", b)

	start := time.Now()
	if err := b.populateFileMap(); err != nil {
		return err
	}
	defer b.release()

	var (
		mtx     sync.Mutex
		results []*undoResult
	)
	err := s.runWorkers(ctx, func(ctx context.Context) error {
		r := &undoResult{
			ws:      sshdb.NewWriteSet(),
			touched: make(map[sshdb.ScriptHash]struct{}),
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			bd, err := b.getNext()
			if err != nil {
				return err
			}
			if bd == nil {
				break
			}
			if err := s.undoBlock(ctx, b, bd, r); err != nil {
				return err
			}
		}
		mtx.Lock()
		results = append(results, r)
		mtx.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	ws := sshdb.NewWriteSet()
	for _, r := range results {
		ws.Append(r.ws)
		s.addHints(r.touched)
	}
	lowest := b.headers[0]
	for _, cp := range rewind {
		ws.SetCheckpoint(cp, lowest.PrevHash)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := tx.Write(ctx, ws); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			log.Errorf("rollback: %v", rerr)
		}
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrIO, err)
	}
	s.metrics.blocksUndone.Add(float64(b.len()))
	s.metrics.bytesCommitted.Add(float64(ws.Size()))
	log.Infof("Undone %v: %v operations in %v", b, ws.Len(),
		time.Since(start))
	return nil
}

// undoBlock deletes everything bd added to the index. Records that are
// already gone or that belong to another block are left alone.
func (s *Scanner) undoBlock(ctx context.Context, b *blockBatch, bd *BlockData, r *undoResult) error {
	bk := bd.Key()
	var ref StxoRef
	for txIdx, tx := range bd.Block.Transactions() {
		tk := sshdb.NewTxKey(bk, uint32(txIdx))
		for outIdx, out := range tx.MsgTx().TxOut {
			if txscript.IsUnspendable(out.PkScript) {
				continue
			}
			sh := sshdb.NewScriptHash(out.PkScript)
			r.ws.DelSubHistory(sh, bk)
			r.ws.DelSpentness(sshdb.NewTxOutKey(tk, uint32(outIdx)))
			r.touched[sh] = struct{}{}
		}

		// Spends are undone before the hint of tx is dropped, hints
		// are read from the database as it was before this batch.
		if !blockchain.IsCoinBase(tx) {
			for inIdx, in := range tx.MsgTx().TxIn {
				ref.Reset()
				prev := in.PreviousOutPoint
				ptk, err := s.db.TxKeyByHash(ctx, prev.Hash)
				if err != nil {
					if errors.Is(err, database.ErrNotFound) {
						continue
					}
					return fmt.Errorf("%w: tx key %v: %w", ErrIO,
						prev.Hash, err)
				}
				obd, err := b.getBlockData(ptk.BlockKey())
				if err != nil {
					return err
				}
				ref, err = newStxoRef(obd, ptk.TxIndex(), prev.Index)
				if err != nil {
					return err
				}
				if ref.TxHash() != prev.Hash {
					return fmt.Errorf("%w: %v resolved to %v",
						ErrIntegrity, prev, &ref)
				}
				sh := ref.ScriptHash()
				r.ws.DelSubHistory(sh, bk)
				r.touched[sh] = struct{}{}

				outKey := ref.DBKey()
				inKey := sshdb.NewTxInKey(tk, uint32(inIdx))
				spender, err := s.db.SpentnessByOutput(ctx, outKey)
				switch {
				case errors.Is(err, database.ErrNotFound):
				case err != nil:
					return fmt.Errorf("%w: spentness %v: %w",
						ErrIO, outKey, err)
				case spender == inKey:
					r.ws.DelSpentness(outKey)
				}
			}
		}

		dtk, err := s.db.TxKeyByHash(ctx, *tx.Hash())
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			return fmt.Errorf("%w: tx key %v: %w", ErrIO, tx.Hash(), err)
		case dtk == tk:
			r.ws.DelTxHint(*tx.Hash())
		}
	}
	return nil
}
