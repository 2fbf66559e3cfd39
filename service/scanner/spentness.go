// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
)

// spentnessBatch is the state of one batch moving through the spentness
// pipeline.
type spentnessBatch struct {
	id    uint64
	batch *blockBatch

	mtx sync.Mutex

	// commitNow holds resolved spends. commitLater holds spends whose
	// output transaction was not known to the worker that saw them.
	commitNow   map[sshdb.TxOutKey]sshdb.TxInKey
	commitLater map[wire.OutPoint]sshdb.TxInKey
	hints       map[chainhash.Hash]sshdb.TxKey

	done     chan struct{}
	doneOnce sync.Once

	inputs int
	parsed time.Duration
}

func newSpentnessBatch(id uint64, b *blockBatch) *spentnessBatch {
	return &spentnessBatch{
		id:          id,
		batch:       b,
		commitNow:   make(map[sshdb.TxOutKey]sshdb.TxInKey),
		commitLater: make(map[wire.OutPoint]sshdb.TxInKey),
		hints:       make(map[chainhash.Hash]sshdb.TxKey),
		done:        make(chan struct{}),
	}
}

func (b *spentnessBatch) String() string {
	return fmt.Sprintf("spentness batch %v (%v)", b.id, b.batch)
}

func (b *spentnessBatch) complete() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *spentnessBatch) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

// setNow records a resolved spend. An output spent twice is an integrity
// error.
func (b *spentnessBatch) setNow(out sshdb.TxOutKey, in sshdb.TxInKey) error {
	if other, ok := b.commitNow[out]; ok && other != in {
		return fmt.Errorf("%w: %v spent by %v and %v", ErrIntegrity,
			out, other, in)
	}
	b.commitNow[out] = in
	return nil
}

type spentnessResult struct {
	hints  map[chainhash.Hash]sshdb.TxKey
	now    map[sshdb.TxOutKey]sshdb.TxInKey
	later  map[wire.OutPoint]sshdb.TxInKey
	inputs int
}

type spendCheck func(out sshdb.TxOutKey, in sshdb.TxInKey) error

// leftover is a spend whose output transaction has not been seen yet.
type leftover struct {
	index uint32
	in    sshdb.TxInKey
}

// leftovers are deferred spends carried across batches, keyed by the
// transaction that created the spent output.
type leftovers struct {
	m     map[chainhash.Hash][]leftover
	count int
}

func newLeftovers() *leftovers {
	return &leftovers{m: make(map[chainhash.Hash][]leftover)}
}

func (l *leftovers) add(op wire.OutPoint, in sshdb.TxInKey) {
	l.m[op.Hash] = append(l.m[op.Hash], leftover{index: op.Index, in: in})
	l.count++
}

// sweep moves every leftover whose transaction is in hints into b. check,
// when set, vets each spend before it is moved.
func (l *leftovers) sweep(b *spentnessBatch, check spendCheck) error {
	promote := func(txid chainhash.Hash, tk sshdb.TxKey) error {
		for _, lo := range l.m[txid] {
			out := sshdb.NewTxOutKey(tk, lo.index)
			if check != nil {
				if err := check(out, lo.in); err != nil {
					return err
				}
			}
			if err := b.setNow(out, lo.in); err != nil {
				return err
			}
			l.count--
		}
		delete(l.m, txid)
		return nil
	}
	if len(l.m) < len(b.hints) {
		for txid := range l.m {
			if tk, ok := b.hints[txid]; ok {
				if err := promote(txid, tk); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for txid, tk := range b.hints {
		if _, ok := l.m[txid]; ok {
			if err := promote(txid, tk); err != nil {
				return err
			}
		}
	}
	return nil
}

// minHeight returns the lowest spender height of all leftovers.
func (l *leftovers) minHeight() uint32 {
	height := uint32(math.MaxUint32)
	for _, los := range l.m {
		for _, lo := range los {
			height = min(height, lo.in.TxKey().BlockKey().Height())
		}
	}
	return height
}

// ScanSpentness refreshes spentness and transaction hints from the
// spentness checkpoint to the current top without building histories.
func (s *Scanner) ScanSpentness(ctx context.Context) error {
	log.Tracef("ScanSpentness")
	defer log.Tracef("ScanSpentness exit")

	if !s.testAndSetScanning(true) {
		return ErrAlreadyScanning
	}
	defer s.testAndSetScanning(false)

	from, err := s.resumeHeight(ctx, sshdb.CheckpointSpentness)
	if err != nil {
		return err
	}
	top := s.chain.Top()
	if top == nil || from > top.Height {
		log.Debugf("spentness index at top")
		return nil
	}
	headers, err := s.mainHeaders(from, top.Height)
	if err != nil {
		return err
	}
	log.Infof("Scanning spentness of %v blocks: %v-%v", len(headers), from,
		top.Height)
	return s.scanSpentness(ctx, headers, orderAscending)
}

// RefreshSpentness rebuilds spentness for the main chain from height from
// to the top, walking blocks from the top down. Transactions below from
// must already be hinted in the database.
func (s *Scanner) RefreshSpentness(ctx context.Context, from uint32) error {
	log.Tracef("RefreshSpentness")
	defer log.Tracef("RefreshSpentness exit")

	if !s.testAndSetScanning(true) {
		return ErrAlreadyScanning
	}
	defer s.testAndSetScanning(false)

	resume, err := s.resumeHeight(ctx, sshdb.CheckpointSpentness)
	if err != nil {
		return err
	}
	if from > resume {
		return fmt.Errorf("refresh from %v beyond spentness checkpoint %v",
			from, resume)
	}
	top := s.chain.Top()
	if top == nil || from > top.Height {
		return nil
	}
	headers, err := s.mainHeaders(from, top.Height)
	if err != nil {
		return err
	}
	log.Infof("Refreshing spentness of %v blocks: %v-%v", len(headers),
		from, top.Height)
	return s.scanSpentness(ctx, headers, orderDescending)
}

// scanSpentness runs the spentness pipeline over headers in order o.
// Ascending scans move the checkpoint with every batch but never past a
// block with unresolved spends. Descending scans only move it once all
// spends are resolved.
func (s *Scanner) scanSpentness(ctx context.Context, headers []*chainstate.Header, o order) error {
	runs := s.partition(headers)
	if len(runs) == 0 {
		return nil
	}
	if o == orderDescending {
		for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
			runs[i], runs[j] = runs[j], runs[i]
		}
	}
	top := headers[len(headers)-1]

	progress := newProgressReporter(s.cfg.Progress)
	defer progress.stop()

	q := newCommitQueue(s.cfg.WriteQueueDepth)
	serializeC := make(chan *spentnessItem)
	lo := newLeftovers()
	defer s.metrics.leftovers.Set(0)

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.committer(ectx, q)
	})
	eg.Go(func() error {
		for it := range serializeC {
			if err := s.commitSpentnessBatch(ectx, q, it); err != nil {
				return err
			}
		}
		q.close()
		return nil
	})
	eg.Go(func() error {
		defer close(serializeC)
		for k, run := range runs {
			bb, err := newBlockBatch(run, o, s.loader, s.chain,
				s.blockCache)
			if err != nil {
				return err
			}
			b := newSpentnessBatch(s.nextBatchID(), bb)
			progress.report(PhaseSpentness, k, len(runs))
			if err := s.parseSpentnessBatch(ectx, b); err != nil {
				return err
			}
			if err := s.promote(ectx, b, lo); err != nil {
				return err
			}
			s.metrics.leftovers.Set(float64(lo.count))
			if lo.count > s.cfg.LeftoverThreshold {
				return fmt.Errorf("%w: %v after %v", ErrLeftovers,
					lo.count, b)
			}

			it := &spentnessItem{batch: b}
			switch {
			case o == orderDescending && k == len(runs)-1:
				if lo.count == 0 {
					it.last = top
				}
			case o == orderAscending:
				it.last = b.batch.last()
				if lo.count > 0 {
					it.last, err = s.cappedCheckpoint(lo, it.last)
					if err != nil {
						return err
					}
				}
			}

			s.pending.add(b.id, &pendingBatch{
				hints: b.hints,
				spent: b.commitNow,
			})
			select {
			case <-ectx.Done():
				return ectx.Err()
			case serializeC <- it:
			}
		}
		progress.report(PhaseSpentness, len(runs), len(runs))
		if lo.count > 0 {
			return fmt.Errorf("%w: %v spends of unknown outputs, "+
				"first at height %v", ErrIntegrity, lo.count,
				lo.minHeight())
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		s.pending.reset()
	}
	return err
}

// cappedCheckpoint returns the block the checkpoint may move to while
// leftovers are outstanding. nil leaves it where it is.
func (s *Scanner) cappedCheckpoint(lo *leftovers, last *chainstate.Header) (*chainstate.Header, error) {
	height := lo.minHeight()
	if height > last.Height {
		return last, nil
	}
	if height == 0 {
		return nil, nil
	}
	h, err := s.chain.HeaderByHeight(height - 1)
	if err != nil {
		return nil, fmt.Errorf("%w: header %v: %w", ErrIntegrity,
			height-1, err)
	}
	return h, nil
}

func (s *Scanner) parseSpentnessBatch(ctx context.Context, b *spentnessBatch) error {
	log.Tracef("parseSpentnessBatch %v", b)
	defer log.Tracef("parseSpentnessBatch %v exit", b)

	start := time.Now()
	if err := b.batch.populateFileMap(); err != nil {
		return err
	}
	defer b.batch.release()

	err := s.runWorkers(ctx, func(ctx context.Context) error {
		r := &spentnessResult{
			hints: make(map[chainhash.Hash]sshdb.TxKey),
			now:   make(map[sshdb.TxOutKey]sshdb.TxInKey),
			later: make(map[wire.OutPoint]sshdb.TxInKey),
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
			if err := s.parseSpends(ctx, bd, r); err != nil {
				return err
			}
		}
		return b.merge(r)
	})
	if err != nil {
		return fmt.Errorf("spentness pass %v: %w", b, err)
	}
	b.parsed = time.Since(start)
	b.complete()

	log.Debugf("%v parsed in %v: inputs %v deferred %v", b, b.parsed,
		b.inputs, len(b.commitLater))
	return nil
}

// parseSpends records the spends of bd. Spends whose output transaction is
// unknown to this worker are deferred.
func (s *Scanner) parseSpends(ctx context.Context, bd *BlockData, r *spentnessResult) error {
	bk := bd.Key()
	txs := bd.Block.Transactions()
	for txIdx, tx := range txs {
		setHint(r.hints, *tx.Hash(), sshdb.NewTxKey(bk, uint32(txIdx)))
	}
	for txIdx, tx := range txs {
		if blockchain.IsCoinBase(tx) {
			continue
		}
		tk := sshdb.NewTxKey(bk, uint32(txIdx))
		for inIdx, in := range tx.MsgTx().TxIn {
			prev := in.PreviousOutPoint
			inKey := sshdb.NewTxInKey(tk, uint32(inIdx))
			ptk, ok, err := s.lookupTxKey(ctx, r.hints, prev.Hash)
			if err != nil {
				return err
			}
			r.inputs++
			if !ok {
				r.later[prev] = inKey
				continue
			}
			out := sshdb.NewTxOutKey(ptk, prev.Index)
			if other, ok := r.now[out]; ok {
				return fmt.Errorf("%w: %v spent by %v and %v",
					ErrIntegrity, prev, other, inKey)
			}
			if err := s.checkSpender(ctx, out, inKey); err != nil {
				return err
			}
			r.now[out] = inKey
		}
	}
	return nil
}

// lookupTxKey finds txid in local hints, pending batches and the database.
// Not finding it is not an error.
func (s *Scanner) lookupTxKey(ctx context.Context, local map[chainhash.Hash]sshdb.TxKey, txid chainhash.Hash) (sshdb.TxKey, bool, error) {
	if tk, ok := local[txid]; ok {
		return tk, true, nil
	}
	if tk, ok := s.pending.txKey(txid); ok {
		return tk, true, nil
	}
	tk, err := s.db.TxKeyByHash(ctx, txid)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return tk, false, nil
		}
		return tk, false, fmt.Errorf("%w: tx key %v: %w", ErrIO, txid, err)
	}
	return tk, true, nil
}

func (b *spentnessBatch) merge(r *spentnessResult) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for txid, tk := range r.hints {
		setHint(b.hints, txid, tk)
	}
	for out, in := range r.now {
		if err := b.setNow(out, in); err != nil {
			return err
		}
	}
	for op, in := range r.later {
		if other, ok := b.commitLater[op]; ok && other != in {
			return fmt.Errorf("%w: %v spent by %v and %v",
				ErrIntegrity, op, other, in)
		}
		b.commitLater[op] = in
	}
	b.inputs += r.inputs
	return nil
}

// promote resolves deferred spends of b against the merged batch hints,
// moves the rest to the leftovers and then sweeps leftovers of earlier
// batches. Spends already recorded for another input by an uncommitted
// batch or the database fail the batch.
func (s *Scanner) promote(ctx context.Context, b *spentnessBatch, lo *leftovers) error {
	check := func(out sshdb.TxOutKey, in sshdb.TxInKey) error {
		return s.checkSpender(ctx, out, in)
	}
	for op, in := range b.commitLater {
		if tk, ok := b.hints[op.Hash]; ok {
			out := sshdb.NewTxOutKey(tk, op.Index)
			if err := check(out, in); err != nil {
				return err
			}
			if err := b.setNow(out, in); err != nil {
				return err
			}
			continue
		}
		lo.add(op, in)
	}
	clear(b.commitLater)
	return lo.sweep(b, check)
}

type spentnessItem struct {
	batch *spentnessBatch
	last  *chainstate.Header // checkpoint, nil leaves it alone
}

func (s *Scanner) commitSpentnessBatch(ctx context.Context, q *commitQueue, it *spentnessItem) error {
	b := it.batch
	if err := b.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	var size int
	for _, ws := range []*sshdb.WriteSet{
		serializeSpentness(b.commitNow),
		serializeHints(b.hints),
	} {
		if ws.Len() == 0 {
			continue
		}
		size += ws.Size()
		if err := q.push(ctx, &commitItem{ws: ws}); err != nil {
			return err
		}
	}

	var (
		id     = b.id
		blocks = b.batch.len()
		desc   = b.String()
	)
	return q.push(ctx, &commitItem{
		flush: true,
		cp:    sshdb.CheckpointSpentness,
		last:  it.last,
		committed: func() {
			s.pending.remove(id)
			s.metrics.blocksScanned.Add(float64(blocks))
			s.metrics.batchesCommitted.Inc()
			log.Infof("Committed %v: %v bytes in %v", desc, size,
				time.Since(start))
			logMemStats()
		},
	})
}
