// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database/sshdb"
)

// Scan indexes the main chain from the SSH checkpoint to the current top
// and then refreshes the summaries of every touched script hash. It returns
// ErrReorgRequired when the checkpoint is no longer on the main chain.
func (s *Scanner) Scan(ctx context.Context) error {
	log.Tracef("Scan")
	defer log.Tracef("Scan exit")

	if !s.testAndSetScanning(true) {
		return ErrAlreadyScanning
	}
	defer s.testAndSetScanning(false)

	from, err := s.resumeHeight(ctx, sshdb.CheckpointSSH)
	if err != nil {
		return err
	}
	top := s.chain.Top()
	if top == nil || from > top.Height {
		log.Debugf("ssh index at top")
		return nil
	}
	headers, err := s.mainHeaders(from, top.Height)
	if err != nil {
		return err
	}

	start := time.Now()
	log.Infof("Scanning %v blocks: %v-%v", len(headers), from, top.Height)
	if err := s.scanSSH(ctx, headers); err != nil {
		return fmt.Errorf("scan %v-%v: %w", from, top.Height, err)
	}
	log.Infof("Scanned %v blocks in %v", len(headers), time.Since(start))

	return s.refreshSummaries(ctx)
}

// scanSSH runs the SSH pipeline over headers. Batches are parsed by the
// producer, serialized by a second goroutine and written by the committer.
// Parsing of batch N+1 overlaps with serializing and committing batch N.
func (s *Scanner) scanSSH(ctx context.Context, headers []*chainstate.Header) error {
	runs := s.partition(headers)
	if len(runs) == 0 {
		return nil
	}
	progress := newProgressReporter(s.cfg.Progress)
	defer progress.stop()

	q := newCommitQueue(s.cfg.WriteQueueDepth)
	serializeC := make(chan *sshBatch)

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.committer(ectx, q)
	})
	eg.Go(func() error {
		for b := range serializeC {
			if err := s.commitSSHBatch(ectx, q, b); err != nil {
				return err
			}
		}
		// Only close on success, the committer must not commit a
		// partial batch.
		q.close()
		return nil
	})
	eg.Go(func() error {
		defer close(serializeC)
		for k, run := range runs {
			bb, err := newBlockBatch(run, orderAscending, s.loader,
				s.chain, s.blockCache)
			if err != nil {
				return err
			}
			b := newSSHBatch(s.nextBatchID(), bb)
			progress.report(PhaseSSH, k, len(runs))
			if err := s.parseSSHBatch(ectx, b); err != nil {
				return err
			}
			s.pending.add(b.id, &pendingBatch{
				hints: b.hints,
				spent: b.spentness,
			})
			select {
			case <-ectx.Done():
				return ectx.Err()
			case serializeC <- b:
			}
		}
		progress.report(PhaseSSH, len(runs), len(runs))
		return nil
	})

	err := eg.Wait()
	if err != nil {
		s.pending.reset()
	}
	return err
}

// commitSSHBatch serializes b and queues its write sets followed by a flush
// that moves the SSH checkpoint to the last block of b.
func (s *Scanner) commitSSHBatch(ctx context.Context, q *commitQueue, b *sshBatch) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	wss, err := s.serialize(ctx, b)
	if err != nil {
		return fmt.Errorf("serialize %v: %w", b, err)
	}
	s.addHints(b.touched())

	var size int
	for _, ws := range wss {
		size += ws.Size()
		if err := q.push(ctx, &commitItem{ws: ws}); err != nil {
			return err
		}
		s.metrics.queueDepth.Set(float64(q.len()))
	}

	var (
		id     = b.id
		blocks = b.batch.len()
		desc   = b.String()
		parsed = b.parsed
	)
	return q.push(ctx, &commitItem{
		flush: true,
		cp:    sshdb.CheckpointSSH,
		last:  b.batch.last(),
		committed: func() {
			s.pending.remove(id)
			s.metrics.blocksScanned.Add(float64(blocks))
			s.metrics.batchesCommitted.Inc()
			log.Infof("Committed %v: parsed %v, committed %v bytes in %v",
				desc, parsed, size, time.Since(start))
			logMemStats()
		},
	})
}
