// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"fmt"

	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database/sshdb"
)

// commitItem is one unit of work for the committer.
type commitItem struct {
	ws *sshdb.WriteSet

	// flush commits the open transaction after ws. When last is set the
	// checkpoint cp is moved to it in that same transaction.
	flush bool
	cp    sshdb.Checkpoint
	last  *chainstate.Header

	// committed is called after a flush is durable.
	committed func()
}

// commitQueue is a bounded FIFO between serialization and the committer.
// Producers block while it is full.
type commitQueue struct {
	c chan *commitItem
}

func newCommitQueue(depth int) *commitQueue {
	if depth < 1 {
		depth = 1
	}
	return &commitQueue{c: make(chan *commitItem, depth)}
}

func (q *commitQueue) push(ctx context.Context, it *commitItem) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.c <- it:
		return nil
	}
}

// pop returns false once the queue is closed and drained.
func (q *commitQueue) pop(ctx context.Context) (*commitItem, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case it, ok := <-q.c:
		return it, ok, nil
	}
}

func (q *commitQueue) close() {
	close(q.c)
}

func (q *commitQueue) len() int {
	return len(q.c)
}

// committer is the only database writer of a pipeline. It writes items in
// queue order and starts a new transaction whenever CommitThreshold bytes
// were written.
func (s *Scanner) committer(ctx context.Context, q *commitQueue) error {
	log.Tracef("committer")
	defer log.Tracef("committer exit")

	var (
		tx   sshdb.Tx
		size int
	)
	defer func() {
		if tx != nil {
			log.Debugf("discarding transaction")
			if err := tx.Rollback(ctx); err != nil {
				log.Errorf("rollback: %v", err)
			}
		}
	}()
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit(ctx)
		tx = nil
		if err != nil {
			return fmt.Errorf("%w: commit: %w", ErrIO, err)
		}
		s.metrics.bytesCommitted.Add(float64(size))
		size = 0
		return nil
	}

	for {
		it, ok, err := q.pop(ctx)
		if err != nil {
			return err
		}
		s.metrics.queueDepth.Set(float64(q.len()))
		if !ok {
			return commit()
		}
		if tx == nil {
			tx, err = s.db.Begin(ctx)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
		}
		if it.ws != nil {
			if err := tx.Write(ctx, it.ws); err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
			size += it.ws.Size()
		}
		if it.last != nil {
			ws := sshdb.NewWriteSet()
			ws.SetCheckpoint(it.cp, it.last.Hash)
			if err := tx.Write(ctx, ws); err != nil {
				return fmt.Errorf("%w: checkpoint: %w", ErrIO, err)
			}
		}
		if !it.flush && size < s.cfg.CommitThreshold {
			continue
		}
		if err := commit(); err != nil {
			return err
		}
		if it.flush && it.committed != nil {
			it.committed()
		}
	}
}
