// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hemilabs/sshscan/database/sshdb"
)

// UpdateSSH recomputes script hash summaries from the SSH index. With hints
// only the script hashes touched since the last update are recomputed,
// unless too many were touched. Without hints every summary is rebuilt.
func (s *Scanner) UpdateSSH(ctx context.Context, withHints bool) error {
	log.Tracef("UpdateSSH")
	defer log.Tracef("UpdateSSH exit")

	if !s.testAndSetScanning(true) {
		return ErrAlreadyScanning
	}
	defer s.testAndSetScanning(false)

	hints, overflow := s.takeHints()
	if !withHints || overflow {
		return s.updateSSH(ctx, nil)
	}
	if len(hints) == 0 {
		return nil
	}
	return s.updateSSH(ctx, hints)
}

// refreshSummaries updates the summaries of the hinted script hashes.
func (s *Scanner) refreshSummaries(ctx context.Context) error {
	hints, overflow := s.takeHints()
	if overflow {
		return s.updateSSH(ctx, nil)
	}
	if len(hints) == 0 {
		return nil
	}
	return s.updateSSH(ctx, hints)
}

// updateSSH recomputes the summaries of hints, or of every script hash when
// hints is nil, and commits them through the committer.
func (s *Scanner) updateSSH(ctx context.Context, hints []sshdb.ScriptHash) error {
	start := time.Now()
	progress := newProgressReporter(s.cfg.Progress)
	defer progress.stop()

	q := newCommitQueue(s.cfg.WriteQueueDepth)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.committer(ectx, q)
	})
	eg.Go(func() error {
		var err error
		if hints == nil {
			err = s.summarizeAll(ectx, q, progress)
		} else {
			err = s.summarizeHinted(ectx, q, hints, progress)
		}
		if err != nil {
			return err
		}
		if err := q.push(ectx, &commitItem{flush: true}); err != nil {
			return err
		}
		q.close()
		return nil
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("update ssh: %w", err)
	}
	if hints == nil {
		log.Infof("Summaries rebuilt in %v", time.Since(start))
	} else {
		log.Infof("%v summaries updated in %v", len(hints),
			time.Since(start))
	}
	return nil
}

func (s *Scanner) summarizeHinted(ctx context.Context, q *commitQueue, hints []sshdb.ScriptHash, progress *progressReporter) error {
	sortScriptHashes(hints)

	var next atomic.Int64
	return s.runWorkers(ctx, func(ctx context.Context) error {
		ws := sshdb.NewWriteSet()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			i := int(next.Add(1) - 1)
			if i >= len(hints) {
				break
			}
			sh := hints[i]
			hs, err := s.db.SubHistoriesByScriptHash(ctx, sh)
			if err != nil {
				return fmt.Errorf("%w: history %v: %w", ErrIO, sh, err)
			}
			if len(hs) == 0 {
				ws.DelSummary(sh)
			} else {
				ws.PutSummary(sh, sshdb.Summarize(hs))
			}
			if ws.Size() >= s.cfg.CommitThreshold {
				if err := q.push(ctx, &commitItem{ws: ws}); err != nil {
					return err
				}
				ws = sshdb.NewWriteSet()
			}
			progress.report(PhaseUpdateSSH, i+1, len(hints))
		}
		if ws.Len() == 0 {
			return nil
		}
		return q.push(ctx, &commitItem{ws: ws})
	})
}

// summarizeAll sweeps the SSH table one address prefix at a time. Prefixes
// are claimed through an atomic counter.
func (s *Scanner) summarizeAll(ctx context.Context, q *commitQueue, progress *progressReporter) error {
	var addrPrefixCounter atomic.Int32
	return s.runWorkers(ctx, func(ctx context.Context) error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := addrPrefixCounter.Add(1) - 1
			if p >= addrPrefixes {
				return nil
			}
			ws, err := s.summarizePrefix(ctx, byte(p))
			if err != nil {
				return err
			}
			if ws.Len() > 0 {
				if err := q.push(ctx, &commitItem{ws: ws}); err != nil {
					return err
				}
			}
			progress.report(PhaseUpdateSSH, int(p)+1, addrPrefixes)
		}
	})
}

func (s *Scanner) summarizePrefix(ctx context.Context, prefix byte) (*sshdb.WriteSet, error) {
	summaries := make(map[sshdb.ScriptHash]sshdb.Summary)
	err := s.db.SubHistoriesByPrefix(ctx, prefix,
		func(sh sshdb.ScriptHash, hs []sshdb.BlockSubHistory) error {
			summaries[sh] = sshdb.Summarize(hs)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: histories %02x: %w", ErrIO, prefix, err)
	}

	ws := sshdb.NewWriteSet()
	err = s.db.SummariesByPrefix(ctx, prefix,
		func(sh sshdb.ScriptHash, old sshdb.Summary) error {
			sum, ok := summaries[sh]
			switch {
			case !ok:
				ws.DelSummary(sh)
			case sum == old:
				delete(summaries, sh)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: summaries %02x: %w", ErrIO, prefix, err)
	}

	shs := make([]sshdb.ScriptHash, 0, len(summaries))
	for sh := range summaries {
		shs = append(shs, sh)
	}
	sortScriptHashes(shs)
	for _, sh := range shs {
		ws.PutSummary(sh, summaries[sh])
	}
	return ws, nil
}
