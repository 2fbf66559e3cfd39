// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import "sync"

type progressEvent struct {
	phase       Phase
	progress    float64
	unit, total int
}

// progressReporter calls the progress callback from its own goroutine so
// that a slow callback never stalls a scan. Events that arrive while the
// callback is busy are dropped.
type progressReporter struct {
	fn ProgressFunc
	c  chan progressEvent
	wg sync.WaitGroup
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	p := &progressReporter{fn: fn}
	if fn == nil {
		return p
	}
	p.c = make(chan progressEvent, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for e := range p.c {
			p.fn(e.phase, e.progress, e.unit, e.total)
		}
	}()
	return p
}

func (p *progressReporter) report(phase Phase, unit, total int) {
	if p.c == nil {
		return
	}
	e := progressEvent{phase: phase, unit: unit, total: total}
	if total > 0 {
		e.progress = float64(unit) / float64(total)
	}
	select {
	case p.c <- e:
	default:
	}
}

// stop waits for the last delivered event. report must not be called
// afterwards.
func (p *progressReporter) stop() {
	if p.c == nil {
		return
	}
	close(p.c)
	p.wg.Wait()
}
