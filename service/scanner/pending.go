// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/sshscan/database/sshdb"
)

// pendingBatch is what a parsed batch contributes until it is committed.
type pendingBatch struct {
	hints map[chainhash.Hash]sshdb.TxKey
	spent map[sshdb.TxOutKey]sshdb.TxInKey
}

// pendingSet makes batches that are parsed but not yet committed visible to
// the batches parsed after them. Lookups go batch, pending, database.
type pendingSet struct {
	mtx     sync.RWMutex
	batches map[uint64]*pendingBatch
	hints   map[chainhash.Hash]sshdb.TxKey
	spent   map[sshdb.TxOutKey]sshdb.TxInKey
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		batches: make(map[uint64]*pendingBatch),
		hints:   make(map[chainhash.Hash]sshdb.TxKey),
		spent:   make(map[sshdb.TxOutKey]sshdb.TxInKey),
	}
}

func (p *pendingSet) add(id uint64, pb *pendingBatch) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.batches[id] = pb
	for txid, tk := range pb.hints {
		if otk, ok := p.hints[txid]; ok && string(otk[:]) > string(tk[:]) {
			continue
		}
		p.hints[txid] = tk
	}
	for out, in := range pb.spent {
		p.spent[out] = in
	}
}

// remove drops a committed batch. Entries that a later batch replaced are
// left alone.
func (p *pendingSet) remove(id uint64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	pb, ok := p.batches[id]
	if !ok {
		return
	}
	delete(p.batches, id)
	for txid, tk := range pb.hints {
		if p.hints[txid] == tk {
			delete(p.hints, txid)
		}
	}
	for out, in := range pb.spent {
		if p.spent[out] == in {
			delete(p.spent, out)
		}
	}
}

func (p *pendingSet) reset() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	clear(p.batches)
	clear(p.hints)
	clear(p.spent)
}

func (p *pendingSet) txKey(txid chainhash.Hash) (sshdb.TxKey, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	tk, ok := p.hints[txid]
	return tk, ok
}

func (p *pendingSet) spender(out sshdb.TxOutKey) (sshdb.TxInKey, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	in, ok := p.spent[out]
	return in, ok
}

func (p *pendingSet) len() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return len(p.batches)
}
