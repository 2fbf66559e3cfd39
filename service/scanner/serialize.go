// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"bytes"
	"context"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/sshscan/database/sshdb"
)

const addrPrefixes = 256

func sortScriptHashes(shs []sshdb.ScriptHash) {
	sort.Slice(shs, func(i, j int) bool {
		return bytes.Compare(shs[i][:], shs[j][:]) < 0
	})
}

func sortedBlockKeys(m map[sshdb.BlockKey]*sshdb.SubHistory) []sshdb.BlockKey {
	bks := make([]sshdb.BlockKey, 0, len(m))
	for bk := range m {
		bks = append(bks, bk)
	}
	sort.Slice(bks, func(i, j int) bool {
		return bytes.Compare(bks[i][:], bks[j][:]) < 0
	})
	return bks
}

// serialize turns a merged batch into write sets, one per address prefix
// followed by spentness and transaction hints, all in key order.
func (s *Scanner) serialize(ctx context.Context, b *sshBatch) ([]*sshdb.WriteSet, error) {
	log.Tracef("serialize %v", b)
	defer log.Tracef("serialize %v exit", b)

	var buckets [addrPrefixes][]sshdb.ScriptHash
	for sh := range b.ssh {
		buckets[sh[0]] = append(buckets[sh[0]], sh)
	}

	groups := make([]*sshdb.WriteSet, addrPrefixes)
	b.addrPrefixCounter.Store(0)
	err := s.runWorkers(ctx, func(ctx context.Context) error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := b.addrPrefixCounter.Add(1) - 1
			if p >= addrPrefixes {
				return nil
			}
			shs := buckets[p]
			if len(shs) == 0 {
				continue
			}
			sortScriptHashes(shs)
			ws := sshdb.NewWriteSet()
			for _, sh := range shs {
				m := b.ssh[sh]
				for _, bk := range sortedBlockKeys(m) {
					ws.PutSubHistory(sh, bk, m[bk])
				}
			}
			groups[p] = ws
		}
	})
	if err != nil {
		return nil, err
	}

	wss := make([]*sshdb.WriteSet, 0, addrPrefixes+2)
	for _, ws := range groups {
		if ws != nil {
			wss = append(wss, ws)
		}
	}
	if ws := serializeSpentness(b.spentness); ws.Len() > 0 {
		wss = append(wss, ws)
	}
	if ws := serializeHints(b.hints); ws.Len() > 0 {
		wss = append(wss, ws)
	}
	return wss, nil
}

func serializeSpentness(spent map[sshdb.TxOutKey]sshdb.TxInKey) *sshdb.WriteSet {
	outs := make([]sshdb.TxOutKey, 0, len(spent))
	for out := range spent {
		outs = append(outs, out)
	}
	sort.Slice(outs, func(i, j int) bool {
		return bytes.Compare(outs[i][:], outs[j][:]) < 0
	})
	ws := sshdb.NewWriteSet()
	for _, out := range outs {
		ws.PutSpentness(out, spent[out])
	}
	return ws
}

func serializeHints(hints map[chainhash.Hash]sshdb.TxKey) *sshdb.WriteSet {
	txids := make([]chainhash.Hash, 0, len(hints))
	for txid := range hints {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return bytes.Compare(txids[i][:], txids[j][:]) < 0
	})
	ws := sshdb.NewWriteSet()
	for _, txid := range txids {
		ws.PutTxHint(txid, hints[txid])
	}
	return ws
}
