// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package sshdb

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type writeOp struct {
	table string
	key   []byte
	value []byte // nil means delete
}

// WriteSet is an ordered list of mutations that are applied in a single
// transaction.
type WriteSet struct {
	ops  []writeOp
	size int
}

func NewWriteSet() *WriteSet {
	return &WriteSet{}
}

func (ws *WriteSet) put(table string, key, value []byte) {
	ws.ops = append(ws.ops, writeOp{table: table, key: key, value: value})
	ws.size += len(key) + len(value)
}

func (ws *WriteSet) del(table string, key []byte) {
	ws.ops = append(ws.ops, writeOp{table: table, key: key})
	ws.size += len(key)
}

func (ws *WriteSet) PutSubHistory(sh ScriptHash, bk BlockKey, h *SubHistory) {
	ws.put(SSHTable, sshKey(sh, bk), EncodeSubHistory(h))
}

func (ws *WriteSet) DelSubHistory(sh ScriptHash, bk BlockKey) {
	ws.del(SSHTable, sshKey(sh, bk))
}

func (ws *WriteSet) PutSpentness(out TxOutKey, in TxInKey) {
	ws.put(SpentnessTable, out[:], in[:])
}

func (ws *WriteSet) DelSpentness(out TxOutKey) {
	ws.del(SpentnessTable, out[:])
}

func (ws *WriteSet) PutTxHint(txid chainhash.Hash, tk TxKey) {
	ws.put(TxHintsTable, txid[:], tk[:])
}

func (ws *WriteSet) DelTxHint(txid chainhash.Hash) {
	ws.del(TxHintsTable, txid[:])
}

func (ws *WriteSet) PutSummary(sh ScriptHash, s Summary) {
	ws.put(SummaryTable, sh[:], EncodeSummary(s))
}

func (ws *WriteSet) DelSummary(sh ScriptHash) {
	ws.del(SummaryTable, sh[:])
}

func (ws *WriteSet) SetCheckpoint(cp Checkpoint, hash chainhash.Hash) {
	ws.put(MetadataTable, []byte(cp), hash[:])
}

// Append moves all operations of other to the end of ws.
func (ws *WriteSet) Append(other *WriteSet) {
	ws.ops = append(ws.ops, other.ops...)
	ws.size += other.size
}

// Len returns the number of operations.
func (ws *WriteSet) Len() int { return len(ws.ops) }

// Size returns the number of key and value bytes.
func (ws *WriteSet) Size() int { return ws.size }

func (ws *WriteSet) Reset() {
	ws.ops = ws.ops[:0]
	ws.size = 0
}

func (ws *WriteSet) String() string {
	return fmt.Sprintf("ops %v size %v", len(ws.ops), ws.size)
}
