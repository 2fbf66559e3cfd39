// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/sshscan/database/sshdb"
)

// StxoRef is a view of a transaction output inside a decoded block. It
// does not copy the output and must not outlive the BlockData it was
// created from.
type StxoRef struct {
	value  *int64
	script []byte
	txHash *chainhash.Hash

	height   uint32
	dup      uint8
	txIndex  uint32
	outIndex uint32
}

// newStxoRef returns a view of output outIndex of transaction txIndex in bd.
func newStxoRef(bd *BlockData, txIndex, outIndex uint32) (StxoRef, error) {
	txs := bd.Block.Transactions()
	if int(txIndex) >= len(txs) {
		return StxoRef{}, fmt.Errorf("%w: block %v has no tx %v",
			ErrIntegrity, bd.Header, txIndex)
	}
	tx := txs[txIndex]
	mtx := tx.MsgTx()
	if int(outIndex) >= len(mtx.TxOut) {
		return StxoRef{}, fmt.Errorf("%w: tx %v has no output %v",
			ErrIntegrity, tx.Hash(), outIndex)
	}
	out := mtx.TxOut[outIndex]
	return StxoRef{
		value:    &out.Value,
		script:   out.PkScript,
		txHash:   tx.Hash(),
		height:   bd.Header.Height,
		dup:      bd.Header.Dup,
		txIndex:  txIndex,
		outIndex: outIndex,
	}, nil
}

func (r *StxoRef) Valid() bool {
	return r.value != nil
}

func (r *StxoRef) Reset() {
	*r = StxoRef{}
}

func (r *StxoRef) Value() int64 {
	return *r.value
}

func (r *StxoRef) Script() []byte {
	return r.script
}

func (r *StxoRef) TxHash() chainhash.Hash {
	return *r.txHash
}

func (r *StxoRef) Height() uint32 {
	return r.height
}

func (r *StxoRef) Dup() uint8 {
	return r.dup
}

func (r *StxoRef) TxIndex() uint32 {
	return r.txIndex
}

func (r *StxoRef) OutputIndex() uint32 {
	return r.outIndex
}

// ScriptHash returns a copy of the owning script hash.
func (r *StxoRef) ScriptHash() sshdb.ScriptHash {
	return sshdb.NewScriptHash(r.Script())
}

// DBKey returns the storage key of the output.
func (r *StxoRef) DBKey() sshdb.TxOutKey {
	return sshdb.NewTxOutKey(sshdb.NewTxKey(sshdb.NewBlockKey(r.height,
		r.dup), r.txIndex), r.outIndex)
}

func (r *StxoRef) String() string {
	if !r.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%v:%v %v", r.txHash, r.outIndex, r.DBKey())
}
