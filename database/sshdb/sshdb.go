// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package sshdb is the on-disk schema of the script-hash history and
// spentness indices.
package sshdb

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/sshscan/database"
)

// Tables
const (
	SSHTable       = "ssh"       // scripthash|blockkey -> SubHistory
	SpentnessTable = "spentness" // txoutkey -> txinkey
	TxHintsTable   = "txhints"   // txid -> txkey
	SummaryTable   = "summary"   // scripthash -> Summary
	MetadataTable  = "metadata"
)

var Tables = []string{
	SSHTable,
	SpentnessTable,
	TxHintsTable,
	SummaryTable,
	MetadataTable,
}

const (
	ScriptHashSize = sha256.Size
	BlockKeySize   = 4 + 1
	TxKeySize      = BlockKeySize + 4
	TxOutKeySize   = TxKeySize + 4
	TxInKeySize    = TxOutKeySize
	SummarySize    = 8 + 8 + 8
	sshKeySize     = ScriptHashSize + BlockKeySize
)

// Checkpoint names a durably committed resumption point.
type Checkpoint string

const (
	CheckpointSSH       Checkpoint = "sshtop"
	CheckpointSpentness Checkpoint = "spentnesstop"
)

type Database interface {
	database.Database

	Version(ctx context.Context) (int, error)

	// Checkpoints, database.ErrNotFound when nothing was scanned yet.
	CheckpointGet(ctx context.Context, cp Checkpoint) (*chainhash.Hash, error)

	TxKeyByHash(ctx context.Context, txid chainhash.Hash) (TxKey, error)
	SpentnessByOutput(ctx context.Context, out TxOutKey) (TxInKey, error)

	SubHistoriesByScriptHash(ctx context.Context, sh ScriptHash) ([]BlockSubHistory, error)
	SubHistoriesByPrefix(ctx context.Context, prefix byte, fn func(ScriptHash, []BlockSubHistory) error) error
	SummaryByScriptHash(ctx context.Context, sh ScriptHash) (*Summary, error)
	SummariesByPrefix(ctx context.Context, prefix byte, fn func(ScriptHash, Summary) error) error

	// ForEach walks a raw table in key order.
	ForEach(ctx context.Context, table string, fn func(key, value []byte) error) error

	Begin(ctx context.Context) (Tx, error)
}

// Tx is a write transaction. Nothing written is visible until Commit.
type Tx interface {
	Write(ctx context.Context, ws *WriteSet) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ScriptHash is the sha256 of an output script.
type ScriptHash [ScriptHashSize]byte

func NewScriptHash(pkScript []byte) ScriptHash {
	return sha256.Sum256(pkScript)
}

func NewScriptHashFromString(s string) (ScriptHash, error) {
	var sh ScriptHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return sh, err
	}
	if len(b) != ScriptHashSize {
		return sh, fmt.Errorf("invalid script hash length: %v", len(b))
	}
	copy(sh[:], b)
	return sh, nil
}

func (sh ScriptHash) String() string {
	return hex.EncodeToString(sh[:])
}

// BlockKey orders blocks by height, the duplicate id disambiguates
// competing blocks at the same height.
type BlockKey [BlockKeySize]byte

func NewBlockKey(height uint32, dup uint8) BlockKey {
	var k BlockKey
	binary.BigEndian.PutUint32(k[0:4], height)
	k[4] = dup
	return k
}

func (k BlockKey) Height() uint32 { return binary.BigEndian.Uint32(k[0:4]) }
func (k BlockKey) Dup() uint8     { return k[4] }

func (k BlockKey) String() string {
	return fmt.Sprintf("%d:%d", k.Height(), k.Dup())
}

type TxKey [TxKeySize]byte

func NewTxKey(bk BlockKey, txIndex uint32) TxKey {
	var k TxKey
	copy(k[:], bk[:])
	binary.BigEndian.PutUint32(k[BlockKeySize:], txIndex)
	return k
}

func (k TxKey) BlockKey() BlockKey {
	var bk BlockKey
	copy(bk[:], k[:BlockKeySize])
	return bk
}

func (k TxKey) TxIndex() uint32 {
	return binary.BigEndian.Uint32(k[BlockKeySize:])
}

func (k TxKey) String() string {
	return fmt.Sprintf("%v:%d", k.BlockKey(), k.TxIndex())
}

// TxOutKey locates an output by its position in the chain.
type TxOutKey [TxOutKeySize]byte

func NewTxOutKey(tk TxKey, index uint32) TxOutKey {
	var k TxOutKey
	copy(k[:], tk[:])
	binary.BigEndian.PutUint32(k[TxKeySize:], index)
	return k
}

func (k TxOutKey) TxKey() TxKey {
	var tk TxKey
	copy(tk[:], k[:TxKeySize])
	return tk
}

func (k TxOutKey) Index() uint32 {
	return binary.BigEndian.Uint32(k[TxKeySize:])
}

func (k TxOutKey) String() string {
	return fmt.Sprintf("%v:%d", k.TxKey(), k.Index())
}

// TxInKey locates an input by its position in the chain.
type TxInKey [TxInKeySize]byte

func NewTxInKey(tk TxKey, index uint32) TxInKey {
	var k TxInKey
	copy(k[:], tk[:])
	binary.BigEndian.PutUint32(k[TxKeySize:], index)
	return k
}

func (k TxInKey) TxKey() TxKey {
	var tk TxKey
	copy(tk[:], k[:TxKeySize])
	return tk
}

func (k TxInKey) Index() uint32 {
	return binary.BigEndian.Uint32(k[TxKeySize:])
}

func (k TxInKey) String() string {
	return fmt.Sprintf("%v:%d", k.TxKey(), k.Index())
}

// HistoryEntry is either a credit (an output paying the script hash) or a
// spend marker (an input consuming such an output). Spender is only
// meaningful for spends.
type HistoryEntry struct {
	Output  TxOutKey
	Value   int64
	Spender TxInKey
}

// SubHistory is the history of one script hash within one block. Entries
// before SpentOffset are credits, entries at or after it are spends.
type SubHistory struct {
	Entries     []HistoryEntry
	SpentOffset int
}

func (h *SubHistory) Credits() []HistoryEntry {
	return h.Entries[:h.SpentOffset]
}

func (h *SubHistory) Spends() []HistoryEntry {
	return h.Entries[h.SpentOffset:]
}

// BlockSubHistory is a SubHistory with the block it was recorded in.
type BlockSubHistory struct {
	Block   BlockKey
	History SubHistory
}

// Summary aggregates the full history of a script hash.
type Summary struct {
	TxioCount  uint64
	SpentCount uint64
	Balance    int64
}

// Summarize folds sub-histories into a Summary.
func Summarize(hs []BlockSubHistory) Summary {
	var s Summary
	for k := range hs {
		h := &hs[k].History
		for _, c := range h.Credits() {
			s.TxioCount++
			s.Balance += c.Value
		}
		for _, sp := range h.Spends() {
			s.SpentCount++
			s.Balance -= sp.Value
		}
	}
	return s
}
