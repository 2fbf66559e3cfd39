// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package sshdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

var ErrCorrupt = errors.New("corrupt record")

const maxEntries = 1 << 24

// sshKey encodes scripthash|blockkey.
func sshKey(sh ScriptHash, bk BlockKey) []byte {
	k := make([]byte, sshKeySize)
	copy(k, sh[:])
	copy(k[ScriptHashSize:], bk[:])
	return k
}

func decodeSSHKey(k []byte) (ScriptHash, BlockKey, error) {
	var (
		sh ScriptHash
		bk BlockKey
	)
	if len(k) != sshKeySize {
		return sh, bk, fmt.Errorf("%w: ssh key length %v", ErrCorrupt, len(k))
	}
	copy(sh[:], k)
	copy(bk[:], k[ScriptHashSize:])
	return sh, bk, nil
}

// EncodeSubHistory serializes a sub-history as
//
//	varint spentOffset | varint count | entries
//
// where a credit is txoutkey|value and a spend is txoutkey|value|txinkey.
func EncodeSubHistory(h *SubHistory) []byte {
	n := len(h.Entries)*(TxOutKeySize+8) +
		(len(h.Entries)-h.SpentOffset)*TxInKeySize
	var b bytes.Buffer
	b.Grow(n + 2*wire.MaxVarIntPayload)
	// Writes to a bytes.Buffer do not fail.
	_ = wire.WriteVarInt(&b, 0, uint64(h.SpentOffset))
	_ = wire.WriteVarInt(&b, 0, uint64(len(h.Entries)))
	var v [8]byte
	for k, e := range h.Entries {
		b.Write(e.Output[:])
		binary.BigEndian.PutUint64(v[:], uint64(e.Value))
		b.Write(v[:])
		if k >= h.SpentOffset {
			b.Write(e.Spender[:])
		}
	}
	return b.Bytes()
}

func DecodeSubHistory(value []byte) (*SubHistory, error) {
	r := bytes.NewReader(value)
	offset, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: spent offset: %w", ErrCorrupt, err)
	}
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: count: %w", ErrCorrupt, err)
	}
	if count > maxEntries || offset > count {
		return nil, fmt.Errorf("%w: offset %v count %v", ErrCorrupt,
			offset, count)
	}
	h := &SubHistory{
		Entries:     make([]HistoryEntry, count),
		SpentOffset: int(offset),
	}
	var v [8]byte
	for k := range h.Entries {
		e := &h.Entries[k]
		if _, err := io.ReadFull(r, e.Output[:]); err != nil {
			return nil, fmt.Errorf("%w: entry %v output: %w", ErrCorrupt, k, err)
		}
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return nil, fmt.Errorf("%w: entry %v value: %w", ErrCorrupt, k, err)
		}
		e.Value = int64(binary.BigEndian.Uint64(v[:]))
		if k >= h.SpentOffset {
			if _, err := io.ReadFull(r, e.Spender[:]); err != nil {
				return nil, fmt.Errorf("%w: entry %v spender: %w",
					ErrCorrupt, k, err)
			}
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %v trailing bytes", ErrCorrupt, r.Len())
	}
	return h, nil
}

func EncodeSummary(s Summary) []byte {
	b := make([]byte, SummarySize)
	binary.BigEndian.PutUint64(b[0:8], s.TxioCount)
	binary.BigEndian.PutUint64(b[8:16], s.SpentCount)
	binary.BigEndian.PutUint64(b[16:24], uint64(s.Balance))
	return b
}

func DecodeSummary(value []byte) (Summary, error) {
	if len(value) != SummarySize {
		return Summary{}, fmt.Errorf("%w: summary length %v",
			ErrCorrupt, len(value))
	}
	return Summary{
		TxioCount:  binary.BigEndian.Uint64(value[0:8]),
		SpentCount: binary.BigEndian.Uint64(value[8:16]),
		Balance:    int64(binary.BigEndian.Uint64(value[16:24])),
	}, nil
}
