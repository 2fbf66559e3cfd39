// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hemilabs/sshscan/blockfile"
	"github.com/hemilabs/sshscan/chainstate"
	"github.com/hemilabs/sshscan/database/sshdb"
)

type order int

const (
	orderAscending  order = 1
	orderDescending order = -1
)

func (o order) String() string {
	if o == orderDescending {
		return "descending"
	}
	return "ascending"
}

// blockBatch is a contiguous run of blocks handed out to workers one at a
// time. Every block is claimed exactly once per pass.
type blockBatch struct {
	order   order
	headers []*chainstate.Header // ascending height
	fileIDs []uint32

	loader   BlockLoader
	chain    Chain
	cache    *lru.Cache[sshdb.BlockKey, *BlockData]
	extra    map[sshdb.BlockKey]*chainstate.Header // off main chain
	fileMaps map[uint32]*blockfile.FileMap

	// blocks[i] is set by the worker that claims headers[i] and is
	// reused by later passes.
	blocks []atomic.Pointer[BlockData]
	byKey  map[sshdb.BlockKey]int

	cursor atomic.Int64
}

func newBlockBatch(headers []*chainstate.Header, o order, loader BlockLoader, chain Chain, cache *lru.Cache[sshdb.BlockKey, *BlockData]) (*blockBatch, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrIntegrity)
	}
	ids := make(map[uint32]struct{})
	byKey := make(map[sshdb.BlockKey]int, len(headers))
	for k, h := range headers {
		if k > 0 && h.Height != headers[k-1].Height+1 {
			return nil, fmt.Errorf("%w: batch not contiguous at %v",
				ErrIntegrity, h)
		}
		if h.Location.Size == 0 {
			return nil, fmt.Errorf("%w: block %v not in block files",
				ErrIO, h)
		}
		ids[h.Location.FileID] = struct{}{}
		byKey[sshdb.NewBlockKey(h.Height, h.Dup)] = k
	}
	fileIDs := make([]uint32, 0, len(ids))
	for id := range ids {
		fileIDs = append(fileIDs, id)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	return &blockBatch{
		order:   o,
		headers: headers,
		fileIDs: fileIDs,
		loader:  loader,
		chain:   chain,
		cache:   cache,
		blocks:  make([]atomic.Pointer[BlockData], len(headers)),
		byKey:   byKey,
	}, nil
}

func (b *blockBatch) start() uint32 { return b.headers[0].Height }
func (b *blockBatch) end() uint32   { return b.headers[len(b.headers)-1].Height }
func (b *blockBatch) len() int      { return len(b.headers) }

// last returns the header processed last in batch order.
func (b *blockBatch) last() *chainstate.Header {
	if b.order == orderDescending {
		return b.headers[0]
	}
	return b.headers[len(b.headers)-1]
}

func (b *blockBatch) String() string {
	return fmt.Sprintf("%v-%v %v", b.start(), b.end(), b.order)
}

// populateFileMap maps all block files the batch needs.
func (b *blockBatch) populateFileMap() error {
	if b.fileMaps != nil {
		return nil
	}
	fms, err := b.loader.MapFiles(b.fileIDs)
	if err != nil {
		return fmt.Errorf("%w: map files %v: %w", ErrIO, b.fileIDs, err)
	}
	b.fileMaps = fms
	return nil
}

// getNext claims the next block in batch order. It returns nil once every
// block has been claimed.
func (b *blockBatch) getNext() (*BlockData, error) {
	i := int(b.cursor.Add(1) - 1)
	if i >= len(b.headers) {
		return nil, nil
	}
	if b.order == orderDescending {
		i = len(b.headers) - 1 - i
	}
	if bd := b.blocks[i].Load(); bd != nil {
		return bd, nil
	}
	bd, err := b.decode(b.headers[i])
	if err != nil {
		return nil, err
	}
	b.blocks[i].Store(bd)
	return bd, nil
}

// resetCounter rewinds the cursor for another pass over the same blocks.
func (b *blockBatch) resetCounter() {
	b.cursor.Store(0)
}

func (b *blockBatch) decode(h *chainstate.Header) (*BlockData, error) {
	fm, ok := b.fileMaps[h.Location.FileID]
	if !ok {
		return nil, fmt.Errorf("%w: file %v not mapped", ErrIO,
			h.Location.FileID)
	}
	return decodeBlock(b.loader, fm, h)
}

func decodeBlock(loader BlockLoader, fm *blockfile.FileMap, h *chainstate.Header) (*BlockData, error) {
	mb, err := loader.DecodeBlock(fm, h.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrIO, h, err)
	}
	if mb.BlockHash() != h.Hash {
		return nil, fmt.Errorf("%w: block at %v hashes to %v, expected %v",
			ErrIntegrity, h.Location, mb.BlockHash(), h.Hash)
	}
	blk := btcutil.NewBlock(mb)
	blk.SetHeight(int32(h.Height))
	return &BlockData{Header: h, Block: blk}, nil
}

// getBlockData returns the block identified by bk. Blocks of this batch
// must only be requested after the pass that decoded them was joined.
func (b *blockBatch) getBlockData(bk sshdb.BlockKey) (*BlockData, error) {
	if i, ok := b.byKey[bk]; ok {
		if bd := b.blocks[i].Load(); bd != nil {
			return bd, nil
		}
		return b.decode(b.headers[i])
	}
	if bd, ok := b.cache.Get(bk); ok {
		return bd, nil
	}

	h, ok := b.extra[bk]
	if !ok {
		dup, err := b.chain.HeightAndDup(bk.Height())
		if err != nil {
			return nil, fmt.Errorf("%w: header %v: %w", ErrIntegrity,
				bk, err)
		}
		if dup != bk.Dup() {
			return nil, fmt.Errorf("%w: block %v is not on the main "+
				"chain, main chain dup %v", ErrIntegrity, bk, dup)
		}
		h, err = b.chain.HeaderByHeight(bk.Height())
		if err != nil {
			return nil, fmt.Errorf("%w: header %v: %w", ErrIntegrity,
				bk, err)
		}
	}
	if h.Location.Size == 0 {
		return nil, fmt.Errorf("%w: block %v not in block files", ErrIO, h)
	}
	fms, err := b.loader.MapFiles([]uint32{h.Location.FileID})
	if err != nil {
		return nil, fmt.Errorf("%w: map file %v: %w", ErrIO,
			h.Location.FileID, err)
	}
	fm := fms[h.Location.FileID]
	defer func() {
		if err := fm.Close(); err != nil {
			log.Errorf("close %v: %v", h.Location.FileID, err)
		}
	}()
	bd, err := decodeBlock(b.loader, fm, h)
	if err != nil {
		return nil, err
	}
	b.cache.Add(bk, bd)
	return bd, nil
}

// release drops decoded blocks and unmaps the block files.
func (b *blockBatch) release() {
	for id, fm := range b.fileMaps {
		if err := fm.Close(); err != nil {
			log.Errorf("close file %v: %v", id, err)
		}
	}
	b.fileMaps = nil
	for i := range b.blocks {
		b.blocks[i].Store(nil)
	}
}
