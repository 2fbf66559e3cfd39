// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package chainstate keeps the block header tree built from block files and
// tracks the best chain by cumulative work.
package chainstate

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/sshscan/blockfile"
	"github.com/hemilabs/sshscan/database"
)

const logLevel = "INFO"

var (
	log = loggo.GetLogger("chainstate")

	ErrDuplicateBlock = database.DuplicateError("duplicate block")
	ErrBlockNotFound  = database.NotFoundError("block not found")
	ErrEmptyChain     = errors.New("empty chain")
	ErrTooManyDups    = errors.New("too many blocks at height")
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// Header is a block header placed in the tree.
type Header struct {
	Hash     chainhash.Hash
	PrevHash chainhash.Hash
	Height   uint32
	Dup      uint8 // order of arrival at Height
	Work     *big.Int
	Location blockfile.Location

	bh *wire.BlockHeader
}

func (h *Header) BlockHeader() *wire.BlockHeader {
	return h.bh
}

func (h *Header) String() string {
	return fmt.Sprintf("%v:%v %v", h.Height, h.Dup, h.Hash)
}

// ReorgState describes the switch from one best chain to another.
type ReorgState struct {
	PrevTop     *Header
	NewTop      *Header
	BranchPoint *Header

	orphans []*Header
}

// Orphans returns the headers that left the main chain, highest first.
func (rs *ReorgState) Orphans() []*Header {
	return rs.orphans
}

func (rs *ReorgState) String() string {
	return fmt.Sprintf("reorg %v -> %v at %v (%v orphans)", rs.PrevTop,
		rs.NewTop, rs.BranchPoint, len(rs.orphans))
}

type Chain struct {
	mtx sync.RWMutex

	params  *chaincfg.Params
	headers map[chainhash.Hash]*Header
	dups    map[uint32]int                  // next dup id per height
	waiting map[chainhash.Hash][]*waitEntry // orphans by missing parent
	main    []*Header                       // main chain by height
	top     *Header
}

type waitEntry struct {
	header *wire.BlockHeader
	loc    blockfile.Location
}

// New returns a chain holding only the genesis block of params. The
// genesis location is unknown until Add sees it in a block file.
func New(params *chaincfg.Params) *Chain {
	gh := &params.GenesisBlock.Header
	g := &Header{
		Hash:     *params.GenesisHash,
		PrevHash: gh.PrevBlock,
		Work:     blockchain.CalcWork(gh.Bits),
		bh:       gh,
	}
	c := &Chain{
		params:  params,
		headers: map[chainhash.Hash]*Header{g.Hash: g},
		dups:    map[uint32]int{0: 1},
		waiting: make(map[chainhash.Hash][]*waitEntry),
		main:    []*Header{g},
		top:     g,
	}
	return c
}

func (c *Chain) Params() *chaincfg.Params {
	return c.params
}

// Add places a header in the tree. Headers whose parent is unknown wait
// until the parent arrives. The best chain is not recomputed, call
// Organize once a run of headers has been added.
func (c *Chain) Add(bh *wire.BlockHeader, loc blockfile.Location) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	hash := bh.BlockHash()
	if h, ok := c.headers[hash]; ok {
		if h.Height == 0 {
			h.Location = loc
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDuplicateBlock, hash)
	}
	if _, ok := c.headers[bh.PrevBlock]; !ok {
		log.Debugf("waiting for parent %v of %v", bh.PrevBlock, hash)
		c.waiting[bh.PrevBlock] = append(c.waiting[bh.PrevBlock],
			&waitEntry{header: bh, loc: loc})
		return nil
	}

	pending := []*waitEntry{{header: bh, loc: loc}}
	for len(pending) > 0 {
		we := pending[0]
		pending = pending[1:]
		h, err := c.insert(we.header, we.loc)
		if err != nil {
			return err
		}
		if w, ok := c.waiting[h.Hash]; ok {
			delete(c.waiting, h.Hash)
			pending = append(pending, w...)
		}
	}
	return nil
}

// insert fails once every dup id at the height is taken, BlockKeys would
// collide otherwise.
func (c *Chain) insert(bh *wire.BlockHeader, loc blockfile.Location) (*Header, error) {
	parent := c.headers[bh.PrevBlock]
	height := parent.Height + 1
	dup := c.dups[height]
	if dup > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %v block %v", ErrTooManyDups, height,
			bh.BlockHash())
	}
	c.dups[height] = dup + 1
	h := &Header{
		Hash:     bh.BlockHash(),
		PrevHash: bh.PrevBlock,
		Height:   height,
		Dup:      uint8(dup),
		Work:     new(big.Int).Add(parent.Work, blockchain.CalcWork(bh.Bits)),
		Location: loc,
		bh:       bh,
	}
	c.headers[h.Hash] = h
	return h, nil
}

// Waiting returns the number of headers without a known parent.
func (c *Chain) Waiting() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	var n int
	for _, w := range c.waiting {
		n += len(w)
	}
	return n
}

// Organize selects the header with the most cumulative work as the new top
// and rebuilds the main chain. The returned ReorgState is nil unless the
// previous top is no longer on the main chain.
func (c *Chain) Organize() *ReorgState {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	best := c.top
	for _, h := range c.headers {
		switch best.Work.Cmp(h.Work) {
		case -1:
			best = h
		case 0:
			// First seen wins ties.
			if h.Height == best.Height && h.Dup < best.Dup {
				best = h
			}
		}
	}
	if best == c.top {
		return nil
	}

	prevTop := c.top
	main := make([]*Header, best.Height+1)
	for h := best; ; h = c.headers[h.PrevHash] {
		main[h.Height] = h
		if h.Height == 0 {
			break
		}
	}
	c.main = main
	c.top = best
	log.Debugf("new top %v", best)

	return c.reorgFrom(prevTop)
}

// reorgFrom must be called with the lock held.
func (c *Chain) reorgFrom(prevTop *Header) *ReorgState {
	if c.onMain(prevTop) {
		return nil
	}
	rs := &ReorgState{PrevTop: prevTop, NewTop: c.top}
	h := prevTop
	for !c.onMain(h) {
		rs.orphans = append(rs.orphans, h)
		h = c.headers[h.PrevHash]
	}
	rs.BranchPoint = h
	return rs
}

func (c *Chain) onMain(h *Header) bool {
	return int(h.Height) < len(c.main) && c.main[h.Height] == h
}

// ReorgFrom returns the ReorgState that moves hash onto the main chain or
// nil if hash already is on it.
func (c *Chain) ReorgFrom(hash chainhash.Hash) (*ReorgState, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	h, ok := c.headers[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	return c.reorgFrom(h), nil
}

func (c *Chain) Top() *Header {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.top
}

// HeaderByHeight returns the main chain header at height.
func (c *Chain) HeaderByHeight(height uint32) (*Header, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if int(height) >= len(c.main) {
		return nil, fmt.Errorf("%w: height %v", ErrBlockNotFound, height)
	}
	return c.main[height], nil
}

func (c *Chain) HeaderByHash(hash chainhash.Hash) (*Header, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	h, ok := c.headers[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	return h, nil
}

// HeightAndDup returns the duplicate id of the main chain block at height.
func (c *Chain) HeightAndDup(height uint32) (uint8, error) {
	h, err := c.HeaderByHeight(height)
	if err != nil {
		return 0, err
	}
	return h.Dup, nil
}
