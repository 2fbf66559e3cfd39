// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package chainstate

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-test/deep"

	"github.com/hemilabs/sshscan/blockfile"
)

func header(prev chainhash.Hash, nonce uint32) *wire.BlockHeader {
	bh := wire.NewBlockHeader(1, &prev, &chainhash.Hash{}, 0x207fffff, nonce)
	bh.Timestamp = time.Unix(1700000000, 0)
	return bh
}

// extend adds n headers on top of prev and returns their hashes.
func extend(t *testing.T, c *Chain, prev chainhash.Hash, n int, nonce uint32) []chainhash.Hash {
	t.Helper()
	hashes := make([]chainhash.Hash, 0, n)
	for i := range n {
		bh := header(prev, nonce+uint32(i))
		if err := c.Add(bh, blockfile.Location{Size: 1}); err != nil {
			t.Fatal(err)
		}
		prev = bh.BlockHash()
		hashes = append(hashes, prev)
	}
	return hashes
}

func TestChainLinear(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	c := New(params)
	hashes := extend(t, c, *params.GenesisHash, 10, 0)
	if rs := c.Organize(); rs != nil {
		t.Fatalf("unexpected reorg: %v", rs)
	}
	top := c.Top()
	if top.Height != 10 || top.Hash != hashes[9] {
		t.Fatalf("top %v", top)
	}
	for i, h := range hashes {
		hh, err := c.HeaderByHeight(uint32(i + 1))
		if err != nil {
			t.Fatal(err)
		}
		if hh.Hash != h || hh.Dup != 0 {
			t.Fatalf("height %v: %v", i+1, hh)
		}
	}
	if _, err := c.HeaderByHeight(11); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// Re-adding a known block is a duplicate.
	hh, err := c.HeaderByHash(hashes[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Add(hh.BlockHeader(), hh.Location); !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	// Genesis only records its location.
	gloc := blockfile.Location{FileID: 0, Offset: 8, Size: 285}
	if err := c.Add(&params.GenesisBlock.Header, gloc); err != nil {
		t.Fatal(err)
	}
	g, err := c.HeaderByHeight(0)
	if err != nil {
		t.Fatal(err)
	}
	if g.Location != gloc {
		t.Fatalf("genesis location %v", g.Location)
	}
}

func TestChainOutOfOrder(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	c := New(params)
	b1 := header(*params.GenesisHash, 1)
	b2 := header(b1.BlockHash(), 2)
	b3 := header(b2.BlockHash(), 3)
	for _, bh := range []*wire.BlockHeader{b3, b2} {
		if err := c.Add(bh, blockfile.Location{}); err != nil {
			t.Fatal(err)
		}
	}
	if c.Waiting() != 2 {
		t.Fatalf("waiting %v", c.Waiting())
	}
	if err := c.Add(b1, blockfile.Location{}); err != nil {
		t.Fatal(err)
	}
	if c.Waiting() != 0 {
		t.Fatalf("waiting %v", c.Waiting())
	}
	c.Organize()
	if c.Top().Hash != b3.BlockHash() || c.Top().Height != 3 {
		t.Fatalf("top %v", c.Top())
	}
}

func TestChainReorg(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	c := New(params)
	a := extend(t, c, *params.GenesisHash, 5, 0)
	c.Organize()

	// Fork at height 3 that ends up longer.
	b := extend(t, c, a[2], 4, 1000)
	rs := c.Organize()
	if rs == nil {
		t.Fatal("expected reorg")
	}
	if rs.PrevTop.Hash != a[4] || rs.NewTop.Hash != b[3] || rs.BranchPoint.Hash != a[2] {
		t.Fatalf("reorg %v", rs)
	}
	var orphans []chainhash.Hash
	for _, h := range rs.Orphans() {
		orphans = append(orphans, h.Hash)
	}
	if diff := deep.Equal(orphans, []chainhash.Hash{a[4], a[3]}); len(diff) > 0 {
		t.Fatalf("unexpected diff: %v", diff)
	}

	// Competing blocks at heights 4 and 5 get the next duplicate id.
	h4, err := c.HeaderByHeight(4)
	if err != nil {
		t.Fatal(err)
	}
	if h4.Hash != b[0] || h4.Dup != 1 {
		t.Fatalf("height 4: %v", h4)
	}
	dup, err := c.HeightAndDup(7)
	if err != nil {
		t.Fatal(err)
	}
	if dup != 0 {
		t.Fatalf("height 7 dup %v", dup)
	}

	// A checkpoint on the old branch needs undo, one on the new does not.
	rs, err = c.ReorgFrom(a[4])
	if err != nil {
		t.Fatal(err)
	}
	if rs == nil || rs.BranchPoint.Hash != a[2] {
		t.Fatalf("reorg from %v", rs)
	}
	rs, err = c.ReorgFrom(b[1])
	if err != nil {
		t.Fatal(err)
	}
	if rs != nil {
		t.Fatalf("unexpected reorg %v", rs)
	}
	if _, err := c.ReorgFrom(chainhash.Hash{1}); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChainTie(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	c := New(params)
	a := extend(t, c, *params.GenesisHash, 2, 0)
	c.Organize()
	// Equal work fork does not replace the first seen chain.
	extend(t, c, *params.GenesisHash, 2, 500)
	if rs := c.Organize(); rs != nil {
		t.Fatalf("unexpected reorg %v", rs)
	}
	if c.Top().Hash != a[1] {
		t.Fatalf("top %v", c.Top())
	}
}

func TestChainTooManyDups(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	c := New(params)
	for nonce := range uint32(256) {
		bh := header(*params.GenesisHash, nonce)
		if err := c.Add(bh, blockfile.Location{Size: 1}); err != nil {
			t.Fatalf("nonce %v: %v", nonce, err)
		}
	}
	c.Organize()
	if dup, err := c.HeightAndDup(1); err != nil || dup != 0 {
		t.Fatalf("dup %v: %v", dup, err)
	}
	last, err := c.HeaderByHash(header(*params.GenesisHash, 255).BlockHash())
	if err != nil {
		t.Fatal(err)
	}
	if last.Dup != 255 {
		t.Fatalf("last dup %v", last.Dup)
	}

	bh := header(*params.GenesisHash, 256)
	if err := c.Add(bh, blockfile.Location{Size: 1}); !errors.Is(err, ErrTooManyDups) {
		t.Fatalf("expected too many dups, got %v", err)
	}
	if _, err := c.HeaderByHash(bh.BlockHash()); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("rejected header stored: %v", err)
	}
}
