// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"errors"
	"testing"

	"github.com/go-test/deep"

	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
)

func writeDirect(t *testing.T, db sshdb.Database, ws *sshdb.WriteSet) {
	t.Helper()
	ctx := t.Context()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Write(ctx, ws); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateSSH(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	busyChain(e)
	db := newTestDB(t)
	s := newTestScanner(t, e, db, 1, 4)
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	expected := dump(t, db)

	stale := sshdb.NewScriptHash([]byte("nobody"))
	shS := sshdb.NewScriptHash(scriptS)
	shT := sshdb.NewScriptHash(scriptT)
	corrupt := func() {
		ws := sshdb.NewWriteSet()
		ws.PutSummary(stale, sshdb.Summary{TxioCount: 3, Balance: 1})
		ws.PutSummary(shS, sshdb.Summary{})
		ws.DelSummary(shT)
		writeDirect(t, db, ws)
	}

	// Nothing hinted, nothing to do.
	if err := s.UpdateSSH(ctx, true); err != nil {
		t.Fatal(err)
	}

	t.Run("full", func(t *testing.T) {
		corrupt()
		if err := s.UpdateSSH(ctx, false); err != nil {
			t.Fatal(err)
		}
		if diff := deep.Equal(dump(t, db), expected); len(diff) > 0 {
			t.Fatalf("full rebuild: %v", diff)
		}
	})

	t.Run("hinted", func(t *testing.T) {
		corrupt()
		s.AddUpdateSSHHints([]sshdb.ScriptHash{shS, shT})
		if err := s.UpdateSSH(ctx, true); err != nil {
			t.Fatal(err)
		}
		for _, sh := range []sshdb.ScriptHash{shS, shT} {
			sum, err := db.SummaryByScriptHash(ctx, sh)
			if err != nil {
				t.Fatal(err)
			}
			hs, err := db.SubHistoriesByScriptHash(ctx, sh)
			if err != nil {
				t.Fatal(err)
			}
			if *sum != sshdb.Summarize(hs) {
				t.Fatalf("%v: got %v, want %v", sh, *sum,
					sshdb.Summarize(hs))
			}
		}
		// Only hinted script hashes are looked at.
		if _, err := db.SummaryByScriptHash(ctx, stale); err != nil {
			t.Fatalf("unhinted summary touched: %v", err)
		}

		s.AddUpdateSSHHints([]sshdb.ScriptHash{stale})
		if err := s.UpdateSSH(ctx, true); err != nil {
			t.Fatal(err)
		}
		if _, err := db.SummaryByScriptHash(ctx, stale); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("stale summary left: %v", err)
		}
		if diff := deep.Equal(dump(t, db), expected); len(diff) > 0 {
			t.Fatalf("hinted update: %v", diff)
		}
	})
}

func TestUpdateSSHHintOverflow(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	busyChain(e)

	reference := newTestDB(t)
	if err := newTestScanner(t, e, reference, 1, 2).Scan(ctx); err != nil {
		t.Fatal(err)
	}

	db := newTestDB(t)
	s := newTestScanner(t, e, db, 1, 2)
	s.cfg.HintThreshold = 1
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(dump(t, db), dump(t, reference)); len(diff) > 0 {
		t.Fatalf("overflowed refresh differs: %v", diff)
	}

	hints, overflow := s.takeHints()
	if overflow || len(hints) != 0 {
		t.Fatalf("hints left: %v %v", hints, overflow)
	}
}

func TestSummarize(t *testing.T) {
	hs := []sshdb.BlockSubHistory{
		{
			Block: sshdb.NewBlockKey(1, 0),
			History: sshdb.SubHistory{
				Entries: []sshdb.HistoryEntry{
					{Output: outKey(1, 0, 0, 0), Value: 5000},
					{Output: outKey(1, 0, 1, 1), Value: 10},
				},
				SpentOffset: 2,
			},
		},
		{
			Block: sshdb.NewBlockKey(2, 0),
			History: sshdb.SubHistory{
				Entries: []sshdb.HistoryEntry{
					{Output: outKey(2, 0, 0, 0), Value: 1},
					{
						Output:  outKey(1, 0, 0, 0),
						Value:   5000,
						Spender: inKey(2, 0, 1, 0),
					},
				},
				SpentOffset: 1,
			},
		},
	}
	expected := sshdb.Summary{TxioCount: 3, SpentCount: 1, Balance: 11}
	if got := sshdb.Summarize(hs); got != expected {
		t.Fatalf("got %v, want %v", got, expected)
	}
}
