// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-test/deep"

	"github.com/hemilabs/sshscan/database/sshdb"
)

func TestParseOutpoint(t *testing.T) {
	txid := chainhash.DoubleHashH([]byte("tx"))
	hash, n, err := parseOutpoint(txid.String() + ":7")
	if err != nil {
		t.Fatal(err)
	}
	if hash != txid || n != 7 {
		t.Fatalf("got %v:%v", hash, n)
	}
	for _, s := range []string{"", txid.String(), "zz:1", txid.String() + ":-1"} {
		if _, _, err := parseOutpoint(s); err == nil {
			t.Fatalf("expected failure for %q", s)
		}
	}
}

func TestRun(t *testing.T) {
	ctx := t.Context()
	db, err := sshdb.New(ctx, sshdb.NewDefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			t.Fatal(err)
		}
	}()

	var (
		sh    = sshdb.NewScriptHash([]byte{0x51})
		txid  = chainhash.DoubleHashH([]byte("coinbase"))
		bk    = sshdb.NewBlockKey(1, 0)
		tk    = sshdb.NewTxKey(bk, 0)
		out   = sshdb.NewTxOutKey(tk, 0)
		spend = sshdb.NewTxInKey(sshdb.NewTxKey(sshdb.NewBlockKey(2, 0), 1), 0)
		top   = chainhash.DoubleHashH([]byte("top"))
	)
	ws := sshdb.NewWriteSet()
	ws.PutSubHistory(sh, bk, &sshdb.SubHistory{
		Entries:     []sshdb.HistoryEntry{{Output: out, Value: 5000}},
		SpentOffset: 1,
	})
	ws.PutTxHint(txid, tk)
	ws.PutSpentness(out, spend)
	ws.PutSummary(sh, sshdb.Summary{TxioCount: 1, Balance: 5000})
	ws.SetCheckpoint(sshdb.CheckpointSSH, top)
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

	tests := []struct {
		args []string
		want any
	}{
		{
			args: []string{"top"},
			want: map[string]any{
				"sshtop":       top.String(),
				"spentnesstop": "",
			},
		},
		{
			args: []string{"history", sh.String()},
			want: []any{map[string]any{
				"block": bk.String(),
				"credits": []any{map[string]any{
					"output": out.String(),
					"value":  float64(5000),
				}},
			}},
		},
		{
			args: []string{"summary", sh.String()},
			want: map[string]any{
				"scripthash":  sh.String(),
				"txio_count":  float64(1),
				"spent_count": float64(0),
				"balance":     float64(5000),
			},
		},
		{
			args: []string{"spent", txid.String() + ":0"},
			want: map[string]any{
				"output":  out.String(),
				"spent":   true,
				"spender": spend.String(),
			},
		},
		{
			args: []string{"spent", txid.String() + ":1"},
			want: map[string]any{
				"output": sshdb.NewTxOutKey(tk, 1).String(),
				"spent":  false,
			},
		},
	}
	for _, tt := range tests {
		var w bytes.Buffer
		if err := run(ctx, db, &w, tt.args); err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		var got any
		if err := json.Unmarshal(w.Bytes(), &got); err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		if diff := deep.Equal(got, tt.want); len(diff) > 0 {
			t.Fatalf("%v: %v", tt.args, diff)
		}
	}

	var w bytes.Buffer
	if err := run(ctx, db, &w, []string{"dump", sshdb.TxHintsTable}); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(w.String(), "\n"); lines != 1 {
		t.Fatalf("dump: got %v lines", lines)
	}

	for _, args := range [][]string{
		{},
		{"nope"},
		{"history"},
		{"summary", sshdb.NewScriptHash([]byte{0x52}).String()},
		{"spent", chainhash.DoubleHashH([]byte("unknown")).String() + ":0"},
	} {
		if err := run(ctx, db, &w, args); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
