// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-test/deep"
)

var testTables = []string{"ssh", "spentness", "summary"}

type dbFactory func(home string) (Database, error)

var backends = map[string]dbFactory{
	"level": func(home string) (Database, error) {
		return NewLevelDB(DefaultLevelConfig(home, testTables))
	},
	"pebble": func(home string) (Database, error) {
		return NewPebbleDB(DefaultPebbleConfig(home, testTables))
	},
}

func newTestDB(t *testing.T, ctx context.Context, f dbFactory) Database {
	t.Helper()
	db, err := f(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Open(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := db.Close(ctx); err != nil {
			t.Logf("close: %v", err)
		}
	})
	return db
}

func key4(i int) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(i))
	return k[:]
}

func value8(i int) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(i))
	return v[:]
}

func dbputs(ctx context.Context, db Database, insertCount int) error {
	for i := range insertCount {
		table := testTables[i%len(testTables)]
		if err := db.Put(ctx, table, key4(i), value8(i)); err != nil {
			return fmt.Errorf("put %v: %v: %w", table, i, err)
		}
	}
	return nil
}

func dbgets(ctx context.Context, db Database, insertCount int) error {
	for i := range insertCount {
		table := testTables[i%len(testTables)]
		value, err := db.Get(ctx, table, key4(i))
		if err != nil {
			return fmt.Errorf("get %v: %v %w", table, i, err)
		}
		if !bytes.Equal(value, value8(i)) {
			return fmt.Errorf("get unequal %v: %v", table, i)
		}
		has, err := db.Has(ctx, table, key4(i))
		if err != nil {
			return fmt.Errorf("has %v: %v %w", table, i, err)
		}
		if !has {
			return fmt.Errorf("has %v: %v", table, i)
		}
	}
	return nil
}

func TestKVBasic(t *testing.T) {
	for name, f := range backends {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
			defer cancel()

			db := newTestDB(t, ctx, f)
			const insertCount = 999
			if err := dbputs(ctx, db, insertCount); err != nil {
				t.Fatal(err)
			}
			if err := dbgets(ctx, db, insertCount); err != nil {
				t.Fatal(err)
			}

			// Keys live in exactly one table.
			if _, err := db.Get(ctx, "spentness", key4(0)); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("expected key not found, got %v", err)
			}
			has, err := db.Has(ctx, "ssh", key4(insertCount+1))
			if err != nil {
				t.Fatal(err)
			}
			if has {
				t.Fatal("unexpected key")
			}

			if err := db.Del(ctx, "ssh", key4(0)); err != nil {
				t.Fatal(err)
			}
			if _, err := db.Get(ctx, "ssh", key4(0)); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("expected deleted key, got %v", err)
			}

			// Invalid tables
			if err := db.Put(ctx, "nope", key4(0), nil); !errors.Is(err, ErrTableNotFound) {
				t.Fatalf("expected table not found, got %v", err)
			}
			if _, err := db.Get(ctx, "nope", key4(0)); !errors.Is(err, ErrTableNotFound) {
				t.Fatalf("expected table not found, got %v", err)
			}
			if _, err := db.NewRange(ctx, "nope", nil, nil); !errors.Is(err, ErrTableNotFound) {
				t.Fatalf("expected table not found, got %v", err)
			}
		})
	}
}

func TestKVRange(t *testing.T) {
	for name, f := range backends {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
			defer cancel()

			db := newTestDB(t, ctx, f)
			// Populate a neighbouring table to make sure ranges do
			// not bleed across table boundaries.
			for i := range 10 {
				if err := db.Put(ctx, "ssh", key4(i), value8(i)); err != nil {
					t.Fatal(err)
				}
				if err := db.Put(ctx, "spentness", key4(i), value8(i+100)); err != nil {
					t.Fatal(err)
				}
				if err := db.Put(ctx, "summary", key4(i), value8(i+200)); err != nil {
					t.Fatal(err)
				}
			}

			walk := func(start, end []byte) []int {
				it, err := db.NewRange(ctx, "spentness", start, end)
				if err != nil {
					t.Fatal(err)
				}
				defer it.Close(ctx)
				var got []int
				for it.Next(ctx) {
					k := binary.BigEndian.Uint32(it.Key(ctx))
					v := binary.BigEndian.Uint64(it.Value(ctx))
					if v != uint64(k)+100 {
						t.Fatalf("key %v value %v", k, v)
					}
					got = append(got, int(k))
				}
				if err := it.Err(); err != nil {
					t.Fatal(err)
				}
				return got
			}

			if diff := deep.Equal(walk(nil, nil), []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}); len(diff) > 0 {
				t.Fatalf("full walk: %v", diff)
			}
			if diff := deep.Equal(walk(key4(3), key4(6)), []int{3, 4, 5}); len(diff) > 0 {
				t.Fatalf("partial walk: %v", diff)
			}
			if diff := deep.Equal(walk(key4(8), nil), []int{8, 9}); len(diff) > 0 {
				t.Fatalf("open walk: %v", diff)
			}
		})
	}
}

func TestKVTransaction(t *testing.T) {
	for name, f := range backends {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
			defer cancel()

			db := newTestDB(t, ctx, f)
			if err := db.Put(ctx, "summary", key4(1), value8(1)); err != nil {
				t.Fatal(err)
			}

			// Rollback discards everything.
			tx, err := db.Begin(ctx, true)
			if err != nil {
				t.Fatal(err)
			}
			if err := tx.Put(ctx, "summary", key4(2), value8(2)); err != nil {
				t.Fatal(err)
			}
			if err := tx.Rollback(ctx); err != nil {
				t.Fatal(err)
			}
			if _, err := db.Get(ctx, "summary", key4(2)); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("expected rolled back key, got %v", err)
			}

			// Commit with batch and read-your-writes.
			tx, err = db.Begin(ctx, true)
			if err != nil {
				t.Fatal(err)
			}
			b, err := db.NewBatch(ctx)
			if err != nil {
				t.Fatal(err)
			}
			b.Put(ctx, "summary", key4(3), value8(3))
			b.Del(ctx, "summary", key4(1))
			if b.Len() != 2 {
				t.Fatalf("batch len %v", b.Len())
			}
			if err := tx.Write(ctx, b); err != nil {
				t.Fatal(err)
			}
			if err := tx.Put(ctx, "summary", key4(4), value8(4)); err != nil {
				t.Fatal(err)
			}
			v, err := tx.Get(ctx, "summary", key4(3))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(v, value8(3)) {
				t.Fatalf("read your writes: %x", v)
			}
			has, err := tx.Has(ctx, "summary", key4(1))
			if err != nil {
				t.Fatal(err)
			}
			if has {
				t.Fatal("deleted key visible in transaction")
			}
			if err := tx.Commit(ctx); err != nil {
				t.Fatal(err)
			}
			for _, i := range []int{3, 4} {
				v, err := db.Get(ctx, "summary", key4(i))
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(v, value8(i)) {
					t.Fatalf("committed %v: %x", i, v)
				}
			}
			if _, err := db.Get(ctx, "summary", key4(1)); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("expected deleted key, got %v", err)
			}

			b.Reset(ctx)
			if b.Len() != 0 {
				t.Fatalf("batch len after reset %v", b.Len())
			}
		})
	}
}

func TestKVConfig(t *testing.T) {
	if _, err := NewLevelDB(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if _, err := NewPebbleDB(DefaultPebbleConfig("x", nil)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	_, err := NewLevelDB(DefaultLevelConfig("x", []string{"a", "a"}))
	if !errors.Is(err, ErrDuplicateTable) {
		t.Fatalf("expected duplicate table, got %v", err)
	}
}

func TestCompositeKey(t *testing.T) {
	ck := NewCompositeKey("ssh", []byte{1, 2})
	if !bytes.Equal(ck, []byte("ssh:\x01\x02")) {
		t.Fatalf("composite %x", ck)
	}
	if k := KeyFromComposite("ssh", ck); !bytes.Equal(k, []byte{1, 2}) {
		t.Fatalf("key %x", k)
	}
	if k := KeyFromComposite("summary", ck); k != nil {
		t.Fatalf("unexpected key %x", k)
	}
	if bytes.Compare(NewCompositeKey("ssh", []byte{0xff, 0xff}), tableEnd("ssh")) >= 0 {
		t.Fatal("table end not past keys")
	}
}
