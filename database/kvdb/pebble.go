// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/mitchellh/go-homedir"
)

// Assert required interfaces
var (
	_ Batch       = (*pebbleBatch)(nil)
	_ Database    = (*pebbleDB)(nil)
	_ Range       = (*pebbleRange)(nil)
	_ Transaction = (*pebbleTX)(nil)
)

type PebbleConfig struct {
	Home   string
	Tables []string
}

func DefaultPebbleConfig(home string, tables []string) *PebbleConfig {
	return &PebbleConfig{
		Home:   home,
		Tables: tables,
	}
}

type pebbleDB struct {
	db *pebble.DB

	tables map[string]struct{}

	cfg *PebbleConfig
}

func NewPebbleDB(cfg *PebbleConfig) (Database, error) {
	if cfg == nil || cfg.Home == "" {
		return nil, ErrInvalidConfig
	}
	tables, err := tableSet(cfg.Tables)
	if err != nil {
		return nil, err
	}
	return &pebbleDB{
		cfg:    cfg,
		tables: tables,
	}, nil
}

func (b *pebbleDB) Open(_ context.Context) error {
	log.Tracef("Open")
	defer log.Tracef("Open exit")

	if b.db != nil {
		return ErrDBOpen
	}
	h, err := homedir.Expand(b.cfg.Home)
	if err != nil {
		return fmt.Errorf("home dir: %w", err)
	}
	if err = os.MkdirAll(h, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	pdb, err := pebble.Open(h, &pebble.Options{
		Levels: []pebble.LevelOptions{
			{Compression: pebble.NoCompression},
		},
	})
	if err != nil {
		return fmt.Errorf("pebble open %v: %w", h, err)
	}
	b.db = pdb
	return nil
}

func (b *pebbleDB) Close(_ context.Context) error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	if b.db == nil {
		return ErrDBClosed
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *pebbleDB) table(table string) error {
	if _, ok := b.tables[table]; !ok {
		return fmt.Errorf("%v: %w", table, ErrTableNotFound)
	}
	return nil
}

func (b *pebbleDB) Del(_ context.Context, table string, key []byte) error {
	if err := b.table(table); err != nil {
		return err
	}
	return xerr(b.db.Delete(NewCompositeKey(table, key), pebble.Sync))
}

func (b *pebbleDB) Has(ctx context.Context, table string, key []byte) (bool, error) {
	_, err := b.Get(ctx, table, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *pebbleDB) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := b.table(table); err != nil {
		return nil, err
	}
	value, closer, err := b.db.Get(NewCompositeKey(table, key))
	if err != nil {
		return nil, xerr(err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Errorf("close closer: %v", err)
		}
	}()
	v := make([]byte, len(value))
	copy(v, value)
	return v, nil
}

func (b *pebbleDB) Put(_ context.Context, table string, key, value []byte) error {
	if err := b.table(table); err != nil {
		return err
	}
	return xerr(b.db.Set(NewCompositeKey(table, key), value, pebble.Sync))
}

// Pebble does not have transactions, they are emulated with an indexed
// batch which provides read-your-writes and atomic commit.
func (b *pebbleDB) Begin(_ context.Context, write bool) (Transaction, error) {
	return &pebbleTX{
		db: b,
		tx: b.db.NewIndexedBatch(),
	}, nil
}

func (b *pebbleDB) NewRange(ctx context.Context, table string, start, end []byte) (Range, error) {
	if err := b.table(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	iter, err := b.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, xerr(err)
	}
	return &pebbleRange{table: table, it: iter}, nil
}

func (b *pebbleDB) NewBatch(_ context.Context) (Batch, error) {
	return &pebbleBatch{db: b, wb: b.db.NewBatch()}, nil
}

// Transactions

type pebbleTX struct {
	db *pebbleDB
	tx *pebble.Batch
}

func (tx *pebbleTX) Del(_ context.Context, table string, key []byte) error {
	if err := tx.db.table(table); err != nil {
		return err
	}
	return xerr(tx.tx.Delete(NewCompositeKey(table, key), nil))
}

func (tx *pebbleTX) Has(ctx context.Context, table string, key []byte) (bool, error) {
	_, err := tx.Get(ctx, table, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (tx *pebbleTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.db.table(table); err != nil {
		return nil, err
	}
	val, closer, err := tx.tx.Get(NewCompositeKey(table, key))
	if err != nil {
		return nil, xerr(err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Errorf("close closer: %v", err)
		}
	}()
	// pebble invalidates value outside of the batch
	value := make([]byte, len(val))
	copy(value, val)
	return value, nil
}

func (tx *pebbleTX) Put(_ context.Context, table string, key []byte, value []byte) error {
	if err := tx.db.table(table); err != nil {
		return err
	}
	return xerr(tx.tx.Set(NewCompositeKey(table, key), value, nil))
}

func (tx *pebbleTX) Write(_ context.Context, b Batch) error {
	pb, ok := b.(*pebbleBatch)
	if !ok {
		return fmt.Errorf("invalid batch type: %T", b)
	}
	return xerr(tx.tx.Apply(pb.wb, nil))
}

func (tx *pebbleTX) Commit(_ context.Context) error {
	if err := tx.tx.Commit(pebble.Sync); err != nil {
		return xerr(err)
	}
	return xerr(tx.tx.Close())
}

func (tx *pebbleTX) Rollback(_ context.Context) error {
	return xerr(tx.tx.Close())
}

// Ranges

type pebbleRange struct {
	table   string
	it      *pebble.Iterator
	started bool
}

func (r *pebbleRange) Next(_ context.Context) bool {
	if !r.started {
		r.started = true
		return r.it.First()
	}
	return r.it.Next()
}

func (r *pebbleRange) Key(_ context.Context) []byte {
	return KeyFromComposite(r.table, r.it.Key())
}

func (r *pebbleRange) Value(_ context.Context) []byte {
	return r.it.Value()
}

func (r *pebbleRange) Err() error {
	return xerr(r.it.Error())
}

func (r *pebbleRange) Close(_ context.Context) {
	if err := r.it.Close(); err != nil {
		log.Errorf("range close: %v", err)
	}
}

// Batches

type pebbleBatch struct {
	db *pebbleDB
	wb *pebble.Batch
}

func (nb *pebbleBatch) Del(_ context.Context, table string, key []byte) {
	if err := nb.db.table(table); err != nil {
		log.Errorf("batch delete: %v", err)
		return
	}
	if err := nb.wb.Delete(NewCompositeKey(table, key), nil); err != nil {
		log.Errorf("delete %v: %x", table, key)
	}
}

func (nb *pebbleBatch) Put(_ context.Context, table string, key, value []byte) {
	if err := nb.db.table(table); err != nil {
		log.Errorf("batch put: %v", err)
		return
	}
	if err := nb.wb.Set(NewCompositeKey(table, key), value, nil); err != nil {
		log.Errorf("set %v: %x", table, key)
	}
}

func (nb *pebbleBatch) Reset(_ context.Context) {
	nb.wb.Reset()
}

func (nb *pebbleBatch) Len() int {
	return int(nb.wb.Count())
}
