// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Assert required interfaces
var (
	_ Batch       = (*levelBatch)(nil)
	_ Database    = (*levelDB)(nil)
	_ Range       = (*levelRange)(nil)
	_ Transaction = (*levelTX)(nil)
)

type LevelConfig struct {
	Home   string
	Tables []string
}

func DefaultLevelConfig(home string, tables []string) *LevelConfig {
	return &LevelConfig{
		Home:   home,
		Tables: tables,
	}
}

type levelDB struct {
	db *leveldb.DB

	tables map[string]struct{}

	cfg *LevelConfig
}

func NewLevelDB(cfg *LevelConfig) (Database, error) {
	if cfg == nil || cfg.Home == "" {
		return nil, ErrInvalidConfig
	}
	tables, err := tableSet(cfg.Tables)
	if err != nil {
		return nil, err
	}
	return &levelDB{
		cfg:    cfg,
		tables: tables,
	}, nil
}

func (b *levelDB) Open(_ context.Context) error {
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
	ldb, err := leveldb.OpenFile(h, &opt.Options{
		BlockCacheEvictRemoved: true,
		Compression:            opt.NoCompression,
	})
	if err != nil {
		return fmt.Errorf("leveldb open %v: %w", h, err)
	}
	b.db = ldb
	return nil
}

func (b *levelDB) Close(_ context.Context) error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	if b.db == nil {
		return ErrDBClosed
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *levelDB) table(table string) error {
	if _, ok := b.tables[table]; !ok {
		return fmt.Errorf("%v: %w", table, ErrTableNotFound)
	}
	return nil
}

func (b *levelDB) Del(_ context.Context, table string, key []byte) error {
	if err := b.table(table); err != nil {
		return err
	}
	return xerr(b.db.Delete(NewCompositeKey(table, key), nil))
}

func (b *levelDB) Has(_ context.Context, table string, key []byte) (bool, error) {
	if err := b.table(table); err != nil {
		return false, err
	}
	has, err := b.db.Has(NewCompositeKey(table, key), nil)
	return has, xerr(err)
}

func (b *levelDB) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := b.table(table); err != nil {
		return nil, err
	}
	value, err := b.db.Get(NewCompositeKey(table, key), nil)
	if err != nil {
		return nil, xerr(err)
	}
	return value, nil
}

func (b *levelDB) Put(_ context.Context, table string, key, value []byte) error {
	if err := b.table(table); err != nil {
		return err
	}
	return xerr(b.db.Put(NewCompositeKey(table, key), value, nil))
}

// Begin opens a leveldb transaction. Note that leveldb blocks all other
// writers while a transaction is open, reads are unaffected.
func (b *levelDB) Begin(_ context.Context, write bool) (Transaction, error) {
	tx, err := b.db.OpenTransaction()
	if err != nil {
		return nil, xerr(err)
	}
	return &levelTX{db: b, tx: tx}, nil
}

func (b *levelDB) NewRange(_ context.Context, table string, start, end []byte) (Range, error) {
	if err := b.table(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	return &levelRange{
		table: table,
		it:    b.db.NewIterator(&util.Range{Start: lower, Limit: upper}, nil),
	}, nil
}

func (b *levelDB) NewBatch(_ context.Context) (Batch, error) {
	return &levelBatch{db: b, wb: new(leveldb.Batch)}, nil
}

// Transactions

type levelTX struct {
	db *levelDB
	tx *leveldb.Transaction
}

func (tx *levelTX) Del(_ context.Context, table string, key []byte) error {
	if err := tx.db.table(table); err != nil {
		return err
	}
	return xerr(tx.tx.Delete(NewCompositeKey(table, key), nil))
}

func (tx *levelTX) Has(_ context.Context, table string, key []byte) (bool, error) {
	if err := tx.db.table(table); err != nil {
		return false, err
	}
	has, err := tx.tx.Has(NewCompositeKey(table, key), nil)
	return has, xerr(err)
}

func (tx *levelTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.db.table(table); err != nil {
		return nil, err
	}
	value, err := tx.tx.Get(NewCompositeKey(table, key), nil)
	return value, xerr(err)
}

func (tx *levelTX) Put(_ context.Context, table string, key []byte, value []byte) error {
	if err := tx.db.table(table); err != nil {
		return err
	}
	return xerr(tx.tx.Put(NewCompositeKey(table, key), value, nil))
}

func (tx *levelTX) Write(_ context.Context, b Batch) error {
	lb, ok := b.(*levelBatch)
	if !ok {
		return fmt.Errorf("invalid batch type: %T", b)
	}
	return xerr(tx.tx.Write(lb.wb, nil))
}

func (tx *levelTX) Commit(_ context.Context) error {
	return xerr(tx.tx.Commit())
}

func (tx *levelTX) Rollback(_ context.Context) error {
	tx.tx.Discard()
	return nil
}

// Ranges

type levelRange struct {
	table string
	it    iterator.Iterator
}

func (r *levelRange) Next(_ context.Context) bool {
	return r.it.Next()
}

func (r *levelRange) Key(_ context.Context) []byte {
	return KeyFromComposite(r.table, r.it.Key())
}

func (r *levelRange) Value(_ context.Context) []byte {
	return r.it.Value()
}

func (r *levelRange) Err() error {
	return xerr(r.it.Error())
}

func (r *levelRange) Close(_ context.Context) {
	r.it.Release()
}

// Batches

type levelBatch struct {
	db *levelDB
	wb *leveldb.Batch
}

func (nb *levelBatch) Del(_ context.Context, table string, key []byte) {
	if err := nb.db.table(table); err != nil {
		log.Errorf("batch delete: %v", err)
		return
	}
	nb.wb.Delete(NewCompositeKey(table, key))
}

func (nb *levelBatch) Put(_ context.Context, table string, key, value []byte) {
	if err := nb.db.table(table); err != nil {
		log.Errorf("batch put: %v", err)
		return
	}
	nb.wb.Put(NewCompositeKey(table, key), value)
}

func (nb *levelBatch) Reset(_ context.Context) {
	nb.wb.Reset()
}

func (nb *levelBatch) Len() int {
	return nb.wb.Len()
}
