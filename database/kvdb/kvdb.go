// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package kvdb is a small table oriented key/value abstraction over sorted
// byte string stores.
package kvdb

import (
	"bytes"
	"context"
	"errors"

	"github.com/juju/loggo/v2"

	"github.com/hemilabs/sshscan/database"
)

const logLevel = "INFO"

var log = loggo.GetLogger("kvdb")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type Database interface {
	Open(context.Context) error
	Close(context.Context) error

	// Basic KV
	Del(ctx context.Context, table string, key []byte) error
	Has(ctx context.Context, table string, key []byte) (bool, error)
	Get(ctx context.Context, table string, key []byte) ([]byte, error)
	Put(ctx context.Context, table string, key []byte, value []byte) error

	// Transactions
	Begin(ctx context.Context, write bool) (Transaction, error)

	// Ranges walk [start, end) of a table in key order. A nil end walks
	// to the end of the table.
	NewRange(ctx context.Context, table string, start, end []byte) (Range, error)

	// Batches
	NewBatch(ctx context.Context) (Batch, error)
}

// Transaction provides read-your-writes access. Nothing is visible to
// other readers until Commit returns.
type Transaction interface {
	Del(ctx context.Context, table string, key []byte) error
	Has(ctx context.Context, table string, key []byte) (bool, error)
	Get(ctx context.Context, table string, key []byte) ([]byte, error)
	Put(ctx context.Context, table string, key []byte, value []byte) error
	Write(ctx context.Context, b Batch) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Batch collects writes that are applied atomically by Transaction.Write.
type Batch interface {
	Del(ctx context.Context, table string, key []byte)
	Put(ctx context.Context, table string, key, value []byte)
	Reset(ctx context.Context)
	Len() int
}

// Range iterates a table. Key and Value are only valid until the next call
// to Next.
type Range interface {
	Next(ctx context.Context) bool
	Key(ctx context.Context) []byte
	Value(ctx context.Context) []byte
	Close(ctx context.Context)
	Err() error
}

var (
	ErrKeyNotFound    = database.NotFoundError("key not found")
	ErrTableNotFound  = database.NotFoundError("table not found")
	ErrDuplicateTable = database.DuplicateError("duplicate table")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrDBOpen         = errors.New("database already open")
	ErrDBClosed       = errors.New("database closed")
)

// CompositeKey is used by backends that do not support the concept of tables
// and thus must create a composite key to emulate this functionality.
type CompositeKey []byte

func NewCompositeKey(table string, key []byte) CompositeKey {
	// A composite key is encoded as follows: table:key
	ck := make([]byte, len(table)+len(key)+1)
	copy(ck[0:], table)
	ck[len(table)] = ':'
	copy(ck[len(table)+1:], key)
	return CompositeKey(ck)
}

// tableEnd returns the first composite key past every key of table.
func tableEnd(table string) CompositeKey {
	ck := make([]byte, len(table)+1)
	copy(ck, table)
	ck[len(table)] = ':' + 1
	return CompositeKey(ck)
}

// KeyFromComposite strips the table prefix from a composite key.
func KeyFromComposite(table string, key []byte) []byte {
	prefix := len(table) + 1
	if len(key) < prefix || !bytes.Equal(key[:len(table)], []byte(table)) {
		return nil
	}
	return key[prefix:]
}

// rangeBounds translates a table range into composite bounds.
func rangeBounds(table string, start, end []byte) (CompositeKey, CompositeKey) {
	lower := NewCompositeKey(table, start)
	if end == nil {
		return lower, tableEnd(table)
	}
	return lower, NewCompositeKey(table, end)
}

func tableSet(tables []string) (map[string]struct{}, error) {
	if len(tables) == 0 {
		return nil, ErrInvalidConfig
	}
	m := make(map[string]struct{}, len(tables))
	for _, v := range tables {
		if _, ok := m[v]; ok {
			return nil, ErrDuplicateTable
		}
		m[v] = struct{}{}
	}
	return m, nil
}
