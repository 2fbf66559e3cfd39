// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/syndtr/goleveldb/leveldb"
)

// Translate specific dbs' errors into kvdb errors
func xerr(err error) error {
	switch {
	// leveldb
	case errors.Is(err, leveldb.ErrClosed):
		err = ErrDBClosed
	case errors.Is(err, leveldb.ErrNotFound):
		err = ErrKeyNotFound

	// pebble
	case errors.Is(err, pebble.ErrClosed):
		err = ErrDBClosed
	case errors.Is(err, pebble.ErrNotFound):
		err = ErrKeyNotFound
	}
	return err
}
