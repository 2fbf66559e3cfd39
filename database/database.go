// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package database contains the errors shared by all storage layers.
package database

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Database interface {
	Close(ctx context.Context) error // Close database
}

type NotFoundError string

func (nfe NotFoundError) Error() string {
	return string(nfe)
}

func (nfe NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	return ok
}

type TxNotFoundError struct {
	chainhash.Hash
}

func (tnfe TxNotFoundError) Error() string {
	return fmt.Sprintf("tx not found: %v", tnfe.Hash)
}

func (tnfe TxNotFoundError) Is(target error) bool {
	switch target.(type) {
	case TxNotFoundError, NotFoundError:
		return true
	}
	return false
}

type DuplicateError string

func (de DuplicateError) Error() string {
	return string(de)
}

func (de DuplicateError) Is(target error) bool {
	_, ok := target.(DuplicateError)
	return ok
}

var (
	ErrDuplicate  = DuplicateError("duplicate")
	ErrNotFound   = NotFoundError("not found")
	ErrTxNotFound TxNotFoundError
)
