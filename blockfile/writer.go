// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package blockfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// DefaultMaxFileSize matches bitcoind.
const DefaultMaxFileSize = 128 * 1024 * 1024

// Writer appends blocks to block files and starts a new file once the
// current one would grow past the maximum size.
type Writer struct {
	dir         string
	magic       wire.BitcoinNet
	maxFileSize int64

	id     uint32
	f      *os.File
	offset int64
}

// NewWriter opens the highest numbered block file in dir for appending.
func NewWriter(dir string, params *chaincfg.Params, maxFileSize int64) (*Writer, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	w := &Writer{
		dir:         dir,
		magic:       params.Net,
		maxFileSize: maxFileSize,
	}
	ids, err := NewLoader(dir, params).Files()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		w.id = ids[len(ids)-1]
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(filepath.Join(w.dir, FileName(w.id)),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.f = f
	w.offset = fi.Size()
	return nil
}

func (w *Writer) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.id++
	return w.open()
}

// WriteBlock appends mb and returns where it was written.
func (w *Writer) WriteBlock(mb *wire.MsgBlock) (Location, error) {
	var b bytes.Buffer
	b.Grow(recordHeaderSize + mb.SerializeSize())
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(w.magic))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(mb.SerializeSize()))
	b.Write(hdr[:])
	if err := mb.Serialize(&b); err != nil {
		return Location{}, fmt.Errorf("serialize: %w", err)
	}

	if w.offset > 0 && w.offset+int64(b.Len()) > w.maxFileSize {
		if err := w.rotate(); err != nil {
			return Location{}, fmt.Errorf("rotate: %w", err)
		}
	}
	if _, err := w.f.Write(b.Bytes()); err != nil {
		return Location{}, fmt.Errorf("write %v: %w", FileName(w.id), err)
	}
	loc := Location{
		FileID: w.id,
		Offset: uint32(w.offset + recordHeaderSize),
		Size:   uint32(b.Len() - recordHeaderSize),
	}
	w.offset += int64(b.Len())
	return loc, nil
}

// Sync flushes the current file to disk.
func (w *Writer) Sync() error {
	return w.f.Sync()
}

func (w *Writer) Close() error {
	return w.f.Close()
}
