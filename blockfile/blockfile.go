// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package blockfile reads and writes bitcoind style blkNNNNN.dat files.
//
// Every record in a block file is laid out as
//
//	magic (uint32 LE) | size (uint32 LE) | serialized block
//
// and a file may be padded with zeroes after its last record.
package blockfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/edsrzf/mmap-go"
	"github.com/juju/loggo/v2"
)

const (
	logLevel = "INFO"

	recordHeaderSize = 8
	blockHeaderSize  = 80

	filePrefix = "blk"
	fileSuffix = ".dat"
)

var (
	log = loggo.GetLogger("blockfile")

	ErrBadMagic  = errors.New("bad magic")
	ErrTruncated = errors.New("truncated record")
	ErrLocation  = errors.New("invalid location")
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// Params returns the chain parameters of a network name.
func Params(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "localnet":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("invalid network: %v", network)
}

func FileName(id uint32) string {
	return fmt.Sprintf("%s%05d%s", filePrefix, id, fileSuffix)
}

// Location points at a serialized block inside a block file. Offset is the
// position of the block itself, past the record header.
type Location struct {
	FileID uint32
	Offset uint32
	Size   uint32
}

func (l Location) String() string {
	return fmt.Sprintf("%v:%v+%v", FileName(l.FileID), l.Offset, l.Size)
}

// Position is a resume point for header walks.
type Position struct {
	FileID uint32
	Offset uint32
}

// FileMap is a read only memory mapping of a block file.
type FileMap struct {
	ID   uint32
	data mmap.MMap
	f    *os.File
}

// Block returns the raw bytes at loc. The slice is only valid until Close.
func (fm *FileMap) Block(loc Location) ([]byte, error) {
	if loc.FileID != fm.ID {
		return nil, fmt.Errorf("%w: file %v in map %v", ErrLocation,
			loc.FileID, fm.ID)
	}
	end := uint64(loc.Offset) + uint64(loc.Size)
	if end > uint64(len(fm.data)) {
		return nil, fmt.Errorf("%w: %v past %v", ErrLocation, loc,
			len(fm.data))
	}
	return fm.data[loc.Offset:end], nil
}

func (fm *FileMap) Len() int {
	return len(fm.data)
}

func (fm *FileMap) Close() error {
	var err error
	if fm.data != nil {
		err = fm.data.Unmap()
		fm.data = nil
	}
	if fm.f != nil {
		if cerr := fm.f.Close(); err == nil {
			err = cerr
		}
		fm.f = nil
	}
	return err
}

// Loader maps and decodes block files of a single network.
type Loader struct {
	dir   string
	magic wire.BitcoinNet
}

func NewLoader(dir string, params *chaincfg.Params) *Loader {
	return &Loader{
		dir:   dir,
		magic: params.Net,
	}
}

// Files returns the ids of all block files in ascending order.
func (l *Loader) Files() ([]uint32, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) ||
			!strings.HasSuffix(name, fileSuffix) {
			continue
		}
		n := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		id, err := strconv.ParseUint(n, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Loader) mapFile(id uint32) (*FileMap, error) {
	filename := filepath.Join(l.dir, FileName(id))
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		// Empty files can not be mapped.
		return &FileMap{ID: id, f: f}, nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %v: %w", filename, err)
	}
	return &FileMap{ID: id, data: data, f: f}, nil
}

// MapFiles maps all ids. Either every file is mapped or none is.
func (l *Loader) MapFiles(ids []uint32) (map[uint32]*FileMap, error) {
	log.Tracef("MapFiles %v", ids)
	defer log.Tracef("MapFiles exit")

	fms := make(map[uint32]*FileMap, len(ids))
	for _, id := range ids {
		if _, ok := fms[id]; ok {
			continue
		}
		fm, err := l.mapFile(id)
		if err != nil {
			for _, v := range fms {
				if err := v.Close(); err != nil {
					log.Errorf("close %v: %v", v.ID, err)
				}
			}
			return nil, err
		}
		fms[id] = fm
	}
	return fms, nil
}

// DecodeBlock deserializes the block at loc.
func (l *Loader) DecodeBlock(fm *FileMap, loc Location) (*wire.MsgBlock, error) {
	raw, err := fm.Block(loc)
	if err != nil {
		return nil, err
	}
	var mb wire.MsgBlock
	if err := mb.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode block %v: %w", loc, err)
	}
	return &mb, nil
}

// HeaderFunc is called for every record found during a header walk.
type HeaderFunc func(loc Location, header *wire.BlockHeader) error

// Headers walks every record of every block file.
func (l *Loader) Headers(ctx context.Context, fn HeaderFunc) (Position, error) {
	return l.HeadersFrom(ctx, Position{}, fn)
}

// HeadersFrom walks all records starting at pos and returns the position
// following the last complete record. A partially written record at the end
// of the last file is left for the next walk.
func (l *Loader) HeadersFrom(ctx context.Context, pos Position, fn HeaderFunc) (Position, error) {
	log.Tracef("HeadersFrom %v", pos)
	defer log.Tracef("HeadersFrom exit")

	ids, err := l.Files()
	if err != nil {
		return pos, err
	}
	for k, id := range ids {
		if id < pos.FileID {
			continue
		}
		offset := uint32(0)
		if id == pos.FileID {
			offset = pos.Offset
		}
		last := k == len(ids)-1
		next, err := l.walkFile(ctx, id, offset, last, fn)
		if err != nil {
			return pos, err
		}
		pos = Position{FileID: id, Offset: next}
	}
	return pos, nil
}

func (l *Loader) walkFile(ctx context.Context, id, offset uint32, last bool, fn HeaderFunc) (uint32, error) {
	fm, err := l.mapFile(id)
	if err != nil {
		return offset, err
	}
	defer func() {
		if err := fm.Close(); err != nil {
			log.Errorf("close %v: %v", FileName(id), err)
		}
	}()

	data := fm.data
	for {
		select {
		case <-ctx.Done():
			return offset, ctx.Err()
		default:
		}

		if uint64(offset)+recordHeaderSize > uint64(len(data)) {
			return offset, nil
		}
		magic := binary.LittleEndian.Uint32(data[offset:])
		if magic == 0 {
			// Preallocated tail
			return offset, nil
		}
		if wire.BitcoinNet(magic) != l.magic {
			return offset, fmt.Errorf("%w: %v offset %v: %x",
				ErrBadMagic, FileName(id), offset, magic)
		}
		size := binary.LittleEndian.Uint32(data[offset+4:])
		start := uint64(offset) + recordHeaderSize
		end := start + uint64(size)
		if end > uint64(len(data)) || size < blockHeaderSize {
			if last {
				return offset, nil
			}
			return offset, fmt.Errorf("%w: %v offset %v size %v",
				ErrTruncated, FileName(id), offset, size)
		}
		var bh wire.BlockHeader
		if err := bh.Deserialize(bytes.NewReader(data[start : start+blockHeaderSize])); err != nil {
			return offset, fmt.Errorf("header %v offset %v: %w",
				FileName(id), offset, err)
		}
		loc := Location{FileID: id, Offset: uint32(start), Size: size}
		if err := fn(loc, &bh); err != nil {
			return offset, err
		}
		offset = uint32(end)
	}
}
