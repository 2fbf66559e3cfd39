// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package sshdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/kvdb"
)

const (
	sshdbVersion = 1

	logLevel = "INFO"

	EngineLevel  = "leveldb"
	EnginePebble = "pebble"
)

var (
	log = loggo.GetLogger("sshdb")

	Welcome = true

	versionKey = []byte("version")
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type Config struct {
	Home   string // database directory
	Engine string // leveldb or pebble
}

func NewDefaultConfig(home string) *Config {
	return &Config{
		Home:   home,
		Engine: EngineLevel,
	}
}

type sshDB struct {
	db  kvdb.Database
	cfg *Config
}

var _ Database = (*sshDB)(nil)

// New opens, and if needed creates, the index database.
func New(ctx context.Context, cfg *Config) (Database, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	if cfg == nil {
		return nil, kvdb.ErrInvalidConfig
	}
	var (
		db  kvdb.Database
		err error
	)
	switch cfg.Engine {
	case EngineLevel, "":
		db, err = kvdb.NewLevelDB(kvdb.DefaultLevelConfig(cfg.Home, Tables))
	case EnginePebble:
		db, err = kvdb.NewPebbleDB(kvdb.DefaultPebbleConfig(cfg.Home, Tables))
	default:
		return nil, fmt.Errorf("invalid engine: %v", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Open(ctx); err != nil {
		return nil, err
	}
	s := &sshDB{db: db, cfg: cfg}

	// Upgrade database
	for {
		dbVersion, err := s.Version(ctx)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				_ = db.Close(ctx)
				return nil, err
			}
			// New database, insert version.
			v := make([]byte, 8)
			binary.BigEndian.PutUint64(v, sshdbVersion)
			if err := db.Put(ctx, MetadataTable, versionKey, v); err != nil {
				_ = db.Close(ctx)
				return nil, err
			}
			dbVersion = sshdbVersion
		}
		if dbVersion == sshdbVersion {
			if Welcome {
				log.Infof("sshdb %v database version: %v",
					cfg.Engine, sshdbVersion)
			}
			return s, nil
		}
		_ = db.Close(ctx)
		return nil, fmt.Errorf("invalid version: wanted %v got %v",
			sshdbVersion, dbVersion)
	}
}

func (s *sshDB) Close(ctx context.Context) error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	return s.db.Close(ctx)
}

func (s *sshDB) Version(ctx context.Context) (int, error) {
	value, err := s.db.Get(ctx, MetadataTable, versionKey)
	if err != nil {
		return -1, fmt.Errorf("version: %w", err)
	}
	if len(value) != 8 {
		return -1, fmt.Errorf("%w: version length %v", ErrCorrupt, len(value))
	}
	return int(binary.BigEndian.Uint64(value)), nil
}

func (s *sshDB) CheckpointGet(ctx context.Context, cp Checkpoint) (*chainhash.Hash, error) {
	value, err := s.db.Get(ctx, MetadataTable, []byte(cp))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("checkpoint not found: %v", cp))
		}
		return nil, fmt.Errorf("checkpoint %v: %w", cp, err)
	}
	return chainhash.NewHash(value)
}

func (s *sshDB) TxKeyByHash(ctx context.Context, txid chainhash.Hash) (TxKey, error) {
	var tk TxKey
	value, err := s.db.Get(ctx, TxHintsTable, txid[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return tk, database.TxNotFoundError{Hash: txid}
		}
		return tk, fmt.Errorf("tx hint %v: %w", txid, err)
	}
	if len(value) != TxKeySize {
		return tk, fmt.Errorf("%w: tx key length %v", ErrCorrupt, len(value))
	}
	copy(tk[:], value)
	return tk, nil
}

func (s *sshDB) SpentnessByOutput(ctx context.Context, out TxOutKey) (TxInKey, error) {
	var in TxInKey
	value, err := s.db.Get(ctx, SpentnessTable, out[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return in, database.NotFoundError(fmt.Sprintf("output not spent: %v", out))
		}
		return in, fmt.Errorf("spentness %v: %w", out, err)
	}
	if len(value) != TxInKeySize {
		return in, fmt.Errorf("%w: spender length %v", ErrCorrupt, len(value))
	}
	copy(in[:], value)
	return in, nil
}

func (s *sshDB) SubHistoriesByScriptHash(ctx context.Context, sh ScriptHash) ([]BlockSubHistory, error) {
	log.Tracef("SubHistoriesByScriptHash")
	defer log.Tracef("SubHistoriesByScriptHash exit")

	// Every key of sh sorts before sh|ff*(BlockKeySize+1).
	end := bytes.Repeat([]byte{0xff}, sshKeySize+1)
	copy(end, sh[:])
	it, err := s.db.NewRange(ctx, SSHTable, sh[:], end)
	if err != nil {
		return nil, err
	}
	defer it.Close(ctx)

	var hs []BlockSubHistory
	for it.Next(ctx) {
		_, bk, err := decodeSSHKey(it.Key(ctx))
		if err != nil {
			return nil, err
		}
		h, err := DecodeSubHistory(it.Value(ctx))
		if err != nil {
			return nil, fmt.Errorf("%v %v: %w", sh, bk, err)
		}
		hs = append(hs, BlockSubHistory{Block: bk, History: *h})
	}
	return hs, it.Err()
}

func prefixRange(prefix byte) ([]byte, []byte) {
	if prefix == 0xff {
		return []byte{prefix}, nil
	}
	return []byte{prefix}, []byte{prefix + 1}
}

func (s *sshDB) SubHistoriesByPrefix(ctx context.Context, prefix byte, fn func(ScriptHash, []BlockSubHistory) error) error {
	log.Tracef("SubHistoriesByPrefix %02x", prefix)
	defer log.Tracef("SubHistoriesByPrefix %02x exit", prefix)

	start, end := prefixRange(prefix)
	it, err := s.db.NewRange(ctx, SSHTable, start, end)
	if err != nil {
		return err
	}
	defer it.Close(ctx)

	var (
		cur ScriptHash
		hs  []BlockSubHistory
	)
	for it.Next(ctx) {
		sh, bk, err := decodeSSHKey(it.Key(ctx))
		if err != nil {
			return err
		}
		if sh != cur && len(hs) > 0 {
			if err := fn(cur, hs); err != nil {
				return err
			}
			hs = nil
		}
		cur = sh
		h, err := DecodeSubHistory(it.Value(ctx))
		if err != nil {
			return fmt.Errorf("%v %v: %w", sh, bk, err)
		}
		hs = append(hs, BlockSubHistory{Block: bk, History: *h})
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(hs) > 0 {
		return fn(cur, hs)
	}
	return nil
}

func (s *sshDB) SummaryByScriptHash(ctx context.Context, sh ScriptHash) (*Summary, error) {
	value, err := s.db.Get(ctx, SummaryTable, sh[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("summary not found: %v", sh))
		}
		return nil, fmt.Errorf("summary %v: %w", sh, err)
	}
	sum, err := DecodeSummary(value)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *sshDB) SummariesByPrefix(ctx context.Context, prefix byte, fn func(ScriptHash, Summary) error) error {
	start, end := prefixRange(prefix)
	it, err := s.db.NewRange(ctx, SummaryTable, start, end)
	if err != nil {
		return err
	}
	defer it.Close(ctx)

	for it.Next(ctx) {
		var sh ScriptHash
		key := it.Key(ctx)
		if len(key) != ScriptHashSize {
			return fmt.Errorf("%w: summary key length %v", ErrCorrupt, len(key))
		}
		copy(sh[:], key)
		sum, err := DecodeSummary(it.Value(ctx))
		if err != nil {
			return err
		}
		if err := fn(sh, sum); err != nil {
			return err
		}
	}
	return it.Err()
}

func (s *sshDB) ForEach(ctx context.Context, table string, fn func(key, value []byte) error) error {
	it, err := s.db.NewRange(ctx, table, nil, nil)
	if err != nil {
		return err
	}
	defer it.Close(ctx)

	for it.Next(ctx) {
		if err := fn(it.Key(ctx), it.Value(ctx)); err != nil {
			return err
		}
	}
	return it.Err()
}

func (s *sshDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.Begin(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sshTx{db: s.db, tx: tx}, nil
}

type sshTx struct {
	db kvdb.Database
	tx kvdb.Transaction
}

func (t *sshTx) Write(ctx context.Context, ws *WriteSet) error {
	b, err := t.db.NewBatch(ctx)
	if err != nil {
		return err
	}
	for k := range ws.ops {
		op := &ws.ops[k]
		if op.value == nil {
			b.Del(ctx, op.table, op.key)
		} else {
			b.Put(ctx, op.table, op.key, op.value)
		}
	}
	if err := t.tx.Write(ctx, b); err != nil {
		return fmt.Errorf("write %v: %w", ws, err)
	}
	return nil
}

func (t *sshTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *sshTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
