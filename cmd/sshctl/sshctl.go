// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/sshscan/config"
	"github.com/hemilabs/sshscan/database"
	"github.com/hemilabs/sshscan/database/sshdb"
	"github.com/hemilabs/sshscan/version"
)

const (
	daemonName      = "sshctl"
	defaultLogLevel = daemonName + "=INFO;sshdb=INFO;kvdb=INFO"
	defaultHome     = "~/.sshscand"
)

var (
	log     = loggo.GetLogger(daemonName)
	welcome string

	home     string
	engine   string
	logLevel string
	cm       = config.CfgMap{
		"SSHCTL_DATABASE": config.Config{
			Value:        &engine,
			DefaultValue: sshdb.EngineLevel,
			Help:         "database engine; leveldb or pebble",
			Print:        config.PrintAll,
		},
		"SSHCTL_HOME": config.Config{
			Value:        &home,
			DefaultValue: defaultHome,
			Help:         "index database directory",
			Print:        config.PrintAll,
		},
		"SSHCTL_LOG_LEVEL": config.Config{
			Value:        &logLevel,
			DefaultValue: defaultLogLevel,
			Help:         "loglevel for various packages; INFO, DEBUG and TRACE",
			Print:        config.PrintAll,
		},
	}
)

func init() {
	version.Component = daemonName
	welcome = "Hemi SSH Scanner Control " + version.BuildInfo()
	sshdb.Welcome = false
}

type entry struct {
	Output  string `json:"output"`
	Value   int64  `json:"value"`
	Spender string `json:"spender,omitempty"`
}

type blockHistory struct {
	Block   string  `json:"block"`
	Credits []entry `json:"credits,omitempty"`
	Spends  []entry `json:"spends,omitempty"`
}

type summary struct {
	ScriptHash string `json:"scripthash"`
	TxioCount  uint64 `json:"txio_count"`
	SpentCount uint64 `json:"spent_count"`
	Balance    int64  `json:"balance"`
}

func entries(hes []sshdb.HistoryEntry, spends bool) []entry {
	es := make([]entry, 0, len(hes))
	for _, he := range hes {
		e := entry{
			Output: he.Output.String(),
			Value:  he.Value,
		}
		if spends {
			e.Spender = he.Spender.String()
		}
		es = append(es, e)
	}
	return es
}

// parseOutpoint parses txid:index.
func parseOutpoint(s string) (chainhash.Hash, uint32, error) {
	txid, index, ok := strings.Cut(s, ":")
	if !ok {
		return chainhash.Hash{}, 0, fmt.Errorf("expected txid:index, got %v", s)
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("txid: %w", err)
	}
	n, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("index: %w", err)
	}
	return *hash, uint32(n), nil
}

func printJSON(w io.Writer, payload any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	if err := e.Encode(payload); err != nil {
		return fmt.Errorf("can't encode payload %T: %w", payload, err)
	}
	return nil
}

func run(ctx context.Context, db sshdb.Database, w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	cmd, args := args[0], args[1:]
	arg := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%v: expected one argument", cmd)
		}
		return args[0], nil
	}

	switch cmd {
	case "top":
		out := make(map[string]string, 2)
		for _, cp := range []sshdb.Checkpoint{
			sshdb.CheckpointSSH,
			sshdb.CheckpointSpentness,
		} {
			hash, err := db.CheckpointGet(ctx, cp)
			switch {
			case errors.Is(err, database.ErrNotFound):
				out[string(cp)] = ""
			case err != nil:
				return fmt.Errorf("%v: %w", cp, err)
			default:
				out[string(cp)] = hash.String()
			}
		}
		return printJSON(w, out)

	case "history":
		a, err := arg()
		if err != nil {
			return err
		}
		sh, err := sshdb.NewScriptHashFromString(a)
		if err != nil {
			return err
		}
		hs, err := db.SubHistoriesByScriptHash(ctx, sh)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		out := make([]blockHistory, 0, len(hs))
		for _, h := range hs {
			out = append(out, blockHistory{
				Block:   h.Block.String(),
				Credits: entries(h.History.Credits(), false),
				Spends:  entries(h.History.Spends(), true),
			})
		}
		return printJSON(w, out)

	case "summary":
		a, err := arg()
		if err != nil {
			return err
		}
		sh, err := sshdb.NewScriptHashFromString(a)
		if err != nil {
			return err
		}
		s, err := db.SummaryByScriptHash(ctx, sh)
		if err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		return printJSON(w, summary{
			ScriptHash: sh.String(),
			TxioCount:  s.TxioCount,
			SpentCount: s.SpentCount,
			Balance:    s.Balance,
		})

	case "spent":
		a, err := arg()
		if err != nil {
			return err
		}
		txid, index, err := parseOutpoint(a)
		if err != nil {
			return err
		}
		tk, err := db.TxKeyByHash(ctx, txid)
		if err != nil {
			return fmt.Errorf("tx: %w", err)
		}
		out := sshdb.NewTxOutKey(tk, index)
		in, err := db.SpentnessByOutput(ctx, out)
		switch {
		case errors.Is(err, database.ErrNotFound):
			return printJSON(w, map[string]any{
				"output": out.String(),
				"spent":  false,
			})
		case err != nil:
			return fmt.Errorf("spentness: %w", err)
		}
		return printJSON(w, map[string]any{
			"output":  out.String(),
			"spent":   true,
			"spender": in.String(),
		})

	case "dump":
		a, err := arg()
		if err != nil {
			return err
		}
		return db.ForEach(ctx, a, func(k, v []byte) error {
			log.Debugf("%v", spew.Sdump(v))
			_, err := fmt.Fprintf(w, "%v %v\n", hex.EncodeToString(k),
				hex.EncodeToString(v))
			return err
		})
	}
	return fmt.Errorf("unknown command: %v", cmd)
}

func usage() {
	fmt.Fprintf(os.Stderr, "%v\n", welcome)
	fmt.Fprintf(os.Stderr, "\t%v <command> [argument]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "\tdump <table>\n")
	fmt.Fprintf(os.Stderr, "\thelp (this help)\n")
	fmt.Fprintf(os.Stderr, "\thistory <scripthash>\n")
	fmt.Fprintf(os.Stderr, "\tspent <txid>:<index>\n")
	fmt.Fprintf(os.Stderr, "\tsummary <scripthash>\n")
	fmt.Fprintf(os.Stderr, "\ttop\n")
	fmt.Fprintf(os.Stderr, "Environment:\n")
	config.Help(os.Stderr, cm)
}

func _main() error {
	if err := config.Parse(cm); err != nil {
		return err
	}
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		return fmt.Errorf("configure loggers: %w", err)
	}
	log.Debugf("%v", welcome)

	pc := config.PrintableConfig(cm)
	for k := range pc {
		log.Debugf("%v", pc[k])
	}

	if os.Args[1] == "help" {
		usage()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sshdb.New(ctx, &sshdb.Config{Home: home, Engine: engine})
	if err != nil {
		return fmt.Errorf("open database (sshscand must not be running): %w",
			err)
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "db close: %v\n", err)
		}
	}()

	return run(ctx, db, os.Stdout, os.Args[1:])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := _main(); err != nil {
		fmt.Fprintf(os.Stderr, "\n%v: %v\n", daemonName, err)
		os.Exit(1)
	}
}
