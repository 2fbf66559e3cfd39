// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/mitchellh/go-homedir"

	"github.com/hemilabs/sshscan/config"
	"github.com/hemilabs/sshscan/database/sshdb"
	"github.com/hemilabs/sshscan/service/scanner"
	"github.com/hemilabs/sshscan/version"
)

const (
	daemonName      = "sshscand"
	defaultLogLevel = daemonName + "=INFO;scanner=INFO;sshdb=INFO;kvdb=INFO"
	defaultNetwork  = "mainnet"
	defaultHome     = "~/." + daemonName
)

var (
	log     = loggo.GetLogger(daemonName)
	welcome string

	cfg = scanner.NewDefaultConfig()
	cm  = config.CfgMap{
		"SSHSCAN_BATCH_SIZE": config.Config{
			Value:        &cfg.BatchSize,
			DefaultValue: cfg.BatchSize,
			Help:         "raw block bytes per scan batch, e.g. 128MiB",
			Print:        config.PrintAll,
			Parse:        config.ParseBytes,
		},
		"SSHSCAN_BLOCK_CACHE": config.Config{
			Value:        &cfg.BlockCacheSize,
			DefaultValue: cfg.BlockCacheSize,
			Help:         "decoded blocks kept for input resolution",
			Print:        config.PrintAll,
		},
		"SSHSCAN_BLOCK_DIR": config.Config{
			Value:        &cfg.BlockDir,
			DefaultValue: "",
			Help:         "directory holding blkNNNNN.dat files",
			Print:        config.PrintAll,
			Required:     true,
		},
		"SSHSCAN_COMMIT_SIZE": config.Config{
			Value:        &cfg.CommitThreshold,
			DefaultValue: cfg.CommitThreshold,
			Help:         "bytes written per database transaction, e.g. 256MiB",
			Print:        config.PrintAll,
			Parse:        config.ParseBytes,
		},
		"SSHSCAN_DATABASE": config.Config{
			Value:        &cfg.Engine,
			DefaultValue: sshdb.EngineLevel,
			Help:         "database engine; leveldb or pebble",
			Print:        config.PrintAll,
		},
		"SSHSCAN_HINT_THRESHOLD": config.Config{
			Value:        &cfg.HintThreshold,
			DefaultValue: cfg.HintThreshold,
			Help:         "touched script hashes before summaries are rebuilt in full",
			Print:        config.PrintAll,
		},
		"SSHSCAN_HOME": config.Config{
			Value:        &cfg.Home,
			DefaultValue: defaultHome,
			Help:         "index database directory",
			Print:        config.PrintAll,
		},
		"SSHSCAN_LEFTOVER_THRESHOLD": config.Config{
			Value:        &cfg.LeftoverThreshold,
			DefaultValue: cfg.LeftoverThreshold,
			Help:         "maximum deferred spentness entries",
			Print:        config.PrintAll,
		},
		"SSHSCAN_LOG_LEVEL": config.Config{
			Value:        &cfg.LogLevel,
			DefaultValue: defaultLogLevel,
			Help:         "loglevel for various packages; INFO, DEBUG and TRACE",
			Print:        config.PrintAll,
		},
		"SSHSCAN_MODE": config.Config{
			Value:        &cfg.Mode,
			DefaultValue: scanner.ModeSSH,
			Help:         "index to build; ssh or spentness",
			Print:        config.PrintAll,
		},
		"SSHSCAN_NETWORK": config.Config{
			Value:        &cfg.Network,
			DefaultValue: defaultNetwork,
			Help:         "bitcoin network; mainnet, testnet3, signet or regtest",
			Print:        config.PrintAll,
		},
		"SSHSCAN_POLL_INTERVAL": config.Config{
			Value:        &cfg.PollInterval,
			DefaultValue: time.Duration(0),
			Help:         "rescan block files at this interval, 0 scans once",
			Print:        config.PrintAll,
			Parse:        config.ParseDuration,
		},
		"SSHSCAN_PPROF_ADDRESS": config.Config{
			Value:        &cfg.PprofListenAddress,
			DefaultValue: "",
			Help:         "address and port sshscand pprof listens on (open <address>/debug/pprof to see available profiles)",
			Print:        config.PrintAll,
		},
		"SSHSCAN_PROMETHEUS_ADDRESS": config.Config{
			Value:        &cfg.PrometheusListenAddress,
			DefaultValue: "",
			Help:         "address and port sshscand prometheus listens on",
			Print:        config.PrintAll,
		},
		"SSHSCAN_THREADS": config.Config{
			Value:        &cfg.Threads,
			DefaultValue: runtime.NumCPU(),
			Help:         "parse worker threads",
			Print:        config.PrintAll,
		},
		"SSHSCAN_WRITE_QUEUE_DEPTH": config.Config{
			Value:        &cfg.WriteQueueDepth,
			DefaultValue: 1,
			Help:         "write sets queued ahead of the committer",
			Print:        config.PrintAll,
		},
	}
)

func init() {
	version.Component = daemonName
	welcome = "Hemi SSH Scanner Daemon " + version.BuildInfo()
}

func HandleSignals(ctx context.Context, cancel context.CancelFunc, callback func(os.Signal)) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signalChan)
		cancel()
	}()

	select {
	case <-ctx.Done():
		return
	case s := <-signalChan: // First signal, cancel context.
		if callback != nil {
			callback(s) // Do whatever caller wants first.
		}
		cancel()
	}
	<-signalChan // Second signal, hard exit.
	os.Exit(2)
}

func _main() error {
	// Parse configuration from environment
	if err := config.Parse(cm); err != nil {
		return err
	}

	if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
		return fmt.Errorf("configure loggers: %w", err)
	}
	log.Infof("%v", welcome)

	pc := config.PrintableConfig(cm)
	for k := range pc {
		log.Infof("%v", pc[k])
	}

	var err error
	cfg.BlockDir, err = homedir.Expand(cfg.BlockDir)
	if err != nil {
		return fmt.Errorf("block dir: %w", err)
	}
	if err := setUlimits(); err != nil {
		return fmt.Errorf("ulimit: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go HandleSignals(ctx, cancel, func(s os.Signal) {
		log.Infof("sshscan service received signal: %s", s)
	})

	server, err := scanner.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create sshscan server: %w", err)
	}
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sshscan server terminated: %w", err)
	}

	return nil
}

func main() {
	if len(os.Args) != 1 {
		fmt.Fprintf(os.Stderr, "%v\n", welcome)
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "\thelp (this help)\n")
		fmt.Fprintf(os.Stderr, "Environment:\n")
		config.Help(os.Stderr, cm)
		os.Exit(1)
	}

	if err := _main(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
