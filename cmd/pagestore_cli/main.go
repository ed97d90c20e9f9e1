package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/memtable"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"github.com/sushant-115/pagestore/pkg/config"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	dbPath     = flag.String("db", "", "Data file path (overrides config)")
	poolSize   = flag.Int("pool_size", 0, "Number of buffer pool frames (overrides config)")
	replacerK  = flag.Int("k", 0, "LRU-K history depth (overrides config)")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("new"),
	readline.PcItem("fetch"),
	readline.PcItem("write"),
	readline.PcItem("read"),
	readline.PcItem("unpin"),
	readline.PcItem("flush"),
	readline.PcItem("flushall"),
	readline.PcItem("delete"),
	readline.PcItem("alloc"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

// engine bundles everything main has to shut down in order.
type engine struct {
	log        *zap.Logger
	disk       *flushmanager.DiskManager
	bpm        *memtable.BufferPoolManager
	flusher    *memtable.BackgroundFlusher
	metricsSrv *http.Server
	shutdown   telemetry.ShutdownFunc
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}
	if *poolSize > 0 {
		cfg.Storage.BufferPoolSize = *poolSize
	}
	if *replacerK > 0 {
		cfg.Storage.ReplacerK = *replacerK
	}
	return cfg, cfg.Validate()
}

func startEngine(cfg config.Config) (*engine, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	// abort releases what was started before a later step failed.
	abort := func(err error) (*engine, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdown(ctx))
		_ = log.Sync()
		return nil, err
	}

	diskMetrics, err := internaltelemetry.NewDiskMetrics(tel.Meter)
	if err != nil {
		return abort(err)
	}
	poolMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return abort(err)
	}

	disk, err := flushmanager.NewDiskManager(cfg.Storage.DBPath, log, diskMetrics)
	if err != nil {
		return abort(err)
	}
	replacer := memtable.NewLRUKReplacer(cfg.Storage.BufferPoolSize, cfg.Storage.ReplacerK)
	bpm := memtable.NewBufferPoolManager(cfg.Storage.BufferPoolSize, disk, replacer, log, poolMetrics)

	e := &engine{log: logger.Component(log, "cli"), disk: disk, bpm: bpm, shutdown: shutdown}

	if cfg.Flusher.Enabled {
		e.flusher = memtable.NewBackgroundFlusher(bpm, cfg.Flusher.Interval, cfg.Flusher.PagesPerSecond, tel.Tracer, log)
		e.flusher.Start()
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler())
		e.metricsSrv = &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		e.log.Info("Serving metrics", zap.String("addr", cfg.Telemetry.MetricsAddr))
	}
	return e, nil
}

func (e *engine) stop() error {
	if e.flusher != nil {
		e.flusher.Stop()
	}
	err := e.bpm.FlushAllPages()
	err = multierr.Append(err, e.disk.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.metricsSrv != nil {
		err = multierr.Append(err, e.metricsSrv.Shutdown(ctx))
	}
	err = multierr.Append(err, e.shutdown(ctx))
	_ = e.log.Sync()
	return err
}

func runInteractive(sh *shell) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagestore> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("pagestore CLI. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = sh.execute(strings.Fields(strings.TrimSpace(line)))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	e, err := startEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	sh := newShell(e.bpm, e.disk, os.Stdout)
	if args := flag.Args(); len(args) > 0 {
		if err := sh.execute(args); err != nil && !errors.Is(err, errQuit) {
			fmt.Printf("Error: %v\n", err)
		}
	} else if err := runInteractive(sh); err != nil {
		e.log.Error("Shell failed", zap.Error(err))
	}

	sh.releaseAll()
	if err := e.stop(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		os.Exit(1)
	}
}
