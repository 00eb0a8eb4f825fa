// Command fieldsync runs the sync pipeline as a daemon: periodic refresh
// of every configured source, offline fallback, and a JSONL event journal.
//
// Signals: SIGINT/SIGTERM stop the daemon, SIGUSR1 backgrounds it (pauses
// the refresh timer), SIGUSR2 foregrounds it (catch-up refresh if overdue).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kmorton/fieldsync/internal/config"
	"github.com/kmorton/fieldsync/internal/journal"
	"github.com/kmorton/fieldsync/internal/logging"
	"github.com/kmorton/fieldsync/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fieldsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.Path(), "path to config file")
	dbPath := flag.String("db", "", "override database path")
	journalPath := flag.String("journal", "", "override journal path (empty disables)")
	once := flag.Bool("once", false, "run a single refresh cycle and exit")
	stderrLog := flag.Bool("stderr", false, "log to stderr instead of the log file")
	flag.Parse()

	if *stderrLog {
		logging.InitStderr()
	} else if err := logging.Init(); err != nil {
		return err
	}
	defer logging.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *journalPath != "" {
		cfg.JournalPath = *journalPath
	}

	p, err := pipeline.New(cfg, pipeline.Options{})
	if err != nil {
		return err
	}
	defer p.Stop()

	if cfg.JournalPath != "" {
		j, err := journal.OpenFile(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		j.Attach(p.Bus)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		p.Scheduler.RefreshAll(ctx)
		snap := p.Snapshot()
		logging.Info("single cycle done",
			"sources", len(cfg.Sources),
			"success_rate_pct", snap.Performance.SuccessRatePct,
			"errors", len(snap.Errors))
		return nil
	}

	p.Start(ctx)
	logging.Info("pipeline running",
		"sources", len(cfg.Sources),
		"interval", cfg.RefreshInterval(),
		"db", cfg.DBPath)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			p.Monitor.Background()
		case syscall.SIGUSR2:
			p.Monitor.Foreground(ctx)
		default:
			logging.Info("shutting down", "signal", sig)
			return nil
		}
	}
	return nil
}
