// Package pipeline assembles the sync engine: cache, offline store, event
// bus, fetcher, scheduler, and connectivity monitor, wired once from a
// Config. There is no ambient global — callers hold the *Pipeline and pass
// it to whatever needs it.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/kmorton/fieldsync/internal/bus"
	"github.com/kmorton/fieldsync/internal/cache"
	"github.com/kmorton/fieldsync/internal/config"
	"github.com/kmorton/fieldsync/internal/fetcher"
	"github.com/kmorton/fieldsync/internal/metrics"
	"github.com/kmorton/fieldsync/internal/netmon"
	"github.com/kmorton/fieldsync/internal/offline"
	"github.com/kmorton/fieldsync/internal/scheduler"
)

// Options carries the dependencies that can't come from the config file.
type Options struct {
	// Connector, when set, replaces the per-source HTTP path.
	Connector fetcher.Connector

	// Store overrides the SQLite store opened from cfg.DBPath.
	// Used by tests and embedders with their own storage.
	Store offline.Store

	// Prober overrides the HTTP prober built from cfg.ProbeURL.
	Prober netmon.Prober
}

// Pipeline is the assembled sync engine.
type Pipeline struct {
	Cache     *cache.Cache
	Store     offline.Store
	Bus       *bus.Bus
	Tracker   *metrics.Tracker
	Fetcher   *fetcher.Fetcher
	Scheduler *scheduler.Scheduler
	Monitor   *netmon.Monitor

	ownsStore bool
}

// New constructs a Pipeline from cfg. The configuration is treated as
// immutable from here on.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	ownsStore := false
	if store == nil {
		if cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := offline.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		store = s
		ownsStore = true
	}

	b := bus.New()
	c := cache.New(cfg.CacheTTL())
	tr := metrics.NewTracker()

	f := fetcher.New(c, store, b, fetcher.Options{
		Attempts:   cfg.RetryAttempts,
		RetryDelay: cfg.RetryDelay(),
		Timeout:    cfg.FetchTimeout(),
		Connector:  opts.Connector,
		RateLimit:  rate.Limit(cfg.RateLimitRPS),
	})

	sched := scheduler.New(f, b, tr, cfg.Descriptors(), scheduler.Options{
		Interval:     cfg.RefreshInterval(),
		ErrorLogSize: cfg.ErrorLogSize,
	})

	prober := opts.Prober
	if prober == nil {
		prober = netmon.NewHTTPProber(cfg.ProbeURL)
	}
	mon := netmon.New(sched, prober, cfg.ProbeInterval())

	return &Pipeline{
		Cache:     c,
		Store:     store,
		Bus:       b,
		Tracker:   tr,
		Fetcher:   f,
		Scheduler: sched,
		Monitor:   mon,
		ownsStore: ownsStore,
	}, nil
}

// Start runs an immediate refresh cycle, arms the periodic timer, and
// begins connectivity polling.
func (p *Pipeline) Start(ctx context.Context) {
	p.Scheduler.Start(ctx)
	p.Monitor.Start(ctx)
}

// Stop disarms the timer and connectivity polling, waits for in-flight
// work to settle, and closes the store if the pipeline opened it.
func (p *Pipeline) Stop() {
	p.Monitor.Stop()
	p.Scheduler.Stop()
	p.Scheduler.Wait()
	if p.ownsStore {
		p.Store.Close()
	}
}

// Snapshot returns the scheduler's current refresh state.
func (p *Pipeline) Snapshot() scheduler.Snapshot {
	return p.Scheduler.Snapshot()
}
