// Package scheduler owns the periodic refresh timer and orchestrates full
// refresh cycles across all configured sources.
//
// One logical cycle runs at a time: RefreshAll dedupes overlapping calls
// with an atomic running flag rather than queueing them. Stop and Pause
// only disarm the timer; an in-flight cycle always runs to completion.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kmorton/fieldsync/internal/bus"
	"github.com/kmorton/fieldsync/internal/fetcher"
	"github.com/kmorton/fieldsync/internal/logging"
	"github.com/kmorton/fieldsync/internal/metrics"
	"github.com/kmorton/fieldsync/internal/source"
)

// defaultMaxConcurrent limits parallel source fetches within one cycle.
const defaultMaxConcurrent = 5

// Fetcher is the per-source retrieval dependency (interface for testing).
type Fetcher interface {
	Fetch(ctx context.Context, desc source.Descriptor) (fetcher.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval      time.Duration // time between cycles
	ErrorLogSize  int           // capacity of the no-data error ring
	MaxConcurrent int           // parallel fetches per cycle; 0 = default
}

// SourceStatus is the per-source view in a Snapshot.
type SourceStatus struct {
	LastFetched  time.Time
	LastError    string
	ConsecErrors int
	Stale        bool
}

// Snapshot is a point-in-time copy of the scheduler's refresh state.
type Snapshot struct {
	Running      bool
	LastUpdate   time.Time
	RefreshCount uint64
	Errors       []metrics.ErrorEntry
	Performance  metrics.Stats
	Sources      map[string]SourceStatus
}

// Scheduler runs refresh cycles. Construct with New; all fields are wired
// at construction and the source list is copied and never modified.
type Scheduler struct {
	fetch    Fetcher
	bus      *bus.Bus
	tracker  *metrics.Tracker
	sources  []source.Descriptor
	interval time.Duration
	maxConc  int

	running atomic.Bool // guards against overlapping cycles
	errors  *metrics.ErrorRing

	mu           sync.Mutex // guards timer state and refresh bookkeeping
	timerCancel  context.CancelFunc
	lastUpdate   time.Time
	refreshCount uint64
	status       map[string]*SourceStatus

	wg sync.WaitGroup
}

// New creates a Scheduler over the given sources.
func New(f Fetcher, b *bus.Bus, tr *metrics.Tracker, sources []source.Descriptor, opts Options) *Scheduler {
	maxConc := opts.MaxConcurrent
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrent
	}

	// Copy sources slice to ensure immutability.
	sourcesCopy := make([]source.Descriptor, len(sources))
	copy(sourcesCopy, sources)

	return &Scheduler{
		fetch:    f,
		bus:      b,
		tracker:  tr,
		sources:  sourcesCopy,
		interval: opts.Interval,
		maxConc:  maxConc,
		errors:   metrics.NewErrorRing(opts.ErrorLogSize),
		status:   make(map[string]*SourceStatus, len(sources)),
	}
}

// Start runs one cycle immediately and arms the periodic timer. If the
// timer is already armed, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.arm(ctx) {
		return
	}
	s.RefreshAll(ctx)
}

// Stop disarms the timer. It does not cancel an in-flight cycle; call
// Wait to block until background work has settled.
func (s *Scheduler) Stop() {
	s.disarm()
}

// Pause disarms the timer only, leaving any in-flight cycle running.
// Invoked on application backgrounding.
func (s *Scheduler) Pause() {
	s.disarm()
}

// Wait blocks until the timer goroutine has exited. Call after Stop.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// CheckAndRefresh runs an immediate cycle if no update has ever happened
// or the last one is older than the refresh interval, then re-arms the
// timer if it was disarmed. Returns whether a cycle was executed. Invoked
// on foreground-resume or reconnect.
func (s *Scheduler) CheckAndRefresh(ctx context.Context) bool {
	s.mu.Lock()
	overdue := s.lastUpdate.IsZero() || time.Since(s.lastUpdate) > s.interval
	s.mu.Unlock()

	ran := false
	if overdue {
		ran = s.RefreshAll(ctx)
	}
	s.arm(ctx)
	return ran
}

// RefreshAll executes one full cycle: every source fetched concurrently,
// failures absorbed per source, metrics recorded, and RefreshComplete
// published after all per-source events. If a cycle is already in flight
// the call is skipped (no queueing) and false is returned.
func (s *Scheduler) RefreshAll(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		logging.Debug("refresh cycle already in flight, skipping")
		return false
	}
	defer s.running.Store(false)

	start := time.Now()

	var tallyMu sync.Mutex
	var fresh, stale, failed int
	var noData []metrics.ErrorEntry

	var g errgroup.Group
	g.SetLimit(s.maxConc)

	for _, desc := range s.sources {
		g.Go(func() error {
			res, err := s.fetch.Fetch(ctx, desc)

			tallyMu.Lock()
			switch {
			case err != nil:
				failed++
				noData = append(noData, metrics.ErrorEntry{
					SourceID: desc.ID,
					Message:  err.Error(),
					At:       time.Now(),
				})
			case res.Stale:
				stale++
			default:
				fresh++
			}
			tallyMu.Unlock()

			s.recordStatus(desc.ID, res, err)
			return nil // one failing source never aborts the cycle
		})
	}
	_ = g.Wait()

	duration := time.Since(start)

	// Stale fallbacks served data but count against the success rate.
	s.tracker.Record(duration, fresh, stale+failed)
	for _, e := range noData {
		s.errors.Push(e)
	}

	s.mu.Lock()
	s.refreshCount++
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	logging.Info("refresh cycle complete",
		"fresh", fresh, "stale", stale, "failed", failed, "duration", duration)

	s.bus.Publish(bus.RefreshComplete{
		At:        time.Now(),
		Succeeded: fresh + stale,
		Failed:    failed,
		Duration:  duration,
	})
	return true
}

// Snapshot returns a copy of the current refresh state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcs := make(map[string]SourceStatus, len(s.status))
	for id, st := range s.status {
		srcs[id] = *st
	}

	return Snapshot{
		Running:      s.running.Load(),
		LastUpdate:   s.lastUpdate,
		RefreshCount: s.refreshCount,
		Errors:       s.errors.Snapshot(),
		Performance:  s.tracker.Snapshot(),
		Sources:      srcs,
	}
}

// Errors exposes the no-data error ring.
func (s *Scheduler) Errors() *metrics.ErrorRing {
	return s.errors
}

// arm starts the periodic timer goroutine if it is not already running.
// Returns false when the timer was already armed.
func (s *Scheduler) arm(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timerCancel != nil {
		return false
	}

	timerCtx, cancel := context.WithCancel(ctx)
	s.timerCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-timerCtx.Done():
				return
			case <-ticker.C:
				s.RefreshAll(ctx)
			}
		}
	}()
	return true
}

func (s *Scheduler) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timerCancel != nil {
		s.timerCancel()
		s.timerCancel = nil
	}
}

func (s *Scheduler) recordStatus(id string, res fetcher.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.status[id]
	if !ok {
		st = &SourceStatus{}
		s.status[id] = st
	}

	st.LastFetched = time.Now()
	st.Stale = err == nil && res.Stale

	switch {
	case err != nil:
		st.LastError = err.Error()
		st.ConsecErrors++
	case res.Stale:
		// Data served, but the source itself is still unreachable.
		st.ConsecErrors++
	default:
		st.LastError = ""
		st.ConsecErrors = 0
	}
}
