// Package netmon watches network reachability and application lifecycle
// transitions and nudges the scheduler accordingly: an offline→online edge
// triggers exactly one immediate refresh, foregrounding triggers a
// catch-up check, and backgrounding pauses the timer.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kmorton/fieldsync/internal/logging"
)

// Controller is the scheduler surface the monitor drives.
type Controller interface {
	RefreshAll(ctx context.Context) bool
	CheckAndRefresh(ctx context.Context) bool
	Pause()
}

// Prober answers whether the network is currently reachable.
type Prober interface {
	Online(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) bool

// Online implements Prober.
func (f ProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

// HTTPProber checks reachability with a HEAD request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober against url with a short timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Online implements Prober. Any response, including an error status,
// proves reachability; only transport failure means offline.
func (p *HTTPProber) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor polls a Prober and tracks the online/offline edge. Foreground
// and Background are called by the host (the shipped daemon maps them to
// SIGUSR2/SIGUSR1).
type Monitor struct {
	ctrl     Controller
	prober   Prober
	interval time.Duration

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor polling prober every interval.
func New(ctrl Controller, prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		ctrl:     ctrl,
		prober:   prober,
		interval: interval,
		online:   true, // assume online until a probe says otherwise
	}
}

// Start begins polling. A second Start while running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the poll goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// poll checks reachability once and reacts to edges.
func (m *Monitor) poll(ctx context.Context) {
	cur := m.prober.Online(ctx)

	m.mu.Lock()
	was := m.online
	m.online = cur
	m.mu.Unlock()

	switch {
	case cur && !was:
		logging.Info("network restored, refreshing")
		m.ctrl.RefreshAll(ctx)
	case !cur && was:
		// Nothing to do: fetches fail fast and fall back to offline data.
		logging.Warn("network unreachable")
	}
}

// Online reports the last observed reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Foreground signals the application returned to the foreground; the
// scheduler runs a catch-up cycle if the last update is overdue.
func (m *Monitor) Foreground(ctx context.Context) {
	logging.Debug("foreground transition")
	m.ctrl.CheckAndRefresh(ctx)
}

// Background signals the application was backgrounded; only the periodic
// timer is disarmed, in-flight work continues.
func (m *Monitor) Background() {
	logging.Debug("background transition")
	m.ctrl.Pause()
}
