// Package fetcher implements per-source retrieval: consult the cache,
// then the optional connector or the network with bounded retries, and
// fall back to the offline store once retries are exhausted.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kmorton/fieldsync/internal/bus"
	"github.com/kmorton/fieldsync/internal/cache"
	"github.com/kmorton/fieldsync/internal/logging"
	"github.com/kmorton/fieldsync/internal/offline"
	"github.com/kmorton/fieldsync/internal/source"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 10 << 20

// Options configures a Fetcher.
type Options struct {
	Attempts   int           // total attempts per fetch, e.g. 3
	RetryDelay time.Duration // linear backoff unit: attempt * RetryDelay
	Timeout    time.Duration // per-attempt deadline
	Connector  Connector     // optional external data path
	RateLimit  rate.Limit    // outbound requests/sec across all sources; 0 = unlimited
}

// Result is the outcome of a successful Fetch. Stale means the payload
// came from the offline store rather than a fresh response.
type Result struct {
	Payload source.Payload
	Stale   bool
}

// Fetcher retrieves payloads for sources. Safe for concurrent use; one
// Fetcher serves every source in the pipeline.
type Fetcher struct {
	cache     *cache.Cache
	store     offline.Store
	bus       *bus.Bus
	connector Connector
	client    *http.Client
	limiter   *rate.Limiter

	attempts   int
	retryDelay time.Duration
	timeout    time.Duration

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher. cache, store, and b are required.
func New(c *cache.Cache, store offline.Store, b *bus.Bus, opts Options) *Fetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	limit := opts.RateLimit
	if limit == 0 {
		limit = rate.Inf
	}

	return &Fetcher{
		cache:      c,
		store:      store,
		bus:        b,
		connector:  opts.Connector,
		client:     &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		timeout:    opts.Timeout,
		sleep:      sleepCtx,
	}
}

// Fetch retrieves the payload for one source. A cache hit returns
// immediately. Otherwise up to Attempts tries run against the connector or
// the network with linear backoff between them; on exhaustion the offline
// store is consulted and its record served flagged stale. Only when no
// offline record exists does Fetch return an error, always a *NoDataError.
func (f *Fetcher) Fetch(ctx context.Context, desc source.Descriptor) (Result, error) {
	if payload, ok := f.cache.Get(desc.Endpoint); ok {
		return Result{Payload: payload, Stale: false}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		payload, err := f.attempt(ctx, desc)
		if err == nil {
			f.commit(desc, payload)
			return Result{Payload: payload, Stale: false}, nil
		}
		lastErr = err
		logging.Warn("fetch attempt failed", "source", desc.ID, "attempt", attempt, "err", err)

		if attempt < f.attempts {
			// Linear backoff: attempt * retryDelay.
			if err := f.sleep(ctx, time.Duration(attempt)*f.retryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	// Retries exhausted: serve the last known good record if one exists.
	rec, ok, err := f.store.Get(desc.ID)
	if err != nil {
		logging.Warn("offline read failed", "source", desc.ID, "err", err)
	}
	if ok {
		logging.Warn("serving stale payload", "source", desc.ID, "age", time.Since(rec.Timestamp))
		f.bus.Publish(bus.SourceUpdated{
			SourceID: desc.ID,
			Payload:  rec.Payload,
			Stale:    true,
			At:       time.Now(),
		})
		return Result{Payload: rec.Payload, Stale: true}, nil
	}

	return Result{}, &NoDataError{SourceID: desc.ID, LastErr: lastErr}
}

// attempt performs one try: connector if registered, network otherwise.
func (f *Fetcher) attempt(ctx context.Context, desc source.Descriptor) (source.Payload, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(attemptCtx); err != nil {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Err: err}
	}

	if f.connector != nil {
		return f.attemptConnector(attemptCtx, desc)
	}
	return f.attemptHTTP(attemptCtx, desc)
}

func (f *Fetcher) attemptConnector(ctx context.Context, desc source.Descriptor) (source.Payload, error) {
	payloads, err := f.connector.FetchAll(ctx, []string{desc.ID})
	if err != nil {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Err: fmt.Errorf("connector: %w", err)}
	}
	payload, ok := payloads[desc.ID]
	if !ok {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Err: fmt.Errorf("connector: no payload for %s", desc.ID)}
	}
	return payload, nil
}

func (f *Fetcher) attemptHTTP(ctx context.Context, desc source.Descriptor) (source.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Endpoint, nil)
	if err != nil {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Err: err}
	}
	req.Header.Set("User-Agent", "fieldsync/1.0 (https://github.com/kmorton/fieldsync)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &NetworkError{Endpoint: desc.Endpoint, Err: err}
	}

	parse := desc.Parser
	if parse == nil {
		parse = source.ParseJSON
	}
	payload, err := parse(body)
	if err != nil {
		return nil, &ParseError{SourceID: desc.ID, Err: err}
	}
	return payload, nil
}

// commit records a fresh payload: cache, offline store (best effort), and
// the source-updated event.
func (f *Fetcher) commit(desc source.Descriptor, payload source.Payload) {
	now := time.Now()
	f.cache.Set(desc.Endpoint, payload)

	rec := source.Record{
		ID:        uuid.NewString(),
		SourceID:  desc.ID,
		Payload:   payload,
		Timestamp: now,
	}
	if err := f.store.Put(rec); err != nil {
		// Durability is best-effort: log and continue.
		logging.Warn("offline write failed", "source", desc.ID, "err", err)
	}

	f.bus.Publish(bus.SourceUpdated{
		SourceID: desc.ID,
		Payload:  payload,
		Stale:    false,
		At:       now,
	})
}

// IsNoData reports whether err is a NoDataError.
func IsNoData(err error) bool {
	var nd *NoDataError
	return errors.As(err, &nd)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
