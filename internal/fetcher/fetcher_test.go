package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmorton/fieldsync/internal/bus"
	"github.com/kmorton/fieldsync/internal/cache"
	"github.com/kmorton/fieldsync/internal/offline"
	"github.com/kmorton/fieldsync/internal/source"
)

type fixture struct {
	cache *cache.Cache
	store *offline.SQLite
	bus   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := offline.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{
		cache: cache.New(time.Minute),
		store: s,
		bus:   bus.New(),
	}
}

func (fx *fixture) fetcher(opts Options) *Fetcher {
	f := New(fx.cache, fx.store, fx.bus, opts)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestFetchSuccessFirstAttempt(t *testing.T) {
	fx := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"wins": 7}`))
	}))
	defer server.Close()

	var events []bus.SourceUpdated
	fx.bus.Subscribe(bus.KindSourceUpdated, func(e bus.Event) {
		events = append(events, e.(bus.SourceUpdated))
	})

	f := fx.fetcher(Options{Attempts: 3})
	desc := source.Descriptor{ID: "cardinals", Endpoint: server.URL}

	res, err := f.Fetch(context.Background(), desc)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Stale {
		t.Error("fresh fetch flagged stale")
	}
	if res.Payload["wins"] != float64(7) {
		t.Errorf("payload = %v", res.Payload)
	}

	// Cache populated under the endpoint key.
	if _, ok := fx.cache.Get(server.URL); !ok {
		t.Error("cache not populated after success")
	}

	// Offline store updated.
	rec, ok, err := fx.store.Get("cardinals")
	if err != nil || !ok {
		t.Fatalf("offline record missing: ok=%v err=%v", ok, err)
	}
	if rec.Payload["wins"] != float64(7) {
		t.Errorf("offline payload = %v", rec.Payload)
	}

	// Event fired with stale=false.
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].SourceID != "cardinals" || events[0].Stale {
		t.Errorf("bad event: %+v", events[0])
	}
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	fx := newFixture(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"wins": 1}`))
	}))
	defer server.Close()

	fx.cache.Set(server.URL, source.Payload{"wins": float64(9)})

	f := fx.fetcher(Options{Attempts: 3})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "titans", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Stale || res.Payload["wins"] != float64(9) {
		t.Errorf("expected cached payload, got %+v", res)
	}
	if hits.Load() != 0 {
		t.Errorf("cache hit still touched the network %d times", hits.Load())
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	fx := newFixture(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"wins": 4}`))
	}))
	defer server.Close()

	f := fx.fetcher(Options{Attempts: 3})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "titans", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, server saw %d", hits.Load())
	}
	if res.Stale || res.Payload["wins"] != float64(4) {
		t.Errorf("bad result: %+v", res)
	}
}

func TestFetchExhaustionFallsBackStale(t *testing.T) {
	fx := newFixture(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	prior := source.Payload{"wins": float64(6), "streak": "L2"}
	if err := fx.store.Put(source.Record{ID: "r", SourceID: "titans", Payload: prior, Timestamp: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	var events []bus.SourceUpdated
	fx.bus.Subscribe(bus.KindSourceUpdated, func(e bus.Event) {
		events = append(events, e.(bus.SourceUpdated))
	})

	f := fx.fetcher(Options{Attempts: 3})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "titans", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("stale fallback should not error: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected exactly 3 attempts before fallback, got %d", hits.Load())
	}
	if !res.Stale {
		t.Error("fallback payload not flagged stale")
	}
	if res.Payload["wins"] != float64(6) {
		t.Errorf("expected prior payload, got %v", res.Payload)
	}
	if len(events) != 1 || !events[0].Stale || events[0].SourceID != "titans" {
		t.Errorf("expected one stale event, got %+v", events)
	}
}

func TestFetchNoDataAvailable(t *testing.T) {
	fx := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := fx.fetcher(Options{Attempts: 2})
	_, err := f.Fetch(context.Background(), source.Descriptor{ID: "grizzlies", Endpoint: server.URL})
	if err == nil {
		t.Fatal("expected NoDataError")
	}
	var nd *NoDataError
	if !errors.As(err, &nd) {
		t.Fatalf("expected *NoDataError, got %T: %v", err, err)
	}
	if nd.SourceID != "grizzlies" {
		t.Errorf("wrong source in error: %s", nd.SourceID)
	}
	if !IsNoData(err) {
		t.Error("IsNoData should recognize the error")
	}
}

func TestFetchParseErrorRetried(t *testing.T) {
	fx := newFixture(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.Write([]byte(`{"truncated`))
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	f := fx.fetcher(Options{Attempts: 3})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "titans", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected parse failure to retry once, server saw %d", hits.Load())
	}
	if res.Payload["ok"] != true {
		t.Errorf("bad payload: %v", res.Payload)
	}
}

func TestConnectorPreferredOverNetwork(t *testing.T) {
	fx := newFixture(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"wins": 0}`))
	}))
	defer server.Close()

	conn := ConnectorFunc(func(ctx context.Context, ids []string) (map[string]source.Payload, error) {
		out := make(map[string]source.Payload, len(ids))
		for _, id := range ids {
			out[id] = source.Payload{"wins": float64(11), "via": "connector"}
		}
		return out, nil
	})

	f := fx.fetcher(Options{Attempts: 3, Connector: conn})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "titans", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("connector registered but network hit %d times", hits.Load())
	}
	if res.Payload["via"] != "connector" {
		t.Errorf("expected connector payload, got %v", res.Payload)
	}

	// Connector success persists like a network success.
	if _, ok, _ := fx.store.Get("titans"); !ok {
		t.Error("connector result not written to offline store")
	}
}

func TestConnectorFailureFollowsRetryPath(t *testing.T) {
	fx := newFixture(t)

	var calls atomic.Int32
	conn := ConnectorFunc(func(ctx context.Context, ids []string) (map[string]source.Payload, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	})

	prior := source.Payload{"wins": float64(2)}
	fx.store.Put(source.Record{ID: "r", SourceID: "cardinals", Payload: prior, Timestamp: time.Now()})

	f := fx.fetcher(Options{Attempts: 3, Connector: conn})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "cardinals", Endpoint: "http://unused.invalid"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("connector failure should be retried: %d calls", calls.Load())
	}
	if !res.Stale || res.Payload["wins"] != float64(2) {
		t.Errorf("expected stale prior payload, got %+v", res)
	}
}

func TestRateLimitPacesRequests(t *testing.T) {
	fx := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	// 20 req/s with burst 1: the second request must wait ~50ms for a token.
	f := fx.fetcher(Options{Attempts: 1, RateLimit: 20})

	start := time.Now()
	for _, id := range []string{"titans", "cardinals"} {
		// Distinct endpoints so the cache can't short-circuit the second fetch.
		_, err := f.Fetch(context.Background(), source.Descriptor{ID: id, Endpoint: server.URL + "/" + id})
		if err != nil {
			t.Fatalf("fetch %s: %v", id, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("two fetches at 20 rps finished in %v; limiter is not pacing", elapsed)
	}
}

func TestZeroRateLimitMeansUnlimited(t *testing.T) {
	fx := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	f := fx.fetcher(Options{Attempts: 1})

	start := time.Now()
	for i := 0; i < 5; i++ {
		desc := source.Descriptor{ID: "titans", Endpoint: server.URL + "/" + string(rune('a'+i))}
		if _, err := f.Fetch(context.Background(), desc); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unlimited fetches took %v; default limit should not pace", elapsed)
	}
}

func TestCustomParser(t *testing.T) {
	fx := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("7-3"))
	}))
	defer server.Close()

	parser := func(data []byte) (source.Payload, error) {
		return source.Payload{"record": string(data)}, nil
	}

	f := fx.fetcher(Options{Attempts: 1})
	res, err := f.Fetch(context.Background(), source.Descriptor{ID: "titans", Endpoint: server.URL, Parser: parser})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Payload["record"] != "7-3" {
		t.Errorf("custom parser ignored: %v", res.Payload)
	}
}
