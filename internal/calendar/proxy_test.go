package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tradepulse/config"
)

func newTestProxy(t *testing.T, upstreamURL string, ttl time.Duration) (*Proxy, *Cache) {
	t.Helper()
	cache := NewCache(ttl)
	p := NewProxy(config.CalendarConfig{
		URL:               upstreamURL,
		TTL:               ttl,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		BurstSize:         1000,
	}, cache)
	return p, cache
}

func TestFreshHitSkipsUpstream(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"events":[1]}`))
	}))
	defer srv.Close()

	p, cache := newTestProxy(t, srv.URL, time.Hour)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	cache.Set(json.RawMessage(`{"events":["cached"]}`), base.Add(-30*time.Minute))

	res, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Stale || string(res.Items) != `{"events":["cached"]}` {
		t.Fatalf("expected fresh cached payload, got %+v", res)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("fresh hit must not call upstream, got %d calls", calls)
	}
}

func TestMissFetchesAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events":["new"]}`))
	}))
	defer srv.Close()

	p, cache := newTestProxy(t, srv.URL, time.Hour)
	res, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Stale || !res.OK {
		t.Fatalf("expected fresh result, got %+v", res)
	}
	entry, ok := cache.Get()
	if !ok || string(entry.Payload) != `{"events":["new"]}` {
		t.Fatalf("expected payload cached, got %v ok=%v", entry, ok)
	}
}

func TestStaleFallbackBeyondTTL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, cache := newTestProxy(t, srv.URL, time.Hour)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	// Populated 90 minutes ago, well past the 1h TTL.
	cache.Set(json.RawMessage(`{"events":["t0"]}`), base.Add(-90*time.Minute))

	res, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if !res.OK || !res.Stale {
		t.Fatalf("expected ok+stale, got %+v", res)
	}
	if string(res.Items) != `{"events":["t0"]}` {
		t.Errorf("expected T0 payload, got %s", res.Items)
	}
}

func TestHTMLBodyTreatedAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>blocked</body></html>`))
	}))
	defer srv.Close()

	p, cache := newTestProxy(t, srv.URL, time.Hour)
	base := time.Now()
	cache.Set(json.RawMessage(`{"events":["old"]}`), base.Add(-2*time.Hour))

	res, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("HTML body should fall back to stale, got error: %v", err)
	}
	if !res.Stale {
		t.Fatalf("expected stale serve, got %+v", res)
	}
}

func TestColdCacheHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, srv.URL, time.Hour)
	_, err := p.Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected error with cold cache and failing upstream")
	}
	if err.Error() == "" {
		t.Fatalf("error must carry a human-readable message")
	}
}

func TestHandlerServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, srv.URL, time.Hour)
	rec := httptest.NewRecorder()
	p.Handler()(rec, httptest.NewRequest(http.MethodGet, "/api/calendar", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.OK || body.Error != "calendar_unavailable" || body.Message == "" {
		t.Errorf("unexpected error body: %+v", body)
	}
}

func TestHandlerOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events":[]}`))
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, srv.URL, time.Hour)
	rec := httptest.NewRecorder()
	p.Handler()(rec, httptest.NewRequest(http.MethodGet, "/api/calendar", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !res.OK || res.Stale {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCacheSingleSlotReplacement(t *testing.T) {
	cache := NewCache(time.Hour)
	now := time.Now()
	cache.Set(json.RawMessage(`{"a":1}`), now.Add(-time.Minute))
	cache.Set(json.RawMessage(`{"b":2}`), now)

	entry, ok := cache.Get()
	if !ok || string(entry.Payload) != `{"b":2}` {
		t.Fatalf("expected newest payload to replace the slot, got %v", entry)
	}

	cache.Clear()
	if _, ok := cache.Get(); ok {
		t.Fatalf("expected empty slot after Clear")
	}
}
