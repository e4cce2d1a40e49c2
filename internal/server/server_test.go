package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradepulse/config"
	"tradepulse/internal/calendar"
	"tradepulse/internal/dashboard"
	"tradepulse/internal/fetch"
	"tradepulse/internal/series"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Now().UTC()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/accounts/list":
			fmt.Fprint(w, `{"accounts":[{"account":{"id":"acc-1","name":"Main"},"trading":{"equity":1000},"receiver_id":"recv-1"},{"account":{"id":"acc-2","name":"Scalp"},"trading":{"equity":250},"receiver_id":"recv-1"}]}`)
		case strings.HasSuffix(r.URL.Path, "/metrics"):
			fmt.Fprintf(w, `{"items":[{"ts":%q,"equity":1000,"balance":990,"margin_level":350,"open_positions":2}]}`, now.Format(time.RFC3339))
		case strings.HasSuffix(r.URL.Path, "/history"):
			fmt.Fprintf(w, `{"items":[{"ts":%q,"equity":950,"balance":940},{"ts":%q,"equity":975,"balance":960}]}`,
				now.Add(-30*time.Minute).Format(time.RFC3339), now.Add(-15*time.Minute).Format(time.RFC3339))
		case strings.HasSuffix(r.URL.Path, "/trades"):
			if r.URL.Query().Get("state") == "CLOSED" {
				fmt.Fprint(w, `{"items":[{"id":"t1","state":"CLOSED","side":"BUY","profit":10},{"id":"t2","state":"CLOSED","side":"SELL","profit":-4}]}`)
			} else {
				fmt.Fprint(w, `{"items":[{"id":"t3","state":"OPEN","side":"BUY","profit":1.5}]}`)
			}
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestServer(t *testing.T, calendarUpstream string) (*Server, *dashboard.Orchestrator, *httptest.Server) {
	t.Helper()
	backend := newBackend(t)
	t.Cleanup(backend.Close)

	backendCfg := config.BackendConfig{
		BaseURL:      backend.URL,
		Token:        "token-1",
		RefreshPath:  "session/refresh",
		Timeout:      5 * time.Second,
		MetricsLimit: 100,
		HistoryLimit: 500,
		TradesLimit:  200,
	}
	pollCfg := config.PollConfig{CoreInterval: 50 * time.Millisecond}

	orch := dashboard.New(fetch.NewClient(backendCfg), backendCfg, pollCfg, config.NewsConfig{Interval: time.Minute})

	proxy := calendar.NewProxy(config.CalendarConfig{
		URL:               calendarUpstream,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 100,
		BurstSize:         10,
	}, calendar.NewCache(time.Hour))

	s := New(config.ServerConfig{Addr: ":0"}, orch, proxy)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, orch, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthRoute(t *testing.T) {
	_, _, ts := newTestServer(t, "")

	var body map[string]string
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("health returned %d", code)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestSnapshotRoute(t *testing.T) {
	_, orch, ts := newTestServer(t, "")
	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return orch.Snapshot().State == dashboard.StateReady
	})

	var snap dashboard.Snapshot
	if code := getJSON(t, ts.URL+"/api/dashboard", &snap); code != http.StatusOK {
		t.Fatalf("dashboard returned %d", code)
	}
	if snap.State != dashboard.StateReady {
		t.Fatalf("state = %s, want ready", snap.State)
	}
	if len(snap.Accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(snap.Accounts))
	}
	if snap.Selection.AccountID != "acc-1" {
		t.Fatalf("default selection = %q, want acc-1", snap.Selection.AccountID)
	}
}

func TestRangeRoute(t *testing.T) {
	_, orch, ts := newTestServer(t, "")
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return len(orch.SeriesFor("equity")) > 0
	})

	var res series.RangeResult
	if code := getJSON(t, ts.URL+"/api/dashboard/range?metric=equity&window=1h", &res); code != http.StatusOK {
		t.Fatalf("range returned %d", code)
	}
	if len(res.Points) == 0 {
		t.Fatal("expected points in range result")
	}
	if len(res.Ticks) != series.TickCount {
		t.Fatalf("got %d ticks, want %d", len(res.Ticks), series.TickCount)
	}

	if code := getJSON(t, ts.URL+"/api/dashboard/range?window=1h", nil); code != http.StatusBadRequest {
		t.Fatalf("missing metric returned %d, want 400", code)
	}
	if code := getJSON(t, ts.URL+"/api/dashboard/range?metric=equity&window=2w", nil); code != http.StatusBadRequest {
		t.Fatalf("bad window returned %d, want 400", code)
	}
}

func TestSelectRoute(t *testing.T) {
	_, orch, ts := newTestServer(t, "")
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return orch.Snapshot().State == dashboard.StateReady
	})

	var sel dashboard.Selection
	if code := postJSON(t, ts.URL+"/api/dashboard/select", map[string]string{"account_id": "acc-2"}, &sel); code != http.StatusOK {
		t.Fatalf("select returned %d", code)
	}
	if sel.AccountID != "acc-2" {
		t.Fatalf("selection = %q, want acc-2", sel.AccountID)
	}

	if code := postJSON(t, ts.URL+"/api/dashboard/select", map[string]string{"account_id": "nope"}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown account returned %d, want 404", code)
	}

	if code := postJSON(t, ts.URL+"/api/dashboard/select", map[string]string{"metric": "balance", "window": "4h"}, &sel); code != http.StatusOK {
		t.Fatalf("range select returned %d", code)
	}
	if sel.BalanceRange != series.Window4H {
		t.Fatalf("balance range = %s, want 4h", sel.BalanceRange)
	}

	if code := postJSON(t, ts.URL+"/api/dashboard/select", map[string]string{"metric": "balance", "window": "99h"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad window returned %d, want 400", code)
	}
}

func TestSelectRouteRejectsWholeRequest(t *testing.T) {
	_, orch, ts := newTestServer(t, "")
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return orch.Snapshot().State == dashboard.StateReady
	})
	if orch.Selection().AccountID != "acc-1" {
		t.Fatalf("expected default account acc-1, got %q", orch.Selection().AccountID)
	}

	// A valid account change bundled with a bad window must not half-apply.
	body := map[string]string{"account_id": "acc-2", "metric": "balance", "window": "99h"}
	if code := postJSON(t, ts.URL+"/api/dashboard/select", body, nil); code != http.StatusBadRequest {
		t.Fatalf("bad window returned %d, want 400", code)
	}
	if orch.Selection().AccountID != "acc-1" {
		t.Fatalf("account switched to %q despite rejected request", orch.Selection().AccountID)
	}

	body = map[string]string{"account_id": "acc-2", "metric": "margin_level", "window": "4h"}
	if code := postJSON(t, ts.URL+"/api/dashboard/select", body, nil); code != http.StatusBadRequest {
		t.Fatalf("non-ranged metric returned %d, want 400", code)
	}
	if orch.Selection().AccountID != "acc-1" {
		t.Fatalf("account switched to %q despite rejected request", orch.Selection().AccountID)
	}
}

func TestCalendarRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events":[{"title":"CPI"}]}`)
	}))
	defer upstream.Close()

	_, _, ts := newTestServer(t, upstream.URL)

	var res calendar.Result
	if code := getJSON(t, ts.URL+"/api/calendar", &res); code != http.StatusOK {
		t.Fatalf("calendar returned %d", code)
	}
	if !res.OK || res.Stale {
		t.Fatalf("unexpected calendar result: %+v", res)
	}
}

func TestWebsocketPush(t *testing.T) {
	_, orch, ts := newTestServer(t, "")
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return orch.Snapshot().State == dashboard.StateReady
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Polling cycles keep publishing, so a snapshot arrives without prompting.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap dashboard.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.State != dashboard.StateReady {
		t.Fatalf("pushed state = %s, want ready", snap.State)
	}
}
