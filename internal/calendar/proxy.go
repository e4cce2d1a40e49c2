package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tradepulse/config"
	"tradepulse/logger"
)

// ErrUnavailable is returned when neither fresh nor stale data exists. It is
// the only calendar condition surfaced to users.
var ErrUnavailable = errors.New("calendar temporarily unavailable, try again later")

// Result is the proxy's answer: the payload plus whether it was served from
// an expired cache slot.
type Result struct {
	OK    bool            `json:"ok"`
	Stale bool            `json:"stale"`
	Items json.RawMessage `json:"items"`
}

// Proxy sits in front of a rate-limited calendar feed that occasionally
// answers with HTML instead of JSON. Fresh cache hits are served directly;
// upstream failures fall back to stale data of any age; only a cold cache
// combined with a failing upstream produces an error.
type Proxy struct {
	url        string
	cache      *Cache
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Entry
	now        func() time.Time
}

// NewProxy builds a proxy from configuration around the provided cache.
func NewProxy(cfg config.CalendarConfig, cache *Cache) *Proxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &Proxy{
		url:        cfg.URL,
		cache:      cache,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        logger.GetLogger().WithComponent("calendar"),
		now:        time.Now,
	}
}

// Fetch serves the calendar payload according to the fresh/stale/unavailable
// policy. The returned error is non-nil only for total unavailability.
func (p *Proxy) Fetch(ctx context.Context) (*Result, error) {
	now := p.now()

	if entry, ok := p.cache.Fresh(now); ok {
		return &Result{OK: true, Stale: false, Items: entry.Payload}, nil
	}

	payload, err := p.fetchUpstream(ctx)
	if err == nil {
		p.cache.Set(payload, now)
		return &Result{OK: true, Stale: false, Items: payload}, nil
	}

	p.log.WithError(err).Warn("upstream calendar fetch failed")

	if entry, ok := p.cache.Get(); ok {
		logger.IncrementStaleServe()
		p.log.WithFields(logger.Fields{"age": now.Sub(entry.CapturedAt).String()}).Info("serving stale calendar payload")
		return &Result{OK: true, Stale: true, Items: entry.Payload}, nil
	}

	return nil, ErrUnavailable
}

// fetchUpstream calls the feed once. A non-success status or a body that is
// structurally not a JSON object (the feed serves an HTML block page when
// rate limiting kicks in) both count as upstream failure.
func (p *Proxy) fetchUpstream(ctx context.Context) (json.RawMessage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build calendar request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("calendar upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read calendar body: %w", err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("calendar upstream returned non-JSON body")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("calendar upstream returned malformed JSON")
	}

	logger.RecordSourceFetch("calendar", len(trimmed))
	return json.RawMessage(trimmed), nil
}

type errorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler serves the proxy over HTTP: 200 with {ok, stale, items} or 503 with
// a rate-limit-aware message when nothing can be served.
func (p *Proxy) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := p.Fetch(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(errorResponse{
				OK:      false,
				Error:   "calendar_unavailable",
				Message: err.Error(),
			})
			return
		}
		json.NewEncoder(w).Encode(result)
	}
}
