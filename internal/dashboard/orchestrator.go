package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tradepulse/config"
	"tradepulse/internal/fetch"
	"tradepulse/internal/kpi"
	"tradepulse/internal/poller"
	"tradepulse/internal/series"
	"tradepulse/logger"
	"tradepulse/models"
)

// State is the orchestrator's lifecycle phase. Only the very first load shows
// as loading; after that the snapshot stays ready and failed cycles simply
// leave the previous values in place.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// RangedMetrics are the metrics with a user-selectable window.
var RangedMetrics = []string{"equity", "balance"}

// Selection is the active account plus the two independent range choices.
type Selection struct {
	AccountID    string        `json:"account_id"`
	EquityRange  series.Window `json:"equity_range"`
	BalanceRange series.Window `json:"balance_range"`
}

// Snapshot is the orchestrator's published view. It is replaced atomically:
// consumers never observe a partially updated snapshot, and a failed refresh
// cycle never clears previously rendered values.
type Snapshot struct {
	State        State                         `json:"state"`
	GeneratedAt  time.Time                     `json:"generated_at"`
	Accounts     []models.AccountEntry         `json:"accounts"`
	Selection    Selection                     `json:"selection"`
	Ranges       map[string]series.RangeResult `json:"ranges"`
	Deltas       map[string]kpi.Delta          `json:"deltas"`
	Kpis         kpi.Report                    `json:"kpis"`
	OpenTrades   []models.TradeRecord          `json:"open_trades"`
	ClosedTrades []models.TradeRecord          `json:"closed_trades"`
	News         json.RawMessage               `json:"news,omitempty"`
}

// Orchestrator coordinates the core and deep pollers for one dashboard
// session and publishes merged snapshots.
type Orchestrator struct {
	client     *fetch.Client
	backendCfg config.BackendConfig
	pollCfg    config.PollConfig
	newsCfg    config.NewsConfig
	newsClient *http.Client
	log        *logger.Entry

	mu        sync.RWMutex
	snap      Snapshot
	selection Selection
	fullSer   map[string]series.Series
	loaded    bool
	onChange  func(Snapshot)

	ctx     context.Context
	cancel  context.CancelFunc
	core    *poller.Poller
	news    *poller.Poller
	trades  *poller.Poller
	deep    map[string]*poller.Poller // per ranged metric
	started bool
}

// New builds an orchestrator. The fetch client is shared by all pollers.
func New(client *fetch.Client, backendCfg config.BackendConfig, pollCfg config.PollConfig, newsCfg config.NewsConfig) *Orchestrator {
	return &Orchestrator{
		client:     client,
		backendCfg: backendCfg,
		pollCfg:    pollCfg,
		newsCfg:    newsCfg,
		newsClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.GetLogger().WithComponent("orchestrator"),
		selection: Selection{
			EquityRange:  series.Window1D,
			BalanceRange: series.Window1D,
		},
		fullSer: map[string]series.Series{},
		snap: Snapshot{
			State:  StateLoading,
			Ranges: map[string]series.RangeResult{},
			Deltas: map[string]kpi.Delta{},
		},
		deep: map[string]*poller.Poller{},
	}
}

// OnChange registers a hook invoked with each newly published snapshot. Must
// be set before Start.
func (o *Orchestrator) OnChange(fn func(Snapshot)) {
	o.onChange = fn
}

// Start launches the core, deep, trades and news pollers. The deep pollers
// run on the cadence of their selected window.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	ctx = o.ctx
	o.mu.Unlock()

	o.core = poller.New("core", o.pollCfg.CoreInterval, o.runCore)
	if err := o.core.Start(ctx); err != nil {
		return err
	}

	for _, metric := range RangedMetrics {
		metric := metric
		p := poller.New("deep_"+metric, o.window(metric).Cadence(), func(ctx context.Context) ([]byte, error) {
			return o.runDeep(ctx, metric)
		})
		o.deep[metric] = p
		if err := p.Start(ctx); err != nil {
			return err
		}
	}

	o.trades = poller.New("deep_trades", o.pollCfg.CoreInterval, o.runTrades)
	if err := o.trades.Start(ctx); err != nil {
		return err
	}

	if o.newsCfg.URL != "" {
		o.news = poller.New("news", o.newsCfg.Interval, o.runNews)
		if err := o.news.Start(ctx); err != nil {
			return err
		}
	}

	o.log.Info("orchestrator started")
	return nil
}

// Stop tears down every poller. Late-arriving responses will not publish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.core.Stop()
	for _, p := range o.deep {
		p.Stop()
	}
	o.trades.Stop()
	if o.news != nil {
		o.news.Stop()
	}
	o.log.Info("orchestrator stopped")
}

// Snapshot returns the currently published view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap
}

// Selection returns the active account and range choices.
func (o *Orchestrator) Selection() Selection {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.selection
}

// SeriesFor returns the full built series for a metric, for ad hoc range
// queries outside the published selection.
func (o *Orchestrator) SeriesFor(metric string) series.Series {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fullSer[metric]
}

// SelectAccount switches the active account. The change itself is local; the
// deep pollers are kicked immediately so the user does not wait out a poll
// interval staring at the previous account's data.
func (o *Orchestrator) SelectAccount(accountID string) error {
	o.mu.Lock()
	found := false
	for _, entry := range o.snap.Accounts {
		if entry.Account.ID == accountID {
			found = true
			break
		}
	}
	if !found {
		o.mu.Unlock()
		return fmt.Errorf("unknown account %q", accountID)
	}
	o.selection.AccountID = accountID
	sel := o.selection
	o.mu.Unlock()

	o.publish(func(s *Snapshot) { s.Selection = sel })
	o.triggerDeep()
	return nil
}

// SetRange changes the window for one ranged metric and re-filters
// immediately from the already built series, then kicks that metric's poller.
func (o *Orchestrator) SetRange(metric string, w series.Window) error {
	ranged := false
	for _, m := range RangedMetrics {
		if m == metric {
			ranged = true
			break
		}
	}
	if !ranged {
		return fmt.Errorf("metric %q has no range selection", metric)
	}

	o.mu.Lock()
	switch metric {
	case "equity":
		o.selection.EquityRange = w
	case "balance":
		o.selection.BalanceRange = w
	}
	full := o.fullSer[metric]
	sel := o.selection
	o.mu.Unlock()

	res := series.ApplyRange(full, w, time.Now())
	o.publish(func(s *Snapshot) {
		s.Selection = sel
		s.Ranges[metric] = res
	})

	if p, ok := o.deep[metric]; ok {
		p.SetInterval(w.Cadence())
		p.Trigger()
	}
	return nil
}

// window returns the currently selected window for a ranged metric.
func (o *Orchestrator) window(metric string) series.Window {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if metric == "balance" {
		return o.selection.BalanceRange
	}
	return o.selection.EquityRange
}

func (o *Orchestrator) activeAccount() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.selection.AccountID
}

func (o *Orchestrator) triggerDeep() {
	for _, p := range o.deep {
		p.Trigger()
	}
	if o.trades != nil {
		o.trades.Trigger()
	}
}

// runCore refreshes the account and receiver list. The first successful cycle
// moves the snapshot out of loading and picks a default account; the first
// failed cycle before any success surfaces as the error state (retried on the
// next tick, no backoff).
func (o *Orchestrator) runCore(ctx context.Context) ([]byte, error) {
	resp, err := o.client.ListAccounts(ctx)
	if err != nil {
		o.mu.Lock()
		firstFailure := !o.loaded
		o.mu.Unlock()
		if firstFailure {
			o.publish(func(s *Snapshot) { s.State = StateError })
		}
		return nil, err
	}

	o.mu.Lock()
	o.loaded = true
	defaultPicked := false
	if o.selection.AccountID == "" && len(resp.Accounts) > 0 {
		o.selection.AccountID = resp.Accounts[0].Account.ID
		defaultPicked = true
	}
	sel := o.selection
	o.mu.Unlock()

	o.publish(func(s *Snapshot) {
		s.State = StateReady
		s.Accounts = resp.Accounts
		s.Selection = sel
	})

	if defaultPicked {
		o.triggerDeep()
	}

	return json.Marshal(resp.Accounts)
}

// runDeep rebuilds one ranged metric from the live metrics rows and the
// historical snapshot rows, then refilters and recomputes its delta.
func (o *Orchestrator) runDeep(ctx context.Context, metric string) ([]byte, error) {
	accountID := o.activeAccount()
	if accountID == "" {
		// Nothing selected yet; not a failure, just nothing to do.
		return []byte("{}"), nil
	}

	w := o.window(metric)
	now := time.Now()

	metricRows, err := o.client.AccountMetrics(ctx, accountID, o.backendCfg.MetricsLimit)
	if err != nil {
		return nil, fmt.Errorf("metrics fetch: %w", err)
	}
	historyRows, err := o.client.AccountHistory(ctx, accountID, o.backendCfg.HistoryLimit, now.Add(-w.Duration()), now)
	if err != nil {
		return nil, fmt.Errorf("history fetch: %w", err)
	}

	rows := append(historyRows, metricRows...)
	built := series.Build(rows, metric)
	res := series.ApplyRange(built, w, now)
	delta := kpi.ComputeDelta(metric, built)

	// The metrics rows also carry the secondary gauges; refresh their deltas
	// on the equity cycle so they track the faster cadence.
	extra := map[string]kpi.Delta{}
	if metric == "equity" {
		for _, name := range []string{"margin_level", "open_positions"} {
			extra[name] = kpi.ComputeDelta(name, series.Build(metricRows, name))
		}
	}

	o.mu.Lock()
	o.fullSer[metric] = built
	o.mu.Unlock()

	o.publish(func(s *Snapshot) {
		s.Ranges[metric] = res
		s.Deltas[metric] = delta
		for name, d := range extra {
			s.Deltas[name] = d
		}
	})

	return json.Marshal(res)
}

// runTrades refreshes open and closed trades and the aggregate statistics.
func (o *Orchestrator) runTrades(ctx context.Context) ([]byte, error) {
	accountID := o.activeAccount()
	if accountID == "" {
		return []byte("{}"), nil
	}

	closed, err := o.client.AccountTrades(ctx, accountID, models.TradeStateClosed, o.backendCfg.TradesLimit)
	if err != nil {
		return nil, fmt.Errorf("closed trades fetch: %w", err)
	}
	open, err := o.client.AccountTrades(ctx, accountID, models.TradeStateOpen, o.backendCfg.TradesLimit)
	if err != nil {
		return nil, fmt.Errorf("open trades fetch: %w", err)
	}

	report := kpi.Compute(closed)

	o.publish(func(s *Snapshot) {
		s.ClosedTrades = closed
		s.OpenTrades = open
		s.Kpis = report
	})

	return json.Marshal(report)
}

// runNews pulls the CMS content feed.
func (o *Orchestrator) runNews(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.newsCfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build news request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.newsClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("news feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read news body: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("news feed returned malformed JSON")
	}

	o.publish(func(s *Snapshot) { s.News = json.RawMessage(body) })
	return body, nil
}

// publish applies a mutation to a deep copy of the snapshot and swaps it in
// as one unit.
func (o *Orchestrator) publish(mutate func(*Snapshot)) {
	o.mu.Lock()
	next := o.snap.clone()
	mutate(&next)
	next.GeneratedAt = time.Now()
	o.snap = next
	hook := o.onChange
	o.mu.Unlock()

	if hook != nil {
		hook(next)
	}
}

// clone copies the snapshot's maps so the published value is never mutated
// in place.
func (s Snapshot) clone() Snapshot {
	next := s
	next.Ranges = make(map[string]series.RangeResult, len(s.Ranges))
	for k, v := range s.Ranges {
		next.Ranges[k] = v
	}
	next.Deltas = make(map[string]kpi.Delta, len(s.Deltas))
	for k, v := range s.Deltas {
		next.Deltas[k] = v
	}
	return next
}
