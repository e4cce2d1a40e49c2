package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradepulse/logger"
)

// RunFunc performs one fetch cycle and returns the payload to publish.
type RunFunc func(ctx context.Context) ([]byte, error)

// Poller repeatedly invokes a fetch on a fixed cadence and publishes the
// latest successful payload. Transient failures are swallowed: the previously
// published value stays visible until the next successful cycle. The first
// fetch runs immediately on Start rather than after a full interval.
type Poller struct {
	name     string
	interval time.Duration
	run      RunFunc
	onUpdate func([]byte)
	log      *logger.Entry
	kick     chan struct{}
	reset    chan time.Duration

	mu        sync.RWMutex
	latest    []byte
	updatedAt time.Time
	failures  int
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a poller. The name shows up in logs and the runtime report.
func New(name string, interval time.Duration, run RunFunc) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		run:      run,
		log:      logger.GetLogger().WithComponent("poller_" + name),
		kick:     make(chan struct{}, 1),
		reset:    make(chan time.Duration, 1),
	}
}

// OnUpdate registers a hook invoked after each successful publish. Must be set
// before Start.
func (p *Poller) OnUpdate(fn func([]byte)) {
	p.onUpdate = fn
}

// Start launches the poll loop. It returns an error when already running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller %s already running", p.name)
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{"interval": p.interval.String()}).Info("starting poller")

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for it to exit. A cycle completing after
// Stop does not publish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("poller stopped")
}

// Trigger requests one out-of-band cycle, independent of the timer. Used when
// a selection change must not wait for the next tick.
func (p *Poller) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// SetInterval changes the poll cadence. Takes effect on the running loop
// without restarting it.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case p.reset <- d:
	default:
	}
}

// Latest returns the most recently published payload, its capture time and
// whether any payload has been published yet.
func (p *Poller) Latest() ([]byte, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.updatedAt, p.latest != nil
}

// Failures returns the count of consecutive failed cycles.
func (p *Poller) Failures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.cycle(ctx)

	interval := p.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("loop stopped due to context cancellation")
			return
		case d := <-p.reset:
			interval = d
			ticker.Reset(interval)
			p.log.WithFields(logger.Fields{"interval": interval.String()}).Debug("poll cadence changed")
		case <-p.kick:
			p.cycle(ctx)
		case <-ticker.C:
			start := time.Now()
			p.cycle(ctx)
			if d := time.Since(start); d > interval {
				p.log.WithFields(logger.Fields{"duration_ms": d.Milliseconds(), "interval": interval.String()}).Warn("cycle took longer than interval")
			}
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	payload, err := p.run(ctx)
	if err != nil {
		p.mu.Lock()
		p.failures++
		n := p.failures
		p.mu.Unlock()
		// Keep the previous payload; transient failures stay invisible.
		p.log.WithError(err).WithFields(logger.Fields{"consecutive_failures": n}).Warn("fetch cycle failed, keeping last snapshot")
		return
	}
	if ctx.Err() != nil {
		// Torn down while the request was in flight; drop the late result.
		return
	}

	p.mu.Lock()
	p.latest = payload
	p.updatedAt = time.Now()
	p.failures = 0
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(payload)
	}
}
