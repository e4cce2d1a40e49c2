package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestImmediateFirstFetch(t *testing.T) {
	var calls int64
	p := New("test", time.Hour, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("payload"), nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&calls) == 1 })

	payload, _, ok := p.Latest()
	if !ok || string(payload) != "payload" {
		t.Fatalf("expected published payload, got %q ok=%v", payload, ok)
	}
}

func TestFailureKeepsLastGoodValue(t *testing.T) {
	var calls int64
	p := New("test", 10*time.Millisecond, func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return []byte("good"), nil
		}
		return nil, fmt.Errorf("upstream down")
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&calls) >= 3 })

	payload, _, ok := p.Latest()
	if !ok || string(payload) != "good" {
		t.Fatalf("failures must not clear the last good payload, got %q ok=%v", payload, ok)
	}
	if p.Failures() < 1 {
		t.Errorf("expected recorded failures")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	p := New("test", time.Hour, func(ctx context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second start")
	}
}

func TestStopPreventsLatePublish(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := New("test", time.Hour, func(ctx context.Context) ([]byte, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return []byte("late"), nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-started
	go func() {
		// Unblock the in-flight cycle once Stop has cancelled the context.
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.Stop()

	if _, _, ok := p.Latest(); ok {
		t.Fatalf("late-arriving response must not publish after Stop")
	}
}

func TestTriggerRunsOutOfBand(t *testing.T) {
	var calls int64
	p := New("test", time.Hour, func(ctx context.Context) ([]byte, error) {
		return []byte(fmt.Sprintf("v%d", atomic.AddInt64(&calls, 1))), nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&calls) == 1 })
	p.Trigger()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&calls) == 2 })

	payload, _, _ := p.Latest()
	if string(payload) != "v2" {
		t.Fatalf("expected triggered payload, got %q", payload)
	}
}

func TestOnUpdateHook(t *testing.T) {
	var got atomic.Value
	p := New("test", time.Hour, func(ctx context.Context) ([]byte, error) {
		return []byte("hello"), nil
	})
	p.OnUpdate(func(b []byte) { got.Store(string(b)) })
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, time.Second, func() bool { v, _ := got.Load().(string); return v == "hello" })
}
