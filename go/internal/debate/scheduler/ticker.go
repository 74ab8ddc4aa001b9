package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval is how often remaining time is recomputed.
const DefaultTickInterval = time.Second

// Ticker runs a callback on a fixed interval until stopped. Start and Stop are
// idempotent; after Stop returns no new callback begins.
type Ticker struct {
	clock    clockwork.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker creates a stopped ticker.
func NewTicker(clock clockwork.Clock, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{clock: clock, interval: interval}
}

// Start begins ticking and reports whether a new loop was started.
func (t *Ticker) Start(ctx context.Context, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return false
	}

	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	tk := t.clock.NewTicker(t.interval)
	go func() {
		defer close(done)
		defer tk.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-tk.Chan():
				if tickCtx.Err() != nil {
					return
				}
				fn(tickCtx)
			}
		}
	}()

	log.Debug().Dur("interval", t.interval).Msg("tick started")
	return true
}

// Stop cancels the loop. It does not wait, so it is safe to call from inside the callback.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return
	}
	t.cancel()
	t.cancel = nil
	log.Debug().Msg("tick stopped")
}

// Wait blocks until the most recently started loop has exited.
func (t *Ticker) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a loop is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
