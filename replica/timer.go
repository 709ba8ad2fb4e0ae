package replica

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/replication/toml"
)

// checkTimer runs fn every interval until stopped. Stop waits for a run in
// progress to return.
type checkTimer struct {
	clock    clock.Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func newCheckTimer(clk clock.Clock, interval toml.Duration, fn func()) *checkTimer {
	return &checkTimer{
		clock:    clk,
		interval: time.Duration(interval),
		fn:       fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the timer. A zero interval disables it.
func (t *checkTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped || t.interval <= 0 {
		return
	}
	t.started = true

	ticker := t.clock.Ticker(t.interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				t.fn()
			}
		}
	}()
}

// Stop cancels the timer and blocks until any run in progress has finished.
func (t *checkTimer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	close(t.stop)
	t.mu.Unlock()

	if started {
		<-t.done
	}
}
