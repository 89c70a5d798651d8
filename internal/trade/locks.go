package trade

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMarketBusy is returned when a trade cannot acquire the market's
// execution lock within the configured wait.
var ErrMarketBusy = errors.New("market busy")

// marketLocks serializes trade execution per market. Each market gets a
// one-slot semaphore; waiters block up to a bounded duration so a slow
// trade cannot pile up unbounded goroutines behind it.
type marketLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newMarketLocks() *marketLocks {
	return &marketLocks{slots: make(map[string]chan struct{})}
}

func (l *marketLocks) slot(marketID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[marketID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[marketID] = s
	}
	return s
}

// acquire takes the market's lock, waiting at most maxWait. The caller
// must call release exactly once on success.
func (l *marketLocks) acquire(ctx context.Context, marketID string, maxWait time.Duration) error {
	s := l.slot(marketID)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrMarketBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *marketLocks) release(marketID string) {
	<-l.slot(marketID)
}
