package notify

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Signal is an epoch counter that goroutines can wait on. Notification
// callbacks Increment it; a blocked reader or writer waits for the next
// change and retries its acquire.
type Signal struct {
	value     *atomic.Uint32
	lastValue uint32

	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *SignalStats
}

// SignalStats tracks wake-up counts.
type SignalStats struct {
	Increments atomic.Uint64
	Wakes      atomic.Uint64
	Timeouts   atomic.Uint64
}

func NewSignal() *Signal {
	waiters := make([]chan struct{}, 0, 4)
	return &Signal{
		value:     &atomic.Uint32{},
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &SignalStats{},
	}
}

// Reader returns a view with its own last-seen value sharing the counter
// and the waiter list.
func (s *Signal) Reader() *Signal {
	return &Signal{
		value:     s.value,
		lastValue: s.value.Load(),
		waiters:   s.waiters,
		waitersMu: s.waitersMu,
		stats:     s.stats,
	}
}

// Increment advances the epoch and wakes waiters.
func (s *Signal) Increment() {
	s.value.Add(1)
	s.stats.Increments.Add(1)
	s.notifyWaiters()
}

func (s *Signal) Value() uint32 {
	return s.value.Load()
}

func (s *Signal) Stats() *SignalStats {
	return s.stats
}

// WaitForChange returns true once the epoch differs from the last value
// this view observed, or false after timeout.
func (s *Signal) WaitForChange(timeout time.Duration) bool {
	if s.changed() {
		return true
	}

	spinDeadline := time.Now().Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		if s.changed() {
			return true
		}
	}

	ch := make(chan struct{}, 1)
	s.addWaiter(ch)
	defer s.removeWaiter(ch)

	// an Increment between the spin and the registration is caught here
	if s.changed() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
			if s.changed() {
				return true
			}
		case <-timer.C:
			s.stats.Timeouts.Add(1)
			return false
		}
	}
}

func (s *Signal) changed() bool {
	current := s.value.Load()
	if current == s.lastValue {
		return false
	}
	s.lastValue = current
	s.stats.Wakes.Add(1)
	return true
}

func (s *Signal) addWaiter(ch chan struct{}) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	*s.waiters = append(*s.waiters, ch)
}

func (s *Signal) removeWaiter(ch chan struct{}) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	for i, waiter := range *s.waiters {
		if waiter == ch {
			*s.waiters = append((*s.waiters)[:i], (*s.waiters)[i+1:]...)
			break
		}
	}
}

func (s *Signal) notifyWaiters() {
	s.waitersMu.RLock()
	defer s.waitersMu.RUnlock()
	for _, ch := range *s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
