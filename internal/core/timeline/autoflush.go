package timeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// autoflushTimer fires periodically while armed. Firings never overlap
// and disarm waits for an in-flight firing to finish.
type autoflushTimer struct {
	interval time.Duration
	fire     func()

	active atomic.Bool
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func newAutoflushTimer(interval time.Duration, fire func()) *autoflushTimer {
	return &autoflushTimer{
		interval: interval,
		fire:     fire,
	}
}

// arm starts the timer unless it is already running
func (a *autoflushTimer) arm() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active.CompareAndSwap(false, true) {
		return false
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(a.stop, a.done)
	return true
}

func (a *autoflushTimer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Checked again so a firing racing disarm is skipped
			if !a.active.Load() {
				return
			}
			a.fire()
		}
	}
}

// disarm stops the timer and waits for the running goroutine to exit
func (a *autoflushTimer) disarm() {
	a.mu.Lock()
	if !a.active.CompareAndSwap(true, false) {
		a.mu.Unlock()
		return
	}
	close(a.stop)
	done := a.done
	a.mu.Unlock()

	<-done
}

func (a *autoflushTimer) Active() bool {
	return a.active.Load()
}
