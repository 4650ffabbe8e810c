package proxypool

import (
	"context"
	"io"
	"sync"
	"time"
)

// activityMonitor counts upstream exchanges in flight so callers can wait
// for the network to go quiet.
type activityMonitor struct {
	mu      sync.Mutex
	active  int
	last    time.Time
	changed chan struct{}
}

func newActivityMonitor() *activityMonitor {
	return &activityMonitor{last: time.Now(), changed: make(chan struct{})}
}

func (a *activityMonitor) started() {
	a.mu.Lock()
	a.active++
	a.notifyLocked()
	a.mu.Unlock()
}

func (a *activityMonitor) finished() {
	a.mu.Lock()
	if a.active > 0 {
		a.active--
	}
	a.last = time.Now()
	a.notifyLocked()
	a.mu.Unlock()
}

func (a *activityMonitor) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *activityMonitor) snapshot() (int, time.Time, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.last, a.changed
}

// wait blocks until nothing has been in flight for quiet, and reports
// whether that happened before timeout or ctx ran out.
func (a *activityMonitor) wait(ctx context.Context, quiet, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		active, last, changed := a.snapshot()
		var settle *time.Timer
		var settled <-chan time.Time
		if active == 0 {
			remaining := time.Until(last.Add(quiet))
			if remaining <= 0 {
				return true
			}
			settle = time.NewTimer(remaining)
			settled = settle.C
		}
		select {
		case <-changed:
		case <-settled:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
		if settle != nil {
			settle.Stop()
		}
	}
}

// trackedBody marks its exchange finished at EOF or Close, whichever
// comes first.
type trackedBody struct {
	body io.ReadCloser
	once sync.Once
	done func()
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil {
		b.once.Do(b.done)
	}
	return n, err
}

func (b *trackedBody) Close() error {
	err := b.body.Close()
	b.once.Do(b.done)
	return err
}
