// Package limit shapes proxied traffic: bandwidth caps per direction, an
// added latency and a maximum transfer allowance.
package limit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const maxBurst = 64 * 1024

// Settings describe the shaping applied to one instance. Zero fields mean
// unlimited.
type Settings struct {
	UpstreamBytesPerSecond   int64         `json:"upstreamBps"`
	DownstreamBytesPerSecond int64         `json:"downstreamBps"`
	UpstreamMaxBytes         int64         `json:"upstreamMaxBytes"`
	DownstreamMaxBytes       int64         `json:"downstreamMaxBytes"`
	Latency                  time.Duration `json:"latency"`
	Enabled                  bool          `json:"enabled"`
}

// MaximumTransferExceededError is returned from reads once the transfer
// allowance of a direction is spent.
type MaximumTransferExceededError struct {
	Limit    int64
	Upstream bool
}

func (e *MaximumTransferExceededError) Error() string {
	direction := "downstream"
	if e.Upstream {
		direction = "upstream"
	}
	return fmt.Sprintf("maximum %s transfer allowance of %d bytes exceeded", direction, e.Limit)
}

type direction struct {
	limiter *rate.Limiter
	max     int64
	used    atomic.Int64
}

func newDirection(bps, max int64) *direction {
	d := &direction{max: max}
	if bps > 0 {
		burst := bps
		if burst > maxBurst {
			burst = maxBurst
		}
		d.limiter = rate.NewLimiter(rate.Limit(bps), int(burst))
	}
	return d
}

// Limiter applies Settings to request and response bodies. Updating the
// settings resets the transfer counters.
type Limiter struct {
	mu       sync.RWMutex
	settings Settings
	up, down *direction
}

func New(s Settings) *Limiter {
	l := &Limiter{}
	l.Update(s)
	return l
}

func (l *Limiter) Update(s Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = s
	l.up = newDirection(s.UpstreamBytesPerSecond, s.UpstreamMaxBytes)
	l.down = newDirection(s.DownstreamBytesPerSecond, s.DownstreamMaxBytes)
}

func (l *Limiter) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// Remaining reports the unspent allowance per direction, -1 when unlimited.
func (l *Limiter) Remaining() (upstream, downstream int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return remaining(l.up), remaining(l.down)
}

func remaining(d *direction) int64 {
	if d.max <= 0 {
		return -1
	}
	if left := d.max - d.used.Load(); left > 0 {
		return left
	}
	return 0
}

func (l *Limiter) current() (Settings, *direction, *direction) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings, l.up, l.down
}

// Delay sleeps for the configured latency or until ctx is done.
func (l *Limiter) Delay(ctx context.Context) error {
	s, _, _ := l.current()
	if !s.Enabled || s.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Upstream shapes a body travelling from the client to the server.
func (l *Limiter) Upstream(ctx context.Context, body io.ReadCloser) io.ReadCloser {
	s, up, _ := l.current()
	return wrap(ctx, s, up, true, body)
}

// Downstream shapes a body travelling from the server to the client.
func (l *Limiter) Downstream(ctx context.Context, body io.ReadCloser) io.ReadCloser {
	s, _, down := l.current()
	return wrap(ctx, s, down, false, body)
}

func wrap(ctx context.Context, s Settings, d *direction, upstream bool, body io.ReadCloser) io.ReadCloser {
	if body == nil || !s.Enabled || (d.limiter == nil && d.max <= 0) {
		return body
	}
	return &shapedReader{ctx: ctx, body: body, dir: d, upstream: upstream}
}

type shapedReader struct {
	ctx      context.Context
	body     io.ReadCloser
	dir      *direction
	upstream bool
}

func (r *shapedReader) Read(p []byte) (int, error) {
	if r.dir.max > 0 {
		left := r.dir.max - r.dir.used.Load()
		if left <= 0 {
			return 0, &MaximumTransferExceededError{Limit: r.dir.max, Upstream: r.upstream}
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	if r.dir.limiter != nil && len(p) > r.dir.limiter.Burst() {
		p = p[:r.dir.limiter.Burst()]
	}
	n, err := r.body.Read(p)
	if n > 0 {
		r.dir.used.Add(int64(n))
		if r.dir.limiter != nil {
			if werr := r.dir.limiter.WaitN(r.ctx, n); werr != nil && err == nil {
				err = werr
			}
		}
	}
	return n, err
}

func (r *shapedReader) Close() error {
	return r.body.Close()
}
