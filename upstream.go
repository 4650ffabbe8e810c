package proxypool

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/pkg/errors"
)

// Timeouts bound the upstream side of an instance. A zero field leaves that
// bound off.
type Timeouts struct {
	// Request covers a whole exchange, through the last byte of the
	// response body.
	Request time.Duration `json:"requestTimeout"`
	// Read is how long to wait for response headers once the request is
	// sent.
	Read time.Duration `json:"readTimeout"`
	// Connection bounds resolving and dialing the upstream host.
	Connection time.Duration `json:"connectionTimeout"`
}

// SetTimeouts replaces the upstream timeouts. Exchanges already in flight
// keep the values they started with.
func (in *Instance) SetTimeouts(t Timeouts) {
	in.timeouts.Store(&t)
}

func (in *Instance) Timeouts() Timeouts {
	return *in.timeouts.Load()
}

// SetRetryCount sets how many times a request that failed before any
// response arrived is sent again. Only requests without a body and with
// an idempotent method are retried.
func (in *Instance) SetRetryCount(n int) error {
	if n < 0 {
		return errors.Errorf("retry count must not be negative, got %d", n)
	}
	in.retries.Store(int32(n))
	return nil
}

func (in *Instance) RetryCount() int {
	return int(in.retries.Load())
}

// WaitForQuiescence blocks until no upstream exchange has been in flight
// for quiet. It reports false when timeout passes or ctx is done first.
func (in *Instance) WaitForQuiescence(ctx context.Context, quiet, timeout time.Duration) bool {
	return in.activity.wait(ctx, quiet, timeout)
}

func (in *Instance) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	if t := in.Timeouts().Connection; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return in.resolver.DialContext(ctx, network, addr)
}

// sendUpstream routes the request through roundTrip. It runs last among
// the request handlers, so short-circuited requests never count as
// network activity.
func (in *Instance) sendUpstream(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	ctx.RoundTripper = goproxy.RoundTripperFunc(in.roundTrip)
	return req, nil
}

func (in *Instance) roundTrip(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
	in.activity.started()
	timeouts := in.Timeouts()

	var reqCtx context.Context
	var cancel context.CancelFunc
	if timeouts.Request > 0 {
		reqCtx, cancel = context.WithTimeout(req.Context(), timeouts.Request)
	} else {
		reqCtx, cancel = context.WithCancel(req.Context())
	}
	finish := func() {
		cancel()
		in.activity.finished()
	}
	req = req.WithContext(reqCtx)

	attempts := 1
	if replayable(req) {
		attempts += in.RetryCount()
	}
	var resp *http.Response
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err = in.sendOnce(req, timeouts.Read, cancel)
		if err == nil || reqCtx.Err() != nil {
			break
		}
		if attempt < attempts {
			in.log.Debugf("%s %s failed, retrying (%d/%d): %v", req.Method, req.URL, attempt, attempts-1, err)
		}
	}
	if err != nil {
		finish()
		return nil, err
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	resp.Body = &trackedBody{body: resp.Body, done: finish}
	return resp, nil
}

// sendOnce makes one attempt. When headers take longer than headerTimeout
// the whole exchange is cancelled.
func (in *Instance) sendOnce(req *http.Request, headerTimeout time.Duration, cancel context.CancelFunc) (*http.Response, error) {
	if headerTimeout <= 0 {
		return in.proxy.Tr.RoundTrip(req)
	}
	timer := time.AfterFunc(headerTimeout, cancel)
	resp, err := in.proxy.Tr.RoundTrip(req)
	if timer.Stop() {
		return resp, err
	}
	// the exchange is cancelled even if headers made it in time
	if err == nil {
		_ = resp.Body.Close()
		err = context.Canceled
	}
	return nil, errors.Wrapf(err, "no response headers within %s", headerTimeout)
}

func replayable(req *http.Request) bool {
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
