package har

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"
)

// ErrNoEntry is returned when no recorded entry matches a URL pattern.
var ErrNoEntry = errors.New("no matching HAR entry")

// CaptureOptions select what goes into an entry besides the request line
// and status.
type CaptureOptions struct {
	Headers bool
	Content bool
	Cookies bool
}

type pendingEntry struct {
	start time.Time
	entry Entry
}

// Recorder collects HAR entries for one proxy. It records nothing until
// NewHar is called.
type Recorder struct {
	mu        sync.Mutex
	har       *Har
	opts      CaptureOptions
	page      int
	pageStart time.Time
	pool      *bpool.BufferPool
	now       func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		pool: bpool.NewBufferPool(64),
		now:  time.Now,
	}
}

// NewHar starts a fresh archive with an initial page and returns the
// previous one, or nil.
func (r *Recorder) NewHar(pageRef, pageTitle string, opts CaptureOptions) *Har {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.har
	r.har = New()
	r.opts = opts
	r.page = -1
	r.startPage(pageRef, pageTitle)
	return old
}

// NewPage closes the current page and starts another. Entries recorded from
// now on refer to it. The archive so far is returned.
func (r *Recorder) NewPage(pageRef, pageTitle string) (*Har, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.har == nil {
		return nil, errors.New("no HAR is being recorded")
	}
	r.endPage()
	r.startPage(pageRef, pageTitle)
	return r.har.clone(), nil
}

func (r *Recorder) startPage(pageRef, pageTitle string) {
	n := len(r.har.Log.Pages) + 1
	if pageRef == "" {
		pageRef = "Page " + strconv.Itoa(n)
	}
	if pageTitle == "" {
		pageTitle = pageRef
	}
	r.pageStart = r.now()
	r.har.AppendPage(Page{ID: pageRef, StartedDateTime: r.pageStart, Title: pageTitle})
	r.page = len(r.har.Log.Pages) - 1
}

func (r *Recorder) endPage() {
	if r.page < 0 {
		return
	}
	p := &r.har.Log.Pages[r.page]
	if p.PageTimings.OnLoad == 0 {
		p.PageTimings.OnLoad = r.now().Sub(r.pageStart).Milliseconds()
	}
	r.page = -1
}

// EndPage closes the current page. Entries recorded afterwards carry no
// page reference until NewPage.
func (r *Recorder) EndPage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.har != nil {
		r.endPage()
	}
}

// EndHar stops recording and returns the final archive.
func (r *Recorder) EndHar() *Har {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.har == nil {
		return nil
	}
	r.endPage()
	final := r.har
	r.har = nil
	return final
}

// Har returns a snapshot of the archive being recorded, or nil.
func (r *Recorder) Har() *Har {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.har == nil {
		return nil
	}
	return r.har.clone()
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.har != nil
}

// Entries returns the entries whose request URL fully matches urlPattern,
// oldest first.
func (r *Recorder) Entries(urlPattern string) ([]Entry, error) {
	re, err := regexp.Compile("^(?:" + urlPattern + ")$")
	if err != nil {
		return nil, errors.Wrapf(err, "url pattern %q", urlPattern)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.har == nil {
		return nil, nil
	}
	var out []Entry
	for _, e := range r.har.Log.Entries {
		if e.Request != nil && re.MatchString(e.Request.URL) {
			out = append(out, e)
		}
	}
	return out, nil
}

// MostRecentEntry returns the newest entry matching urlPattern, or
// ErrNoEntry.
func (r *Recorder) MostRecentEntry(urlPattern string) (Entry, error) {
	entries, err := r.Entries(urlPattern)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNoEntry
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if !e.StartedDateTime.Before(latest.StartedDateTime) {
			latest = e
		}
	}
	return latest, nil
}

func (r *Recorder) captureOptions() (CaptureOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts, r.har != nil
}

// readBody drains body through a pooled buffer and returns a copy.
func (r *Recorder) readBody(body io.ReadCloser) ([]byte, error) {
	buf := r.pool.Get()
	defer r.pool.Put(buf)
	_, err := buf.ReadFrom(body)
	_ = body.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, err
}

// OnRequest starts an entry for req. It keeps its state in ctx.UserData.
func (r *Recorder) OnRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	opts, recording := r.captureOptions()
	if !recording {
		return req, nil
	}
	p := &pendingEntry{start: r.now()}
	p.entry.StartedDateTime = p.start
	p.entry.Request = newRequest(req, opts)
	p.entry.ServerIPAddress = serverIPAddress(req.URL)

	if opts.Content && req.Body != nil && req.Body != http.NoBody {
		body, err := r.readBody(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
		if err == nil {
			p.entry.Request.PostData = parsePostData(req.Header.Get("Content-Type"), body)
			p.entry.Request.BodySize = int64(len(body))
		}
	}
	ctx.UserData = p
	return req, nil
}

// OnResponse completes the entry started by OnRequest and appends it.
func (r *Recorder) OnResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	p, ok := ctx.UserData.(*pendingEntry)
	if !ok || resp == nil {
		return resp
	}
	ctx.UserData = nil
	opts, recording := r.captureOptions()
	if !recording {
		return resp
	}

	waited := r.now().Sub(p.start).Milliseconds()
	p.entry.Response = newResponse(resp, opts)
	if opts.Content && resp.Body != nil && resp.Body != http.NoBody {
		body, err := r.readBody(resp.Body)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if err == nil {
			p.entry.Response.Content.Size = len(body)
			p.entry.Response.Content.Text = string(body)
			p.entry.Response.BodySize = int64(len(body))
		}
	}
	total := r.now().Sub(p.start).Milliseconds()
	p.entry.Time = total
	p.entry.Timings = Timings{Wait: waited, Receive: total - waited}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.har == nil {
		return resp
	}
	if r.page >= 0 {
		p.entry.PageRef = r.har.Log.Pages[r.page].ID
	}
	r.har.AppendEntry(p.entry)
	return resp
}

func parsePostData(contentType string, body []byte) *PostData {
	data := &PostData{MimeType: contentType}
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(body)); err == nil {
			for _, pair := range nameValues(values) {
				data.Params = append(data.Params, PostDataParam{Name: pair.Name, Value: pair.Value})
			}
			return data
		}
	}
	data.Text = string(body)
	return data
}
