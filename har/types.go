// Package har records proxied traffic in the HTTP Archive format.
// HAR specification: http://www.softwareishard.com/blog/har-12-spec/
package har

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	harVersion     = "1.2"
	creatorName    = "proxypool"
	creatorVersion = "1.0"
)

// Har is the root of an archive. Recorders hand out copies, so a Har
// returned to a caller is never written to again.
type Har struct {
	Log Log `json:"log"`
}

type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Pages   []Page  `json:"pages,omitempty"`
	Entries []Entry `json:"entries"`
	Comment string  `json:"comment,omitempty"`
}

func New() *Har {
	return &Har{Log: Log{
		Version: harVersion,
		Creator: Creator{Name: creatorName, Version: creatorVersion},
		Entries: []Entry{},
	}}
}

func (har *Har) AppendEntry(entry ...Entry) {
	har.Log.Entries = append(har.Log.Entries, entry...)
}

func (har *Har) AppendPage(page ...Page) {
	har.Log.Pages = append(har.Log.Pages, page...)
}

// clone copies the slices so the result can be encoded while recording
// continues.
func (har *Har) clone() *Har {
	out := *har
	out.Log.Pages = append([]Page(nil), har.Log.Pages...)
	out.Log.Entries = append([]Entry{}, har.Log.Entries...)
	return &out
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Page struct {
	ID              string      `json:"id,omitempty"`
	StartedDateTime time.Time   `json:"startedDateTime"`
	Title           string      `json:"title"`
	PageTimings     PageTimings `json:"pageTimings"`
}

type PageTimings struct {
	OnContentLoad int64 `json:"onContentLoad"`
	OnLoad        int64 `json:"onLoad"`
}

// Entry is one request/response exchange. Time and the Timings fields are
// milliseconds.
type Entry struct {
	PageRef         string    `json:"pageref,omitempty"`
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            int64     `json:"time"`
	Request         *Request  `json:"request"`
	Response        *Response `json:"response"`
	Cache           struct{}  `json:"cache"`
	Timings         Timings   `json:"timings"`
	ServerIPAddress string    `json:"serverIPAddress,omitempty"`
	Comment         string    `json:"comment,omitempty"`
}

type Timings struct {
	Send    int64 `json:"send"`
	Wait    int64 `json:"wait"`
	Receive int64 `json:"receive"`
}

type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	QueryString []NameValuePair `json:"queryString"`
	PostData    *PostData       `json:"postData,omitempty"`
	BodySize    int64           `json:"bodySize"`
	HeadersSize int64           `json:"headersSize"`
}

type Response struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	Content     Content         `json:"content"`
	RedirectURL string          `json:"redirectURL"`
	BodySize    int64           `json:"bodySize"`
	HeadersSize int64           `json:"headersSize"`
}

type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"httpOnly,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
}

type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type PostData struct {
	MimeType string          `json:"mimeType"`
	Params   []PostDataParam `json:"params,omitempty"`
	Text     string          `json:"text,omitempty"`
}

type PostDataParam struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Content describes a response body. Size is -1 until the body is
// captured.
type Content struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// newRequest describes req without its body.
func newRequest(req *http.Request, opts CaptureOptions) *Request {
	out := &Request{
		Method:      req.Method,
		URL:         req.URL.String(),
		HTTPVersion: req.Proto,
		Cookies:     []Cookie{},
		Headers:     []NameValuePair{},
		QueryString: nameValues(req.URL.Query()),
		BodySize:    req.ContentLength,
		HeadersSize: -1,
	}
	if opts.Headers {
		out.Headers = nameValues(req.Header)
		out.HeadersSize = headersSize(req.Header)
	}
	if opts.Cookies {
		out.Cookies = cookies(req.Cookies())
	}
	return out
}

// newResponse describes resp without its body.
func newResponse(resp *http.Response, opts CaptureOptions) *Response {
	out := &Response{
		Status:      resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
		HTTPVersion: resp.Proto,
		Cookies:     []Cookie{},
		Headers:     []NameValuePair{},
		Content:     Content{Size: -1, MimeType: resp.Header.Get("Content-Type")},
		RedirectURL: resp.Header.Get("Location"),
		BodySize:    resp.ContentLength,
		HeadersSize: -1,
	}
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		out.StatusText = text
	}
	if opts.Headers {
		out.Headers = nameValues(resp.Header)
		out.HeadersSize = headersSize(resp.Header)
	}
	if opts.Cookies {
		out.Cookies = cookies(resp.Cookies())
	}
	return out
}

// serverIPAddress is only known without a lookup when the URL names an
// address.
func serverIPAddress(u *url.URL) string {
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		return ip.String()
	}
	return ""
}

// headersSize counts each header line with its ": " and CRLF, plus the
// blank line closing the block.
func headersSize(h http.Header) int64 {
	size := 2
	for name, values := range h {
		for _, v := range values {
			size += len(name) + len(v) + 4
		}
	}
	return int64(size)
}

// nameValues flattens m into one pair per value, sorted by name.
func nameValues(m map[string][]string) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(m))
	for name, values := range m {
		for _, v := range values {
			pairs = append(pairs, NameValuePair{Name: name, Value: v})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs
}

func cookies(in []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			expires := c.Expires
			cookie.Expires = &expires
		}
		out = append(out, cookie)
	}
	return out
}
