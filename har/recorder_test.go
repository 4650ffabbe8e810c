package har

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ConstantHandler is a simple HTTP handler that returns a constant response
type ConstantHandler string

func (h ConstantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
	_, _ = io.WriteString(w, string(h))
}

func createTestProxy(t *testing.T, rec *Recorder) *httptest.Server {
	t.Helper()
	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().DoFunc(rec.OnRequest)
	proxy.OnResponse().DoFunc(rec.OnResponse)
	srv := httptest.NewServer(proxy)
	t.Cleanup(srv.Close)
	return srv
}

func createProxyClient(proxyURL string) *http.Client {
	proxyURLParsed, _ := url.Parse(proxyURL)
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURLParsed)}}
}

func do(t *testing.T, client *http.Client, method, target, body string) string {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(got)
}

func TestRecorderIdleUntilNewHar(t *testing.T) {
	background := httptest.NewServer(ConstantHandler("hello"))
	defer background.Close()
	rec := NewRecorder()
	client := createProxyClient(createTestProxy(t, rec).URL)

	assert.Equal(t, "hello", do(t, client, http.MethodGet, background.URL, ""))
	assert.Nil(t, rec.Har())
	assert.False(t, rec.Recording())
}

func TestRecorderCapturesEntries(t *testing.T) {
	background := httptest.NewServer(ConstantHandler("hello"))
	defer background.Close()
	rec := NewRecorder()
	client := createProxyClient(createTestProxy(t, rec).URL)

	assert.Nil(t, rec.NewHar("first", "First page", CaptureOptions{Headers: true, Content: true, Cookies: true}))

	assert.Equal(t, "hello", do(t, client, http.MethodGet, background.URL+"/a?x=1", ""))
	assert.Equal(t, "hello", do(t, client, http.MethodPost, background.URL+"/b", "k=v&z=2"))

	har := rec.Har()
	require.NotNil(t, har)
	require.Len(t, har.Log.Entries, 2)
	require.Len(t, har.Log.Pages, 1)

	get := har.Log.Entries[0]
	assert.Equal(t, "first", get.PageRef)
	assert.Equal(t, http.MethodGet, get.Request.Method)
	assert.Equal(t, []NameValuePair{{Name: "x", Value: "1"}}, get.Request.QueryString)
	assert.Equal(t, http.StatusOK, get.Response.Status)
	assert.Equal(t, "hello", get.Response.Content.Text)
	assert.Equal(t, 5, get.Response.Content.Size)
	assert.Equal(t, "127.0.0.1", get.ServerIPAddress)
	require.Len(t, get.Response.Cookies, 1)
	assert.Equal(t, "session", get.Response.Cookies[0].Name)

	post := har.Log.Entries[1]
	require.NotNil(t, post.Request.PostData)
	assert.Equal(t, []PostDataParam{{Name: "k", Value: "v"}, {Name: "z", Value: "2"}}, post.Request.PostData.Params)

	encoded, err := json.Marshal(har)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"version":"1.2"`)
}

func TestRecorderWithoutContent(t *testing.T) {
	background := httptest.NewServer(ConstantHandler("hidden"))
	defer background.Close()
	rec := NewRecorder()
	client := createProxyClient(createTestProxy(t, rec).URL)

	rec.NewHar("", "", CaptureOptions{})
	assert.Equal(t, "hidden", do(t, client, http.MethodGet, background.URL, ""))

	har := rec.Har()
	require.Len(t, har.Log.Entries, 1)
	entry := har.Log.Entries[0]
	assert.Equal(t, "Page 1", entry.PageRef)
	assert.Empty(t, entry.Response.Content.Text)
	assert.Empty(t, entry.Request.Headers)
	assert.EqualValues(t, -1, entry.Request.HeadersSize)
}

func TestRecorderPages(t *testing.T) {
	background := httptest.NewServer(ConstantHandler("hello"))
	defer background.Close()
	rec := NewRecorder()
	client := createProxyClient(createTestProxy(t, rec).URL)

	_, err := rec.NewPage("orphan", "")
	assert.Error(t, err)

	rec.NewHar("one", "", CaptureOptions{})
	do(t, client, http.MethodGet, background.URL+"/one", "")
	_, err = rec.NewPage("two", "Second")
	require.NoError(t, err)
	do(t, client, http.MethodGet, background.URL+"/two", "")
	rec.EndPage()
	do(t, client, http.MethodGet, background.URL+"/none", "")

	har := rec.EndHar()
	require.NotNil(t, har)
	require.Len(t, har.Log.Pages, 2)
	assert.Equal(t, "Second", har.Log.Pages[1].Title)
	require.Len(t, har.Log.Entries, 3)
	assert.Equal(t, "one", har.Log.Entries[0].PageRef)
	assert.Equal(t, "two", har.Log.Entries[1].PageRef)
	assert.Empty(t, har.Log.Entries[2].PageRef)

	assert.False(t, rec.Recording())
	do(t, client, http.MethodGet, background.URL, "")
	assert.Nil(t, rec.Har())
}

func TestRecorderEntryLookup(t *testing.T) {
	background := httptest.NewServer(ConstantHandler("hello"))
	defer background.Close()
	rec := NewRecorder()
	client := createProxyClient(createTestProxy(t, rec).URL)

	rec.NewHar("", "", CaptureOptions{})
	do(t, client, http.MethodGet, background.URL+"/api/1", "")
	do(t, client, http.MethodGet, background.URL+"/static/x.css", "")
	do(t, client, http.MethodGet, background.URL+"/api/2", "")

	entries, err := rec.Entries(".*/api/.*")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	latest, err := rec.MostRecentEntry(".*/api/.*")
	require.NoError(t, err)
	assert.Equal(t, background.URL+"/api/2", latest.Request.URL)

	_, err = rec.MostRecentEntry(".*/missing")
	assert.ErrorIs(t, err, ErrNoEntry)

	_, err = rec.Entries("(")
	assert.Error(t, err)
}
