package proxypool

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiltersBlacklist(t *testing.T) {
	f := NewFilters()
	require.NoError(t, f.Blacklist("https?://ads\\.example\\.com/.*", http.StatusNoContent, ""))
	require.NoError(t, f.Blacklist(".*/upload", http.StatusForbidden, "POST|PUT"))

	tests := []struct {
		method, url string
		want        int
	}{
		{http.MethodGet, "http://ads.example.com/banner.png", http.StatusNoContent},
		{http.MethodGet, "http://www.example.com/ads.example.com/", 0},
		{http.MethodPost, "http://www.example.com/upload", http.StatusForbidden},
		{http.MethodGet, "http://www.example.com/upload", 0},
		// patterns match the whole URL
		{http.MethodPost, "http://www.example.com/upload/more", 0},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			_, resp := f.Apply(httptest.NewRequest(tt.method, tt.url, nil))
			if tt.want == 0 {
				assert.Nil(t, resp)
				return
			}
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	assert.Len(t, f.BlacklistEntries(), 2)
	assert.Equal(t, "POST|PUT", f.BlacklistEntries()[1].MethodPattern)
	f.ClearBlacklist()
	_, resp := f.Apply(httptest.NewRequest(http.MethodGet, "http://ads.example.com/x", nil))
	assert.Nil(t, resp)
}

func TestFiltersWhitelist(t *testing.T) {
	f := NewFilters()
	require.NoError(t, f.SetWhitelist([]string{"https?://good\\.example/.*"}, http.StatusNotFound))
	assert.True(t, f.Whitelist().Enabled)

	_, resp := f.Apply(httptest.NewRequest(http.MethodGet, "http://good.example/page", nil))
	assert.Nil(t, resp)

	_, resp = f.Apply(httptest.NewRequest(http.MethodGet, "http://bad.example/page", nil))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.ClearWhitelist()
	assert.False(t, f.Whitelist().Enabled)
	_, resp = f.Apply(httptest.NewRequest(http.MethodGet, "http://bad.example/page", nil))
	assert.Nil(t, resp)
}

func TestFiltersRewriteInOrder(t *testing.T) {
	f := NewFilters()
	require.NoError(t, f.AddRewriteRule("http://old\\.example", "http://mid.example"))
	require.NoError(t, f.AddRewriteRule("mid", "new"))
	require.NoError(t, f.AddRewriteRule("a", "b"))

	req, resp := f.Apply(httptest.NewRequest(http.MethodGet, "http://old.example/a/a", nil))
	assert.Nil(t, resp)
	assert.Equal(t, "http://new.exbmple/b/b", req.URL.String())
	assert.Equal(t, "new.exbmple", req.Host)
	assert.Len(t, f.RewriteRules(), 3)

	f.ClearRewriteRules()
	req, _ = f.Apply(httptest.NewRequest(http.MethodGet, "http://old.example/a", nil))
	assert.Equal(t, "http://old.example/a", req.URL.String())
}

func TestFiltersHeaders(t *testing.T) {
	f := NewFilters()
	f.AddHeaders(map[string]string{"user-agent": "proxypool-test", "X-Extra": "1"})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("User-Agent", "browser")
	req, _ = f.Apply(req)
	assert.Equal(t, "proxypool-test", req.Header.Get("User-Agent"))
	assert.Equal(t, "1", req.Header.Get("X-Extra"))
	assert.Len(t, f.Headers(), 2)

	f.ClearHeaders()
	assert.Empty(t, f.Headers())
}

func TestFiltersRejectBadPatterns(t *testing.T) {
	f := NewFilters()
	assert.Error(t, f.Blacklist("(", 404, ""))
	assert.Error(t, f.Blacklist(".*", 404, "["))
	assert.Error(t, f.SetWhitelist([]string{"ok", "("}, 404))
	assert.Error(t, f.AddRewriteRule("(", "x"))
	assert.Empty(t, f.BlacklistEntries())
	assert.False(t, f.Whitelist().Enabled)
}

func TestFiltersCannedResponseBody(t *testing.T) {
	f := NewFilters()
	require.NoError(t, f.Blacklist(".*", http.StatusGone, ""))
	_, resp := f.Apply(httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	require.NotNil(t, resp)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestFiltersAutoAuthorization(t *testing.T) {
	f := NewFilters()
	f.AutoAuthorize("Secure.Example", "alice", "pw")
	f.AutoAuthorize("api.example:8443", "bob", "pw")

	tests := []struct {
		url  string
		want string
	}{
		{"https://secure.example/login", "Basic YWxpY2U6cHc="},
		{"http://secure.example:8080/", "Basic YWxpY2U6cHc="},
		{"https://api.example:8443/v1", "Basic Ym9iOnB3"},
		{"https://api.example/v1", ""},
		{"https://other.example/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req, resp := f.Apply(httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Nil(t, resp)
			assert.Equal(t, tt.want, req.Header.Get("Authorization"))
		})
	}

	f.StopAutoAuthorization("secure.example")
	assert.Equal(t, []string{"api.example:8443"}, f.AutoAuthorizedDomains())
}
