package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/shellcache/snapshot"
)

func newOrigin(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsRelativeOrigin(t *testing.T) {
	t.Parallel()

	_, err := New("/relative")
	require.Error(t, err)

	_, err = New("://bad")
	require.Error(t, err)
}

func TestFetchResolvesRelativeURL(t *testing.T) {
	t.Parallel()

	srv := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("path=" + r.URL.Path))
	})
	c, err := New(srv.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.URL.Scheme, req.URL.Host = "", ""

	resp, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "path=/index.html", string(resp.Body))
	assert.Equal(t, snapshot.TypeBasic, resp.Type)
	assert.Equal(t, srv.URL+"/index.html", resp.URL)
}

func TestFetchErrorStatusIsResponse(t *testing.T) {
	t.Parallel()

	srv := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})
	c, err := New(srv.URL)
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, srv.URL+"/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, resp.OK())
}

func TestFetchNetworkError(t *testing.T) {
	t.Parallel()

	srv := newOrigin(t, func(http.ResponseWriter, *http.Request) {})
	url := srv.URL
	srv.Close()

	c, err := New(url)
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, url+"/", nil))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestFetchNoStoreHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := newOrigin(t, func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	})
	c, err := New(srv.URL, WithHeader("X-Proxy", "shellcache"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("If-None-Match", `"abc"`)
	req.Header.Set("Connection", "keep-alive, X-Drop")
	req.Header.Set("X-Drop", "1")

	_, err = c.Fetch(context.Background(), req, WithNoStore())
	require.NoError(t, err)
	assert.Equal(t, "no-cache", got.Get("Cache-Control"))
	assert.Equal(t, "no-cache", got.Get("Pragma"))
	assert.Empty(t, got.Get("If-None-Match"))
	assert.Empty(t, got.Get("X-Drop"))
	assert.Equal(t, "shellcache", got.Get("X-Proxy"))

	// The caller's request is left untouched.
	assert.Equal(t, `"abc"`, req.Header.Get("If-None-Match"))
}

func TestFetchResponseTypes(t *testing.T) {
	t.Parallel()

	cross := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("x"))
	})
	c, err := New("https://app.test")
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, cross.URL+"/cors", nil))
	require.NoError(t, err)
	assert.Equal(t, snapshot.TypeCORS, resp.Type)

	resp, err = c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, cross.URL+"/font.woff2", nil))
	require.NoError(t, err)
	assert.Equal(t, snapshot.TypeOpaque, resp.Type)
	assert.True(t, resp.Cacheable())
}

func TestFetchBodyLimit(t *testing.T) {
	t.Parallel()

	srv := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 32)))
	})
	c, err := New(srv.URL, WithMaxBodyBytes(16))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, srv.URL+"/", nil))
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestSameOrigin(t *testing.T) {
	t.Parallel()

	c, err := New("https://app.test/some/path")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "https://APP.test/x.js", nil)
	assert.True(t, c.SameOrigin(req.URL))
	req = httptest.NewRequest(http.MethodGet, "https://fonts.test/x.woff2", nil)
	assert.False(t, c.SameOrigin(req.URL))
	assert.Equal(t, "https://app.test", c.Origin().String())
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	var f Fetcher = Func(func(context.Context, *http.Request, ...RequestOption) (*snapshot.Response, error) {
		return &snapshot.Response{StatusCode: http.StatusTeapot}, nil
	})
	resp, err := f.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
