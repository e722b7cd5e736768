// Package storagetest provides a conformance suite for storage.CacheStorage
// implementations.
package storagetest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

// Factory returns a fresh, empty CacheStorage for one subtest.
type Factory func(t *testing.T) storage.CacheStorage

// Run exercises every behavior shared by CacheStorage implementations.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("OpenCreatesPartition", func(t *testing.T) { testOpenCreates(t, newStorage(t)) })
	t.Run("InvalidName", func(t *testing.T) { testInvalidName(t, newStorage(t)) })
	t.Run("PutMatch", func(t *testing.T) { testPutMatch(t, newStorage(t)) })
	t.Run("PutOverwrites", func(t *testing.T) { testPutOverwrites(t, newStorage(t)) })
	t.Run("PutRejectsNonGET", func(t *testing.T) { testPutRejectsNonGET(t, newStorage(t)) })
	t.Run("PutRejectsPartial", func(t *testing.T) { testPutRejectsPartial(t, newStorage(t)) })
	t.Run("MatchIgnoresFragment", func(t *testing.T) { testMatchIgnoresFragment(t, newStorage(t)) })
	t.Run("MatchHonorsVary", func(t *testing.T) { testMatchHonorsVary(t, newStorage(t)) })
	t.Run("MatchIgnoreVary", func(t *testing.T) { testMatchIgnoreVary(t, newStorage(t)) })
	t.Run("DeleteEntry", func(t *testing.T) { testDeleteEntry(t, newStorage(t)) })
	t.Run("DeletePartition", func(t *testing.T) { testDeletePartition(t, newStorage(t)) })
	t.Run("PartitionsIsolated", func(t *testing.T) { testPartitionsIsolated(t, newStorage(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, newStorage(t)) })
}

// Request builds a GET request for url.
func Request(url string) *http.Request {
	return httptest.NewRequest(http.MethodGet, url, nil)
}

// Response builds a 200 response with body.
func Response(body string) *snapshot.Response {
	return &snapshot.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
	}
}

func testOpenCreates(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()

	ok, err := s.Has(ctx, "static-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	assert.Equal(t, "static-v1", p.Name())

	ok, err = s.Has(ctx, "static-v1")
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, Request("https://app.test/"), Response("shell")))
	_, hit, err := again.Match(ctx, Request("https://app.test/"))
	require.NoError(t, err)
	assert.True(t, hit, "reopened partition should see existing entries")

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, names)
}

func testInvalidName(t *testing.T, s storage.CacheStorage) {
	for _, name := range []string{"", "..", "a/b", "fonts v1"} {
		_, err := s.Open(context.Background(), name)
		assert.ErrorIs(t, err, storage.ErrInvalidName, "name %q", name)
	}
}

func testPutMatch(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	_, hit, err := p.Match(ctx, Request("https://app.test/app.js"))
	require.NoError(t, err)
	assert.False(t, hit)

	resp := Response("console.log(1)")
	resp.URL = "https://app.test/app.js"
	resp.Header.Set("Cache-Control", "max-age=60")
	require.NoError(t, p.Put(ctx, Request("https://app.test/app.js"), resp))

	got, hit, err := p.Match(ctx, Request("https://app.test/app.js"))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, []byte("console.log(1)"), got.Body)
	assert.Equal(t, "max-age=60", got.Header.Get("Cache-Control"))
	assert.Equal(t, "https://app.test/app.js", got.URL)

	// Mutating the returned copy must not change the stored entry.
	got.Body[0] = 'X'
	again, _, err := p.Match(ctx, Request("https://app.test/app.js"))
	require.NoError(t, err)
	assert.Equal(t, []byte("console.log(1)"), again.Body)

	head := httptest.NewRequest(http.MethodHead, "https://app.test/app.js", nil)
	_, hit, err = p.Match(ctx, head)
	require.NoError(t, err)
	assert.False(t, hit, "only GET requests match")
}

func testPutOverwrites(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, Request("https://app.test/"), Response("old")))
	require.NoError(t, p.Put(ctx, Request("https://app.test/"), Response("new")))

	got, hit, err := p.Match(ctx, Request("https://app.test/"))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("new"), got.Body)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func testPutRejectsNonGET(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	post := httptest.NewRequest(http.MethodPost, "https://app.test/api", nil)
	err = p.Put(ctx, post, Response("x"))
	assert.ErrorIs(t, err, storage.ErrMethodNotCacheable)
}

func testPutRejectsPartial(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	resp := Response("part")
	resp.StatusCode = http.StatusPartialContent
	err = p.Put(ctx, Request("https://app.test/video.mp4"), resp)
	assert.ErrorIs(t, err, storage.ErrPartialResponse)
}

func testMatchIgnoresFragment(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, Request("https://app.test/index.html"), Response("shell")))
	_, hit, err := p.Match(ctx, Request("https://app.test/index.html#/settings"))
	require.NoError(t, err)
	assert.True(t, hit)
}

func testMatchHonorsVary(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "fonts-v1")
	require.NoError(t, err)

	req := Request("https://fonts.test/css")
	req.Header.Set("User-Agent", "agent-a")
	resp := Response("@font-face{}")
	resp.Header.Set("Vary", "User-Agent")
	require.NoError(t, p.Put(ctx, req, resp))

	same := Request("https://fonts.test/css")
	same.Header.Set("User-Agent", "agent-a")
	_, hit, err := p.Match(ctx, same)
	require.NoError(t, err)
	assert.True(t, hit)

	other := Request("https://fonts.test/css")
	other.Header.Set("User-Agent", "agent-b")
	_, hit, err = p.Match(ctx, other)
	require.NoError(t, err)
	assert.False(t, hit)

	star := Response("never")
	star.Header.Set("Vary", "*")
	require.NoError(t, p.Put(ctx, Request("https://fonts.test/star"), star))
	_, hit, err = p.Match(ctx, Request("https://fonts.test/star"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func testMatchIgnoreVary(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	req := Request("https://app.test/")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	resp := Response("shell")
	resp.Header.Set("Vary", "Accept-Encoding")
	require.NoError(t, p.Put(ctx, req, resp))

	_, hit, err := p.Match(ctx, Request("https://app.test/"))
	require.NoError(t, err)
	assert.False(t, hit)

	got, hit, err := p.Match(ctx, Request("https://app.test/"), storage.IgnoreVary())
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("shell"), got.Body)
}

func testDeleteEntry(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, Request("https://app.test/a.css"), Response("a")))
	require.NoError(t, p.Put(ctx, Request("https://app.test/b.css"), Response("b")))

	removed, err := p.Delete(ctx, Request("https://app.test/a.css"))
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = p.Delete(ctx, Request("https://app.test/a.css"))
	require.NoError(t, err)
	assert.False(t, removed)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, snapshot.Key{Method: http.MethodGet, URL: "https://app.test/b.css"}, keys[0])
}

func testDeletePartition(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, Request("https://app.test/"), Response("shell")))

	removed, err := s.Delete(ctx, "static-v1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "static-v1")
	require.NoError(t, err)
	assert.False(t, removed)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	fresh, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	_, hit, err := fresh.Match(ctx, Request("https://app.test/"))
	require.NoError(t, err)
	assert.False(t, hit, "recreated partition must start empty")
}

func testPartitionsIsolated(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	static, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	fonts, err := s.Open(ctx, "fonts-v1")
	require.NoError(t, err)

	require.NoError(t, static.Put(ctx, Request("https://app.test/"), Response("shell")))
	_, hit, err := fonts.Match(ctx, Request("https://app.test/"))
	require.NoError(t, err)
	assert.False(t, hit)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fonts-v1", "static-v1"}, names)
}

func testConcurrentPut(t *testing.T, s storage.CacheStorage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Put(ctx, Request("https://app.test/app.css"), Response("body{}")))
		}()
	}
	wg.Wait()

	got, hit, err := p.Match(ctx, Request("https://app.test/app.css"))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("body{}"), got.Body)
}
