package disk

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/shellcache/internal/fb"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
	"github.com/meigma/shellcache/storage/storagetest"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorageConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.CacheStorage { return newTestStorage(t) })
}

func TestStorageConformanceUnsharded(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.CacheStorage {
		return newTestStorage(t, WithShardPrefixLen(0))
	})
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.Error(t, err)

	_, err = New(t.TempDir(), WithShardPrefixLen(-1))
	require.Error(t, err)

	_, err = New(t.TempDir(), WithMaxBytes(-1))
	require.Error(t, err)
}

func TestPartitionSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	first, err := New(dir)
	require.NoError(t, err)
	p, err := first.Open(ctx, "static-v1")
	require.NoError(t, err)
	resp := storagetest.Response("<html>shell</html>")
	resp.Type = snapshot.TypeOpaque
	resp.URL = "https://app.test/"
	require.NoError(t, p.Put(ctx, storagetest.Request("https://app.test/"), resp))
	require.NoError(t, first.Close())

	second, err := New(dir)
	require.NoError(t, err)
	defer second.Close()

	names, err := second.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, names)

	p2, err := second.Open(ctx, "static-v1")
	require.NoError(t, err)
	got, hit, err := p2.Match(ctx, storagetest.Request("https://app.test/"))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("<html>shell</html>"), got.Body)
	assert.Equal(t, snapshot.TypeOpaque, got.Type)
	assert.Equal(t, "https://app.test/", got.URL)
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
}

func TestPutAfterPartitionDeleteIsDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)
	p, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	removed, err := s.Delete(ctx, "static-v1")
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, p.Put(ctx, storagetest.Request("https://app.test/app.js"), storagetest.Response("late")))

	ok, err := s.Has(ctx, "static-v1")
	require.NoError(t, err)
	assert.False(t, ok, "a stale write must not resurrect a deleted partition")
}

func TestConcurrentPutAndDeleteNeverRecreatesPartition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)

	for round := range 20 {
		p, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u := fmt.Sprintf("https://app.test/%d/%d.js", round, i)
				assert.NoError(t, p.Put(ctx, storagetest.Request(u), storagetest.Response(u)))
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Delete(ctx, "static-v1")
			assert.NoError(t, err)
		}()
		wg.Wait()

		// Puts racing the delete either landed before it or were dropped.
		ok, err := s.Has(ctx, "static-v1")
		require.NoError(t, err)
		require.False(t, ok, "round %d", round)
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)
	part, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	req := storagetest.Request("https://app.test/app.css")
	require.NoError(t, part.Put(ctx, req, storagetest.Response("body{}")))

	path := part.(*Partition).path(snapshot.KeyFor(req))
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o600))

	_, hit, err := part.Match(ctx, req)
	require.NoError(t, err)
	assert.False(t, hit)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt entry should be removed")
}

func TestWithMaxBytesPrunesOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t, WithMaxBytes(1))
	part, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	require.NoError(t, part.Put(ctx, storagetest.Request("https://app.test/a.js"), storagetest.Response(strings.Repeat("a", 64))))

	size, err := partitionSize(filepath.Join(s.dir, "static-v1"))
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(1))
}

func TestPruneKeepsInFlightWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shard := filepath.Join(dir, "ab")
	require.NoError(t, os.MkdirAll(shard, 0o700))

	old := filepath.Join(shard, "abold")
	fresh := filepath.Join(shard, "abnew")
	temp := filepath.Join(shard, tempPrefix+"123")
	require.NoError(t, os.WriteFile(old, []byte(strings.Repeat("o", 32)), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte(strings.Repeat("n", 32)), 0o600))
	require.NoError(t, os.WriteFile(temp, []byte(strings.Repeat("t", 64)), 0o600))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(temp, past.Add(-time.Hour), past.Add(-time.Hour)))

	size, err := partitionSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(64), size, "temp files are not counted")

	freed, err := prunePartition(dir, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(32), freed)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "oldest entry should be pruned")
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(temp)
	assert.NoError(t, err, "in-flight write must survive pruning")
}

func TestPruneMissingPartition(t *testing.T) {
	t.Parallel()

	freed, err := prunePartition(filepath.Join(t.TempDir(), "gone"), 0)
	require.NoError(t, err)
	assert.Zero(t, freed)
}

func TestKeysOrderedByWriteTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	s := newTestStorage(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	part, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	for _, u := range []string{"https://app.test/z", "https://app.test/a", "https://app.test/m"} {
		require.NoError(t, part.Put(ctx, storagetest.Request(u), storagetest.Response(u)))
	}

	keys, err := part.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "https://app.test/z", keys[0].URL)
	assert.Equal(t, "https://app.test/a", keys[1].URL)
	assert.Equal(t, "https://app.test/m", keys[2].URL)
	assert.Equal(t, http.MethodGet, keys[0].Method)
}

func TestCodecRoundTripPreservesVary(t *testing.T) {
	t.Parallel()

	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	in := &record{
		key:  snapshot.Key{Method: http.MethodGet, URL: "https://fonts.test/css"},
		vary: http.Header{"User-Agent": []string{"agent-a"}},
		resp: &snapshot.Response{
			StatusCode: 200,
			Status:     "200 OK",
			Header:     http.Header{"Vary": []string{"User-Agent"}, "Set-Cookie": []string{"a=1", "b=2"}},
			Body:       []byte("@font-face{}"),
			Type:       snapshot.TypeCORS,
		},
		storedAt: time.Unix(0, 42),
	}
	out, err := c.decode(c.encode(in))
	require.NoError(t, err)
	assert.Equal(t, in.key, out.key)
	assert.Equal(t, in.vary, out.vary)
	assert.Equal(t, in.resp, out.resp)
	assert.True(t, in.storedAt.Equal(out.storedAt))
}

func TestEntryTypeMatchesSchemaEnum(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  snapshot.Type
		want fb.ResponseType
	}{
		{snapshot.TypeBasic, fb.ResponseTypeBasic},
		{snapshot.TypeCORS, fb.ResponseTypeCors},
		{snapshot.TypeOpaque, fb.ResponseTypeOpaque},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			t.Parallel()

			data := buildEntry(&record{
				key:  snapshot.Key{Method: http.MethodGet, URL: "https://cdn.test/x"},
				resp: &snapshot.Response{Type: tt.typ, Header: http.Header{}},
			})
			e := fb.GetRootAsEntry(data, 0)
			assert.Equal(t, tt.want, e.Type())
			assert.True(t, strings.EqualFold(tt.typ.String(), e.Type().String()))

			out, err := readEntry(data)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, out.resp.Type)
		})
	}
	assert.Equal(t, "ResponseType(9)", fb.ResponseType(9).String())
}
