// Package disk provides a disk-backed storage.CacheStorage.
//
// Each partition is a directory under the storage root. Entries are stored
// one file per request identity, named by the identity's digest and sharded
// by its first hex characters. Files hold a FlatBuffers-encoded entry
// compressed with zstd and are written through a temporary file and rename,
// so readers never observe partial entries.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600
	tempPrefix            = "entry-"
	tempPattern           = tempPrefix + "*"
)

// Storage implements storage.CacheStorage on the local filesystem.
type Storage struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	now            func() time.Time
	codec          *codec

	// mu orders partition deletion against writes: Put holds it shared
	// from the existence check until the entry is renamed into place.
	mu      sync.RWMutex
	pruneMu sync.Mutex
}

// Interface compliance.
var (
	_ storage.CacheStorage = (*Storage)(nil)
	_ storage.Partition    = (*Partition)(nil)
)

// Option configures a disk storage.
type Option func(*Storage)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Storage) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for partition directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Storage) {
		s.dirPerm = mode
	}
}

// WithMaxBytes caps the on-disk size of each partition. When a write pushes
// a partition over the limit, its oldest entries are removed.
// Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Storage) {
		s.maxBytes = n
	}
}

// WithClock sets the clock used to timestamp entries.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a disk-backed storage rooted at dir.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	s := &Storage{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s.codec = c
	return s, nil
}

// Close releases the compression resources held by the storage.
func (s *Storage) Close() error {
	s.codec.close()
	return nil
}

// Open returns the named partition, creating its directory if absent.
func (s *Storage) Open(_ context.Context, name string) (storage.Partition, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &Partition{name: name, dir: dir, store: s}, nil
}

// Has reports whether the named partition directory exists.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	if storage.ValidateName(name) != nil {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Delete removes the named partition directory and its entries.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

// Keys returns the sorted partition names.
func (s *Storage) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || storage.ValidateName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Partition is a directory of entry files.
type Partition struct {
	name  string
	dir   string
	store *Storage
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

// Match returns the stored response for req.
//
// Entries that fail to decode are removed and reported as misses.
func (p *Partition) Match(_ context.Context, req *http.Request, opts ...storage.MatchOption) (*snapshot.Response, bool, error) {
	if !storage.Matchable(req) {
		return nil, false, nil
	}
	key := snapshot.KeyFor(req)
	path := p.path(key)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest, not user input
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := p.store.codec.decode(data)
	if err != nil {
		_ = os.Remove(path)
		return nil, false, nil
	}
	if rec.key != key || !storage.ApplyMatchOptions(opts...).VaryMatches(req, rec.vary) {
		return nil, false, nil
	}
	return rec.resp, true, nil
}

// Put stores resp for req. Writes to a partition that has been deleted
// are dropped.
func (p *Partition) Put(_ context.Context, req *http.Request, resp *snapshot.Response) error {
	if err := storage.CheckPut(req, resp); err != nil {
		return err
	}
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	if _, err := os.Stat(p.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	key := snapshot.KeyFor(req)
	path := p.path(key)
	vary, matchable := snapshot.VaryHeaders(req, resp)
	if !matchable {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	data := p.store.codec.encode(&record{
		key:      key,
		vary:     vary,
		resp:     resp,
		storedAt: p.store.now(),
	})
	if err := p.writeFile(path, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	if p.store.maxBytes > 0 {
		p.store.pruneMu.Lock()
		defer p.store.pruneMu.Unlock()
		if _, err := prunePartition(p.dir, p.store.maxBytes); err != nil {
			return fmt.Errorf("prune %s: %w", p.name, err)
		}
	}
	return nil
}

// Delete removes the entry for req.
func (p *Partition) Delete(_ context.Context, req *http.Request) (bool, error) {
	err := os.Remove(p.path(snapshot.KeyFor(req)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns stored identities ordered by the time they were written.
func (p *Partition) Keys(_ context.Context) ([]snapshot.Key, error) {
	var recs []*record
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || isTemp(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // path is inside the partition directory
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		rec, err := p.store.codec.decode(data)
		if err != nil {
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].storedAt.Equal(recs[j].storedAt) {
			return recs[i].key.URL < recs[j].key.URL
		}
		return recs[i].storedAt.Before(recs[j].storedAt)
	})
	keys := make([]snapshot.Key, len(recs))
	for i, rec := range recs {
		keys[i] = rec.key
	}
	return keys, nil
}

func (p *Partition) path(key snapshot.Key) string {
	hexHash := key.Digest().Encoded()
	prefixLen := p.store.shardPrefixLen
	if prefixLen <= 0 {
		return filepath.Join(p.dir, hexHash)
	}
	if prefixLen > len(hexHash) {
		prefixLen = len(hexHash)
	}
	return filepath.Join(p.dir, hexHash[:prefixLen], hexHash)
}

func (p *Partition) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, p.store.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
