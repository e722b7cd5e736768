// Package memory provides an in-memory storage.CacheStorage.
package memory

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

// Storage implements storage.CacheStorage with maps.
type Storage struct {
	mu         sync.RWMutex
	partitions map[string]*Partition
}

// Interface compliance.
var (
	_ storage.CacheStorage = (*Storage)(nil)
	_ storage.Partition    = (*Partition)(nil)
)

// New returns an empty Storage.
func New() *Storage {
	return &Storage{partitions: make(map[string]*Partition)}
}

// Open returns the named partition, creating it if absent.
func (s *Storage) Open(_ context.Context, name string) (storage.Partition, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		p = newPartition(name)
		s.partitions[name] = p
	}
	return p, nil
}

// Has reports whether the named partition exists.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

// Delete removes the named partition.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	return true, nil
}

// Keys returns the sorted partition names.
func (s *Storage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

type entry struct {
	key  snapshot.Key
	vary http.Header
	resp *snapshot.Response
}

// Partition is an in-memory storage.Partition. Keys are reported in
// insertion order.
type Partition struct {
	name    string
	mu      sync.RWMutex
	entries map[snapshot.Key]*entry
	order   []snapshot.Key
}

func newPartition(name string) *Partition {
	return &Partition{name: name, entries: make(map[snapshot.Key]*entry)}
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

// Match returns a copy of the stored response for req.
func (p *Partition) Match(_ context.Context, req *http.Request, opts ...storage.MatchOption) (*snapshot.Response, bool, error) {
	if !storage.Matchable(req) {
		return nil, false, nil
	}
	key := snapshot.KeyFor(req)
	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()
	if !ok || !storage.ApplyMatchOptions(opts...).VaryMatches(req, e.vary) {
		return nil, false, nil
	}
	return e.resp.Clone(), true, nil
}

// Put stores a copy of resp for req.
func (p *Partition) Put(_ context.Context, req *http.Request, resp *snapshot.Response) error {
	if err := storage.CheckPut(req, resp); err != nil {
		return err
	}
	vary, matchable := snapshot.VaryHeaders(req, resp)
	key := snapshot.KeyFor(req)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !matchable {
		p.removeLocked(key)
		return nil
	}
	if _, exists := p.entries[key]; !exists {
		p.order = append(p.order, key)
	}
	p.entries[key] = &entry{key: key, vary: vary, resp: resp.Clone()}
	return nil
}

// Delete removes the entry for req.
func (p *Partition) Delete(_ context.Context, req *http.Request) (bool, error) {
	key := snapshot.KeyFor(req)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(key), nil
}

// Keys returns stored identities in insertion order.
func (p *Partition) Keys(_ context.Context) ([]snapshot.Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order), nil
}

func (p *Partition) removeLocked(key snapshot.Key) bool {
	if _, ok := p.entries[key]; !ok {
		return false
	}
	delete(p.entries, key)
	if i := slices.Index(p.order, key); i >= 0 {
		p.order = slices.Delete(p.order, i, i+1)
	}
	return true
}
