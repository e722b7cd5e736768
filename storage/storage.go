// Package storage defines the named, versioned cache partitions the proxy
// reads and writes.
//
// A CacheStorage holds any number of partitions addressed by name. Each
// Partition maps a request identity (method, URL and the request headers
// named by the stored response's Vary header) to a response snapshot.
//
// Implementations live in the memory and disk subpackages. All
// implementations must be safe for concurrent use; concurrent writes to
// the same key resolve as last write wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/meigma/shellcache/snapshot"
)

var (
	// ErrMethodNotCacheable is returned by Put for requests other than GET.
	ErrMethodNotCacheable = errors.New("storage: only GET requests can be cached")

	// ErrPartialResponse is returned by Put for 206 responses.
	ErrPartialResponse = errors.New("storage: partial responses cannot be cached")

	// ErrInvalidName is returned when a partition name is empty or contains
	// characters outside [A-Za-z0-9._-].
	ErrInvalidName = errors.New("storage: invalid partition name")
)

// CacheStorage is the set of partitions owned by one origin.
type CacheStorage interface {
	// Open returns the named partition, creating it if absent.
	Open(ctx context.Context, name string) (Partition, error)

	// Has reports whether the named partition exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named partition and all of its entries.
	// It reports whether a partition was removed.
	Delete(ctx context.Context, name string) (bool, error)

	// Keys returns the names of all partitions in sorted order.
	Keys(ctx context.Context) ([]string, error)
}

// Partition is a single named request/response store.
type Partition interface {
	// Name returns the partition name.
	Name() string

	// Match returns the stored response for req, if any.
	// Only GET requests can match.
	Match(ctx context.Context, req *http.Request, opts ...MatchOption) (*snapshot.Response, bool, error)

	// Put stores resp as the entry for req, replacing any previous entry.
	Put(ctx context.Context, req *http.Request, resp *snapshot.Response) error

	// Delete removes the entry for req. It reports whether one existed.
	Delete(ctx context.Context, req *http.Request) (bool, error)

	// Keys returns the identities of all stored entries.
	Keys(ctx context.Context) ([]snapshot.Key, error)
}

// MatchOptions adjusts a single Match call.
type MatchOptions struct {
	// IgnoreVary matches on method and URL alone, regardless of the
	// request headers the stored response varies on.
	IgnoreVary bool
}

// MatchOption sets a field of MatchOptions.
type MatchOption func(*MatchOptions)

// IgnoreVary matches entries without comparing Vary headers.
func IgnoreVary() MatchOption {
	return func(o *MatchOptions) {
		o.IgnoreVary = true
	}
}

// ApplyMatchOptions folds opts into a MatchOptions value.
func ApplyMatchOptions(opts ...MatchOption) MatchOptions {
	var o MatchOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// VaryMatches reports whether req satisfies the stored vary snapshot
// under o.
func (o MatchOptions) VaryMatches(req *http.Request, stored http.Header) bool {
	return o.IgnoreVary || snapshot.MatchesVary(req, stored)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName reports whether name is a usable partition name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// CheckPut validates a Put call against the rules shared by every
// implementation.
func CheckPut(req *http.Request, resp *snapshot.Response) error {
	if req.Method != "" && req.Method != http.MethodGet {
		return fmt.Errorf("%w: %s %s", ErrMethodNotCacheable, req.Method, req.URL)
	}
	if resp.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("%w: %s", ErrPartialResponse, req.URL)
	}
	return nil
}

// Matchable reports whether req is eligible for a lookup.
func Matchable(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}
