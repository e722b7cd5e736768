// Package strategy implements the cache retrieval strategies: network-first
// with shell fallback, cache-first with optional background revalidation,
// and stale-while-revalidate.
//
// Strategies never retry. A failed attempt falls through to the next tier
// (cache, then a synthetic error response) and no timeouts are imposed
// beyond those of the underlying HTTP client.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

// ErrNoPreload is returned by a Preload that has no response to offer.
var ErrNoPreload = errors.New("strategy: no preload response")

// Preload yields a navigation response the host started fetching before
// the strategy ran. A nil Preload means the host has none.
type Preload func(ctx context.Context) (*snapshot.Response, error)

// Runner executes strategies against a fetcher.
type Runner struct {
	fetcher    fetch.Fetcher
	background *Background
	refresh    singleflight.Group
	logger     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for strategy diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithBackground sets the group that runs revalidation tasks.
func WithBackground(bg *Background) Option {
	return func(r *Runner) {
		r.background = bg
	}
}

// New returns a Runner that uses fetcher for live requests.
func New(fetcher fetch.Fetcher, opts ...Option) *Runner {
	r := &Runner{fetcher: fetcher}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.background == nil {
		r.background = NewBackground(r.logger)
	}
	return r
}

// Background returns the group running this runner's detached tasks.
func (r *Runner) Background() *Background {
	return r.background
}

// put stores resp and logs, rather than returns, failures: a cache write
// error never changes the response handed to the caller.
func (r *Runner) put(ctx context.Context, part storage.Partition, req *http.Request, resp *snapshot.Response) {
	if err := part.Put(ctx, req, resp); err != nil {
		r.logger.Warn("cache put failed", "partition", part.Name(), "url", req.URL.String(), "error", err)
	}
}

// match treats lookup errors as misses.
func (r *Runner) match(ctx context.Context, part storage.Partition, req *http.Request, opts ...storage.MatchOption) (*snapshot.Response, bool) {
	resp, ok, err := part.Match(ctx, req, opts...)
	if err != nil {
		r.logger.Warn("cache match failed", "partition", part.Name(), "url", req.URL.String(), "error", err)
		return nil, false
	}
	return resp, ok
}

func refreshKey(part storage.Partition, req *http.Request) string {
	return part.Name() + "\x00" + snapshot.KeyFor(req).Digest().String()
}
