package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

// Navigation carries the inputs of a network-first request.
type Navigation struct {
	// Request is the intercepted navigation.
	Request *http.Request
	// Shell is the request identity of the cached app-shell document used
	// when the network fails.
	Shell *http.Request
	// Preload is the host's navigation preload, if any.
	Preload Preload
}

// NetworkFirst answers a navigation.
//
// A preload response, when available, is returned without another network
// call. Otherwise the request is fetched bypassing intermediate caches.
// Successful responses are stored in part before being returned. When the
// network fails the cached shell is served; without one the result is a
// synthetic 503. The shell lookup ignores Vary. NetworkFirst always
// returns a response.
func (r *Runner) NetworkFirst(ctx context.Context, part storage.Partition, nav Navigation) *snapshot.Response {
	req := nav.Request

	if nav.Preload != nil {
		resp, err := nav.Preload(ctx)
		switch {
		case err == nil && resp != nil:
			if resp.OK() {
				r.put(ctx, part, req, resp)
			}
			return resp
		case err != nil && !errors.Is(err, ErrNoPreload):
			r.logger.Debug("navigation preload failed", "url", req.URL.String(), "error", err)
		}
	}

	resp, err := r.fetcher.Fetch(ctx, req, fetch.WithNoStore())
	if err == nil {
		if resp.OK() {
			r.put(ctx, part, req, resp)
		}
		return resp
	}
	r.logger.Info("navigation offline, serving shell", "url", req.URL.String(), "error", err)

	if nav.Shell != nil {
		if shell, ok := r.match(ctx, part, nav.Shell, storage.IgnoreVary()); ok {
			return shell
		}
	}
	return snapshot.ServiceUnavailable()
}
