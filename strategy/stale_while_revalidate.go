package strategy

import (
	"context"
	"net/http"

	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

type fetchResult struct {
	resp *snapshot.Response
	err  error
}

// StaleWhileRevalidate looks up req in part while fetching it.
//
// A cached response is returned at once and the in-flight fetch refreshes
// the entry when it succeeds. Without a cached response the caller waits
// for the fetch, which is stored before being returned. If that fetch
// fails, one final fetch is made and its outcome returned as-is.
func (r *Runner) StaleWhileRevalidate(ctx context.Context, part storage.Partition, req *http.Request) (*snapshot.Response, error) {
	bgReq := detach(ctx, req)
	live := make(chan fetchResult, 1)
	r.background.Go(ctx, "stale-while-revalidate", func(ctx context.Context) error {
		resp, err := r.fetcher.Fetch(ctx, bgReq)
		if err == nil && resp.Cacheable() {
			r.put(ctx, part, bgReq, resp)
		}
		live <- fetchResult{resp: resp, err: err}
		return err
	})

	if cached, ok := r.match(ctx, part, req); ok {
		return cached, nil
	}

	select {
	case res := <-live:
		if res.err == nil {
			return res.resp, nil
		}
		r.logger.Debug("stale-while-revalidate fetch failed, retrying unmediated", "url", req.URL.String(), "error", res.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return r.fetcher.Fetch(ctx, req)
}
