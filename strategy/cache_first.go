package strategy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

// CacheFirst serves req from part when present.
//
// On a hit with revalidate set, a background fetch refreshes the entry;
// the cached response is returned without waiting for it. Concurrent
// refreshes of the same entry are collapsed into one fetch. On a miss the
// request is fetched and, when successful or opaque, stored before being
// returned. A failed fetch on a miss is returned to the caller.
func (r *Runner) CacheFirst(ctx context.Context, part storage.Partition, req *http.Request, revalidate bool) (*snapshot.Response, error) {
	if cached, ok := r.match(ctx, part, req); ok {
		if revalidate {
			r.revalidate(ctx, part, req)
		}
		return cached, nil
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Cacheable() {
		r.put(ctx, part, req, resp)
	}
	return resp, nil
}

func (r *Runner) revalidate(ctx context.Context, part storage.Partition, req *http.Request) {
	bgReq := detach(ctx, req)
	key := refreshKey(part, req)
	r.background.Go(ctx, "revalidate", func(ctx context.Context) error {
		_, err, _ := r.refresh.Do(key, func() (any, error) {
			resp, err := r.fetcher.Fetch(ctx, bgReq)
			if err != nil {
				return nil, err
			}
			if !resp.Cacheable() {
				return nil, fmt.Errorf("revalidate %s: status %d", bgReq.URL, resp.StatusCode)
			}
			return nil, part.Put(ctx, bgReq, resp)
		})
		return err
	})
}
