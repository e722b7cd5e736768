package shellcache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/meigma/shellcache/classify"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/strategy"
)

// handleFetch classifies the request and runs the matching strategy.
// Pass-through requests return a nil response.
func handleFetch(ctx context.Context, w *Worker, ev Event) (*snapshot.Response, error) {
	fe, ok := ev.(*FetchEvent)
	if !ok || fe.Request == nil {
		return nil, fmt.Errorf("%w: %T is not a fetch", ErrUnknownEvent, ev)
	}
	if s := w.State(); s != StateActivated {
		return nil, fmt.Errorf("%w: fetch in state %s", ErrInvalidState, s)
	}

	req := w.absolute(fe.Request)
	mode := fe.Mode
	if mode == "" {
		mode = classify.ModeOf(req)
	}
	d := w.classifier.Classify(req, mode)
	if d.Strategy == classify.PassThrough {
		return nil, nil
	}

	name := w.cfg.StaticCacheName()
	if d.Partition == classify.FontPartition {
		name = w.cfg.FontCacheName()
	}
	part, err := w.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}

	w.logger.Debug("intercept", "url", req.URL.String(), "strategy", d.Strategy.String(), "partition", name)
	switch d.Strategy {
	case classify.NetworkFirst:
		shell, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.ShellURL(), nil)
		if err != nil {
			return nil, err
		}
		return w.runner.NetworkFirst(ctx, part, strategy.Navigation{
			Request: req,
			Shell:   shell,
			Preload: fe.Preload,
		}), nil
	case classify.CacheFirst:
		return w.runner.CacheFirst(ctx, part, req, d.Revalidate)
	case classify.StaleWhileRevalidate:
		return w.runner.StaleWhileRevalidate(ctx, part, req)
	default:
		return nil, nil
	}
}

// absolute returns req with its URL resolved against the origin.
func (w *Worker) absolute(req *http.Request) *http.Request {
	if req.URL.IsAbs() && req.URL.Host != "" {
		return req
	}
	out := req.Clone(req.Context())
	out.URL = w.origin.ResolveReference(req.URL)
	return out
}
