package shellcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

// ActivationError reports partitions that could not be removed during
// activation. The version still activates.
type ActivationError struct {
	Version    string
	Partitions []string
	Err        error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: remove stale partitions %v: %v", e.Version, e.Partitions, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// handleInstall opens the static partition and precaches every core asset.
// Each asset is fetched and stored on its own; a failed asset is logged
// and skipped without affecting the others.
func handleInstall(ctx context.Context, w *Worker, _ Event) (*snapshot.Response, error) {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return nil, err
	}

	part, err := w.storage.Open(ctx, w.cfg.StaticCacheName())
	if err != nil {
		w.setState(StateRedundant)
		return nil, fmt.Errorf("install %s: open static partition: %w", w.cfg.Version, err)
	}

	urls := w.cfg.CoreAssetURLs()
	var cached atomic.Int32
	var g errgroup.Group
	if n := w.cfg.InstallConcurrency; n > 0 {
		g.SetLimit(n)
	}
	for _, u := range urls {
		g.Go(func() error {
			if err := precache(ctx, w, part, u); err != nil {
				w.logger.Warn("precache failed", "url", u, "error", err)
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if w.cfg.EagerActivation {
		w.skipWaiting.Store(true)
	}
	if err := w.transition(StateInstalled, StateInstalling); err != nil {
		return nil, err
	}
	w.logger.Info("installed", "partition", part.Name(), "cached", cached.Load(), "assets", len(urls))
	return nil, nil
}

// precache fetches u and stores it. Unlike runtime caching, only 2xx
// responses count as success.
func precache(ctx context.Context, w *Worker, part storage.Partition, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := w.fetcher.Fetch(ctx, req, fetch.WithNoStore())
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("precache %s: status %d", u, resp.StatusCode)
	}
	return part.Put(ctx, req, resp)
}

// handleActivate removes partitions of other versions, enables navigation
// preload when configured, claims open pages and optionally reloads them.
func handleActivate(ctx context.Context, w *Worker, _ Event) (*snapshot.Response, error) {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return nil, err
	}

	keep := []string{w.cfg.StaticCacheName(), w.cfg.FontCacheName()}
	var activationErr error
	names, err := w.storage.Keys(ctx)
	if err != nil {
		activationErr = &ActivationError{Version: w.cfg.Version, Err: fmt.Errorf("list partitions: %w", err)}
	} else {
		var failed []string
		var errs []error
		for _, name := range names {
			if slices.Contains(keep, name) {
				continue
			}
			if _, err := w.storage.Delete(ctx, name); err != nil {
				failed = append(failed, name)
				errs = append(errs, err)
				continue
			}
			w.logger.Info("deleted stale partition", "partition", name)
		}
		if len(failed) > 0 {
			activationErr = &ActivationError{Version: w.cfg.Version, Partitions: failed, Err: errors.Join(errs...)}
		}
	}

	h := w.currentHost()
	if h != nil && w.cfg.NavigationPreload {
		if err := h.enableNavigationPreload(ctx); err != nil {
			w.logger.Debug("navigation preload not enabled", "error", err)
		}
	}
	if h != nil {
		ids := h.claim(ctx, w.cfg.Version)
		w.logger.Info("claimed clients", "count", len(ids))
		if w.cfg.ForceReloadOnActivate {
			for _, id := range ids {
				if err := h.navigate(ctx, id); err != nil {
					w.logger.Debug("reload client failed", "client", id, "error", err)
				}
			}
		}
	}

	if err := w.transition(StateActivated, StateActivating); err != nil {
		return nil, err
	}
	return nil, activationErr
}

// handleMessage reacts to control messages. Unknown types are ignored.
func handleMessage(_ context.Context, w *Worker, ev Event) (*snapshot.Response, error) {
	msg, ok := ev.(MessageEvent)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a message", ErrUnknownEvent, ev)
	}
	switch msg.Message.Type {
	case MessageSkipWaiting:
		w.skipWaiting.Store(true)
		w.logger.Info("skip waiting requested", "client", msg.ClientID)
		return nil, nil
	case MessageGetVersion:
		body, err := json.Marshal(VersionInfo{
			Version:     w.cfg.Version,
			State:       w.State().String(),
			StaticCache: w.cfg.StaticCacheName(),
			FontCache:   w.cfg.FontCacheName(),
		})
		if err != nil {
			return nil, err
		}
		return &snapshot.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       body,
		}, nil
	default:
		w.logger.Debug("ignoring message", "type", msg.Message.Type, "client", msg.ClientID)
		return nil, nil
	}
}
