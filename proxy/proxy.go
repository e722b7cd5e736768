// Package proxy serves a Registration over HTTP.
//
// The Handler sits in front of the application origin. Every request is
// turned into a fetch event for the active worker; requests the worker
// does not intercept are forwarded to the origin unchanged. Pages talk to
// their worker through the control endpoints under ControlPrefix.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meigma/shellcache"
	"github.com/meigma/shellcache/classify"
	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/strategy"
)

const (
	// ControlPrefix is the path prefix of the control endpoints.
	ControlPrefix = "/__shellcache/"

	// ClientCookie carries the page's client id.
	ClientCookie = "shellcache_client"

	// preloadHeader is sent upstream with navigation preload requests.
	preloadHeader = "Service-Worker-Navigation-Preload"
)

// Host is the runtime the handler forwards to. *shellcache.Registration
// implements it.
type Host interface {
	HandleFetch(ctx context.Context, ev *shellcache.FetchEvent) (*snapshot.Response, error)
	PostMessage(ctx context.Context, clientID string, msg shellcache.Message) (*snapshot.Response, error)
	ClientOpened(id, url string) shellcache.Client
	ClientClosed(ctx context.Context, id string) error
	PreloadEnabled() bool
	Clients() *shellcache.Clients
}

var _ Host = (*shellcache.Registration)(nil)

// Handler is an http.Handler that routes requests through the active worker.
type Handler struct {
	host    Host
	origin  *url.URL
	fetcher fetch.Fetcher
	forward *httputil.ReverseProxy
	logger  *slog.Logger
	newID   func() (string, error)

	transport http.RoundTripper

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTransport sets the round tripper used for pass-through requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) {
		h.transport = rt
	}
}

// WithClientIDs sets the generator of new client ids.
func WithClientIDs(fn func() (string, error)) Option {
	return func(h *Handler) {
		h.newID = fn
	}
}

// New returns a handler for the application at origin. f issues
// navigation preloads.
func New(host Host, origin string, f fetch.Fetcher, opts ...Option) (*Handler, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q is not absolute", origin)
	}

	h := &Handler{
		host:        host,
		origin:      &url.URL{Scheme: u.Scheme, Host: u.Host},
		fetcher:     f,
		newID:       randomID,
		streamsDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if h.transport == nil {
		h.transport = http.DefaultTransport
	}

	h.forward = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := h.target(pr.In)
			pr.Out.URL = target
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		Transport: otelhttp.NewTransport(h.transport),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("pass-through failed", "url", r.URL.String(), "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	return h, nil
}

// CloseStreams ends every open event stream and rejects new ones. Pass
// it to http.Server.RegisterOnShutdown so shutdown does not wait on
// pages that keep their stream open.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ControlPrefix) && !r.URL.IsAbs() {
		h.serveControl(w, r)
		return
	}

	ctx := r.Context()
	req := r.Clone(ctx)
	req.URL = h.target(r)
	req.RequestURI = ""
	mode := classify.ModeOf(r)

	clientID := h.clientID(r)
	if mode == classify.ModeNavigate {
		id, err := h.ensureClient(w, clientID)
		if err != nil {
			h.logger.Error("assign client id", "error", err)
		} else {
			clientID = id
			h.host.ClientOpened(id, req.URL.String())
		}
	}

	ev := &shellcache.FetchEvent{Request: req, Mode: mode, ClientID: clientID}
	if mode == classify.ModeNavigate && h.host.PreloadEnabled() {
		ev.Preload = h.startPreload(ctx, req)
	}

	resp, err := h.host.HandleFetch(ctx, ev)
	switch {
	case err != nil:
		h.logger.Warn("fetch handler failed", "url", req.URL.String(), "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	case resp == nil:
		h.forward.ServeHTTP(w, r)
	default:
		if err := resp.Serve(w); err != nil {
			h.logger.Debug("write response", "url", req.URL.String(), "error", err)
		}
	}
}

// target returns the upstream URL of r. Absolute request URLs, as sent
// to a forward proxy, are kept; everything else goes to the origin.
func (h *Handler) target(r *http.Request) *url.URL {
	if r.URL.IsAbs() && r.URL.Host != "" {
		u := *r.URL
		return &u
	}
	return h.origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

// startPreload fetches the navigation concurrently with worker startup
// and returns a future for its result.
func (h *Handler) startPreload(ctx context.Context, req *http.Request) strategy.Preload {
	type result struct {
		resp *snapshot.Response
		err  error
	}
	done := make(chan result, 1)
	pre := req.Clone(ctx)
	pre.Header.Set(preloadHeader, "true")
	go func() {
		resp, err := h.fetcher.Fetch(ctx, pre, fetch.WithNoStore())
		done <- result{resp: resp, err: err}
	}()
	return func(ctx context.Context) (*snapshot.Response, error) {
		select {
		case res := <-done:
			return res.resp, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Handler) clientID(r *http.Request) string {
	if c, err := r.Cookie(ClientCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("client")
}

func (h *Handler) ensureClient(w http.ResponseWriter, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	id, err := h.newID()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("empty client id")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

func randomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
