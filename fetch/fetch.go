// Package fetch performs live network requests on behalf of the proxy and
// buffers the results into replayable snapshots.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meigma/shellcache/snapshot"
)

const defaultMaxBodyBytes = 64 << 20

var (
	// ErrNetwork wraps transport-level failures: DNS, refused connections,
	// resets, timeouts. HTTP error statuses are not network errors.
	ErrNetwork = errors.New("fetch: network error")

	// ErrBodyTooLarge is returned when a response body exceeds the limit.
	ErrBodyTooLarge = errors.New("fetch: response body too large")
)

// Fetcher issues live requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *nethttp.Request, opts ...RequestOption) (*snapshot.Response, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, req *nethttp.Request, opts ...RequestOption) (*snapshot.Response, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req *nethttp.Request, opts ...RequestOption) (*snapshot.Response, error) {
	return f(ctx, req, opts...)
}

// Client implements Fetcher with an *http.Client.
type Client struct {
	client       *nethttp.Client
	origin       *url.URL
	headers      nethttp.Header
	maxBodyBytes int64
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests. Its transport is
// wrapped with OpenTelemetry instrumentation.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithHeader sets a single header on each outgoing request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.headers == nil {
			c.headers = make(nethttp.Header)
		}
		c.headers.Set(key, value)
	}
}

// WithMaxBodyBytes limits how much of a response body is buffered.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		c.maxBodyBytes = n
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for pages served from origin. Relative request
// URLs are resolved against origin, and responses are classified as
// basic, cors or opaque relative to it.
func New(origin string, opts ...Option) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}
	c := &Client{
		origin:       &url.URL{Scheme: u.Scheme, Host: u.Host},
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	base := nethttp.DefaultClient
	if c.client != nil {
		base = c.client
	}
	instrumented := *base
	transport := instrumented.Transport
	if transport == nil {
		transport = nethttp.DefaultTransport
	}
	instrumented.Transport = otelhttp.NewTransport(transport)
	c.client = &instrumented
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Origin returns the origin the client resolves relative URLs against.
func (c *Client) Origin() *url.URL {
	u := *c.origin
	return &u
}

// Fetch performs req and buffers the response.
//
// The incoming request is never modified; a copy bound to ctx is sent.
// Hop-by-hop headers are stripped. A non-2xx status is returned as a
// response, not an error.
func (c *Client) Fetch(ctx context.Context, req *nethttp.Request, opts ...RequestOption) (*snapshot.Response, error) {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	out, err := c.newRequest(ctx, req, ro)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(out)
	if err != nil {
		c.log().Debug("fetch failed", "url", out.URL.String(), "error", err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, out.Method, out.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, out.URL, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, out.URL, c.maxBodyBytes)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)

	finalURL := out.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	c.log().Debug("fetched", "url", out.URL.String(), "status", resp.StatusCode, "bytes", len(body))
	return &snapshot.Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     header,
		Body:       body,
		URL:        snapshot.NormalizeURL(finalURL),
		Type:       c.responseType(out, resp),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, req *nethttp.Request, ro requestOptions) (*nethttp.Request, error) {
	target := c.Resolve(req.URL)
	method := req.Method
	if method == "" {
		method = nethttp.MethodGet
	}

	var body io.Reader
	if req.Body != nil && req.Body != nethttp.NoBody && method != nethttp.MethodGet && method != nethttp.MethodHead {
		body = req.Body
	}
	out, err := nethttp.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(nethttp.Header)
	}
	removeHopHeaders(out.Header)
	for k, vv := range c.headers {
		out.Header[k] = append([]string(nil), vv...)
	}
	if ro.noStore {
		out.Header.Set("Cache-Control", "no-cache")
		out.Header.Set("Pragma", "no-cache")
		out.Header.Del("If-None-Match")
		out.Header.Del("If-Modified-Since")
	}
	return out, nil
}

// Resolve returns u as an absolute URL, resolving relative references
// against the client's origin.
func (c *Client) Resolve(u *url.URL) *url.URL {
	if u.IsAbs() && u.Host != "" {
		r := *u
		return &r
	}
	return c.origin.ResolveReference(u)
}

// SameOrigin reports whether u (after resolution) shares the client's origin.
func (c *Client) SameOrigin(u *url.URL) bool {
	r := c.Resolve(u)
	return strings.EqualFold(r.Scheme, c.origin.Scheme) && strings.EqualFold(r.Host, c.origin.Host)
}

func (c *Client) responseType(req *nethttp.Request, resp *nethttp.Response) snapshot.Type {
	if c.SameOrigin(req.URL) {
		return snapshot.TypeBasic
	}
	allow := resp.Header.Get("Access-Control-Allow-Origin")
	if allow == "*" || strings.EqualFold(allow, c.origin.String()) {
		return snapshot.TypeCORS
	}
	return snapshot.TypeOpaque
}

// RequestOption adjusts a single Fetch call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	noStore bool
}

// WithNoStore bypasses intermediate HTTP caches for this request.
func WithNoStore() RequestOption {
	return func(o *requestOptions) {
		o.noStore = true
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h nethttp.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
