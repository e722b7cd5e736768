// Package testutil provides fakes shared by the package tests.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/snapshot"
)

// route is a scripted answer for one URL.
type route struct {
	status int
	header http.Header
	body   string
	typ    snapshot.Type
	fail   bool
}

// MockNetwork implements fetch.Fetcher with scripted responses.
//
// URLs without a route answer 404. When offline, every fetch fails with
// fetch.ErrNetwork.
type MockNetwork struct {
	origin *url.URL

	mu      sync.Mutex
	routes  map[string]route
	calls   map[string]int
	gates   map[string]chan struct{}
	offline bool
}

var _ fetch.Fetcher = (*MockNetwork)(nil)

// NewMockNetwork returns a network that resolves relative URLs against origin.
func NewMockNetwork(origin string) *MockNetwork {
	u, err := url.Parse(origin)
	if err != nil {
		panic(err)
	}
	return &MockNetwork{
		origin: u,
		routes: make(map[string]route),
		calls:  make(map[string]int),
		gates:  make(map[string]chan struct{}),
	}
}

// Serve answers rawURL with a 200 and body.
func (n *MockNetwork) Serve(rawURL, body string) {
	n.ServeStatus(rawURL, http.StatusOK, body)
}

// ServeStatus answers rawURL with status and body.
func (n *MockNetwork) ServeStatus(rawURL string, status int, body string) {
	n.set(rawURL, route{status: status, body: body, header: http.Header{"Content-Type": []string{"text/plain"}}})
}

// ServeHeader answers rawURL with a 200, body and the given headers.
func (n *MockNetwork) ServeHeader(rawURL, body string, header http.Header) {
	n.set(rawURL, route{status: http.StatusOK, body: body, header: header.Clone()})
}

// ServeOpaque answers rawURL with an opaque response.
func (n *MockNetwork) ServeOpaque(rawURL, body string) {
	n.set(rawURL, route{status: http.StatusOK, body: body, typ: snapshot.TypeOpaque, header: http.Header{}})
}

// Fail makes fetches of rawURL fail with a network error.
func (n *MockNetwork) Fail(rawURL string) {
	n.set(rawURL, route{fail: true})
}

// SetOffline toggles failure of every fetch.
func (n *MockNetwork) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

// Gate holds fetches of rawURL until the returned function is called.
func (n *MockNetwork) Gate(rawURL string) (release func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.gates[n.resolve(rawURL)] = ch
	n.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns how many fetches of rawURL were made.
func (n *MockNetwork) Calls(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[n.resolve(rawURL)]
}

// Fetch implements fetch.Fetcher.
func (n *MockNetwork) Fetch(ctx context.Context, req *http.Request, _ ...fetch.RequestOption) (*snapshot.Response, error) {
	target := n.resolve(req.URL.String())

	n.mu.Lock()
	n.calls[target]++
	gate := n.gates[target]
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	r, ok := n.routes[target]
	offline := n.offline
	n.mu.Unlock()

	if offline || r.fail {
		return nil, fmt.Errorf("%w: GET %s: connection refused", fetch.ErrNetwork, target)
	}
	if !ok {
		return &snapshot.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Header:     http.Header{},
			URL:        target,
		}, nil
	}
	return &snapshot.Response{
		StatusCode: r.status,
		Status:     fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
		Header:     r.header.Clone(),
		Body:       []byte(r.body),
		URL:        target,
		Type:       r.typ,
	}, nil
}

func (n *MockNetwork) set(rawURL string, r route) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[n.resolve(rawURL)] = r
}

func (n *MockNetwork) resolve(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return snapshot.NormalizeURL(n.origin.ResolveReference(u))
}
