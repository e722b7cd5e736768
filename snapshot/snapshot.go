// Package snapshot defines request identities and replayable response
// snapshots stored in cache partitions.
package snapshot

import (
	"bytes"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// Type classifies a response the way a browser fetch does.
type Type uint8

const (
	// TypeBasic is a same-origin response.
	TypeBasic Type = iota
	// TypeCORS is a cross-origin response the origin allowed us to read.
	TypeCORS
	// TypeOpaque is a cross-origin response whose status and body cannot
	// be inspected by the page but can still be stored and replayed.
	TypeOpaque
)

// String returns the fetch-standard name of the type.
func (t Type) String() string {
	switch t {
	case TypeBasic:
		return "basic"
	case TypeCORS:
		return "cors"
	case TypeOpaque:
		return "opaque"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Response is a fully buffered response that can be replayed any number
// of times.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	URL        string
	Type       Type
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Cacheable reports whether the response may be written to a partition
// by the cache-first strategies: successful or opaque.
func (r *Response) Cacheable() bool {
	return r != nil && (r.OK() || r.Type == TypeOpaque)
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Body = bytes.Clone(r.Body)
	return &c
}

// Serve writes the response to w.
func (r *Response) Serve(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range r.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Del("Content-Length")
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}

// ServiceUnavailable returns the synthetic response served when neither
// the network nor the cache can answer a navigation.
func ServiceUnavailable() *Response {
	body := []byte("Service Unavailable")
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Status:     "503 Service Unavailable",
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       body,
		Type:       TypeBasic,
	}
}

// Key identifies a stored request.
type Key struct {
	Method string
	URL    string
}

// KeyFor returns the identity of req. The fragment is never part of the
// identity and an empty method means GET.
func KeyFor(req *http.Request) Key {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: NormalizeURL(req.URL)}
}

// Digest returns a content digest of the key, suitable as a storage name.
func (k Key) Digest() digest.Digest {
	return digest.FromString(k.Method + " " + k.URL)
}

// String returns "METHOD URL".
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// NormalizeURL renders u without its fragment.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// VaryHeaders captures the request header values named by the response's
// Vary header. The second result is false when the response varies on "*"
// and therefore can never be matched.
func VaryHeaders(req *http.Request, resp *Response) (http.Header, bool) {
	names := varyNames(resp.Header)
	if len(names) == 0 {
		return nil, true
	}
	out := make(http.Header, len(names))
	for _, name := range names {
		if name == "*" {
			return nil, false
		}
		out[name] = append([]string(nil), req.Header.Values(name)...)
	}
	return out, true
}

// MatchesVary reports whether req carries the same values as the stored
// vary snapshot.
func MatchesVary(req *http.Request, stored http.Header) bool {
	for name, want := range stored {
		got := req.Header.Values(name)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			return false
		}
	}
	return true
}

func varyNames(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				return []string{"*"}
			}
			names = append(names, http.CanonicalHeaderKey(part))
		}
	}
	return names
}
