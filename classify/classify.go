// Package classify maps intercepted requests to a retrieval strategy and
// cache partition.
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy names a retrieval strategy.
type Strategy uint8

const (
	// PassThrough leaves the request to the network untouched.
	PassThrough Strategy = iota
	// NetworkFirst prefers the network and falls back to the cached shell.
	NetworkFirst
	// CacheFirst prefers the cache and fetches on miss.
	CacheFirst
	// StaleWhileRevalidate serves the cache and refreshes it in the background.
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "pass-through"
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "unknown"
	}
}

// Partition selects which cache partition a strategy uses.
type Partition uint8

const (
	// NoPartition accompanies PassThrough.
	NoPartition Partition = iota
	// StaticPartition holds the app shell and same-origin assets.
	StaticPartition
	// FontPartition holds webfont stylesheets and binaries.
	FontPartition
)

func (p Partition) String() string {
	switch p {
	case StaticPartition:
		return "static"
	case FontPartition:
		return "fonts"
	default:
		return "none"
	}
}

// Mode is the fetch mode of a request.
type Mode string

// Request modes as defined by the Fetch standard.
const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
	ModeWebSocket  Mode = "websocket"
)

// ModeOf derives the request mode from Sec-Fetch-Mode. Without that
// header, GET requests that accept HTML are treated as navigations and
// everything else as no-cors.
func ModeOf(req *http.Request) Mode {
	if m := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode"))); m != "" {
		return Mode(m)
	}
	if (req.Method == "" || req.Method == http.MethodGet) && strings.Contains(req.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// Decision is the outcome of classifying one request.
type Decision struct {
	Strategy   Strategy
	Partition  Partition
	Revalidate bool
}

// Rules configures a Classifier.
type Rules struct {
	// AppOrigin is the application's own origin.
	AppOrigin *url.URL
	// FontCSSOrigin serves webfont stylesheets.
	FontCSSOrigin *url.URL
	// FontFileOrigin serves webfont binaries.
	FontFileOrigin *url.URL
	// StaticExtensions lists file extensions (without dot) treated as
	// static assets.
	StaticExtensions []string
}

// Classifier applies Rules. It holds no mutable state.
type Classifier struct {
	app        *url.URL
	fontCSS    *url.URL
	fontFile   *url.URL
	extensions map[string]struct{}
}

// New returns a Classifier for rules.
func New(rules Rules) *Classifier {
	ext := make(map[string]struct{}, len(rules.StaticExtensions))
	for _, e := range rules.StaticExtensions {
		ext[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return &Classifier{
		app:        rules.AppOrigin,
		fontCSS:    rules.FontCSSOrigin,
		fontFile:   rules.FontFileOrigin,
		extensions: ext,
	}
}

// Classify returns the strategy for req. Rules are evaluated in order
// and the first match wins.
func (c *Classifier) Classify(req *http.Request, mode Mode) Decision {
	if req.Method != "" && req.Method != http.MethodGet {
		return Decision{Strategy: PassThrough}
	}
	u := c.resolve(req.URL)

	switch {
	case mode == ModeNavigate:
		return Decision{Strategy: NetworkFirst, Partition: StaticPartition}
	case sameOrigin(u, c.fontCSS):
		return Decision{Strategy: StaleWhileRevalidate, Partition: FontPartition}
	case sameOrigin(u, c.fontFile):
		return Decision{Strategy: CacheFirst, Partition: FontPartition}
	case sameOrigin(u, c.app) && c.isStaticAsset(u.Path):
		return Decision{Strategy: CacheFirst, Partition: StaticPartition, Revalidate: true}
	default:
		return Decision{Strategy: PassThrough}
	}
}

func (c *Classifier) resolve(u *url.URL) *url.URL {
	if u.IsAbs() || c.app == nil {
		return u
	}
	return c.app.ResolveReference(u)
}

func (c *Classifier) isStaticAsset(p string) bool {
	ext := path.Ext(p)
	if ext == "" {
		return false
	}
	_, ok := c.extensions[strings.ToLower(ext[1:])]
	return ok
}

func sameOrigin(u, origin *url.URL) bool {
	if origin == nil || u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
