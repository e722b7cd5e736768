package shellcache

import (
	"encoding/json"
	"net/http"

	"github.com/meigma/shellcache/classify"
	"github.com/meigma/shellcache/strategy"
)

// EventKind identifies a lifecycle event delivered to a worker.
type EventKind uint8

const (
	// EventInstall precaches the app shell for a new version.
	EventInstall EventKind = iota + 1
	// EventActivate cleans up old partitions and takes control of pages.
	EventActivate
	// EventFetch intercepts one page request.
	EventFetch
	// EventMessage carries a control message from a page.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to Worker.Dispatch.
type Event interface {
	Kind() EventKind
}

// InstallEvent starts installation of a worker version.
type InstallEvent struct{}

// Kind implements Event.
func (InstallEvent) Kind() EventKind { return EventInstall }

// ActivateEvent promotes an installed worker version.
type ActivateEvent struct{}

// Kind implements Event.
func (ActivateEvent) Kind() EventKind { return EventActivate }

// FetchEvent is an intercepted page request.
type FetchEvent struct {
	// Request is the page's request. Relative URLs are resolved against
	// the configured origin.
	Request *http.Request
	// Mode is the request mode; empty means derive it from the request.
	Mode classify.Mode
	// ClientID identifies the page that issued the request, if known.
	ClientID string
	// Preload is the host's navigation preload for this request, if any.
	Preload strategy.Preload
}

// Kind implements Event.
func (*FetchEvent) Kind() EventKind { return EventFetch }

// Control message types understood by workers.
const (
	// MessageSkipWaiting asks a waiting version to activate immediately.
	MessageSkipWaiting = "SKIP_WAITING"
	// MessageGetVersion asks the worker to report its version.
	MessageGetVersion = "GET_VERSION"
)

// Message is a control message posted by a page.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageEvent delivers a Message to a worker.
type MessageEvent struct {
	ClientID string
	Message  Message
}

// Kind implements Event.
func (MessageEvent) Kind() EventKind { return EventMessage }

// VersionInfo is the reply to MessageGetVersion.
type VersionInfo struct {
	Version     string `json:"version"`
	State       string `json:"state"`
	StaticCache string `json:"staticCache"`
	FontCache   string `json:"fontCache"`
}
