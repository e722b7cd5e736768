package shellcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/meigma/shellcache/classify"
	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
	"github.com/meigma/shellcache/strategy"
)

var (
	// ErrUnknownEvent is returned by Dispatch for event kinds without a handler.
	ErrUnknownEvent = errors.New("shellcache: unknown event")

	// ErrInvalidState is returned when an event arrives in a state that
	// cannot accept it, such as activating a worker that never installed.
	ErrInvalidState = errors.New("shellcache: invalid worker state")
)

// State is a worker version's lifecycle position.
type State uint8

const (
	// StateParsed is a constructed worker that has not started installing.
	StateParsed State = iota
	// StateInstalling is running the install handler.
	StateInstalling
	// StateInstalled has precached its shell and waits to be activated.
	StateInstalled
	// StateActivating is running the activate handler.
	StateActivating
	// StateActivated controls pages and handles fetches.
	StateActivated
	// StateRedundant was replaced by a newer version or failed to install.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// host is the runtime a worker is registered with.
type host interface {
	claim(ctx context.Context, version string) []string
	navigate(ctx context.Context, clientID string) error
	enableNavigationPreload(ctx context.Context) error
}

// handlerFunc handles one event kind. Handlers receive everything they
// need through the worker; there is no ambient state.
type handlerFunc func(ctx context.Context, w *Worker, ev Event) (*snapshot.Response, error)

// handlers is the dispatch table shared by every worker.
var handlers = map[EventKind]handlerFunc{
	EventInstall:  handleInstall,
	EventActivate: handleActivate,
	EventFetch:    handleFetch,
	EventMessage:  handleMessage,
}

// Worker is one version of the cache proxy policy.
type Worker struct {
	cfg        Config
	origin     *url.URL
	storage    storage.CacheStorage
	fetcher    fetch.Fetcher
	classifier *classify.Classifier
	runner     *strategy.Runner
	background *strategy.Background
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	host  host

	skipWaiting atomic.Bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithBackground sets the group running background revalidation.
// Workers of one process usually share a group so shutdown can wait for it.
func WithBackground(bg *strategy.Background) WorkerOption {
	return func(w *Worker) {
		w.background = bg
	}
}

// NewWorker returns a worker for cfg that stores into cs and fetches with f.
func NewWorker(cfg Config, cs storage.CacheStorage, f fetch.Fetcher, opts ...WorkerOption) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	origin, err := parseOrigin(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrInvalidConfig, err)
	}
	rules := classify.Rules{
		AppOrigin:        origin,
		StaticExtensions: cfg.StaticExtensions,
	}
	if cfg.FontCSSOrigin != "" {
		rules.FontCSSOrigin, _ = parseOrigin(cfg.FontCSSOrigin)
	}
	if cfg.FontFileOrigin != "" {
		rules.FontFileOrigin, _ = parseOrigin(cfg.FontFileOrigin)
	}

	w := &Worker{
		cfg:        cfg,
		origin:     origin,
		storage:    cs,
		fetcher:    f,
		classifier: classify.New(rules),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(w)
	}
	w.logger = w.log().With("version", cfg.Version)
	w.runner = strategy.New(f, strategy.WithLogger(w.logger), strategy.WithBackground(w.background))
	return w, nil
}

func (w *Worker) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Config returns the worker's policy.
func (w *Worker) Config() Config { return w.cfg }

// Version returns the worker's cache version.
func (w *Worker) Version() string { return w.cfg.Version }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaitingRequested reports whether the worker asked to be activated
// without waiting for old pages to close.
func (w *Worker) SkipWaitingRequested() bool {
	return w.skipWaiting.Load()
}

// Background returns the group running the worker's detached tasks.
func (w *Worker) Background() *strategy.Background {
	return w.runner.Background()
}

// Dispatch delivers ev to the handler registered for its kind.
// Fetch events that the worker does not intercept return a nil response
// and nil error.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (*snapshot.Response, error) {
	h, ok := handlers[ev.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEvent, ev.Kind())
	}
	return h(ctx, w, ev)
}

func (w *Worker) attach(h host) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.host = h
}

func (w *Worker) currentHost() host {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.host
}

// transition moves from one of the allowed states to next.
func (w *Worker) transition(next State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.logger.Debug("state change", "from", w.state.String(), "to", next.String())
			w.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidState, next, w.state)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}
