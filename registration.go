package shellcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
)

var (
	// ErrNoWorker is returned when a message has no worker to receive it.
	ErrNoWorker = errors.New("shellcache: no worker registered")

	// ErrPreloadUnsupported is returned by hosts without navigation preload.
	ErrPreloadUnsupported = errors.New("shellcache: navigation preload unsupported")
)

// Registration is the host runtime for successive worker versions.
//
// It installs new versions, keeps at most one waiting and one active
// version, and activates the waiting version when the active one no
// longer controls any page or the waiting one asked to skip waiting.
type Registration struct {
	storage storage.CacheStorage
	clients *Clients
	logger  *slog.Logger

	preloadSupported bool
	preloadEnabled   atomic.Bool

	// registerMu serializes installs; activateMu serializes activations.
	registerMu sync.Mutex
	activateMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

// RegistrationOption configures a Registration.
type RegistrationOption func(*Registration)

// WithLogger sets the registration's logger.
func WithLogger(logger *slog.Logger) RegistrationOption {
	return func(r *Registration) {
		r.logger = logger
	}
}

// WithClients sets the page registry. By default a new one is created.
func WithClients(c *Clients) RegistrationOption {
	return func(r *Registration) {
		r.clients = c
	}
}

// WithNavigationPreloadSupport reports whether the host can issue
// navigation preloads.
func WithNavigationPreloadSupport(supported bool) RegistrationOption {
	return func(r *Registration) {
		r.preloadSupported = supported
	}
}

// NewRegistration returns an empty registration over cs.
func NewRegistration(cs storage.CacheStorage, opts ...RegistrationOption) *Registration {
	r := &Registration{storage: cs}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.clients == nil {
		r.clients = NewClients()
	}
	return r
}

// Storage returns the cache storage shared by all versions.
func (r *Registration) Storage() storage.CacheStorage { return r.storage }

// Clients returns the page registry.
func (r *Registration) Clients() *Clients { return r.clients }

// Active returns the controlling worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Register installs w and activates it when nothing prevents it.
// Registering the version that is already active is a no-op.
// A previously waiting version is replaced and becomes redundant.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if active := r.Active(); active != nil && active.Version() == w.Version() {
		r.logger.Debug("version already active", "version", w.Version())
		return nil
	}

	w.attach(r)
	if _, err := w.Dispatch(ctx, InstallEvent{}); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("register %s: %w", w.Version(), err)
	}

	r.mu.Lock()
	prev := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if prev != nil {
		prev.setState(StateRedundant)
		r.logger.Info("waiting version replaced", "old", prev.Version(), "new", w.Version())
	}

	return r.maybeActivate(ctx)
}

// PostMessage delivers msg from clientID. Skip-waiting goes to the
// waiting version; other messages go to the active version when there is
// one. The reply, if any, is returned.
func (r *Registration) PostMessage(ctx context.Context, clientID string, msg Message) (*snapshot.Response, error) {
	r.mu.RLock()
	target := r.active
	if target == nil || (msg.Type == MessageSkipWaiting && r.waiting != nil) {
		target = r.waiting
	}
	r.mu.RUnlock()
	if target == nil {
		return nil, ErrNoWorker
	}

	resp, err := target.Dispatch(ctx, MessageEvent{ClientID: clientID, Message: msg})
	if err != nil {
		return nil, err
	}
	if msg.Type == MessageSkipWaiting {
		if err := r.maybeActivate(ctx); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// HandleFetch passes ev to the active worker. A nil response means the
// request is not intercepted and should go to the network unmediated.
func (r *Registration) HandleFetch(ctx context.Context, ev *FetchEvent) (*snapshot.Response, error) {
	active := r.Active()
	if active == nil {
		return nil, nil
	}
	return active.Dispatch(ctx, ev)
}

// ClientOpened records a page. It is controlled by the active version.
func (r *Registration) ClientOpened(id, url string) Client {
	controller := ""
	if active := r.Active(); active != nil {
		controller = active.Version()
	}
	if c, ok := r.clients.Get(id); ok && c.Controller != "" {
		controller = c.Controller
	}
	return r.clients.Add(id, url, controller)
}

// ClientClosed forgets a page and activates a waiting version if that
// page was the last one held by the old version.
func (r *Registration) ClientClosed(ctx context.Context, id string) error {
	if !r.clients.Remove(id) {
		return ErrClientNotFound
	}
	return r.maybeActivate(ctx)
}

// EnableNavigationPreload turns on navigation preload.
func (r *Registration) EnableNavigationPreload(_ context.Context) error {
	if !r.preloadSupported {
		return ErrPreloadUnsupported
	}
	r.preloadEnabled.Store(true)
	return nil
}

// PreloadEnabled reports whether navigations should carry a preload.
func (r *Registration) PreloadEnabled() bool {
	return r.preloadEnabled.Load()
}

func (r *Registration) maybeActivate(ctx context.Context) error {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	r.mu.RLock()
	next, old := r.waiting, r.active
	r.mu.RUnlock()
	if next == nil {
		return nil
	}
	if old != nil && !next.SkipWaitingRequested() {
		if n := r.clients.ControlledBy(old.Version()); n > 0 {
			r.logger.Info("version waiting", "version", next.Version(), "blocked_by", old.Version(), "clients", n)
			return nil
		}
	}

	_, err := next.Dispatch(ctx, ActivateEvent{})
	if next.State() != StateActivated {
		return fmt.Errorf("activate %s: %w", next.Version(), err)
	}

	r.mu.Lock()
	r.active = next
	if r.waiting == next {
		r.waiting = nil
	}
	r.mu.Unlock()
	if old != nil {
		old.setState(StateRedundant)
	}
	r.logger.Info("version activated", "version", next.Version())
	return err
}

func (r *Registration) claim(_ context.Context, version string) []string {
	return r.clients.Claim(version)
}

func (r *Registration) navigate(_ context.Context, clientID string) error {
	return r.clients.Navigate(clientID)
}

func (r *Registration) enableNavigationPreload(ctx context.Context) error {
	return r.EnableNavigationPreload(ctx)
}
