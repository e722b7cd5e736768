package shellcache

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrClientNotFound is returned for operations on unknown client ids.
var ErrClientNotFound = errors.New("shellcache: client not found")

// ClientEventType names a notification delivered to a page.
type ClientEventType string

const (
	// ClientControllerChange tells the page a new version controls it.
	// Pages not using forced reloads are expected to reload themselves.
	ClientControllerChange ClientEventType = "controllerchange"
	// ClientReload tells the page to navigate to its current URL.
	ClientReload ClientEventType = "reload"
)

// ClientEvent is a notification for one page.
type ClientEvent struct {
	Type    ClientEventType `json:"type"`
	Version string          `json:"version"`
}

// Client is a page known to the host.
type Client struct {
	ID  string
	URL string
	// Controller is the version controlling the page, empty when none.
	Controller string
}

const clientEventBuffer = 8

type clientState struct {
	Client
	subs map[int]chan ClientEvent
}

// Clients tracks open pages and delivers notifications to them.
// It is safe for concurrent use.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*clientState
	nextSub int
}

// NewClients returns an empty registry.
func NewClients() *Clients {
	return &Clients{clients: make(map[string]*clientState)}
}

// Add registers a page, or updates its URL if already known.
func (c *Clients) Add(id, url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.clients[id]
	if !ok {
		cs = &clientState{Client: Client{ID: id, Controller: controller}, subs: make(map[int]chan ClientEvent)}
		c.clients[id] = cs
	}
	cs.URL = url
	return cs.Client
}

// Remove forgets a page and closes its subscriptions.
func (c *Clients) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.clients[id]
	if !ok {
		return false
	}
	for _, ch := range cs.subs {
		close(ch)
	}
	delete(c.clients, id)
	return true
}

// Get returns the page with id.
func (c *Clients) Get(id string) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.clients[id]
	if !ok {
		return Client{}, false
	}
	return cs.Client, true
}

// All returns every page ordered by id.
func (c *Clients) All() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.clients))
	for _, cs := range c.clients {
		out = append(out, cs.Client)
	}
	slices.SortFunc(out, func(a, b Client) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ControlledBy counts pages controlled by version.
func (c *Clients) ControlledBy(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cs := range c.clients {
		if cs.Controller == version {
			n++
		}
	}
	return n
}

// Claim makes version the controller of every page and notifies pages
// whose controller changed. It returns the ids of all pages.
func (c *Clients) Claim(version string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.clients))
	for id, cs := range c.clients {
		ids = append(ids, id)
		if cs.Controller == version {
			continue
		}
		cs.Controller = version
		publish(cs, ClientEvent{Type: ClientControllerChange, Version: version})
	}
	slices.Sort(ids)
	return ids
}

// Navigate asks the page to reload.
func (c *Clients) Navigate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	publish(cs, ClientEvent{Type: ClientReload, Version: cs.Controller})
	return nil
}

// Subscribe returns a channel of notifications for the page. The channel
// is closed by cancel or when the page is removed. Notifications are
// dropped for subscribers that fall behind.
func (c *Clients) Subscribe(id string) (<-chan ClientEvent, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.clients[id]
	if !ok {
		return nil, nil, ErrClientNotFound
	}
	subID := c.nextSub
	c.nextSub++
	ch := make(chan ClientEvent, clientEventBuffer)
	cs.subs[subID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if cur, ok := c.clients[id]; ok && cur == cs {
				if sub, ok := cs.subs[subID]; ok {
					close(sub)
					delete(cs.subs, subID)
				}
			}
		})
	}
	return ch, cancel, nil
}

func publish(cs *clientState, ev ClientEvent) {
	for _, ch := range cs.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
