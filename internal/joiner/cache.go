package joiner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type cached struct {
	client   Client
	lastUsed time.Time
}

// Cache keeps connected clients keyed by account id.
type Cache struct {
	mu      sync.Mutex
	clients map[string]*cached
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{clients: map[string]*cached{}, now: time.Now}
}

// Get returns the client of id and marks it used.
func (c *Cache) Get(id string) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.clients[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = c.now()
	return e.client, true
}

// Put stores cl for id. A client already cached for id is returned so the
// caller can close it.
func (c *Cache) Put(id string, cl Client) (replaced Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.clients[id]; ok {
		replaced = old.client
	}
	c.clients[id] = &cached{client: cl, lastUsed: c.now()}
	return replaced
}

// Evict removes and closes the client of id. Missing ids are a no-op.
func (c *Cache) Evict(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.clients[id]
	delete(c.clients, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return e.client.Close(ctx)
}

// ReleaseIdle closes clients unused for longer than ttl and returns the
// released account ids.
func (c *Cache) ReleaseIdle(ctx context.Context, ttl time.Duration) []string {
	c.mu.Lock()
	cutoff := c.now().Add(-ttl)
	var idle []string
	var victims []Client
	for id, e := range c.clients {
		if e.lastUsed.Before(cutoff) {
			idle = append(idle, id)
			victims = append(victims, e.client)
			delete(c.clients, id)
		}
	}
	c.mu.Unlock()
	for _, cl := range victims {
		_ = cl.Close(ctx)
	}
	sort.Strings(idle)
	return idle
}

// CloseAll closes every cached client.
func (c *Cache) CloseAll(ctx context.Context) error {
	c.mu.Lock()
	all := c.clients
	c.clients = map[string]*cached{}
	c.mu.Unlock()
	var errs []error
	for _, e := range all {
		if err := e.client.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
