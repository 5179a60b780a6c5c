package approval

import (
	"maps"
	"sync"
	"time"

	"github.com/KafClaw/capclaw/internal/integrations"
)

// DefaultCollectionTTL bounds how long a half-finished connect flow is kept.
const DefaultCollectionTTL = 15 * time.Minute

// Collection is an in-progress gathering of the extra values an integration
// needs before it can connect. Values are asked for one at a time, in order.
type Collection struct {
	SessionID string
	ChatID    string
	App       string
	Params    []integrations.Param
	Values    map[string]string
	Index     int
}

// Current returns the parameter being asked for.
func (c *Collection) Current() (integrations.Param, bool) {
	if c.Index < 0 || c.Index >= len(c.Params) {
		return integrations.Param{}, false
	}
	return c.Params[c.Index], true
}

// Record stores value for the current parameter and advances.
// It reports whether every parameter now has a value.
func (c *Collection) Record(value string) bool {
	p, ok := c.Current()
	if !ok {
		return true
	}
	if c.Values == nil {
		c.Values = make(map[string]string, len(c.Params))
	}
	c.Values[p.Name] = value
	c.Index++
	return c.Index >= len(c.Params)
}

func (c *Collection) clone() Collection {
	out := *c
	out.Values = maps.Clone(c.Values)
	return out
}

// Collections tracks at most one collection per session. Callers only ever
// see copies; the stored collection changes under mu.
type Collections struct {
	mu    sync.Mutex
	store *TTLStore[*Collection]
}

// NewCollections creates the registry.
func NewCollections(ttl time.Duration) *Collections {
	if ttl <= 0 {
		ttl = DefaultCollectionTTL
	}
	return &Collections{store: NewTTLStore[*Collection](ttl)}
}

// Start begins a collection for col.SessionID, replacing any previous one.
func (c *Collections) Start(col Collection) {
	stored := col.clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Put(col.SessionID, &stored)
}

// Active returns a copy of the session's collection, if any.
func (c *Collections) Active(sessionID string) (Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.store.Get(sessionID)
	if !ok {
		return Collection{}, false
	}
	return col.clone(), true
}

// Advance records value for the session's current parameter. It returns a
// copy of the collection after the step, whether it is now complete, and
// whether a collection was active at all. A completed collection is removed.
func (c *Collections) Advance(sessionID, value string) (col Collection, done, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.store.Get(sessionID)
	if !ok {
		return Collection{}, false, false
	}
	next := stored.clone()
	done = next.Record(value)
	if done {
		c.store.Delete(sessionID)
	} else {
		c.store.Put(sessionID, &next)
	}
	return next.clone(), done, true
}

// Cancel drops the session's collection. It reports whether one was active.
func (c *Collections) Cancel(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store.Take(sessionID)
	return ok
}

// Close stops the sweeper.
func (c *Collections) Close() {
	c.store.Close()
}
