////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// Entity kinds used as the first half of a cache key.
const (
	CacheTimeline = "timeline" // ID is a ChannelID
	CacheThread   = "thread"   // ID is the parent MessageID
	CachePins     = "pins"     // ID is a CommunityID
	CacheSearch   = "search"   // ID is the query string
)

// CacheKey addresses one derived-state entry: a (entityType, id) tuple.
type CacheKey struct {
	Kind string
	ID   string
}

// Cache is the explicit, injectable derived-state cache. Components read and
// write entries by key, and the mutation engine invalidates dependent keys
// when a mutation settles. Invalidation is an explicit method call; listeners
// are notified so owners can refetch lazily.
type Cache struct {
	entries   map[CacheKey]interface{}
	listeners []func(CacheKey)
	mux       sync.RWMutex
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[CacheKey]interface{})}
}

// Get returns the cached entry for the key, if any.
func (c *Cache) Get(key CacheKey) (interface{}, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	v, exists := c.entries[key]
	return v, exists
}

// Put stores an entry under the key, replacing any previous value.
func (c *Cache) Put(key CacheKey, value interface{}) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.entries[key] = value
}

// Invalidate drops the entry for the key and notifies listeners. Dropping a
// key that is not cached still notifies, so owners can mark pending fetches
// stale.
func (c *Cache) Invalidate(key CacheKey) {
	c.mux.Lock()
	delete(c.entries, key)
	listeners := c.listeners
	c.mux.Unlock()

	jww.TRACE.Printf("[CHAT] Invalidated cache entry %s/%s", key.Kind, key.ID)
	for _, fn := range listeners {
		fn(key)
	}
}

// InvalidateKind drops every entry of the given kind.
func (c *Cache) InvalidateKind(kind string) {
	c.mux.Lock()
	var dropped []CacheKey
	for key := range c.entries {
		if key.Kind == kind {
			delete(c.entries, key)
			dropped = append(dropped, key)
		}
	}
	listeners := c.listeners
	c.mux.Unlock()

	for _, key := range dropped {
		for _, fn := range listeners {
			fn(key)
		}
	}
}

// OnInvalidate registers a listener called for every invalidated key.
func (c *Cache) OnInvalidate(fn func(CacheKey)) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.listeners = append(c.listeners, fn)
}
