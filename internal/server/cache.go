package server

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// readCache holds list, summary and counts responses. Lead detail is always read from the store.
// Writes made through this server invalidate entries; writes from other processes sharing the
// workspace (the lf CLI) only show once the entry's ttl runs out. A nil cache disables caching.
type readCache struct {
	entries *expirable.LRU[string, cachedValue]
}

type cachedValue struct {
	vendorID string
	value    any
}

// newReadCache returns nil when size is not positive. A ttl of zero keeps entries until evicted.
func newReadCache(size int, ttl time.Duration) *readCache {
	if size <= 0 {
		return nil
	}
	return &readCache{entries: expirable.NewLRU[string, cachedValue](size, nil, ttl)}
}

func listPrefix(vendorID string) string { return "leads:" + vendorID + ":" }
func listKey(vendorID, query string) string { return listPrefix(vendorID) + query }
func summaryKey(vendorID string) string { return "summary:" + vendorID }
func countsKey(leadID string) string { return "counts:" + leadID }

func (c *readCache) get(key, vendorID string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	// Unscoped actors may read any vendor; scoped actors only their own.
	if vendorID != "" && v.vendorID != vendorID {
		return nil, false
	}
	return v.value, true
}

func (c *readCache) put(key, vendorID string, value any) {
	if c == nil {
		return
	}
	c.entries.Add(key, cachedValue{vendorID: vendorID, value: value})
}

// invalidate drops every entry a mutation of the lead could have changed.
func (c *readCache) invalidate(vendorID, leadID string) {
	if c == nil {
		return
	}
	c.entries.Remove(countsKey(leadID))
	c.entries.Remove(summaryKey(vendorID))
	// Unscoped lists span every vendor.
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, listPrefix(vendorID)) || strings.HasPrefix(k, listPrefix("")) {
			c.entries.Remove(k)
		}
	}
}
