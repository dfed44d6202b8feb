package mesh

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RouteEntry describes a path to a destination node.
type RouteEntry struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	Distance    int       `json:"distance"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// RoutingTable maintains reachability and distance to peer nodes. Pure data
// structure: no I/O, safe for concurrent use. Entries expire after the TTL
// and are superseded only by strictly shorter paths; equal-cost alternatives
// keep the existing route to avoid path flapping.
type RoutingTable struct {
	mu      sync.Mutex
	selfID  string
	routes  map[string]*RouteEntry
	ttl     time.Duration
	logger  *zap.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewRoutingTable creates a routing table for the given local node.
func NewRoutingTable(selfID string, ttl time.Duration, logger *zap.Logger) *RoutingTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RoutingTable{
		selfID: selfID,
		routes: make(map[string]*RouteEntry),
		ttl:    ttl,
		logger: logger.With(zap.String("component", "routing_table")),
		now:    time.Now,
	}
}

// AddRoute records a path to dest via nextHop. Self-routes are rejected.
// An existing live route is replaced only by a strictly shorter one; a fresh
// announcement of the same path refreshes its timestamp.
func (rt *RoutingTable) AddRoute(dest, nextHop string, distance int) bool {
	if dest == rt.selfID || dest == "" || distance <= 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	existing, ok := rt.routes[dest]
	if ok && now.Sub(existing.RefreshedAt) > rt.ttl {
		// Expired entry no longer counts.
		ok = false
	}

	if ok {
		if distance < existing.Distance {
			rt.routes[dest] = &RouteEntry{Destination: dest, NextHop: nextHop, Distance: distance, RefreshedAt: now}
			return true
		}
		if distance == existing.Distance && nextHop == existing.NextHop {
			existing.RefreshedAt = now
		}
		return false
	}

	rt.routes[dest] = &RouteEntry{Destination: dest, NextHop: nextHop, Distance: distance, RefreshedAt: now}
	return true
}

// Route returns the live route to dest, lazily evicting an expired entry.
func (rt *RoutingTable) Route(dest string) (RouteEntry, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	entry, ok := rt.routes[dest]
	if !ok {
		return RouteEntry{}, false
	}
	if rt.now().Sub(entry.RefreshedAt) > rt.ttl {
		delete(rt.routes, dest)
		return RouteEntry{}, false
	}
	return *entry, true
}

// NextHop returns the next-hop node for dest, if a live route exists.
func (rt *RoutingTable) NextHop(dest string) (string, bool) {
	entry, ok := rt.Route(dest)
	if !ok {
		return "", false
	}
	return entry.NextHop, true
}

// RemoveRoute drops the route to dest.
func (rt *RoutingTable) RemoveRoute(dest string) {
	rt.mu.Lock()
	delete(rt.routes, dest)
	rt.mu.Unlock()
}

// RemoveVia drops every route whose next hop is the given node; used when a
// connection to that neighbor is lost.
func (rt *RoutingTable) RemoveVia(nextHop string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for dest, entry := range rt.routes {
		if entry.NextHop == nextHop {
			delete(rt.routes, dest)
			removed++
		}
	}
	return removed
}

// DirectNeighbors returns the distinct next-hops among live distance-1
// routes, in map iteration order.
func (rt *RoutingTable) DirectNeighbors() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	seen := make(map[string]struct{})
	var out []string
	for dest, entry := range rt.routes {
		if now.Sub(entry.RefreshedAt) > rt.ttl {
			delete(rt.routes, dest)
			continue
		}
		if entry.Distance != 1 {
			continue
		}
		if _, dup := seen[entry.NextHop]; dup {
			continue
		}
		seen[entry.NextHop] = struct{}{}
		out = append(out, entry.NextHop)
	}
	return out
}

// Purge eagerly evicts every expired entry and returns how many were
// removed.
func (rt *RoutingTable) Purge() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	removed := 0
	for dest, entry := range rt.routes {
		if now.Sub(entry.RefreshedAt) > rt.ttl {
			delete(rt.routes, dest)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored routes, counting expired entries that
// have not yet been lazily evicted.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.routes)
}
