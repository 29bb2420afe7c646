package topology

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/arkstore/curator/storagerpc"
)

// Group is a logical storage unit.  Its backend membership is derived from
// statistics responses, never stored authoritatively anywhere else.  A
// group may exist as a placeholder before any backend reports it, when a
// co-member's metadata references it first.
type Group struct {
	id int

	mu         sync.Mutex
	backends   map[string]*Backend
	meta       *storagerpc.GroupMeta
	metaParsed bool
	coupleKey  string
	status     GroupStatus
	statusText string
}

func newGroup(id int) *Group {
	return &Group{
		id:       id,
		backends: make(map[string]*Backend),
		status:   GroupInit,
	}
}

func (g *Group) ID() int { return g.id }

func (g *Group) Status() GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Group) StatusText() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusText
}

// Meta returns the group's parsed metadata, nil when it was never read or
// failed to parse.
func (g *Group) Meta() *storagerpc.GroupMeta {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.metaParsed {
		return nil
	}
	return g.meta
}

// CoupleKey returns the canonical key of the couple the group belongs to,
// empty when the group is uncoupled.
func (g *Group) CoupleKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coupleKey
}

// SetMeta installs the group's metadata record.  Passing nil clears it,
// which is how "not found" and unparseable records are represented.
func (g *Group) SetMeta(meta *storagerpc.GroupMeta) {
	g.mu.Lock()
	g.meta = meta
	g.metaParsed = meta != nil
	g.mu.Unlock()
}

// HasBackend reports whether the backend is already attached.
func (g *Group) HasBackend(b *Backend) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.backends[b.key]
	return ok
}

// AddBackend attaches a backend to the group's derived membership set.
func (g *Group) AddBackend(b *Backend) {
	g.mu.Lock()
	g.backends[b.key] = b
	g.mu.Unlock()
}

// Backends returns a copy of the group's backend membership.
func (g *Group) Backends() []*Backend {
	g.mu.Lock()
	defer g.mu.Unlock()
	backends := make([]*Backend, 0, len(g.backends))
	for _, b := range g.backends {
		backends = append(backends, b)
	}
	return backends
}

// BackendKeys returns the sorted identity keys of the member backends.
func (g *Group) BackendKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.backends))
	for key := range g.backends {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Full reports whether any backend of the group has run out of space; a
// group cannot accept writes once a single backend is full.
func (g *Group) Full() bool {
	for _, b := range g.Backends() {
		if b.Full() {
			return true
		}
	}
	return false
}

func (g *Group) setCoupleKey(key string) {
	g.mu.Lock()
	g.coupleKey = key
	g.mu.Unlock()
}

// UpdateStatus recomputes the group's health from its member backends and
// coupling metadata.  It is a pure function of the current child state:
// re-running it without new information yields the same result.
func (g *Group) UpdateStatus() {
	backends := g.Backends()

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(backends) == 0 {
		g.setStatusLocked(GroupInit,
			fmt.Sprintf("group %d is in state INIT because no node backend is serving it", g.id))
		return
	}

	for _, b := range backends {
		if b.Status() == BackendBroken {
			g.setStatusLocked(GroupBroken,
				fmt.Sprintf("group %d is in state BROKEN because backend %s is broken", g.id, b.Key()))
			return
		}
	}

	if !g.metaParsed {
		g.setStatusLocked(GroupInit,
			fmt.Sprintf("group %d is in state INIT because its meta key was not read", g.id))
		return
	}

	if len(g.meta.Couple) == 0 {
		g.setStatusLocked(GroupInit,
			fmt.Sprintf("group %d is in state INIT because it has no coupling info", g.id))
		return
	}

	if g.coupleKey == "" {
		g.setStatusLocked(GroupBad,
			fmt.Sprintf("group %d is in state BAD because its couple was not created", g.id))
		return
	}

	if g.coupleKey != CoupleKey(g.meta.Couple) {
		g.setStatusLocked(GroupBad,
			fmt.Sprintf("group %d is in state BAD because its metadata conflicts with couple %s",
				g.id, g.coupleKey))
		return
	}

	if !slices.Contains(g.meta.Couple, g.id) {
		g.setStatusLocked(GroupBroken,
			fmt.Sprintf("group %d is in state BROKEN because its own id is missing from its coupling info", g.id))
		return
	}

	for _, b := range backends {
		if b.Status() == BackendRO {
			g.setStatusLocked(GroupRO,
				fmt.Sprintf("group %d is read-only because backend %s is read-only", g.id, b.Key()))
			return
		}
	}

	for _, b := range backends {
		if b.Status() != BackendOK {
			g.setStatusLocked(GroupBad,
				fmt.Sprintf("group %d is in state BAD because backend %s is in state %s",
					g.id, b.Key(), b.Status()))
			return
		}
	}

	g.setStatusLocked(GroupCoupled, fmt.Sprintf("group %d is OK", g.id))
}

func (g *Group) setStatusLocked(status GroupStatus, text string) {
	g.status = status
	g.statusText = text
}
