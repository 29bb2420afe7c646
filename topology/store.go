package topology

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCoupleConflict indicates a membership claim that contradicts an
// already-created couple.  The first successfully created couple wins; the
// conflicting claim is rejected, never merged.
var ErrCoupleConflict = errors.New("conflicting couple membership")

// Store is the in-memory registry of everything the updater knows about
// the cluster: hosts, nodes, backends, groups and couples.  Entities are
// created lazily on first sighting and never deleted; unreachable entities
// keep their last-known state until a later pass overwrites it.
//
// Each collection is guarded by its own lock because a single pass fans
// out to many concurrent RPCs and their completions may touch the store
// from whichever goroutine delivers them.  Downstream consumers read
// concurrently through Snapshot and the entity accessors.
type Store struct {
	logger *zap.Logger

	hostsMu sync.RWMutex
	hosts   map[string]*Host

	nodesMu sync.RWMutex
	nodes   map[string]*Node

	backendsMu sync.RWMutex
	backends   map[string]*Backend

	groupsMu sync.RWMutex
	groups   map[int]*Group

	couplesMu sync.RWMutex
	couples   map[string]*Couple

	watchersMu sync.Mutex
	watchers   []chan *Snapshot
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:   logger,
		hosts:    make(map[string]*Host),
		nodes:    make(map[string]*Node),
		backends: make(map[string]*Backend),
		groups:   make(map[int]*Group),
		couples:  make(map[string]*Couple),
	}
}

// GetOrAddHost returns the host at addr, creating it on first sighting.
func (s *Store) GetOrAddHost(addr string) *Host {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()

	if h, ok := s.hosts[addr]; ok {
		return h
	}

	s.logger.Debug("adding host", zap.String("addr", addr))
	h := newHost(addr)
	s.hosts[addr] = h
	return h
}

// GetNode looks a node up by its identity key.
func (s *Store) GetNode(key string) *Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	return s.nodes[key]
}

// GetOrAddNode returns the node at (hostAddr, port, family), creating it
// and its host on first sighting.
func (s *Store) GetOrAddNode(hostAddr string, port int, family int) *Node {
	key := NodeKey(hostAddr, port)

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if n, ok := s.nodes[key]; ok {
		return n
	}

	host := s.GetOrAddHost(hostAddr)

	s.logger.Debug("adding node", zap.String("node", key), zap.Int("family", family))
	n := newNode(host, port, family)
	s.nodes[key] = n
	host.addNode(n)
	return n
}

// GetOrAddBackend returns the backend (node, backendID), creating it
// lazily on first statistics response.
func (s *Store) GetOrAddBackend(node *Node, backendID int) *Backend {
	key := BackendKey(node.Key(), backendID)

	s.backendsMu.Lock()
	defer s.backendsMu.Unlock()

	if b, ok := s.backends[key]; ok {
		return b
	}

	s.logger.Debug("adding backend", zap.String("backend", key))
	b := newBackend(node, backendID)
	s.backends[key] = b
	node.addBackend(b)
	return b
}

// GetGroup looks a group up by id, nil when unknown.
func (s *Store) GetGroup(id int) *Group {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	return s.groups[id]
}

// GetOrAddGroup returns the group with the given id, creating a
// placeholder with unknown metadata when it was never seen before.
func (s *Store) GetOrAddGroup(id int) *Group {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()

	if g, ok := s.groups[id]; ok {
		return g
	}

	s.logger.Debug("adding group", zap.Int("group", id))
	g := newGroup(id)
	s.groups[id] = g
	return g
}

// GetCouple looks a couple up by its canonical key, nil when unknown.
func (s *Store) GetCouple(key string) *Couple {
	s.couplesMu.RLock()
	defer s.couplesMu.RUnlock()
	return s.couples[key]
}

// AddCouple creates the couple binding the given member groups, creating
// placeholder groups for ids that are not known yet.  Insertion is
// idempotent on the canonical key.  If any member group already belongs to
// a different couple the claim is rejected with ErrCoupleConflict and no
// state changes.
func (s *Store) AddCouple(groupIDs []int) (*Couple, error) {
	key := CoupleKey(groupIDs)

	s.couplesMu.Lock()
	defer s.couplesMu.Unlock()

	if c, ok := s.couples[key]; ok {
		return c, nil
	}

	members := make([]*Group, 0, len(groupIDs))
	for _, id := range groupIDs {
		members = append(members, s.GetOrAddGroup(id))
	}

	for _, g := range members {
		if existing := g.CoupleKey(); existing != "" && existing != key {
			s.logger.Warn("rejecting conflicting couple membership claim",
				zap.String("couple", key),
				zap.Int("group", g.ID()),
				zap.String("existingCouple", existing))
			return nil, ErrCoupleConflict
		}
	}

	c := newCouple(groupIDs)
	for _, g := range members {
		g.setCoupleKey(c.key)
	}
	s.couples[c.key] = c

	s.logger.Info("created couple", zap.String("couple", c.key))
	return c, nil
}

// CoupleOf resolves the couple a group belongs to, nil when uncoupled.
func (s *Store) CoupleOf(g *Group) *Couple {
	key := g.CoupleKey()
	if key == "" {
		return nil
	}
	return s.GetCouple(key)
}

// Hosts returns all known hosts.
func (s *Store) Hosts() []*Host {
	s.hostsMu.RLock()
	defer s.hostsMu.RUnlock()
	hosts := make([]*Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

// Nodes returns all known nodes.
func (s *Store) Nodes() []*Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Backends returns all known backends.
func (s *Store) Backends() []*Backend {
	s.backendsMu.RLock()
	defer s.backendsMu.RUnlock()
	backends := make([]*Backend, 0, len(s.backends))
	for _, b := range s.backends {
		backends = append(backends, b)
	}
	return backends
}

// Groups returns all known groups.
func (s *Store) Groups() []*Group {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	return groups
}

// Couples returns all known couples.
func (s *Store) Couples() []*Couple {
	s.couplesMu.RLock()
	defer s.couplesMu.RUnlock()
	couples := make([]*Couple, 0, len(s.couples))
	for _, c := range s.couples {
		couples = append(couples, c)
	}
	return couples
}

// MaxGroupID returns the highest currently known group id, zero when no
// groups are known.
func (s *Store) MaxGroupID() int {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	maxID := 0
	for id := range s.groups {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// RefreshBackendStatuses recomputes the health flag of every known backend
// from its current data, fresh or stale.
func (s *Store) RefreshBackendStatuses(now time.Time, staleAfter time.Duration) {
	for _, b := range s.Backends() {
		b.RefreshStatus(now, staleAfter)
	}
}

// UpdateCoupleStatus resolves the couple's member groups and recomputes
// its status from their statuses.
func (s *Store) UpdateCoupleStatus(c *Couple) {
	ids := c.GroupIDs()
	groups := make([]*Group, len(ids))
	for i, id := range ids {
		groups[i] = s.GetGroup(id)
	}
	c.UpdateStatus(groups)
}

// UpdateGroupStatusRecursive recomputes the group's status from its
// backends, then the status of the couple it belongs to, if any.
func (s *Store) UpdateGroupStatusRecursive(g *Group) {
	g.UpdateStatus()
	if c := s.CoupleOf(g); c != nil {
		s.UpdateCoupleStatus(c)
	}
}
