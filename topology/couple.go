package topology

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/arkstore/curator/storagerpc"
)

// Couple is a set of groups that together form one replicated storage
// unit.  Its member set is fixed at creation; discovering a conflicting
// membership later is an inconsistency, never an overwrite.
type Couple struct {
	key      string
	groupIDs []int

	mu         sync.Mutex
	metaRaw    []byte
	meta       *storagerpc.CoupleMeta
	metaParsed bool
	status     CoupleStatus
	statusText string
}

func newCouple(groupIDs []int) *Couple {
	// the member set is kept in canonical order and never aliases the
	// caller's slice
	ids := make([]int, len(groupIDs))
	copy(ids, groupIDs)
	slices.Sort(ids)

	return &Couple{
		key:      CoupleKey(ids),
		groupIDs: ids,
		status:   CoupleInit,
	}
}

func (c *Couple) Key() string { return c.key }

// GroupIDs returns the couple's member group ids in canonical order.
func (c *Couple) GroupIDs() []int {
	ids := make([]int, len(c.groupIDs))
	copy(ids, c.groupIDs)
	return ids
}

func (c *Couple) Status() CoupleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Couple) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// MetaRaw returns the raw couple metadata record from the last successful
// read, nil when none is known.
func (c *Couple) MetaRaw() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metaRaw
}

// SetMeta merges a couple metadata record.  Passing nil clears it, which
// is how "not found" is represented.  An unparseable record clears the
// parsed state but the error is returned so the caller can log it.
func (c *Couple) SetMeta(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data == nil {
		c.metaRaw = nil
		c.meta = nil
		c.metaParsed = false
		return nil
	}

	meta, err := storagerpc.ParseCoupleMeta(data)
	if err != nil {
		c.metaRaw = nil
		c.meta = nil
		c.metaParsed = false
		return err
	}

	c.metaRaw = data
	c.meta = meta
	c.metaParsed = true
	return nil
}

// Frozen reports whether the couple's own metadata marks it frozen.
func (c *Couple) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metaParsed && c.meta.Frozen
}

// UpdateStatus recomputes the couple's health from its member groups.  The
// caller resolves the member groups through the store; a nil slot means a
// member id is not known, which counts against the expected cardinality.
// Like the group rule, this is pure and re-entrant.
func (c *Couple) UpdateStatus(groups []*Group) {
	status, text := c.computeStatus(groups)

	c.mu.Lock()
	c.status = status
	c.statusText = text
	c.mu.Unlock()
}

func (c *Couple) computeStatus(groups []*Group) (CoupleStatus, string) {
	if len(groups) != len(c.groupIDs) {
		return CoupleBad, fmt.Sprintf("couple %s has %d of %d member groups known",
			c.key, len(groups), len(c.groupIDs))
	}
	for i, g := range groups {
		if g == nil {
			return CoupleBad, fmt.Sprintf("couple %s member group %d is not known",
				c.key, c.groupIDs[i])
		}
	}

	frozen := c.Frozen()

	firstMeta := groups[0].Meta()
	for _, g := range groups[1:] {
		meta := g.Meta()
		if firstMeta != nil && !firstMeta.Equal(meta) {
			return CoupleBad, fmt.Sprintf("couple %s member groups have different metadata", c.key)
		}
		if meta != nil && meta.Frozen {
			frozen = true
		}
	}
	if firstMeta != nil && firstMeta.Frozen {
		frozen = true
	}

	if frozen {
		return CoupleFrozen, fmt.Sprintf("couple %s is frozen", c.key)
	}

	coupled := 0
	for _, g := range groups {
		if g.Status() == GroupCoupled {
			coupled++
		}
	}

	if coupled == len(groups) {
		for _, g := range groups {
			if g.Full() {
				return CoupleFull, fmt.Sprintf("couple %s is full", c.key)
			}
		}
		return CoupleOK, fmt.Sprintf("couple %s is OK", c.key)
	}

	for _, g := range groups {
		switch g.Status() {
		case GroupInit:
			return CoupleInit, fmt.Sprintf("couple %s has uninitialized group %d", c.key, g.ID())
		case GroupBroken:
			return CoupleBroken, fmt.Sprintf("couple %s has broken group %d", c.key, g.ID())
		}
	}

	for _, g := range groups {
		if st := g.Status(); st == GroupBad || st == GroupRO {
			return CoupleBad, fmt.Sprintf("couple %s has group %d in state %s", c.key, g.ID(), st)
		}
	}

	return CoupleBad, fmt.Sprintf("couple %s is BAD for an unknown reason", c.key)
}
