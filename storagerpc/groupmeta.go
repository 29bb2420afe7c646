package storagerpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

// GroupMeta is the self-description record each group stores under its
// well-known metadata key.  Couple lists the group ids that together form
// the group's replication unit, the group's own id included.
type GroupMeta struct {
	Version   int    `json:"version"`
	Couple    []int  `json:"couple"`
	Namespace string `json:"namespace"`
	Frozen    bool   `json:"frozen"`
	Type      string `json:"type"`
	Service   struct {
		Status string `json:"status"`
		JobID  string `json:"job_id"`
	} `json:"service"`
}

// ParseGroupMeta decodes a group metadata record.  Two encodings exist on
// the wire: the current record form and a legacy version-1 form that is a
// bare array of member group ids.
func ParseGroupMeta(data []byte) (*GroupMeta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("group meta record is empty")
	}

	if trimmed[0] == '[' {
		var couple []int
		if err := json.Unmarshal(trimmed, &couple); err != nil {
			return nil, fmt.Errorf("failed to parse legacy group meta: %w", err)
		}
		meta := &GroupMeta{
			Version:   1,
			Couple:    couple,
			Namespace: "default",
		}
		slices.Sort(meta.Couple)
		return meta, nil
	}

	var meta GroupMeta
	if err := json.Unmarshal(trimmed, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse group meta: %w", err)
	}
	if meta.Version == 0 {
		return nil, fmt.Errorf("group meta record has no version")
	}

	slices.Sort(meta.Couple)
	return &meta, nil
}

// Equal reports whether two records agree on the fields that couple
// members must hold in common.
func (m *GroupMeta) Equal(other *GroupMeta) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Frozen == other.Frozen &&
		m.Namespace == other.Namespace &&
		m.Type == other.Type &&
		slices.Equal(m.Couple, other.Couple)
}
