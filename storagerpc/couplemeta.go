package storagerpc

import (
	"encoding/json"
	"fmt"
)

// CoupleMeta is the couple-level metadata record kept in the metadata
// store.  The record is merged into the couple as-is; only the fields the
// updater acts on are modeled, the raw payload is retained alongside.
type CoupleMeta struct {
	Frozen   bool   `json:"frozen"`
	FreezeTs int64  `json:"freeze_ts,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func ParseCoupleMeta(data []byte) (*CoupleMeta, error) {
	var meta CoupleMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse couple meta: %w", err)
	}
	return &meta, nil
}
