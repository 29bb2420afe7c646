package topology

// BackendStatus is the computed health of one storage backend.
type BackendStatus int

const (
	// BackendStalled means the backend is disabled or its statistics are
	// too old to be trusted.
	BackendStalled BackendStatus = iota
	BackendOK
	BackendRO
	BackendBroken
)

func (s BackendStatus) String() string {
	switch s {
	case BackendStalled:
		return "STALLED"
	case BackendOK:
		return "OK"
	case BackendRO:
		return "RO"
	case BackendBroken:
		return "BROKEN"
	}
	return "UNKNOWN"
}

// GroupStatus is the computed health of a group, aggregated from its
// member backends and coupling metadata.
type GroupStatus int

const (
	// GroupInit means not enough is known about the group yet: either no
	// backend serves it or its metadata was never read.
	GroupInit GroupStatus = iota
	GroupCoupled
	GroupBad
	GroupBroken
	GroupRO
)

func (s GroupStatus) String() string {
	switch s {
	case GroupInit:
		return "INIT"
	case GroupCoupled:
		return "COUPLED"
	case GroupBad:
		return "BAD"
	case GroupBroken:
		return "BROKEN"
	case GroupRO:
		return "RO"
	}
	return "UNKNOWN"
}

// CoupleStatus is the computed health of a couple, aggregated from its
// member groups.
type CoupleStatus int

const (
	CoupleInit CoupleStatus = iota
	CoupleOK
	CoupleFull
	CoupleBad
	CoupleBroken
	CoupleFrozen
)

func (s CoupleStatus) String() string {
	switch s {
	case CoupleInit:
		return "INIT"
	case CoupleOK:
		return "OK"
	case CoupleFull:
		return "FULL"
	case CoupleBad:
		return "BAD"
	case CoupleBroken:
		return "BROKEN"
	case CoupleFrozen:
		return "FROZEN"
	}
	return "UNKNOWN"
}
