package topology

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/arkstore/curator/storagerpc"
)

// CoupleKey computes the canonical identity of a couple: the member group
// ids sorted ascending and joined with ':'.  It is both the in-memory map
// key and the suffix of the couple's metadata-store key.
func CoupleKey(groupIDs []int) string {
	ids := make([]int, len(groupIDs))
	copy(ids, groupIDs)
	slices.Sort(ids)

	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.Itoa(id))
	}
	return sb.String()
}

// Host is a physical machine, identified by its network address.  It owns
// the nodes that were sighted at that address.
type Host struct {
	addr string

	mu    sync.Mutex
	nodes map[string]*Node
}

func newHost(addr string) *Host {
	return &Host{
		addr:  addr,
		nodes: make(map[string]*Node),
	}
}

func (h *Host) Addr() string { return h.addr }

func (h *Host) addNode(n *Node) {
	h.mu.Lock()
	h.nodes[n.key] = n
	h.mu.Unlock()
}

// NodeStat is the node-level operating system statistics kept from the
// last successful monitor response.
type NodeStat struct {
	LoadAverage float64
	TxBytes     uint64
	RxBytes     uint64
}

// Node is one storage server process, identified by host, port and address
// family.  It owns the backends it reported.
type Node struct {
	key    string
	host   *Host
	port   int
	family int

	mu       sync.Mutex
	stat     NodeStat
	statTime time.Time
	backends map[int]*Backend
}

// NodeKey builds the node identity string used throughout the store.
func NodeKey(hostAddr string, port int) string {
	return fmt.Sprintf("%s:%d", hostAddr, port)
}

func newNode(host *Host, port int, family int) *Node {
	return &Node{
		key:      NodeKey(host.addr, port),
		host:     host,
		port:     port,
		family:   family,
		backends: make(map[int]*Backend),
	}
}

func (n *Node) Key() string      { return n.key }
func (n *Node) HostAddr() string { return n.host.addr }
func (n *Node) Port() int        { return n.port }
func (n *Node) Family() int      { return n.family }

func (n *Node) Stat() (NodeStat, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stat, n.statTime
}

// ApplyStat merges the procfs part of a monitor response into the node.
func (n *Node) ApplyStat(procfs *storagerpc.ProcfsStat, now time.Time) {
	stat := NodeStat{}
	if len(procfs.VM.LA) > 0 {
		stat.LoadAverage = float64(procfs.VM.LA[0]) / 100.0
	}
	for _, iface := range procfs.Net.NetInterfaces {
		stat.TxBytes += iface.TxBytes
		stat.RxBytes += iface.RxBytes
	}

	n.mu.Lock()
	n.stat = stat
	n.statTime = now
	n.mu.Unlock()
}

func (n *Node) addBackend(b *Backend) {
	n.mu.Lock()
	n.backends[b.id] = b
	n.mu.Unlock()
}

// BackendCounters are the raw performance counters of one backend, merged
// only when the disk-statistics subsystem reported no error.
type BackendCounters struct {
	ReadIOs     uint64
	WriteIOs    uint64
	ReadTicks   uint64
	WriteTicks  uint64
	IOTicks     uint64
	ReadSectors uint64

	BaseSize       uint64
	RecordsTotal   uint64
	RecordsRemoved uint64
}

// SpaceStat is derived storage space accounting for one backend.
type SpaceStat struct {
	TotalSpace uint64
	FreeSpace  uint64
	UsedSpace  uint64
}

// Backend is one physical storage engine instance on a node, serving at
// most one group at a time.  The group reference is a lookup key, never an
// owning pointer: backends get reassigned between groups across restarts.
type Backend struct {
	key  string
	node *Node
	id   int

	mu         sync.Mutex
	enabled    bool
	readOnly   bool
	dstatError int
	vfsError   int
	counters   BackendCounters
	space      SpaceStat
	groupID    int
	statTime   time.Time
	status     BackendStatus
}

// BackendKey builds the backend identity string used throughout the store.
func BackendKey(nodeKey string, backendID int) string {
	return fmt.Sprintf("%s/%d", nodeKey, backendID)
}

func newBackend(node *Node, id int) *Backend {
	return &Backend{
		key:  BackendKey(node.key, id),
		node: node,
		id:   id,
	}
}

func (b *Backend) Key() string     { return b.key }
func (b *Backend) ID() int         { return b.id }
func (b *Backend) NodeKey() string { return b.node.key }

func (b *Backend) GroupID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groupID
}

func (b *Backend) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *Backend) Status() BackendStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Backend) Counters() BackendCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

func (b *Backend) Space() SpaceStat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.space
}

func (b *Backend) DstatError() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dstatError
}

// Disable marks the backend as reported down by its node.  The rest of the
// backend's last-known statistics are left untouched.
func (b *Backend) Disable(now time.Time) {
	b.mu.Lock()
	b.enabled = false
	b.statTime = now
	b.mu.Unlock()
}

// Enable marks the backend up and records its flags from the latest
// statistics response.
func (b *Backend) Enable(readOnly bool, dstatError int, now time.Time) {
	b.mu.Lock()
	b.enabled = true
	b.readOnly = readOnly
	b.dstatError = dstatError
	b.statTime = now
	b.mu.Unlock()
}

// ApplyCounters merges the detailed performance counters and recomputes
// the derived space accounting.  Call only when the dstat error code of
// the response was zero.
func (b *Backend) ApplyCounters(stat *storagerpc.BackendStatPayload) {
	counters := BackendCounters{
		ReadIOs:        stat.Backend.Dstat.ReadIOs,
		WriteIOs:       stat.Backend.Dstat.WriteIOs,
		ReadTicks:      stat.Backend.Dstat.ReadTicks,
		WriteTicks:     stat.Backend.Dstat.WriteTicks,
		IOTicks:        stat.Backend.Dstat.IOTicks,
		ReadSectors:    stat.Backend.Dstat.ReadSectors,
		BaseSize:       stat.Backend.SummaryStats.BaseSize,
		RecordsTotal:   stat.Backend.SummaryStats.RecordsTotal,
		RecordsRemoved: stat.Backend.SummaryStats.RecordsRemoved,
	}

	vfsTotal := stat.Backend.VFS.Blocks * stat.Backend.VFS.BSize
	vfsFree := stat.Backend.VFS.BAvail * stat.Backend.VFS.BSize

	space := SpaceStat{TotalSpace: vfsTotal, FreeSpace: vfsFree}
	if cfg := stat.GroupConfig(); cfg != nil && cfg.BlobSizeLimit > 0 {
		// vfs total space can be less than blob_size_limit in case of
		// misconfiguration
		space.TotalSpace = min(cfg.BlobSizeLimit, vfsTotal)
	}
	space.UsedSpace = counters.BaseSize
	if space.UsedSpace < space.TotalSpace {
		space.FreeSpace = min(vfsFree, space.TotalSpace-space.UsedSpace)
	} else {
		space.FreeSpace = 0
	}

	b.mu.Lock()
	b.counters = counters
	b.space = space
	b.vfsError = stat.Backend.VFS.Error
	b.mu.Unlock()
}

// SetGroup records which group the backend currently serves.
func (b *Backend) SetGroup(groupID int) {
	b.mu.Lock()
	b.groupID = groupID
	b.mu.Unlock()
}

// Full reports whether the backend has run out of usable space.
func (b *Backend) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.space.TotalSpace > 0 && b.space.FreeSpace == 0
}

// RefreshStatus recomputes the backend's health from its current (possibly
// stale) data.  It is called for every known backend at the end of a
// statistics pass so downtime propagates even without a fresh response.
func (b *Backend) RefreshStatus(now time.Time, staleAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stale := b.statTime.IsZero() || now.Sub(b.statTime) > staleAfter

	switch {
	case !b.enabled || stale:
		b.status = BackendStalled
	case b.vfsError != 0:
		b.status = BackendBroken
	case b.readOnly:
		b.status = BackendRO
	default:
		b.status = BackendOK
	}
}
