package topology

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/arkstore/curator/utils/latestonlychannel"
)

// Snapshot is an immutable, read-only copy of the topology for downstream
// consumers.  Nothing outside this package may mutate the live entities;
// everything a consumer needs is flattened here.
type Snapshot struct {
	Taken    time.Time     `json:"taken"`
	Hosts    []HostInfo    `json:"hosts"`
	Nodes    []NodeInfo    `json:"nodes"`
	Backends []BackendInfo `json:"backends"`
	Groups   []GroupInfo   `json:"groups"`
	Couples  []CoupleInfo  `json:"couples"`
}

type HostInfo struct {
	Addr string `json:"addr"`
}

type NodeInfo struct {
	Key         string    `json:"key"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Family      int       `json:"family"`
	LoadAverage float64   `json:"load_average"`
	TxBytes     uint64    `json:"tx_bytes"`
	RxBytes     uint64    `json:"rx_bytes"`
	StatTime    time.Time `json:"stat_time"`
}

type BackendInfo struct {
	Key        string `json:"key"`
	Node       string `json:"node"`
	ID         int    `json:"id"`
	Enabled    bool   `json:"enabled"`
	Group      int    `json:"group,omitempty"`
	Status     string `json:"status"`
	DstatError int    `json:"dstat_error,omitempty"`
	TotalSpace uint64 `json:"total_space"`
	FreeSpace  uint64 `json:"free_space"`
	UsedSpace  uint64 `json:"used_space"`
}

type GroupInfo struct {
	ID         int      `json:"id"`
	Backends   []string `json:"backends"`
	Couple     string   `json:"couple,omitempty"`
	Namespace  string   `json:"namespace,omitempty"`
	Frozen     bool     `json:"frozen,omitempty"`
	Status     string   `json:"status"`
	StatusText string   `json:"status_text"`
}

type CoupleInfo struct {
	Key        string `json:"key"`
	Groups     []int  `json:"groups"`
	Frozen     bool   `json:"frozen,omitempty"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
}

// Snapshot builds a point-in-time copy of the whole topology.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{Taken: time.Now()}

	for _, h := range s.Hosts() {
		snap.Hosts = append(snap.Hosts, HostInfo{Addr: h.Addr()})
	}
	slices.SortFunc(snap.Hosts, func(a, b HostInfo) int {
		return strings.Compare(a.Addr, b.Addr)
	})

	for _, n := range s.Nodes() {
		stat, statTime := n.Stat()
		snap.Nodes = append(snap.Nodes, NodeInfo{
			Key:         n.Key(),
			Host:        n.HostAddr(),
			Port:        n.Port(),
			Family:      n.Family(),
			LoadAverage: stat.LoadAverage,
			TxBytes:     stat.TxBytes,
			RxBytes:     stat.RxBytes,
			StatTime:    statTime,
		})
	}
	slices.SortFunc(snap.Nodes, func(a, b NodeInfo) int {
		return strings.Compare(a.Key, b.Key)
	})

	for _, b := range s.Backends() {
		space := b.Space()
		snap.Backends = append(snap.Backends, BackendInfo{
			Key:        b.Key(),
			Node:       b.NodeKey(),
			ID:         b.ID(),
			Enabled:    b.Enabled(),
			Group:      b.GroupID(),
			Status:     b.Status().String(),
			DstatError: b.DstatError(),
			TotalSpace: space.TotalSpace,
			FreeSpace:  space.FreeSpace,
			UsedSpace:  space.UsedSpace,
		})
	}
	slices.SortFunc(snap.Backends, func(a, b BackendInfo) int {
		return strings.Compare(a.Key, b.Key)
	})

	for _, g := range s.Groups() {
		info := GroupInfo{
			ID:         g.ID(),
			Backends:   g.BackendKeys(),
			Couple:     g.CoupleKey(),
			Status:     g.Status().String(),
			StatusText: g.StatusText(),
		}
		if meta := g.Meta(); meta != nil {
			info.Namespace = meta.Namespace
			info.Frozen = meta.Frozen
		}
		snap.Groups = append(snap.Groups, info)
	}
	slices.SortFunc(snap.Groups, func(a, b GroupInfo) int {
		return a.ID - b.ID
	})

	for _, c := range s.Couples() {
		snap.Couples = append(snap.Couples, CoupleInfo{
			Key:        c.Key(),
			Groups:     c.GroupIDs(),
			Frozen:     c.Frozen(),
			Status:     c.Status().String(),
			StatusText: c.StatusText(),
		})
	}
	slices.SortFunc(snap.Couples, func(a, b CoupleInfo) int {
		return strings.Compare(a.Key, b.Key)
	})

	return snap
}

// WatchSnapshots returns a channel that receives the latest snapshot after
// each completed synchronization pass.  Delivery is latest-only: a slow
// consumer observes the newest state, never a backlog.
func (s *Store) WatchSnapshots() <-chan *Snapshot {
	inputCh := make(chan *Snapshot)

	s.watchersMu.Lock()
	s.watchers = append(s.watchers, inputCh)
	s.watchersMu.Unlock()

	return latestonlychannel.Wrap(inputCh)
}

// PublishSnapshot takes a snapshot and fans it out to every watcher.  The
// updater calls this once per pass.
func (s *Store) PublishSnapshot() *Snapshot {
	snap := s.Snapshot()

	s.watchersMu.Lock()
	watchers := make([]chan *Snapshot, len(s.watchers))
	copy(watchers, s.watchers)
	s.watchersMu.Unlock()

	for _, ch := range watchers {
		ch <- snap
	}

	return snap
}
