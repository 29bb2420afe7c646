package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arkstore/curator/storagerpc"
	"github.com/arkstore/curator/topology"
)

// fakeClient serves canned routing tables, monitor payloads and group
// metadata.  Entries can be mutated between passes.
type fakeClient struct {
	mu sync.Mutex

	routes    []storagerpc.Route
	routesErr error

	stats    map[string][]byte
	statErrs map[string]error

	groupMeta     map[int][]byte
	groupMetaErrs map[int]error
}

var _ storagerpc.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		stats:         make(map[string][]byte),
		statErrs:      make(map[string]error),
		groupMeta:     make(map[int][]byte),
		groupMetaErrs: make(map[int]error),
	}
}

func (c *fakeClient) Routes(ctx context.Context) ([]storagerpc.Route, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.routesErr != nil {
		return nil, c.routesErr
	}
	routes := make([]storagerpc.Route, len(c.routes))
	copy(routes, c.routes)
	return routes, nil
}

func (c *fakeClient) MonitorStat(ctx context.Context, addr string) *storagerpc.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.statErrs[addr]; ok {
		return storagerpc.Resolved(nil, err)
	}
	data, ok := c.stats[addr]
	if !ok {
		return storagerpc.Resolved(nil, fmt.Errorf("no monitor payload for %s", addr))
	}
	return storagerpc.Resolved([]storagerpc.Entry{{Target: addr, Data: data}}, nil)
}

func (c *fakeClient) ReadGroupMeta(ctx context.Context, groupID int) *storagerpc.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.groupMetaErrs[groupID]; ok {
		return storagerpc.Resolved(nil, err)
	}
	data, ok := c.groupMeta[groupID]
	if !ok {
		return storagerpc.Resolved([]storagerpc.Entry{{
			Target: fmt.Sprintf("group %d", groupID),
			Code:   storagerpc.CodeNotFound,
		}}, nil)
	}
	return storagerpc.Resolved([]storagerpc.Entry{{
		Target: fmt.Sprintf("group %d", groupID),
		Data:   data,
	}}, nil)
}

// fakeMetaSession is an in-memory metadata store.  Keys in hangKeys never
// answer reads until hangCh is closed.
type fakeMetaSession struct {
	mu sync.Mutex

	kv       map[string][]byte
	readErrs map[string]error
	hangKeys map[string]struct{}
	hangCh   chan struct{}
	writeErr error
	writes   int
}

var _ storagerpc.MetaSession = (*fakeMetaSession)(nil)

func newFakeMetaSession() *fakeMetaSession {
	return &fakeMetaSession{
		kv:       make(map[string][]byte),
		readErrs: make(map[string]error),
		hangKeys: make(map[string]struct{}),
		hangCh:   make(chan struct{}),
	}
}

func (s *fakeMetaSession) ReadLatest(ctx context.Context, key string) *storagerpc.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hangKeys[key]; ok {
		hangCh := s.hangCh
		return storagerpc.Go(func() ([]storagerpc.Entry, error) {
			<-hangCh
			return nil, errors.New("read abandoned")
		})
	}
	if err, ok := s.readErrs[key]; ok {
		return storagerpc.Resolved(nil, err)
	}
	data, ok := s.kv[key]
	if !ok {
		return storagerpc.Resolved([]storagerpc.Entry{{Target: key, Code: storagerpc.CodeNotFound}}, nil)
	}
	return storagerpc.Resolved([]storagerpc.Entry{{Target: key, Data: data, Revision: 1}}, nil)
}

func (s *fakeMetaSession) Write(ctx context.Context, key string, value []byte) *storagerpc.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return storagerpc.Resolved(nil, s.writeErr)
	}
	s.kv[key] = value
	s.writes++
	return storagerpc.Resolved([]storagerpc.Entry{{Target: key, Revision: 2}}, nil)
}

func (s *fakeMetaSession) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.kv[key]
	return data, ok
}

// monitorPayload builds a minimal monitor response serving the given
// group ids, one enabled backend each.
func monitorPayload(t *testing.T, groupIDs ...int) []byte {
	t.Helper()

	backends := make(map[string]any, len(groupIDs))
	for i, groupID := range groupIDs {
		backends[fmt.Sprintf("%d", i+1)] = map[string]any{
			"backend_id": i + 1,
			"status":     map[string]any{"state": 1, "read_only": false},
			"backend": map[string]any{
				"config": map[string]any{"group": groupID},
				"dstat":  map[string]any{"error": 0},
				"vfs":    map[string]any{"blocks": 100, "bavail": 50, "bsize": 4096},
				"summary_stats": map[string]any{
					"base_size": 1000, "records_total": 10, "records_removed": 1,
				},
			},
		}
	}

	data, err := json.Marshal(map[string]any{
		"procfs": map[string]any{
			"vm":  map[string]any{"la": []int{100, 100, 100}},
			"net": map[string]any{"net_interfaces": map[string]any{}},
		},
		"backends": backends,
	})
	require.NoError(t, err)
	return data
}

func groupMetaRecord(t *testing.T, couple ...int) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"version":   2,
		"couple":    couple,
		"namespace": "default",
	})
	require.NoError(t, err)
	return data
}

const testWatermarkKey = "/test/max_group"
const testCouplePrefix = "/test/couples/"

func newTestUpdater(t *testing.T, client *fakeClient, meta *fakeMetaSession) (*Updater, *topology.Store) {
	t.Helper()

	store := topology.NewStore(nil)
	u, err := New(context.Background(), UpdaterOptions{
		Client:      client,
		MetaSession: meta,
		Store:       store,
		Config: Config{
			WatermarkKey:     testWatermarkKey,
			CoupleMetaPrefix: testCouplePrefix,
		},
	})
	require.NoError(t, err)
	return u, store
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), UpdaterOptions{
		MetaSession: newFakeMetaSession(),
		Store:       topology.NewStore(nil),
	})
	require.Error(t, err)

	_, err = New(context.Background(), UpdaterOptions{
		Client: newFakeClient(),
		Store:  topology.NewStore(nil),
	})
	require.Error(t, err)

	_, err = New(context.Background(), UpdaterOptions{
		Client:      newFakeClient(),
		MetaSession: newFakeMetaSession(),
	})
	require.Error(t, err)
}

func TestPass_DiscoversAndCouplesGroups(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{
		{Addr: "10.0.0.1:1025", Family: 2},
		{Addr: "10.0.0.2:1025", Family: 2},
	}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10)
	client.stats["10.0.0.2:1025"] = monitorPayload(t, 11, 12)
	client.groupMeta[10] = groupMetaRecord(t, 10, 11)
	client.groupMeta[11] = groupMetaRecord(t, 10, 11)
	// group 12 has no metadata key: it stays standalone

	meta := newFakeMetaSession()
	_, store := newTestUpdater(t, client, meta)

	couple := store.GetCouple("10:11")
	require.NotNil(t, couple, "couple 10:11 was not created")
	require.Equal(t, []int{10, 11}, couple.GroupIDs())
	require.Len(t, store.Couples(), 1)

	require.Equal(t, topology.GroupCoupled, store.GetGroup(10).Status())
	require.Equal(t, topology.GroupCoupled, store.GetGroup(11).Status())
	require.Equal(t, topology.CoupleOK, couple.Status())

	// a group without a metadata key stays uncoupled and uninitialized
	g12 := store.GetGroup(12)
	require.NotNil(t, g12)
	require.Empty(t, g12.CoupleKey())
	require.Equal(t, topology.GroupInit, g12.Status())

	// the watermark follows the highest observed group id
	value, ok := meta.get(testWatermarkKey)
	require.True(t, ok, "watermark was not written")
	require.Equal(t, "12", string(value))
}

func TestPass_Idempotent(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10, 11)
	client.groupMeta[10] = groupMetaRecord(t, 10, 11)
	client.groupMeta[11] = groupMetaRecord(t, 10, 11)

	meta := newFakeMetaSession()
	u, store := newTestUpdater(t, client, meta)

	couple := store.GetCouple("10:11")
	require.NotNil(t, couple)
	firstStatus := couple.Status()

	// re-running the same pass over unchanged cluster state changes nothing
	require.True(t, u.RunPass(context.Background()))
	require.True(t, u.RunPass(context.Background()))

	require.Len(t, store.Couples(), 1)
	require.Same(t, couple, store.GetCouple("10:11"))
	require.Equal(t, firstStatus, couple.Status())
}

func TestPass_DisabledBackendDegradesCouple(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{
		{Addr: "10.0.0.1:1025", Family: 2},
		{Addr: "10.0.0.2:1025", Family: 2},
	}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10)
	client.stats["10.0.0.2:1025"] = monitorPayload(t, 11)
	client.groupMeta[10] = groupMetaRecord(t, 10, 11)
	client.groupMeta[11] = groupMetaRecord(t, 10, 11)

	meta := newFakeMetaSession()
	u, store := newTestUpdater(t, client, meta)

	couple := store.GetCouple("10:11")
	require.NotNil(t, couple)
	require.Equal(t, topology.CoupleOK, couple.Status())

	// the node reports group 11's backend administratively disabled
	var payload map[string]any
	require.NoError(t, json.Unmarshal(monitorPayload(t, 11), &payload))
	backend := payload["backends"].(map[string]any)["1"].(map[string]any)
	backend["status"].(map[string]any)["state"] = 0
	disabled, err := json.Marshal(payload)
	require.NoError(t, err)

	client.mu.Lock()
	client.stats["10.0.0.2:1025"] = disabled
	client.mu.Unlock()

	require.True(t, u.RunPass(context.Background()))

	require.Equal(t, topology.GroupBad, store.GetGroup(11).Status())
	require.Equal(t, topology.CoupleBad, couple.Status())
}

func TestPass_PartialNodeFailureIsIsolated(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{
		{Addr: "10.0.0.1:1025", Family: 2},
		{Addr: "10.0.0.2:1025", Family: 2},
	}
	client.statErrs["10.0.0.1:1025"] = errors.New("connection refused")
	client.stats["10.0.0.2:1025"] = monitorPayload(t, 11)

	meta := newFakeMetaSession()
	_, store := newTestUpdater(t, client, meta)

	// the healthy node's data landed despite the neighbor's failure
	require.NotNil(t, store.GetNode("10.0.0.2:1025"))
	require.Nil(t, store.GetNode("10.0.0.1:1025"))
	require.NotNil(t, store.GetGroup(11))
}

func TestPass_FailedNodeKeepsLastKnownState(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{
		{Addr: "10.0.0.1:1025", Family: 2},
		{Addr: "10.0.0.2:1025", Family: 2},
	}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 20)
	client.stats["10.0.0.2:1025"] = monitorPayload(t, 21)

	meta := newFakeMetaSession()
	u, store := newTestUpdater(t, client, meta)

	node := store.GetNode("10.0.0.1:1025")
	require.NotNil(t, node)
	backends := store.GetGroup(20).Backends()
	require.Len(t, backends, 1)
	require.Equal(t, topology.BackendOK, backends[0].Status())

	// node 1 goes dark; its entities keep their last-known state and stay
	// healthy inside the staleness window
	client.mu.Lock()
	client.statErrs["10.0.0.1:1025"] = errors.New("connection refused")
	client.mu.Unlock()

	require.True(t, u.RunPass(context.Background()))

	require.Same(t, node, store.GetNode("10.0.0.1:1025"))
	require.NotNil(t, store.GetGroup(20))
	require.Equal(t, topology.BackendOK, backends[0].Status())
}

func TestPass_RoutesFailureFailsStatisticsStage(t *testing.T) {
	client := newFakeClient()
	client.routesErr = errors.New("routing table unavailable")

	meta := newFakeMetaSession()
	u, store := newTestUpdater(t, client, meta)

	require.False(t, u.RunPass(context.Background()))
	require.Empty(t, store.Nodes())
}

func TestPass_ZeroGroupIsUnassigned(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 0)

	meta := newFakeMetaSession()
	_, store := newTestUpdater(t, client, meta)

	// group id zero is "not assigned yet", never an entity
	require.Empty(t, store.Groups())
	require.Len(t, store.Backends(), 1)

	// and with no groups there is nothing to watermark
	_, ok := meta.get(testWatermarkKey)
	require.False(t, ok)
}

func TestPass_CoupleConflictFirstClaimWins(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 1, 2, 3)
	// groups 1 and 3 both claim group 2
	client.groupMeta[1] = groupMetaRecord(t, 1, 2)
	client.groupMeta[2] = groupMetaRecord(t, 1, 2)
	client.groupMeta[3] = groupMetaRecord(t, 2, 3)

	meta := newFakeMetaSession()
	_, store := newTestUpdater(t, client, meta)

	// exactly one claim went through, and group 2 belongs to it
	couples := store.Couples()
	require.Len(t, couples, 1)
	require.Equal(t, couples[0].Key(), store.GetGroup(2).CoupleKey())

	// the losing group's metadata now disagrees with the cluster
	var loser *topology.Group
	if couples[0].Key() == "1:2" {
		loser = store.GetGroup(3)
	} else {
		loser = store.GetGroup(1)
	}
	require.Equal(t, topology.GroupBad, loser.Status())
}

func TestPass_FrozenCoupleMeta(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10, 11)
	client.groupMeta[10] = groupMetaRecord(t, 10, 11)
	client.groupMeta[11] = groupMetaRecord(t, 10, 11)

	meta := newFakeMetaSession()
	meta.kv[testCouplePrefix+"10:11"] = []byte(`{"frozen": true, "comment": "maintenance"}`)

	_, store := newTestUpdater(t, client, meta)

	couple := store.GetCouple("10:11")
	require.NotNil(t, couple)
	require.True(t, couple.Frozen())
	require.Equal(t, topology.CoupleFrozen, couple.Status())
}

func TestPass_GroupMetaReadFailureClearsMeta(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10, 11)
	client.groupMeta[10] = groupMetaRecord(t, 10, 11)
	client.groupMeta[11] = groupMetaRecord(t, 10, 11)

	meta := newFakeMetaSession()
	u, store := newTestUpdater(t, client, meta)
	require.Equal(t, topology.GroupCoupled, store.GetGroup(10).Status())

	client.mu.Lock()
	client.groupMetaErrs[10] = errors.New("timeout")
	client.mu.Unlock()

	// the read failure degrades the group to INIT instead of trusting
	// last-known metadata
	require.True(t, u.RunPass(context.Background()))
	require.Equal(t, topology.GroupInit, store.GetGroup(10).Status())
	require.Nil(t, store.GetGroup(10).Meta())
}

func TestPass_UnresponsiveMetaStoreDoesNotWedgePass(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10, 11)
	client.groupMeta[10] = groupMetaRecord(t, 10, 11)
	client.groupMeta[11] = groupMetaRecord(t, 10, 11)

	meta := newFakeMetaSession()
	meta.hangKeys[testWatermarkKey] = struct{}{}
	meta.hangKeys[testCouplePrefix+"10:11"] = struct{}{}
	t.Cleanup(func() { close(meta.hangCh) })

	store := topology.NewStore(nil)

	type result struct {
		u   *Updater
		err error
	}
	done := make(chan result, 1)
	go func() {
		u, err := New(context.Background(), UpdaterOptions{
			Client:      client,
			MetaSession: meta,
			Store:       store,
			Config: Config{
				RPCTimeout:       50 * time.Millisecond,
				WatermarkKey:     testWatermarkKey,
				CoupleMetaPrefix: testCouplePrefix,
			},
		})
		done <- result{u, err}
	}()

	var u *Updater
	select {
	case res := <-done:
		require.NoError(t, res.err)
		u = res.u
	case <-time.After(5 * time.Second):
		t.Fatal("initial pass did not return against an unresponsive metadata store")
	}

	// the timed-out read counts as a per-couple failure: the record is
	// treated as absent, the couple itself survives
	couple := store.GetCouple("10:11")
	require.NotNil(t, couple)
	require.Nil(t, couple.MetaRaw())

	// later passes serialize on the same update lock and must stay unblocked
	require.True(t, u.RunPass(context.Background()))
}

func TestWatermark_Monotonic(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10, 11)

	meta := newFakeMetaSession()
	meta.kv[testWatermarkKey] = []byte("100")

	u, _ := newTestUpdater(t, client, meta)

	// the stored value is already ahead of the cluster, it must not move back
	value, _ := meta.get(testWatermarkKey)
	require.Equal(t, "100", string(value))

	meta.mu.Lock()
	meta.kv[testWatermarkKey] = []byte("5")
	meta.mu.Unlock()

	require.True(t, u.RunPass(context.Background()))
	value, _ = meta.get(testWatermarkKey)
	require.Equal(t, "11", string(value))
}

func TestWatermark_FailuresDoNotFailThePass(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10)

	meta := newFakeMetaSession()
	meta.readErrs[testWatermarkKey] = errors.New("etcd unavailable")
	meta.writeErr = errors.New("etcd unavailable")

	u, store := newTestUpdater(t, client, meta)

	require.True(t, u.RunPass(context.Background()))
	require.NotNil(t, store.GetGroup(10))
}

func TestStop_HaltsTheSchedule(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10)

	u, _ := newTestUpdater(t, client, newFakeMetaSession())

	done := make(chan struct{})
	go func() {
		u.Run(context.Background())
		close(done)
	}()

	u.Stop()
	<-done

	// stopping twice is safe
	u.Stop()
}

func TestForceUpdate(t *testing.T) {
	client := newFakeClient()
	client.routes = []storagerpc.Route{{Addr: "10.0.0.1:1025", Family: 2}}
	client.stats["10.0.0.1:1025"] = monitorPayload(t, 10)

	u, _ := newTestUpdater(t, client, newFakeMetaSession())
	require.True(t, u.ForceUpdate(context.Background()))

	client.mu.Lock()
	client.routesErr = errors.New("routing table unavailable")
	client.mu.Unlock()
	require.False(t, u.ForceUpdate(context.Background()))
}
