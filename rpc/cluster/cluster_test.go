package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tesseradb/tessera/lib/cache"
	"github.com/tesseradb/tessera/rpc/common"
	"github.com/tesseradb/tessera/rpc/protocol"
)

const testClusterPassword = "cluster-secret"

// --------------------------------------------------------------------------
// Unit Tests
// --------------------------------------------------------------------------

func TestMutationRoundTrip(t *testing.T) {
	b := protocol.Get()
	defer protocol.Put(b)

	args := protocol.Get()
	args.WriteString("key")
	args.WriteTagged(protocol.StringValue("value"))
	args.WriteUvarint(500)
	raw := make([]byte, args.Len())
	copy(raw, args.Bytes())
	protocol.Put(args)

	writeMutation(b, mutation{op: protocol.OpSetString, args: raw})

	got, err := readMutation(b)
	if err != nil {
		t.Fatalf("readMutation failed: %v", err)
	}
	if got.op != protocol.OpSetString {
		t.Errorf("op = %s, want setString", got.op)
	}
	if len(got.args) != len(raw) {
		t.Errorf("args length = %d, want %d", len(got.args), len(raw))
	}
}

func TestSnapshotValueRoundTrip(t *testing.T) {
	text := "hello"
	values := []cache.Value{
		cache.StringValue(&text),
		cache.StringValue(nil),
		cache.BytesValue([]byte{1, 2, 3}),
		cache.ListValue([]string{"a", "b"}),
		cache.MapValue(map[string]protocol.TaggedValue{"k": protocol.Float64Value(2.4)}),
		cache.CounterValue(-99),
	}

	for _, want := range values {
		b := protocol.Get()
		writeSnapshotValue(b, want)

		got, err := readSnapshotValue(b)
		protocol.Put(b)
		if err != nil {
			t.Fatalf("readSnapshotValue(%s) failed: %v", want.Kind, err)
		}
		if got.Kind != want.Kind {
			t.Errorf("kind = %s, want %s", got.Kind, want.Kind)
			continue
		}
		switch want.Kind {
		case cache.KindString:
			if (got.Str == nil) != (want.Str == nil) || (want.Str != nil && *got.Str != *want.Str) {
				t.Errorf("string round trip mismatch")
			}
		case cache.KindBytes:
			if len(got.Raw) != len(want.Raw) {
				t.Errorf("bytes round trip mismatch")
			}
		case cache.KindList:
			if len(got.List) != len(want.List) || got.List[0] != want.List[0] {
				t.Errorf("list round trip mismatch: %v", got.List)
			}
		case cache.KindMap:
			if !got.Map["k"].Equal(want.Map["k"]) {
				t.Errorf("map round trip mismatch: %s", got.Map["k"])
			}
		case cache.KindCounter:
			if got.Counter != want.Counter {
				t.Errorf("counter = %d, want %d", got.Counter, want.Counter)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Cluster Harness
// --------------------------------------------------------------------------

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate a port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// startCluster brings up n mesh nodes on loopback and waits until every one
// signalled cluster-ready.
func startCluster(t *testing.T, n int, replication common.ReplicationConfig) ([]*Node, []*cache.Cache) {
	t.Helper()

	ports := make([]int, n)
	for i := range ports {
		ports[i] = freePort(t)
	}

	electionCfg := common.ElectionConfig{
		LeaderHeartbeatIntervalMs: 50,
		LeaderMissingTimeoutMs:    500,
		ElectionTimeoutMs:         250,
	}

	nodes := make([]*Node, n)
	caches := make([]*cache.Cache, n)
	for i := 0; i < n; i++ {
		id := int32(i + 1)

		var peers []common.NodeConfig
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			peers = append(peers, common.NodeConfig{ID: int32(j + 1), Host: "127.0.0.1", Port: ports[j]})
		}

		config := &common.ClusterConfig{
			ID:          id,
			IP:          "127.0.0.1",
			Port:        ports[i],
			Password:    testClusterPassword,
			Nodes:       peers,
			Election:    electionCfg,
			Replication: replication,
		}

		caches[i] = cache.New(nil)
		nodes[i] = NewNode(config, caches[i])
		if err := nodes[i].Start(); err != nil {
			t.Fatalf("node %d failed to start: %v", id, err)
		}
	}

	t.Cleanup(func() {
		for i, node := range nodes {
			node.Close()
			caches[i].Close()
		}
	})

	for i, node := range nodes {
		select {
		case <-node.ClusterReady():
		case <-time.After(10 * time.Second):
			t.Fatalf("node %d never reached cluster-ready", i+1)
		}
	}
	return nodes, caches
}

// --------------------------------------------------------------------------
// Election Tests
// --------------------------------------------------------------------------

func TestHighestIDWinsElection(t *testing.T) {
	nodes, _ := startCluster(t, 3, common.ReplicationConfig{Type: common.ReplicationSync})

	// Leadership can take a heartbeat to settle everywhere.
	deadline := time.Now().Add(5 * time.Second)
	for {
		settled := true
		for _, node := range nodes {
			if node.LeaderID() != 3 {
				settled = false
			}
		}
		if settled {
			break
		}
		if time.Now().After(deadline) {
			for i, node := range nodes {
				t.Errorf("node %d sees leader %d, want 3", i+1, node.LeaderID())
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !nodes[2].IsLeader() {
		t.Error("node 3 does not consider itself leader")
	}
	if nodes[0].IsLeader() || nodes[1].IsLeader() {
		t.Error("a follower considers itself leader")
	}
}

func TestNodeReadyPrecedesClusterReady(t *testing.T) {
	nodes, _ := startCluster(t, 2, common.ReplicationConfig{Type: common.ReplicationSync})

	for i, node := range nodes {
		select {
		case <-node.NodeReady():
		default:
			t.Errorf("node %d cluster-ready fired before node-ready", i+1)
		}
	}
}

// --------------------------------------------------------------------------
// Replication Tests
// --------------------------------------------------------------------------

// encodeSetString builds the replication args of a SetString mutation.
func encodeSetString(key, value string, ttlMs uint64) []byte {
	b := protocol.Get()
	defer protocol.Put(b)
	b.WriteString(key)
	b.WriteTagged(protocol.StringValue(value))
	b.WriteUvarint(ttlMs)
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out
}

func leaderAndFollower(t *testing.T, nodes []*Node, caches []*cache.Cache) (*Node, *cache.Cache) {
	t.Helper()
	var leader *Node
	var followerCache *cache.Cache
	for i, node := range nodes {
		if node.IsLeader() {
			leader = node
		} else {
			followerCache = caches[i]
		}
	}
	if leader == nil || followerCache == nil {
		t.Fatal("cluster has no settled leader/follower split")
	}
	return leader, followerCache
}

func TestSyncReplicationAppliesOnFollower(t *testing.T) {
	nodes, caches := startCluster(t, 2, common.ReplicationConfig{Type: common.ReplicationSync})
	leader, followerCache := leaderAndFollower(t, nodes, caches)

	err := leader.Replicate(context.Background(), protocol.OpSetString, encodeSetString("k", "replicated", 0))
	if err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}

	// Sync replication returns only after the follower acknowledged.
	got, err := followerCache.GetString(context.Background(), "k", false)
	if err != nil {
		t.Fatalf("follower read failed: %v", err)
	}
	if got == nil || *got != "replicated" {
		t.Errorf("follower value = %v, want replicated", got)
	}
}

func TestAsyncReplicationBatchesInOrder(t *testing.T) {
	nodes, caches := startCluster(t, 2, common.ReplicationConfig{
		Type:                 common.ReplicationAsync,
		IntervalMilliseconds: 50,
	})
	leader, followerCache := leaderAndFollower(t, nodes, caches)

	ctx := context.Background()
	leader.Replicate(ctx, protocol.OpSetString, encodeSetString("k", "first", 0))
	leader.Replicate(ctx, protocol.OpSetString, encodeSetString("k", "second", 0))
	leader.Replicate(ctx, protocol.OpSetString, encodeSetString("k", "third", 0))

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := followerCache.GetString(ctx, "k", false)
		if err == nil && got != nil && *got == "third" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("follower value = %v, want third (per-key order preserved)", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReplicatedDeleteAppliesOnFollower(t *testing.T) {
	nodes, caches := startCluster(t, 2, common.ReplicationConfig{Type: common.ReplicationSync})
	leader, followerCache := leaderAndFollower(t, nodes, caches)

	ctx := context.Background()
	leader.Replicate(ctx, protocol.OpSetString, encodeSetString("k", "v", 0))

	del := protocol.Get()
	del.WriteString("k")
	args := make([]byte, del.Len())
	copy(args, del.Bytes())
	protocol.Put(del)
	leader.Replicate(ctx, protocol.OpDelete, args)

	exists, _ := followerCache.Exists(ctx, "k", false)
	if exists {
		t.Error("follower still holds a deleted key")
	}
}

// --------------------------------------------------------------------------
// Resync Tests
// --------------------------------------------------------------------------

func TestFollowerResyncPullsFullSnapshot(t *testing.T) {
	nodes, caches := startCluster(t, 2, common.ReplicationConfig{Type: common.ReplicationSync})
	leader, followerCache := leaderAndFollower(t, nodes, caches)

	var leaderCache *cache.Cache
	var follower *Node
	for i, node := range nodes {
		if node.IsLeader() {
			leaderCache = caches[i]
		} else {
			follower = node
		}
	}

	ctx := context.Background()
	text := "snapshot"
	leaderCache.SetString(ctx, "s", &text, 0, true)
	leaderCache.SetCounter(ctx, "c", 7, true)
	leaderCache.SetString(ctx, "expiring", &text, time.Minute, true)

	// Stale follower state must be replaced, not merged.
	followerCache.SetString(ctx, "stale", &text, 0, true)

	follower.resyncFrom(leader.ID())

	if got, _ := followerCache.GetString(ctx, "s", false); got == nil || *got != "snapshot" {
		t.Errorf("follower string = %v, want snapshot", got)
	}
	if n, _ := followerCache.IncrementCounter(ctx, "c", 0, false); n != 7 {
		t.Errorf("follower counter = %d, want 7", n)
	}
	if exists, _ := followerCache.Exists(ctx, "stale", false); exists {
		t.Error("stale follower key survived the resync")
	}

	// The remaining TTL travels with the snapshot.
	found := false
	followerCache.Snapshot(ctx, func(key string, _ cache.Value, remaining time.Duration) bool {
		if key == "expiring" {
			found = true
			if remaining == 0 || remaining > time.Minute {
				t.Errorf("restored remaining TTL = %v", remaining)
			}
		}
		return true
	})
	if !found {
		t.Error("expiring key missing from the resynced cache")
	}
}

// --------------------------------------------------------------------------
// Handshake Tests
// --------------------------------------------------------------------------

func TestInboundHandshakeRejectsWrongPassword(t *testing.T) {
	port := freePort(t)
	peerPort := freePort(t)

	config := &common.ClusterConfig{
		ID:       1,
		IP:       "127.0.0.1",
		Port:     port,
		Password: testClusterPassword,
		Nodes:    []common.NodeConfig{{ID: 2, Host: "127.0.0.1", Port: peerPort}},
		Election: common.ElectionConfig{
			LeaderHeartbeatIntervalMs: 50,
			LeaderMissingTimeoutMs:    500,
			ElectionTimeoutMs:         250,
		},
		Replication: common.ReplicationConfig{Type: common.ReplicationSync},
	}

	c := cache.New(nil)
	node := NewNode(config, c)
	if err := node.Start(); err != nil {
		t.Fatalf("node failed to start: %v", err)
	}
	t.Cleanup(func() {
		node.Close()
		c.Close()
	})

	conn, err := net.Dial("tcp", config.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	req := protocol.GetFrame()
	req.WriteUint8(uint8(OpHandshake))
	req.WriteUint32(1)
	req.WriteInt32(2)
	req.WriteString("wrong-password")
	if _, err := conn.Write(req.Frame()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	protocol.Put(req)

	resp, err := readMeshFrame(conn)
	if err != nil {
		t.Fatalf("failed to read handshake response: %v", err)
	}
	defer protocol.Put(resp)

	resp.ReadUint8()  // op
	resp.ReadUint32() // request id
	status, _ := resp.ReadUint8()
	if protocol.Status(status) != protocol.StatusError {
		t.Error("handshake with a wrong password was accepted")
	}

	// The node must close the link after the failed handshake.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readMeshFrame(conn); err == nil {
		t.Error("connection stayed open after a rejected handshake")
	}
}
