package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/tesseradb/tessera/lib/cache"
	"github.com/tesseradb/tessera/rpc/common"
	"github.com/tesseradb/tessera/rpc/protocol"
)

var Logger = logger.GetLogger("cluster")

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is this process's membership in the peer mesh: a cluster listener
// serving inbound peer requests, one outbound link per configured peer, the
// bully election state and the replicator.
//
// Node implements the server.Cluster interface.
type Node struct {
	config *common.ClusterConfig
	cache  *cache.Cache

	listener net.Listener
	links    map[int32]*link
	election *election
	repl     replicator

	inboundMu    sync.Mutex
	inboundConns map[net.Conn]struct{}

	// node-ready fires once the mesh is fully established: every outbound
	// dial handshaked and every expected inbound connection accepted.
	outbound     atomic.Int32
	inbound      atomic.Int32
	nodeReady    chan struct{}
	nodeReadyOne sync.Once

	// cluster-ready fires once: immediately when self wins the election, or
	// after the first successful resync when a peer does.
	clusterReady    chan struct{}
	clusterReadyOne sync.Once
	resyncing       atomic.Bool

	stop    chan struct{}
	closed  atomic.Bool
	closeWg sync.WaitGroup
}

// NewNode creates the mesh node. Start must be called to bind the listener
// and begin dialing peers.
func NewNode(config *common.ClusterConfig, c *cache.Cache) *Node {
	n := &Node{
		config:       config,
		cache:        c,
		links:        make(map[int32]*link, len(config.Nodes)),
		inboundConns: make(map[net.Conn]struct{}),
		nodeReady:    make(chan struct{}),
		clusterReady: make(chan struct{}),
		stop:         make(chan struct{}),
	}
	for _, peer := range config.Nodes {
		n.links[peer.ID] = newLink(n, peer)
	}
	n.election = newElection(n)

	switch config.Replication.Type {
	case common.ReplicationAsync:
		n.repl = newAsyncReplicator(n, config.Replication.Interval())
	default:
		n.repl = newSyncReplicator(n)
	}
	return n
}

// Start binds the cluster listener and begins establishing the mesh. The
// election starts once node-ready fires.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind cluster listener on %s: %w", n.config.Addr(), err)
	}
	n.listener = listener

	Logger.Infof("node %d: cluster listener on %s", n.config.ID, n.config.Addr())

	n.closeWg.Add(1)
	go func() {
		defer n.closeWg.Done()
		n.acceptLoop()
	}()

	for _, l := range n.links {
		n.closeWg.Add(1)
		go func(l *link) {
			defer n.closeWg.Done()
			l.run()
		}(l)
	}

	n.closeWg.Add(1)
	go func() {
		defer n.closeWg.Done()
		select {
		case <-n.nodeReady:
			Logger.Infof("node %d: mesh established, starting election", n.config.ID)
			n.election.start()
		case <-n.stopChan():
		}
	}()

	return nil
}

// NodeReady is closed once the mesh is fully established.
func (n *Node) NodeReady() <-chan struct{} { return n.nodeReady }

// ClusterReady is closed once this node has a leader and, as a follower,
// has resynced from it.
func (n *Node) ClusterReady() <-chan struct{} { return n.clusterReady }

// ID returns this node's cluster id.
func (n *Node) ID() int32 { return n.config.ID }

// IsLeader reports whether this node won the last election.
func (n *Node) IsLeader() bool { return n.election.leaderID() == n.config.ID }

// LeaderID returns the currently known leader id, or zero when none is
// elected yet.
func (n *Node) LeaderID() int32 { return n.election.leaderID() }

// Replicate hands a committed mutation to the configured replicator.
func (n *Node) Replicate(ctx context.Context, op protocol.OpCode, args []byte) error {
	return n.repl.replicate(ctx, mutation{op: op, args: args})
}

// Close tears down the mesh: listener, links, election timers and the
// replicator.
func (n *Node) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	close(n.stop)
	if n.listener != nil {
		_ = n.listener.Close()
	}
	n.inboundMu.Lock()
	for conn := range n.inboundConns {
		_ = conn.Close()
	}
	n.inboundMu.Unlock()
	for _, l := range n.links {
		l.close()
	}
	n.election.close()
	n.repl.close()
	n.closeWg.Wait()
}

// stopChan exposes the shutdown signal to the mesh goroutines.
func (n *Node) stopChan() <-chan struct{} { return n.stop }

// --------------------------------------------------------------------------
// Mesh Establishment
// --------------------------------------------------------------------------

// outboundEstablished is invoked once per link on its first completed
// handshake.
func (n *Node) outboundEstablished() {
	n.outbound.Add(1)
	n.checkNodeReady()
}

// inboundEstablished is invoked once per accepted peer connection that
// passed the handshake.
func (n *Node) inboundEstablished() {
	n.inbound.Add(1)
	n.checkNodeReady()
}

func (n *Node) checkNodeReady() {
	expected := int32(len(n.config.Nodes))
	if n.outbound.Load() >= expected && n.inbound.Load() >= expected {
		n.nodeReadyOne.Do(func() { close(n.nodeReady) })
	}
}

func (n *Node) signalClusterReady() {
	n.clusterReadyOne.Do(func() { close(n.clusterReady) })
}

func (n *Node) isClusterReady() bool {
	select {
	case <-n.clusterReady:
		return true
	default:
		return false
	}
}
