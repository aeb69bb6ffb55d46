package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tesseradb/tessera/rpc/protocol"
)

// --------------------------------------------------------------------------
// Bully Election
// --------------------------------------------------------------------------

// election holds the bully election state of one node. Ids are unique, so
// the highest live id always wins and ties are impossible.
type election struct {
	node *Node

	leader     atomic.Int32 // 0 = no leader known
	inElection atomic.Bool
	lastAlive  atomic.Int64 // unix nanos of the last leader heartbeat

	// victoryCh wakes a running election when a Victory arrives.
	victoryCh chan int32

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
}

func newElection(n *Node) *election {
	return &election{
		node:      n,
		victoryCh: make(chan int32, 1),
		stop:      make(chan struct{}),
	}
}

// leaderID returns the currently known leader, zero when none.
func (e *election) leaderID() int32 { return e.leader.Load() }

// start begins the liveness loops and triggers the initial election. Called
// once on node-ready.
func (e *election) start() {
	e.startOnce.Do(func() {
		e.lastAlive.Store(time.Now().UnixNano())
		go e.monitorLoop()
		go e.heartbeatLoop()
		e.trigger()
	})
}

func (e *election) close() {
	e.closeOnce.Do(func() { close(e.stop) })
}

// trigger starts an election unless one is already running.
func (e *election) trigger() {
	if e.inElection.CompareAndSwap(false, true) {
		go e.run()
	}
}

// run performs election rounds until a leader is known: challenge every
// higher peer, claim leadership when none responds, otherwise wait for the
// winner's Victory and restart on timeout.
func (e *election) run() {
	selfID := e.node.config.ID
	timeout := e.node.config.Election.ElectionTimeout()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		if !e.inElection.Load() {
			// A Victory arrived while this round was being prepared.
			return
		}

		Logger.Infof("node %d: starting election", selfID)

		if !e.challengeHigherPeers(timeout) {
			e.becomeLeader()
			return
		}

		// A higher peer is alive; its Victory settles the election.
		select {
		case leaderID := <-e.victoryCh:
			Logger.Infof("node %d: accepted leader %d", selfID, leaderID)
			return
		case <-time.After(timeout):
			Logger.Warningf("node %d: no victory within timeout, restarting election", selfID)
		case <-e.stop:
			return
		}
	}
}

// challengeHigherPeers sends Election to every peer with a higher id and
// reports whether any of them acknowledged.
func (e *election) challengeHigherPeers(timeout time.Duration) bool {
	selfID := e.node.config.ID

	var acked atomic.Bool
	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for id, l := range e.node.links {
		if id <= selfID || !l.Connected() {
			continue
		}
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			resp, err := l.requestOk(ctx, OpElection, func(b *protocol.Buffer) {
				b.WriteInt32(selfID)
			})
			if err != nil {
				Logger.Debugf("node %d: election challenge to peer %d failed: %v", selfID, l.peer.ID, err)
				return
			}
			protocol.Put(resp)
			acked.Store(true)
		}(l)
	}
	wg.Wait()

	return acked.Load()
}

// becomeLeader claims leadership, announces it and signals cluster-ready.
func (e *election) becomeLeader() {
	selfID := e.node.config.ID
	e.leader.Store(selfID)
	e.inElection.Store(false)

	Logger.Infof("node %d: became leader", selfID)

	e.broadcast(OpVictory, selfID)
	e.node.signalClusterReady()
}

// broadcast ships one id-carrying message to every connected peer and
// ignores individual failures.
func (e *election) broadcast(op OpCode, id int32) {
	timeout := e.node.config.Election.ElectionTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, l := range e.node.links {
		if !l.Connected() {
			continue
		}
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			resp, err := l.requestOk(ctx, op, func(b *protocol.Buffer) {
				b.WriteInt32(id)
			})
			if err != nil {
				Logger.Debugf("node %d: %s to peer %d failed: %v", e.node.config.ID, op, l.peer.ID, err)
				return
			}
			protocol.Put(resp)
		}(l)
	}
	wg.Wait()
}

// --------------------------------------------------------------------------
// Message Reactions
// --------------------------------------------------------------------------

// onElectionMessage reacts to a peer's challenge. A challenge from a lower
// id means this node may be the new highest live one, so it runs its own
// election.
func (e *election) onElectionMessage(fromID int32) {
	if fromID < e.node.config.ID {
		e.trigger()
	}
}

// onVictory adopts the announced leader.
func (e *election) onVictory(leaderID int32) {
	e.adoptLeader(leaderID)
}

// onAlive refreshes the leader liveness timestamp. A heartbeat from an
// unknown leader (e.g. after a missed Victory), or one arriving while an
// election is running, adopts the sender so the election terminates.
func (e *election) onAlive(leaderID int32) {
	if e.leader.Load() == leaderID && !e.inElection.Load() {
		e.lastAlive.Store(time.Now().UnixNano())
		return
	}
	e.adoptLeader(leaderID)
}

// adoptLeader records the new leader, ends any running election and, on a
// follower, resyncs the cache from the winner.
func (e *election) adoptLeader(leaderID int32) {
	prev := e.leader.Swap(leaderID)
	e.inElection.Store(false)
	e.lastAlive.Store(time.Now().UnixNano())

	select {
	case e.victoryCh <- leaderID:
	default:
	}

	if leaderID != e.node.config.ID && (prev != leaderID || !e.node.isClusterReady()) {
		go e.node.resyncFrom(leaderID)
	}
}

// --------------------------------------------------------------------------
// Liveness Loops
// --------------------------------------------------------------------------

// heartbeatLoop broadcasts Alive while this node is the leader.
func (e *election) heartbeatLoop() {
	interval := e.node.config.Election.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if e.node.IsLeader() {
				e.broadcast(OpAlive, e.node.config.ID)
			}
		}
	}
}

// monitorLoop restarts the election when the leader's heartbeat goes
// missing for longer than the configured timeout.
func (e *election) monitorLoop() {
	interval := e.node.config.Election.HeartbeatInterval()
	missing := e.node.config.Election.LeaderMissingTimeout()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if e.node.IsLeader() || e.inElection.Load() {
				continue
			}
			since := time.Since(time.Unix(0, e.lastAlive.Load()))
			if since >= missing {
				Logger.Warningf("node %d: leader missing for %s, restarting election", e.node.config.ID, since.Round(time.Millisecond))
				e.trigger()
			}
		}
	}
}
