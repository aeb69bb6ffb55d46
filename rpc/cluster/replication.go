package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/tesseradb/tessera/rpc/protocol"
)

// replicateTimeout bounds the acknowledgement wait per follower. A follower
// that cannot answer in time is treated as absent; it resyncs on reconnect.
const replicateTimeout = 5 * time.Second

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// mutation is one committed cache write, re-encoded for the followers: the
// client operation code plus its key and argument fields.
type mutation struct {
	op   protocol.OpCode
	args []byte
}

// writeMutation appends one mutation record.
func writeMutation(b *protocol.Buffer, m mutation) {
	b.WriteUint8(uint8(m.op))
	b.WriteBytes(m.args)
}

// readMutation decodes one mutation record.
func readMutation(b *protocol.Buffer) (mutation, error) {
	op, err := b.ReadUint8()
	if err != nil {
		return mutation{}, err
	}
	args, err := b.ReadBytes()
	if err != nil {
		return mutation{}, err
	}
	return mutation{op: protocol.OpCode(op), args: args}, nil
}

// --------------------------------------------------------------------------
// Replicator Interface
// --------------------------------------------------------------------------

// replicator fans committed leader mutations out to the followers.
type replicator interface {
	replicate(ctx context.Context, m mutation) error
	close()
}

// --------------------------------------------------------------------------
// Sync Replicator
// --------------------------------------------------------------------------

// syncReplicator broadcasts each mutation immediately and blocks until every
// currently connected follower acknowledged. Followers that drop mid-wait
// count as acknowledged; they pull a fresh snapshot when they rejoin.
type syncReplicator struct {
	node *Node
}

func newSyncReplicator(n *Node) *syncReplicator {
	return &syncReplicator{node: n}
}

func (r *syncReplicator) replicate(ctx context.Context, m mutation) error {
	sendCtx, cancel := context.WithTimeout(ctx, replicateTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, l := range r.node.links {
		if !l.Connected() {
			continue
		}
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			resp, err := l.requestOk(sendCtx, OpReplicate, func(b *protocol.Buffer) {
				writeMutation(b, m)
			})
			if err != nil {
				Logger.Warningf("node %d: follower %d did not acknowledge %s, treating as absent: %v",
					r.node.config.ID, l.peer.ID, m.op, err)
				return
			}
			protocol.Put(resp)
		}(l)
	}
	wg.Wait()
	return nil
}

func (r *syncReplicator) close() {}

// --------------------------------------------------------------------------
// Async Replicator
// --------------------------------------------------------------------------

// asyncReplicator enqueues mutations in commit order and ships the
// accumulated batch on a timer. Per-key ordering is preserved because the
// queue is drained front to back into a single batch message.
type asyncReplicator struct {
	node *Node

	mu    sync.Mutex
	queue []mutation

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newAsyncReplicator(n *Node, interval time.Duration) *asyncReplicator {
	r := &asyncReplicator{
		node: n,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.loop(interval)
	return r
}

func (r *asyncReplicator) replicate(_ context.Context, m mutation) error {
	r.mu.Lock()
	r.queue = append(r.queue, m)
	r.mu.Unlock()
	return nil
}

func (r *asyncReplicator) loop(interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			// Ship whatever is still queued before shutting down.
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush drains the queue and broadcasts it as one batch message.
func (r *asyncReplicator) flush() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replicateTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, l := range r.node.links {
		if !l.Connected() {
			continue
		}
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			resp, err := l.requestOk(ctx, OpReplicateBatch, func(b *protocol.Buffer) {
				b.WriteUvarint(uint64(len(batch)))
				for _, m := range batch {
					writeMutation(b, m)
				}
			})
			if err != nil {
				Logger.Warningf("node %d: batch of %d mutations not acknowledged by follower %d: %v",
					r.node.config.ID, len(batch), l.peer.ID, err)
				return
			}
			protocol.Put(resp)
		}(l)
	}
	wg.Wait()
}

func (r *asyncReplicator) close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}
