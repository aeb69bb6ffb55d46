package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/tesseradb/tessera/lib/cache"
	"github.com/tesseradb/tessera/rpc/protocol"
)

// syncTimeout bounds a full state transfer between a follower and the
// leader.
const syncTimeout = 30 * time.Second

// --------------------------------------------------------------------------
// Snapshot Encoding (leader side)
// --------------------------------------------------------------------------

// writeSnapshot encodes the full cache state key by key: key, shape tag,
// shape payload, remaining TTL in milliseconds (zero meaning infinite is
// preserved).
func (n *Node) writeSnapshot(body *protocol.Buffer) error {
	type snapEntry struct {
		key       string
		val       cache.Value
		remaining time.Duration
	}

	var entries []snapEntry
	err := n.cache.Snapshot(context.Background(), func(key string, val cache.Value, remaining time.Duration) bool {
		entries = append(entries, snapEntry{key: key, val: val, remaining: remaining})
		return true
	})
	if err != nil {
		return err
	}

	body.WriteUvarint(uint64(len(entries)))
	for _, e := range entries {
		body.WriteString(e.key)
		writeSnapshotValue(body, e.val)
		body.WriteUvarint(uint64(e.remaining / time.Millisecond))
	}

	Logger.Infof("node %d: served snapshot of %d keys", n.config.ID, len(entries))
	return nil
}

func writeSnapshotValue(body *protocol.Buffer, val cache.Value) {
	body.WriteUint8(uint8(val.Kind))
	switch val.Kind {
	case cache.KindString:
		if val.Str == nil {
			body.WriteTagged(protocol.Null())
		} else {
			body.WriteTagged(protocol.StringValue(*val.Str))
		}
	case cache.KindBytes:
		if val.Raw == nil {
			body.WriteTagged(protocol.Null())
		} else {
			body.WriteTagged(protocol.BytesValue(val.Raw))
		}
	case cache.KindList:
		body.WriteUvarint(uint64(len(val.List)))
		for _, item := range val.List {
			body.WriteString(item)
		}
	case cache.KindMap:
		body.WriteUvarint(uint64(len(val.Map)))
		for sub, v := range val.Map {
			body.WriteString(sub)
			body.WriteTagged(v)
		}
	case cache.KindCounter:
		body.WriteInt64(val.Counter)
	}
}

func readSnapshotValue(buf *protocol.Buffer) (cache.Value, error) {
	kindByte, err := buf.ReadUint8()
	if err != nil {
		return cache.Value{}, err
	}

	switch cache.Kind(kindByte) {
	case cache.KindString:
		s, err := readTaggedOptionalString(buf)
		if err != nil {
			return cache.Value{}, err
		}
		return cache.StringValue(s), nil
	case cache.KindBytes:
		b, err := readTaggedOptionalBytes(buf)
		if err != nil {
			return cache.Value{}, err
		}
		return cache.BytesValue(b), nil
	case cache.KindList:
		count, err := buf.ReadUvarint()
		if err != nil {
			return cache.Value{}, err
		}
		items := make([]string, 0, count)
		for i := uint64(0); i < count; i++ {
			item, err := buf.ReadString()
			if err != nil {
				return cache.Value{}, err
			}
			items = append(items, item)
		}
		return cache.ListValue(items), nil
	case cache.KindMap:
		m, err := readMapArgs(buf)
		if err != nil {
			return cache.Value{}, err
		}
		return cache.MapValue(m), nil
	case cache.KindCounter:
		v, err := buf.ReadInt64()
		if err != nil {
			return cache.Value{}, err
		}
		return cache.CounterValue(v), nil
	default:
		return cache.Value{}, fmt.Errorf("unknown shape tag %d in snapshot", kindByte)
	}
}

// --------------------------------------------------------------------------
// Resync (follower side)
// --------------------------------------------------------------------------

// resyncFrom pulls the full state snapshot from the elected leader, replaces
// the local cache with it and signals cluster-ready. Runs at most once at a
// time; a failure is retried on the next leadership event.
func (n *Node) resyncFrom(leaderID int32) {
	if !n.resyncing.CompareAndSwap(false, true) {
		return
	}
	defer n.resyncing.Store(false)

	l, ok := n.links[leaderID]
	if !ok {
		Logger.Errorf("node %d: no link to leader %d for resync", n.config.ID, leaderID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	resp, err := l.requestOk(ctx, OpSync, func(b *protocol.Buffer) {
		b.WriteInt32(n.config.ID)
	})
	if err != nil {
		Logger.Errorf("node %d: resync from leader %d failed: %v", n.config.ID, leaderID, err)
		return
	}
	defer protocol.Put(resp)

	count, err := resp.ReadUvarint()
	if err != nil {
		Logger.Errorf("node %d: malformed snapshot from leader %d: %v", n.config.ID, leaderID, err)
		return
	}

	n.cache.Clear()
	for i := uint64(0); i < count; i++ {
		key, err := resp.ReadString()
		if err != nil {
			Logger.Errorf("node %d: malformed snapshot from leader %d: %v", n.config.ID, leaderID, err)
			return
		}
		val, err := readSnapshotValue(resp)
		if err != nil {
			Logger.Errorf("node %d: malformed snapshot from leader %d: %v", n.config.ID, leaderID, err)
			return
		}
		ttl, err := readTTLMillis(resp)
		if err != nil {
			Logger.Errorf("node %d: malformed snapshot from leader %d: %v", n.config.ID, leaderID, err)
			return
		}
		n.cache.Restore(key, val, ttl)
	}

	Logger.Infof("node %d: resynced %d keys from leader %d", n.config.ID, count, leaderID)
	n.signalClusterReady()
}
