package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/tesseradb/tessera/rpc/protocol"
)

// --------------------------------------------------------------------------
// Follower Apply Path
// --------------------------------------------------------------------------

// applyMutation applies one replicated mutation to the local cache. The
// keyed lock is bypassed (take=false): the leader already serialized all
// mutations, so per-key order is global. Replicated writes do not touch the
// hit/miss statistics; the engine only counts stats on its read paths.
func (n *Node) applyMutation(m mutation) error {
	ctx := context.Background()

	req := protocol.Get()
	defer protocol.Put(req)
	req.WriteRaw(m.args)

	key, err := req.ReadString()
	if err != nil {
		return err
	}

	switch m.op {
	case protocol.OpSetString:
		val, err := readTaggedOptionalString(req)
		if err != nil {
			return err
		}
		ttl, err := readTTLMillis(req)
		if err != nil {
			return err
		}
		return n.cache.SetString(ctx, key, val, ttl, false)

	case protocol.OpSetBytes, protocol.OpSetObjectBinary:
		val, err := readTaggedOptionalBytes(req)
		if err != nil {
			return err
		}
		ttl, err := readTTLMillis(req)
		if err != nil {
			return err
		}
		return n.cache.SetBytes(ctx, key, val, ttl, false)

	case protocol.OpAddList:
		v, err := req.ReadTagged()
		if err != nil {
			return err
		}
		ttl, err := readTTLMillis(req)
		if err != nil {
			return err
		}
		return n.cache.AddList(ctx, key, v.Str, ttl, false)

	case protocol.OpRemoveList:
		v, err := req.ReadTagged()
		if err != nil {
			return err
		}
		return n.cache.RemoveList(ctx, key, v.Str, false)

	case protocol.OpSetCounter:
		v, err := req.ReadInt64()
		if err != nil {
			return err
		}
		return n.cache.SetCounter(ctx, key, v, false)

	case protocol.OpSetMapValue:
		sub, err := req.ReadString()
		if err != nil {
			return err
		}
		v, err := req.ReadTagged()
		if err != nil {
			return err
		}
		ttl, err := readTTLMillis(req)
		if err != nil {
			return err
		}
		return n.cache.SetMapValue(ctx, key, sub, v, ttl, false)

	case protocol.OpSetMap:
		m, err := readMapArgs(req)
		if err != nil {
			return err
		}
		ttl, err := readTTLMillis(req)
		if err != nil {
			return err
		}
		return n.cache.SetMap(ctx, key, m, ttl, false)

	case protocol.OpDelete:
		return n.cache.Delete(ctx, key, false)

	default:
		return fmt.Errorf("operation %s cannot be replicated", m.op)
	}
}

// --------------------------------------------------------------------------
// Argument Decoding
// --------------------------------------------------------------------------

func readTTLMillis(req *protocol.Buffer) (time.Duration, error) {
	ms, err := req.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func readTaggedOptionalString(req *protocol.Buffer) (*string, error) {
	v, err := req.ReadTagged()
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	s := v.Str
	return &s, nil
}

func readTaggedOptionalBytes(req *protocol.Buffer) ([]byte, error) {
	v, err := req.ReadTagged()
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	return v.Bytes, nil
}

func readMapArgs(req *protocol.Buffer) (map[string]protocol.TaggedValue, error) {
	count, err := req.ReadUvarint()
	if err != nil {
		return nil, err
	}
	m := make(map[string]protocol.TaggedValue, count)
	for i := uint64(0); i < count; i++ {
		sub, err := req.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := req.ReadTagged()
		if err != nil {
			return nil, err
		}
		m[sub] = v
	}
	return m, nil
}
