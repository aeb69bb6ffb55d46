package server

import (
	"context"
	"fmt"
	"time"

	"github.com/tesseradb/tessera/lib/cache"
	"github.com/tesseradb/tessera/rpc/protocol"
)

// registerHandlers wires every operation code to its handler.
func (d *dispatcher) registerHandlers() {
	d.handlers[protocol.OpLogin] = d.handleLogin
	d.handlers[protocol.OpGetString] = d.handleGetString
	d.handlers[protocol.OpSetString] = d.handleSetString
	d.handlers[protocol.OpGetList] = d.handleGetList
	d.handlers[protocol.OpAddList] = d.handleAddList
	d.handlers[protocol.OpRemoveList] = d.handleRemoveList
	d.handlers[protocol.OpContainsList] = d.handleContainsList
	d.handlers[protocol.OpExists] = d.handleExists
	d.handlers[protocol.OpDelete] = d.handleDelete
	d.handlers[protocol.OpGetObjectBinary] = d.handleGetBytes
	d.handlers[protocol.OpSetObjectBinary] = d.handleSetBytes
	d.handlers[protocol.OpGetStats] = d.handleGetStats
	d.handlers[protocol.OpGetBytes] = d.handleGetBytes
	d.handlers[protocol.OpSetBytes] = d.handleSetBytes
	d.handlers[protocol.OpSetCounter] = d.handleSetCounter
	d.handlers[protocol.OpIncrementCounter] = d.handleIncrementCounter
	d.handlers[protocol.OpBulk] = d.handleBulk
	d.handlers[protocol.OpGetMapValue] = d.handleGetMapValue
	d.handlers[protocol.OpSetMapValue] = d.handleSetMapValue
	d.handlers[protocol.OpGetMap] = d.handleGetMap
	d.handlers[protocol.OpSetMap] = d.handleSetMap
	d.handlers[protocol.OpSubscribe] = d.handleSubscribe
	d.handlers[protocol.OpUnsubscribe] = d.handleUnsubscribe
	d.handlers[protocol.OpPublish] = d.handlePublish
}

// --------------------------------------------------------------------------
// Field Helpers
// --------------------------------------------------------------------------

// readTTL reads a var-uint TTL in milliseconds. Zero means never expires.
func readTTL(req *protocol.Buffer) (time.Duration, error) {
	ms, err := req.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// readListElement decodes a list element. Null elements are rejected, any
// other non-string variant is a protocol error.
func readListElement(req *protocol.Buffer) (string, error) {
	v, err := req.ReadTagged()
	if err != nil {
		return "", err
	}
	if v.IsNull() {
		return "", cache.ErrNilListElement
	}
	if v.Tag != protocol.TagString {
		return "", fmt.Errorf("list elements must be strings, got %s", v.Tag)
	}
	return v.Str, nil
}

// readOptionalString decodes a string-or-null field into an optional.
func readOptionalString(req *protocol.Buffer) (*string, error) {
	v, err := req.ReadTagged()
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	if v.Tag != protocol.TagString {
		return nil, fmt.Errorf("expected string or null, got %s", v.Tag)
	}
	s := v.Str
	return &s, nil
}

// readOptionalBytes decodes a bytes-or-null field.
func readOptionalBytes(req *protocol.Buffer) ([]byte, error) {
	v, err := req.ReadTagged()
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	if v.Tag != protocol.TagBytes {
		return nil, fmt.Errorf("expected bytes or null, got %s", v.Tag)
	}
	return v.Bytes, nil
}

// writeOptionalString encodes an optional string as a tagged value.
func writeOptionalString(body *protocol.Buffer, s *string) {
	if s == nil {
		body.WriteTagged(protocol.Null())
	} else {
		body.WriteTagged(protocol.StringValue(*s))
	}
}

// writeOptionalBytes encodes an optional byte vector as a tagged value.
func writeOptionalBytes(body *protocol.Buffer, b []byte) {
	if b == nil {
		body.WriteTagged(protocol.Null())
	} else {
		body.WriteTagged(protocol.BytesValue(b))
	}
}

// readMapPayload decodes a sub-key mapping: var-uint count then key/value
// pairs.
func readMapPayload(req *protocol.Buffer) (map[string]protocol.TaggedValue, error) {
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

// writeMapPayload encodes a sub-key mapping.
func writeMapPayload(body *protocol.Buffer, m map[string]protocol.TaggedValue) {
	body.WriteUvarint(uint64(len(m)))
	for sub, v := range m {
		body.WriteString(sub)
		body.WriteTagged(v)
	}
}

// --------------------------------------------------------------------------
// Session Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleLogin(_ context.Context, c *Connection, req, body *protocol.Buffer) error {
	version, err := req.ReadUint8()
	if err != nil {
		return err
	}
	password, err := req.ReadString()
	if err != nil {
		return err
	}

	if version != protocol.ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: expected %d, got %d", protocol.ProtocolVersion, version)
	}

	authenticated := password == d.srv.config.Password
	if authenticated {
		c.authenticated.Store(true)
	} else {
		Logger.Warningf("connection %d failed authentication", c.id)
	}

	body.WriteBool(authenticated)
	if d.srv.cluster != nil {
		body.WriteInt32(d.srv.cluster.ID())
		body.WriteBool(d.srv.cluster.IsLeader())
	} else {
		body.WriteInt32(0)
		body.WriteBool(true)
	}
	return nil
}

func (d *dispatcher) handleGetStats(_ context.Context, _ *Connection, _, body *protocol.Buffer) error {
	stats := d.srv.cache.Stats()

	body.WriteUvarint(uint64(d.srv.Uptime().Seconds()))
	body.WriteUint64(uint64(d.srv.ConnectionCount()))
	body.WriteUint64(stats.Size)
	body.WriteUint64(stats.Hits)
	body.WriteUint64(stats.Misses)
	body.WriteFloat32(stats.HitRatio)
	return nil
}

// --------------------------------------------------------------------------
// String and Bytes Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleGetString(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := d.srv.cache.GetString(ctx, key, true)
	if err != nil {
		return err
	}
	writeOptionalString(body, val)
	return nil
}

func (d *dispatcher) handleSetString(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := readOptionalString(req)
	if err != nil {
		return err
	}
	ttl, err := readTTL(req)
	if err != nil {
		return err
	}

	if err := d.srv.cache.SetString(ctx, key, val, ttl, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpSetString, func(b *protocol.Buffer) {
		b.WriteString(key)
		writeOptionalString(b, val)
		b.WriteUvarint(uint64(ttl / time.Millisecond))
	})
}

func (d *dispatcher) handleGetBytes(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := d.srv.cache.GetBytes(ctx, key, true)
	if err != nil {
		return err
	}
	writeOptionalBytes(body, val)
	return nil
}

func (d *dispatcher) handleSetBytes(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := readOptionalBytes(req)
	if err != nil {
		return err
	}
	ttl, err := readTTL(req)
	if err != nil {
		return err
	}

	if err := d.srv.cache.SetBytes(ctx, key, val, ttl, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpSetBytes, func(b *protocol.Buffer) {
		b.WriteString(key)
		writeOptionalBytes(b, val)
		b.WriteUvarint(uint64(ttl / time.Millisecond))
	})
}

// --------------------------------------------------------------------------
// List Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleGetList(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	items, err := d.srv.cache.GetList(ctx, key, true)
	if err != nil {
		return err
	}
	body.WriteUvarint(uint64(len(items)))
	for _, item := range items {
		body.WriteString(item)
	}
	return nil
}

func (d *dispatcher) handleAddList(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := readListElement(req)
	if err != nil {
		return err
	}
	ttl, err := readTTL(req)
	if err != nil {
		return err
	}

	if err := d.srv.cache.AddList(ctx, key, val, ttl, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpAddList, func(b *protocol.Buffer) {
		b.WriteString(key)
		b.WriteTagged(protocol.StringValue(val))
		b.WriteUvarint(uint64(ttl / time.Millisecond))
	})
}

func (d *dispatcher) handleRemoveList(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := readListElement(req)
	if err != nil {
		return err
	}

	if err := d.srv.cache.RemoveList(ctx, key, val, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpRemoveList, func(b *protocol.Buffer) {
		b.WriteString(key)
		b.WriteTagged(protocol.StringValue(val))
	})
}

func (d *dispatcher) handleContainsList(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := readListElement(req)
	if err != nil {
		return err
	}
	contains, err := d.srv.cache.ContainsList(ctx, key, val, true)
	if err != nil {
		return err
	}
	body.WriteBool(contains)
	return nil
}

// --------------------------------------------------------------------------
// Counter Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleSetCounter(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	n, err := req.ReadInt64()
	if err != nil {
		return err
	}

	if err := d.srv.cache.SetCounter(ctx, key, n, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpSetCounter, func(b *protocol.Buffer) {
		b.WriteString(key)
		b.WriteInt64(n)
	})
}

func (d *dispatcher) handleIncrementCounter(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	delta, err := req.ReadInt64()
	if err != nil {
		return err
	}

	result, err := d.srv.cache.IncrementCounter(ctx, key, delta, true)
	if err != nil {
		return err
	}
	body.WriteInt64(result)

	// Increments replicate as an absolute counter write so a replayed batch
	// after reconnect cannot double-apply the delta.
	return d.replicate(ctx, protocol.OpSetCounter, func(b *protocol.Buffer) {
		b.WriteString(key)
		b.WriteInt64(result)
	})
}

// --------------------------------------------------------------------------
// Map Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleGetMapValue(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	sub, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := d.srv.cache.GetMapValue(ctx, key, sub, true)
	if err != nil {
		return err
	}
	body.WriteTagged(val)
	return nil
}

func (d *dispatcher) handleSetMapValue(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	sub, err := req.ReadString()
	if err != nil {
		return err
	}
	val, err := req.ReadTagged()
	if err != nil {
		return err
	}
	ttl, err := readTTL(req)
	if err != nil {
		return err
	}

	if err := d.srv.cache.SetMapValue(ctx, key, sub, val, ttl, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpSetMapValue, func(b *protocol.Buffer) {
		b.WriteString(key)
		b.WriteString(sub)
		b.WriteTagged(val)
		b.WriteUvarint(uint64(ttl / time.Millisecond))
	})
}

func (d *dispatcher) handleGetMap(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	m, err := d.srv.cache.GetMap(ctx, key, true)
	if err != nil {
		return err
	}
	writeMapPayload(body, m)
	return nil
}

func (d *dispatcher) handleSetMap(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	m, err := readMapPayload(req)
	if err != nil {
		return err
	}
	ttl, err := readTTL(req)
	if err != nil {
		return err
	}

	if err := d.srv.cache.SetMap(ctx, key, m, ttl, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpSetMap, func(b *protocol.Buffer) {
		b.WriteString(key)
		writeMapPayload(b, m)
		b.WriteUvarint(uint64(ttl / time.Millisecond))
	})
}

// --------------------------------------------------------------------------
// Key Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleExists(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	exists, err := d.srv.cache.Exists(ctx, key, true)
	if err != nil {
		return err
	}
	body.WriteBool(exists)
	return nil
}

func (d *dispatcher) handleDelete(ctx context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	key, err := req.ReadString()
	if err != nil {
		return err
	}
	if err := d.srv.cache.Delete(ctx, key, true); err != nil {
		return err
	}
	return d.replicate(ctx, protocol.OpDelete, func(b *protocol.Buffer) {
		b.WriteString(key)
	})
}

// --------------------------------------------------------------------------
// Bulk Handler
// --------------------------------------------------------------------------

// handleBulk executes an envelope of inlined sub-requests. Only GetString,
// SetString, Exists and Delete are valid inside a bulk; any other operation
// code rejects the whole envelope. The response mirrors the envelope with
// one status-prefixed sub-response per sub-request.
func (d *dispatcher) handleBulk(ctx context.Context, _ *Connection, req, body *protocol.Buffer) error {
	count, err := req.ReadUvarint()
	if err != nil {
		return err
	}

	body.WriteUvarint(count)
	for i := uint64(0); i < count; i++ {
		opByte, err := req.ReadUint8()
		if err != nil {
			return err
		}

		sub := protocol.Get()
		subErr := d.dispatchBulkOp(ctx, protocol.OpCode(opByte), req, sub)
		if subErr == errBulkUnsupported {
			protocol.Put(sub)
			return fmt.Errorf("operation %s is not allowed inside a bulk request", protocol.OpCode(opByte))
		}
		if subErr != nil && !isExecutionError(subErr) {
			// A decode failure desyncs the remaining sub-requests, so the
			// whole envelope is rejected.
			protocol.Put(sub)
			return subErr
		}

		if subErr != nil {
			body.WriteUint8(uint8(protocol.StatusError))
			body.WriteString(subErr.Error())
		} else {
			body.WriteUint8(uint8(protocol.StatusOk))
			body.WriteRaw(sub.Bytes())
		}
		protocol.Put(sub)
	}
	return nil
}

// errBulkUnsupported marks operation codes outside the bulk subset.
var errBulkUnsupported = fmt.Errorf("unsupported bulk operation")

// isExecutionError separates per-operation failures (reported in the
// sub-response) from envelope violations (which reject the whole bulk).
func isExecutionError(err error) bool {
	if _, ok := err.(*cache.Error); ok {
		return true
	}
	return false
}

func (d *dispatcher) dispatchBulkOp(ctx context.Context, op protocol.OpCode, req, sub *protocol.Buffer) error {
	switch op {
	case protocol.OpGetString:
		return d.handleGetString(ctx, nil, req, sub)
	case protocol.OpSetString:
		return d.handleSetString(ctx, nil, req, sub)
	case protocol.OpExists:
		return d.handleExists(ctx, nil, req, sub)
	case protocol.OpDelete:
		return d.handleDelete(ctx, nil, req, sub)
	default:
		return errBulkUnsupported
	}
}

// --------------------------------------------------------------------------
// Pub/Sub Handlers
// --------------------------------------------------------------------------

func (d *dispatcher) handleSubscribe(_ context.Context, c *Connection, req, _ *protocol.Buffer) error {
	channel, err := req.ReadString()
	if err != nil {
		return err
	}
	d.srv.events.Subscribe(channel, c)
	return nil
}

func (d *dispatcher) handleUnsubscribe(_ context.Context, c *Connection, req, _ *protocol.Buffer) error {
	channel, err := req.ReadString()
	if err != nil {
		return err
	}
	d.srv.events.Unsubscribe(channel, c)
	return nil
}

func (d *dispatcher) handlePublish(_ context.Context, _ *Connection, req, _ *protocol.Buffer) error {
	channel, err := req.ReadString()
	if err != nil {
		return err
	}
	payload, err := req.ReadTagged()
	if err != nil {
		return err
	}
	d.srv.events.Publish(channel, payload)
	return nil
}
