package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/tesseradb/tessera/rpc/protocol"
)

var errUnauthenticated = errors.New("unauthenticated: login first")

// handlerFunc reads the remaining request payload, performs the work and
// writes the success body. A returned error becomes an Error response for
// this request only.
type handlerFunc func(ctx context.Context, c *Connection, req, body *protocol.Buffer) error

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// dispatcher multiplexes decoded packets onto operation handlers and writes
// the response envelope: operation byte, request id, status, body.
type dispatcher struct {
	srv      *Server
	handlers map[protocol.OpCode]handlerFunc
}

func newDispatcher(s *Server) *dispatcher {
	d := &dispatcher{srv: s, handlers: make(map[protocol.OpCode]handlerFunc)}
	d.registerHandlers()
	return d
}

// dispatch handles one complete packet. The request buffer is returned to
// the pool on every path, as are the response and body buffers.
func (d *dispatcher) dispatch(c *Connection, req *protocol.Buffer) {
	defer protocol.Put(req)

	// The receive loop enforces the minimum payload size, so the envelope
	// reads cannot fail.
	opByte, _ := req.ReadUint8()
	reqID, _ := req.ReadUint32()
	op := protocol.OpCode(opByte)

	resp := protocol.GetFrame()
	defer protocol.Put(resp)
	resp.WriteUint8(opByte)
	resp.WriteUint32(reqID)

	body := protocol.Get()
	defer protocol.Put(body)

	var err error
	if op != protocol.OpLogin && !c.Authenticated() {
		err = errUnauthenticated
	} else if handler, ok := d.handlers[op]; ok {
		err = handler(c.ctx, c, req, body)
	} else {
		err = fmt.Errorf("unknown operation %d", opByte)
	}

	if err != nil {
		resp.WriteUint8(uint8(protocol.StatusError))
		resp.WriteString(err.Error())
	} else {
		resp.WriteUint8(uint8(protocol.StatusOk))
		resp.WriteRaw(body.Bytes())
	}

	if sendErr := c.send(resp.Frame()); sendErr != nil {
		Logger.Debugf("connection %d response write failed: %v", c.id, sendErr)
		c.close()
	}
}

// replicate ships a committed mutation to the followers when this node is
// the elected leader of a cluster. The args encoder writes the operation's
// fields exactly as a follower's apply path expects them.
func (d *dispatcher) replicate(ctx context.Context, op protocol.OpCode, build func(*protocol.Buffer)) error {
	if d.srv.cluster == nil || !d.srv.cluster.IsLeader() {
		return nil
	}

	b := protocol.Get()
	defer protocol.Put(b)
	build(b)

	args := make([]byte, b.Len())
	copy(args, b.Bytes())

	return d.srv.cluster.Replicate(ctx, op, args)
}
