package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tesseradb/tessera/rpc/protocol"
)

// maxWorkersPerConn bounds the number of concurrently running handlers per
// connection. Responses may interleave at packet granularity only; byte
// ordering is protected by the write mutex.
const maxWorkersPerConn = 16

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Connection is one accepted client socket with its framing state. It
// implements pubsub.Subscriber so published payloads can be pushed to it.
type Connection struct {
	id   uint64
	conn net.Conn
	srv  *Server

	// ctx is cancelled when the connection shuts down; it bounds every
	// suspension point of in-flight handlers.
	ctx    context.Context
	cancel context.CancelFunc

	authenticated atomic.Bool

	writeMu   sync.Mutex
	workers   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newConnection(id uint64, conn net.Conn, srv *Server) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:      id,
		conn:    conn,
		srv:     srv,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(chan struct{}, maxWorkersPerConn),
	}
}

// ID implements pubsub.Subscriber.
func (c *Connection) ID() uint64 { return c.id }

// Authenticated reports whether Login succeeded on this connection.
func (c *Connection) Authenticated() bool { return c.authenticated.Load() }

// --------------------------------------------------------------------------
// Receive Loop
// --------------------------------------------------------------------------

// receiveLoop reads length-prefixed packets and hands each complete payload
// to the dispatcher. A zero-length frame, a frame below the minimum or above
// the maximum payload size, or any I/O error terminates the connection.
func (c *Connection) receiveLoop() {
	defer c.close()

	header := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			if err != io.EOF {
				Logger.Debugf("connection %d read error: %v", c.id, err)
			}
			break
		}

		length := binary.BigEndian.Uint32(header)
		if length < protocol.MinPayloadSize || length > protocol.MaxPayloadSize {
			Logger.Warningf("connection %d sent malformed frame of %d bytes", c.id, length)
			break
		}

		buf := protocol.Get()
		if _, err := io.ReadFull(c.conn, buf.Resize(int(length))); err != nil {
			protocol.Put(buf)
			Logger.Debugf("connection %d read error: %v", c.id, err)
			break
		}

		// The semaphore bounds concurrent handlers for this connection.
		c.workers <- struct{}{}
		c.wg.Add(1)
		go func() {
			defer func() {
				<-c.workers
				c.wg.Done()
			}()
			c.srv.dispatcher.dispatch(c, buf)
		}()
	}

	c.wg.Wait()
}

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

// send writes one complete frame. The write mutex serializes concurrent
// handler responses on the shared socket.
func (c *Connection) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// Deliver implements pubsub.Subscriber: published payloads are pushed as
// unsolicited Publish packets with request id zero.
func (c *Connection) Deliver(channel string, payload protocol.TaggedValue) error {
	b := protocol.GetFrame()
	defer protocol.Put(b)

	b.WriteUint8(uint8(protocol.OpPublish))
	b.WriteUint32(0)
	b.WriteUint8(uint8(protocol.StatusOk))
	b.WriteString(channel)
	b.WriteTagged(payload)

	return c.send(b.Frame())
}

// close tears the connection down exactly once: cancels in-flight handlers,
// closes the socket and removes the registration and subscriptions.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		c.srv.removeConnection(c)
		Logger.Debugf("connection %d closed", c.id)
	})
}
