package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tesseradb/tessera/rpc/common"
	"github.com/tesseradb/tessera/rpc/protocol"
)

const (
	// reconnectBaseDelay is the initial backoff after a dropped outbound
	// link; it doubles up to reconnectMaxDelay.
	reconnectBaseDelay = 250 * time.Millisecond
	reconnectMaxDelay  = 5 * time.Second

	// handshakeTimeout bounds the mutual password exchange on a fresh
	// connection.
	handshakeTimeout = 5 * time.Second
)

// --------------------------------------------------------------------------
// Frame Helpers
// --------------------------------------------------------------------------

// readMeshFrame reads one length-prefixed packet into a pooled buffer. The
// caller owns the buffer and must return it to the pool.
func readMeshFrame(conn net.Conn) (*protocol.Buffer, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length < protocol.MinPayloadSize || length > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("malformed mesh frame of %d bytes", length)
	}
	buf := protocol.Get()
	if _, err := io.ReadFull(conn, buf.Resize(int(length))); err != nil {
		protocol.Put(buf)
		return nil, err
	}
	return buf, nil
}

// --------------------------------------------------------------------------
// Outbound Link
// --------------------------------------------------------------------------

// response carries a correlated reply or the link error that voided it.
type response struct {
	buf *protocol.Buffer
	err error
}

// link is this node's outbound connection to one peer. Requests travel only
// on the dialing side's link; the peer serves them on its inbound side, so
// request ids never collide between directions. The link redials with
// backoff after drops and re-runs the password handshake on every fresh
// connection.
type link struct {
	node *Node
	peer common.NodeConfig

	mu        sync.Mutex // guards conn swaps and writes
	conn      net.Conn
	connected atomic.Bool

	pending   *xsync.MapOf[uint32, chan response]
	nextReqID atomic.Uint32

	stop      chan struct{}
	firstDial sync.Once
}

func newLink(node *Node, peer common.NodeConfig) *link {
	return &link{
		node:    node,
		peer:    peer,
		pending: xsync.NewMapOf[uint32, chan response](),
		stop:    make(chan struct{}),
	}
}

// run dials, handshakes and reads responses until the link is stopped.
func (l *link) run() {
	delay := reconnectBaseDelay
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		conn, err := l.dial()
		if err != nil {
			Logger.Warningf("node %d: failed to connect to peer %d (%s): %v",
				l.node.config.ID, l.peer.ID, l.peer.Addr(), err)

			select {
			case <-l.stop:
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		delay = reconnectBaseDelay
		l.setConn(conn)
		Logger.Infof("node %d: connected to peer %d (%s)", l.node.config.ID, l.peer.ID, l.peer.Addr())

		// The first completed outbound handshake counts toward node-ready.
		l.firstDial.Do(l.node.outboundEstablished)

		l.readResponses(conn)
		l.clearConn(conn)
	}
}

// dial establishes a fresh connection and runs the mutual password
// handshake on it.
func (l *link) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", l.peer.Addr(), handshakeTimeout)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if err := l.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return conn, nil
}

// handshake sends this node's id and cluster password and verifies the
// password echoed back by the peer. Either side failing the check closes
// the connection.
func (l *link) handshake(conn net.Conn) error {
	req := protocol.GetFrame()
	defer protocol.Put(req)
	req.WriteUint8(uint8(OpHandshake))
	req.WriteUint32(0)
	req.WriteInt32(l.node.config.ID)
	req.WriteString(l.node.config.Password)

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(req.Frame()); err != nil {
		return err
	}

	resp, err := readMeshFrame(conn)
	if err != nil {
		return err
	}
	defer protocol.Put(resp)

	if _, err := resp.ReadUint8(); err != nil { // op
		return err
	}
	if _, err := resp.ReadUint32(); err != nil { // request id
		return err
	}
	status, err := resp.ReadUint8()
	if err != nil {
		return err
	}
	if protocol.Status(status) != protocol.StatusOk {
		msg, _ := resp.ReadString()
		return fmt.Errorf("peer rejected handshake: %s", msg)
	}
	password, err := resp.ReadString()
	if err != nil {
		return err
	}
	if password != l.node.config.Password {
		return fmt.Errorf("peer password mismatch")
	}
	return nil
}

func (l *link) setConn(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.connected.Store(true)
}

// clearConn drops the connection and fails every pending request so sync
// replication waits never hang on a dead follower.
func (l *link) clearConn(conn net.Conn) {
	l.connected.Store(false)
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	_ = conn.Close()

	l.pending.Range(func(id uint32, ch chan response) bool {
		if _, loaded := l.pending.LoadAndDelete(id); loaded {
			ch <- response{err: fmt.Errorf("peer %d disconnected", l.peer.ID)}
		}
		return true
	})
}

// Connected reports whether the link currently has an established,
// handshaked connection.
func (l *link) Connected() bool { return l.connected.Load() }

// readResponses distributes correlated replies to their waiting requests.
func (l *link) readResponses(conn net.Conn) {
	for {
		buf, err := readMeshFrame(conn)
		if err != nil {
			if err != io.EOF {
				Logger.Debugf("node %d: link to peer %d read error: %v", l.node.config.ID, l.peer.ID, err)
			}
			return
		}

		if _, err := buf.ReadUint8(); err != nil { // op
			protocol.Put(buf)
			return
		}
		reqID, err := buf.ReadUint32()
		if err != nil {
			protocol.Put(buf)
			return
		}

		if ch, loaded := l.pending.LoadAndDelete(reqID); loaded {
			ch <- response{buf: buf}
		} else {
			Logger.Warningf("node %d: response for unknown request id %d from peer %d", l.node.config.ID, reqID, l.peer.ID)
			protocol.Put(buf)
		}
	}
}

// request sends one correlated message and waits for its reply. The
// returned buffer is positioned at the status byte; the caller must return
// it to the pool.
func (l *link) request(ctx context.Context, op OpCode, build func(*protocol.Buffer)) (*protocol.Buffer, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("peer %d is not connected", l.peer.ID)
	}

	reqID := l.nextReqID.Add(1)
	ch := make(chan response, 1)
	l.pending.Store(reqID, ch)
	defer l.pending.Delete(reqID)

	req := protocol.GetFrame()
	req.WriteUint8(uint8(op))
	req.WriteUint32(reqID)
	if build != nil {
		build(req)
	}

	l.mu.Lock()
	_, err := conn.Write(req.Frame())
	l.mu.Unlock()
	protocol.Put(req)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.buf, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stop:
		return nil, fmt.Errorf("link to peer %d is shutting down", l.peer.ID)
	}
}

// requestOk performs request and checks the status byte, converting an
// error status into a Go error. The returned buffer is positioned at the
// first body field.
func (l *link) requestOk(ctx context.Context, op OpCode, build func(*protocol.Buffer)) (*protocol.Buffer, error) {
	resp, err := l.request(ctx, op, build)
	if err != nil {
		return nil, err
	}
	status, err := resp.ReadUint8()
	if err != nil {
		protocol.Put(resp)
		return nil, err
	}
	if protocol.Status(status) != protocol.StatusOk {
		msg, _ := resp.ReadString()
		protocol.Put(resp)
		return nil, fmt.Errorf("peer %d: %s", l.peer.ID, msg)
	}
	return resp, nil
}

// close stops the reconnect loop and tears down the connection.
func (l *link) close() {
	close(l.stop)
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
