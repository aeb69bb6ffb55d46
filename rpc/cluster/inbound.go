package cluster

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tesseradb/tessera/rpc/protocol"
)

// --------------------------------------------------------------------------
// Inbound Peer Connections
// --------------------------------------------------------------------------

// acceptLoop accepts peer connections on the cluster listener. Each
// connection must open with a valid handshake before any other message is
// served.
func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.closed.Load() {
				return
			}
			Logger.Errorf("node %d: cluster accept error: %v", n.config.ID, err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		n.closeWg.Add(1)
		go func() {
			defer n.closeWg.Done()
			n.serveInbound(conn)
		}()
	}
}

// serveInbound authenticates one accepted peer connection and serves its
// requests until it drops.
func (n *Node) serveInbound(conn net.Conn) {
	n.inboundMu.Lock()
	n.inboundConns[conn] = struct{}{}
	n.inboundMu.Unlock()

	defer func() {
		conn.Close()
		n.inboundMu.Lock()
		delete(n.inboundConns, conn)
		n.inboundMu.Unlock()
	}()

	peerID, err := n.acceptHandshake(conn)
	if err != nil {
		Logger.Warningf("node %d: inbound handshake failed from %s: %v", n.config.ID, conn.RemoteAddr(), err)
		return
	}

	Logger.Infof("node %d: accepted peer %d", n.config.ID, peerID)
	n.inboundEstablished()

	var writeMu sync.Mutex
	for {
		req, err := readMeshFrame(conn)
		if err != nil {
			Logger.Debugf("node %d: inbound link from peer %d closed: %v", n.config.ID, peerID, err)
			return
		}
		n.serveRequest(conn, &writeMu, peerID, req)
	}
}

// acceptHandshake validates the opening handshake and echoes the cluster
// password back so the dialer can verify this side too. A failed check
// closes the connection without serving anything.
func (n *Node) acceptHandshake(conn net.Conn) (int32, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	req, err := readMeshFrame(conn)
	if err != nil {
		return 0, err
	}
	defer protocol.Put(req)

	opByte, err := req.ReadUint8()
	if err != nil {
		return 0, err
	}
	reqID, err := req.ReadUint32()
	if err != nil {
		return 0, err
	}
	if OpCode(opByte) != OpHandshake {
		return 0, fmt.Errorf("expected handshake, got %s", OpCode(opByte))
	}

	peerID, err := req.ReadInt32()
	if err != nil {
		return 0, err
	}
	password, err := req.ReadString()
	if err != nil {
		return 0, err
	}

	resp := protocol.GetFrame()
	defer protocol.Put(resp)
	resp.WriteUint8(opByte)
	resp.WriteUint32(reqID)

	if password != n.config.Password {
		resp.WriteUint8(uint8(protocol.StatusError))
		resp.WriteString("invalid cluster password")
		_, _ = conn.Write(resp.Frame())
		return 0, fmt.Errorf("peer %d presented an invalid password", peerID)
	}

	resp.WriteUint8(uint8(protocol.StatusOk))
	resp.WriteString(n.config.Password)
	if _, err := conn.Write(resp.Frame()); err != nil {
		return 0, err
	}
	return peerID, nil
}

// serveRequest handles one correlated peer request and writes its reply.
func (n *Node) serveRequest(conn net.Conn, writeMu *sync.Mutex, peerID int32, req *protocol.Buffer) {
	defer protocol.Put(req)

	opByte, _ := req.ReadUint8()
	reqID, err := req.ReadUint32()
	if err != nil {
		return
	}
	op := OpCode(opByte)

	resp := protocol.GetFrame()
	defer protocol.Put(resp)
	resp.WriteUint8(opByte)
	resp.WriteUint32(reqID)

	body := protocol.Get()
	defer protocol.Put(body)

	if err := n.handlePeerOp(op, peerID, req, body); err != nil {
		resp.WriteUint8(uint8(protocol.StatusError))
		resp.WriteString(err.Error())
	} else {
		resp.WriteUint8(uint8(protocol.StatusOk))
		resp.WriteRaw(body.Bytes())
	}

	writeMu.Lock()
	_, writeErr := conn.Write(resp.Frame())
	writeMu.Unlock()
	if writeErr != nil {
		Logger.Debugf("node %d: failed to answer peer %d: %v", n.config.ID, peerID, writeErr)
	}
}

// handlePeerOp executes one mesh operation.
func (n *Node) handlePeerOp(op OpCode, peerID int32, req, body *protocol.Buffer) error {
	switch op {
	case OpAlive:
		leaderID, err := req.ReadInt32()
		if err != nil {
			return err
		}
		n.election.onAlive(leaderID)
		return nil

	case OpElection:
		fromID, err := req.ReadInt32()
		if err != nil {
			return err
		}
		// Acknowledging tells the lower node a higher one is alive; it then
		// waits for our Victory instead of claiming leadership.
		n.election.onElectionMessage(fromID)
		body.WriteInt32(n.config.ID)
		return nil

	case OpVictory:
		leaderID, err := req.ReadInt32()
		if err != nil {
			return err
		}
		n.election.onVictory(leaderID)
		return nil

	case OpSync:
		if !n.IsLeader() {
			return fmt.Errorf("node %d is not the leader", n.config.ID)
		}
		return n.writeSnapshot(body)

	case OpReplicate:
		m, err := readMutation(req)
		if err != nil {
			return err
		}
		return n.applyMutation(m)

	case OpReplicateBatch:
		count, err := req.ReadUvarint()
		if err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			m, err := readMutation(req)
			if err != nil {
				return err
			}
			if err := n.applyMutation(m); err != nil {
				Logger.Errorf("node %d: failed to apply replicated %s: %v", n.config.ID, m.op, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown cluster operation %d from peer %d", uint8(op), peerID)
	}
}
