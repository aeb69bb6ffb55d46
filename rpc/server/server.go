package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tesseradb/tessera/lib/cache"
	"github.com/tesseradb/tessera/lib/pubsub"
	"github.com/tesseradb/tessera/rpc/common"
	"github.com/tesseradb/tessera/rpc/protocol"
)

var Logger = logger.GetLogger("server")

// --------------------------------------------------------------------------
// Cluster Interface
// --------------------------------------------------------------------------

// Cluster is the leadership and replication surface the server consumes.
// A nil Cluster means standalone operation.
type Cluster interface {
	// ID returns this node's cluster id.
	ID() int32

	// IsLeader reports whether this node is the elected leader.
	IsLeader() bool

	// Replicate ships a committed mutation to the followers. With sync
	// replication it returns after all connected followers acknowledged;
	// with async replication it enqueues and returns immediately.
	Replicate(ctx context.Context, op protocol.OpCode, args []byte) error
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server accepts client connections and serves the framed cache protocol.
type Server struct {
	config common.ServerConfig

	cache   *cache.Cache
	events  *pubsub.Service
	cluster Cluster

	dispatcher *dispatcher

	listener    net.Listener
	ready       chan struct{}
	connections *xsync.MapOf[uint64, *Connection]
	nextConnID  atomic.Uint64
	startedAt   time.Time

	closed  atomic.Bool
	closeWg sync.WaitGroup
}

// New creates a server around the given cache and pub/sub service. cluster
// may be nil for standalone operation.
func New(config common.ServerConfig, c *cache.Cache, events *pubsub.Service, cl Cluster) *Server {
	s := &Server{
		config:      config,
		cache:       c,
		events:      events,
		cluster:     cl,
		ready:       make(chan struct{}),
		connections: xsync.NewMapOf[uint64, *Connection](),
	}
	s.dispatcher = newDispatcher(s)
	return s
}

// Serve binds the client listener and accepts connections until Close is
// called. It returns a startup error when the bind fails.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind client listener on %s: %w", s.config.Addr(), err)
	}
	s.listener = listener
	s.startedAt = time.Now()
	close(s.ready)

	Logger.Infof("listening on %s", s.config.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			Logger.Errorf("accept error: %v", err)
			continue
		}

		s.handleAccepted(conn)
	}
}

// handleAccepted registers a fresh connection and starts its receive loop.
func (s *Server) handleAccepted(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			Logger.Warningf("failed to set TCP_NODELAY: %v", err)
		}
	}

	c := newConnection(s.nextConnID.Add(1), conn, s)
	s.connections.Store(c.id, c)

	Logger.Debugf("connection %d accepted from %s", c.id, conn.RemoteAddr())

	s.closeWg.Add(1)
	go func() {
		defer s.closeWg.Done()
		c.receiveLoop()
	}()
}

// removeConnection unregisters a terminated connection and drops its
// subscriptions.
func (s *Server) removeConnection(c *Connection) {
	s.connections.Delete(c.id)
	s.events.RemoveSubscriber(c)
}

// Ready is closed once the listener is bound and accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address, valid after Ready.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// ConnectionCount returns the number of live client connections.
func (s *Server) ConnectionCount() int { return s.connections.Size() }

// Uptime returns the time since the listener came up.
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

// Close stops the accept loop, closes all connections and waits for their
// receive loops to drain.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connections.Range(func(_ uint64, c *Connection) bool {
		c.close()
		return true
	})
	s.closeWg.Wait()
}
