package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tesseradb/tessera/rpc/protocol"
)

var Logger = logger.GetLogger("pubsub")

// KeyExpirationChannel is the reserved internal channel carrying key
// expiration events. The payload is the expired key as a string value.
const KeyExpirationChannel = "__key_expiration__"

// --------------------------------------------------------------------------
// Subscriber Interface
// --------------------------------------------------------------------------

// Subscriber receives published payloads. Server connections implement this.
type Subscriber interface {
	// ID uniquely identifies the subscriber within the process.
	ID() uint64

	// Deliver hands a published payload to the subscriber. Delivery is
	// best-effort; errors are logged by the service, not surfaced.
	Deliver(channel string, payload protocol.TaggedValue) error
}

// --------------------------------------------------------------------------
// Service
// --------------------------------------------------------------------------

// channel holds the subscriber set of one channel. The subscriber slice is
// copy-on-write: mutations replace the slice under mu while Publish loads
// the current snapshot without locking.
type channel struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]Subscriber]
}

// Service maps channel names to subscriber sets and fans published payloads
// out to every current subscriber.
type Service struct {
	channels *xsync.MapOf[string, *channel]
}

// NewService creates an empty pub/sub service.
func NewService() *Service {
	return &Service{channels: xsync.NewMapOf[string, *channel]()}
}

// Subscribe adds sub to the named channel. Subscribing twice is a no-op.
func (s *Service) Subscribe(name string, sub Subscriber) {
	ch, _ := s.channels.LoadOrCompute(name, func() *channel {
		c := &channel{}
		empty := make([]Subscriber, 0)
		c.subs.Store(&empty)
		return c
	})

	ch.mu.Lock()
	defer ch.mu.Unlock()

	current := *ch.subs.Load()
	for _, existing := range current {
		if existing.ID() == sub.ID() {
			return
		}
	}

	next := make([]Subscriber, len(current)+1)
	copy(next, current)
	next[len(current)] = sub
	ch.subs.Store(&next)
}

// Unsubscribe removes sub from the named channel. Unsubscribing a subscriber
// that is not present is a no-op.
func (s *Service) Unsubscribe(name string, sub Subscriber) {
	ch, ok := s.channels.Load(name)
	if !ok {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	current := *ch.subs.Load()
	next := make([]Subscriber, 0, len(current))
	for _, existing := range current {
		if existing.ID() != sub.ID() {
			next = append(next, existing)
		}
	}
	ch.subs.Store(&next)
}

// RemoveSubscriber drops sub from every channel. Called when a connection
// terminates.
func (s *Service) RemoveSubscriber(sub Subscriber) {
	s.channels.Range(func(name string, _ *channel) bool {
		s.Unsubscribe(name, sub)
		return true
	})
}

// Publish emits payload to every current subscriber of the named channel.
// Per-subscriber delivery failures are logged and do not affect the others.
func (s *Service) Publish(name string, payload protocol.TaggedValue) {
	ch, ok := s.channels.Load(name)
	if !ok {
		return
	}

	for _, sub := range *ch.subs.Load() {
		if err := sub.Deliver(name, payload); err != nil {
			Logger.Warningf("failed to deliver to subscriber %d on channel %q: %v", sub.ID(), name, err)
		}
	}
}

// PublishKeyExpiration emits a key expiration event on the reserved channel.
func (s *Service) PublishKeyExpiration(key string) {
	s.Publish(KeyExpirationChannel, protocol.StringValue(key))
}

// SubscriberCount returns the number of subscribers of the named channel.
func (s *Service) SubscriberCount(name string) int {
	ch, ok := s.channels.Load(name)
	if !ok {
		return 0
	}
	return len(*ch.subs.Load())
}
