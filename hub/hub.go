// Package hub fans broadcast events out to live WebSocket sessions, grouped
// by queue, shop, or specialist. It knows nothing about the wire protocol
// or the socket itself — wsgateway owns that; hub only owns membership and
// delivery.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
)

// QueueGroup, ShopGroup, SpecialistGroup and NotificationGroup name the
// group kinds a session can subscribe to. Naming follows spec §5's
// `queue:<id>` / `shop_queues:<id>` / `notifications:<user_id>` convention;
// SpecialistGroup has no spec analogue but is useful internally for
// specialist-scoped fan-out.
func QueueGroup(queueID uuid.UUID) string           { return "queue:" + queueID.String() }
func ShopGroup(shopID uuid.UUID) string             { return "shop_queues:" + shopID.String() }
func SpecialistGroup(specialistID uuid.UUID) string { return "specialist:" + specialistID.String() }
func NotificationGroup(userID uuid.UUID) string     { return "notifications:" + userID.String() }

// Session is one registered subscriber's mailbox. wsgateway's write loop
// drains Events() and checks TakeResync() before every send.
type Session struct {
	mu   sync.Mutex
	info domain.SubscriberSession
	ch   chan domain.Event

	resyncRequired bool
}

func newSession(info domain.SubscriberSession, depth int) *Session {
	if info.Groups == nil {
		info.Groups = map[string]bool{}
	}
	return &Session{info: info, ch: make(chan domain.Event, depth)}
}

// Events returns the channel wsgateway's write loop selects on.
func (s *Session) Events() <-chan domain.Event { return s.ch }

// Info returns a copy of the session's current metadata.
func (s *Session) Info() domain.SubscriberSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	groups := make(map[string]bool, len(s.info.Groups))
	for k, v := range s.info.Groups {
		groups[k] = v
	}
	info.Groups = groups
	return info
}

// TakeResync reports whether this session missed events to a full outbound
// queue since the last call, clearing the flag. A caller that observes true
// must push a fresh QueueSnapshot rather than trust anything still queued.
func (s *Session) TakeResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.resyncRequired
	s.resyncRequired = false
	return v
}

// markOverflow flags the session for a resync and discards whatever is
// still buffered: once a client needs a full resync, stale queued deltas
// are worse than no delta at all.
func (s *Session) markOverflow() {
	s.mu.Lock()
	s.resyncRequired = true
	s.mu.Unlock()
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}

// Hub tracks every live session and its group membership, and fans out
// Publish calls to whichever sessions subscribed to that group. It
// satisfies queueengine.Publisher without importing that package.
type Hub struct {
	depth int
	log   *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func New(cfg config.Data, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{depth: cfg.SubscriberQueueDepth, log: log, sessions: map[uuid.UUID]*Session{}}
}

// Register admits a new session and returns its mailbox.
func (h *Hub) Register(info domain.SubscriberSession) *Session {
	s := newSession(info, h.depth)
	h.mu.Lock()
	h.sessions[info.ID] = s
	h.mu.Unlock()
	return s
}

// Remove drops a session entirely, the equivalent of unsubscribe_all.
func (h *Hub) Remove(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}

func (h *Hub) Subscribe(sessionID uuid.UUID, group string) {
	h.withSession(sessionID, func(s *Session) {
		s.mu.Lock()
		s.info.Groups[group] = true
		s.mu.Unlock()
	})
}

func (h *Hub) Unsubscribe(sessionID uuid.UUID, group string) {
	h.withSession(sessionID, func(s *Session) {
		s.mu.Lock()
		delete(s.info.Groups, group)
		s.mu.Unlock()
	})
}

func (h *Hub) withSession(sessionID uuid.UUID, fn func(*Session)) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		fn(s)
	}
}

// SessionCount reports how many sessions are currently registered.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish fans ev out to every session subscribed to group. A session whose
// outbound queue is full is never blocked on: it is flagged for resync
// instead, preserving the ordering guarantee for every session that isn't
// backed up.
func (h *Hub) Publish(group string, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.mu.Lock()
		subscribed := s.info.Groups[group]
		s.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("subscriber outbound queue full, flagging resync",
				zap.String("session_id", s.info.ID.String()), zap.String("group", group))
			s.markOverflow()
		}
	}
}
