package hub

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
)

func testHub(depth int) *Hub {
	cfg := config.Defaults()
	cfg.SubscriberQueueDepth = depth
	return New(cfg, nil)
}

func TestPublishDeliversToSubscribedSession(t *testing.T) {
	h := testHub(4)
	queueID := uuid.New()
	s := h.Register(domain.SubscriberSession{ID: uuid.New(), Role: "customer"})
	h.Subscribe(s.Info().ID, QueueGroup(queueID))

	h.Publish(QueueGroup(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionJoin})

	select {
	case ev := <-s.Events():
		if ev.Action != domain.ActionJoin {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestPublishSkipsUnsubscribedSession(t *testing.T) {
	h := testHub(4)
	queueID := uuid.New()
	s := h.Register(domain.SubscriberSession{ID: uuid.New()})

	h.Publish(QueueGroup(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionJoin})

	select {
	case ev := <-s.Events():
		t.Fatalf("expected no delivery to an unsubscribed session, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := testHub(4)
	queueID := uuid.New()
	id := uuid.New()
	s := h.Register(domain.SubscriberSession{ID: id})
	h.Subscribe(id, QueueGroup(queueID))
	h.Unsubscribe(id, QueueGroup(queueID))

	h.Publish(QueueGroup(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionJoin})

	select {
	case ev := <-s.Events():
		t.Fatalf("expected no delivery after unsubscribe, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoveDropsSession(t *testing.T) {
	h := testHub(4)
	id := uuid.New()
	h.Register(domain.SubscriberSession{ID: id})
	if h.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", h.SessionCount())
	}
	h.Remove(id)
	if h.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions after remove, got %d", h.SessionCount())
	}
}

func TestOverflowFlagsResyncAndDrainsQueue(t *testing.T) {
	h := testHub(2)
	queueID := uuid.New()
	id := uuid.New()
	s := h.Register(domain.SubscriberSession{ID: id})
	h.Subscribe(id, QueueGroup(queueID))

	for i := 0; i < 5; i++ {
		h.Publish(QueueGroup(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionUpdate, Payload: i})
	}

	if !s.TakeResync() {
		t.Fatal("expected resync required after overflow")
	}
	if s.TakeResync() {
		t.Fatal("expected TakeResync to clear the flag")
	}
	// Publish 2 overflowed the depth-2 queue and drained events 0 and 1;
	// events 3 and 4 were queued after the drain.
	for _, want := range []int{3, 4} {
		select {
		case ev := <-s.Events():
			if ev.Payload != want {
				t.Fatalf("expected overflow to drain the stale queue, got payload %v, want %d", ev.Payload, want)
			}
		default:
			t.Fatalf("expected post-overflow event %d to be queued", want)
		}
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("expected no further events, got %+v", ev)
	default:
	}
}

func TestPublishDoesNotBlockOnFullQueue(t *testing.T) {
	h := testHub(1)
	queueID := uuid.New()
	id := uuid.New()
	h.Register(domain.SubscriberSession{ID: id})
	h.Subscribe(id, QueueGroup(queueID))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(QueueGroup(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish must never block on a full subscriber queue")
	}
}
