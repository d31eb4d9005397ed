package queueengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/queuemesh/hybridqueue/clock"
	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/notify"
	"github.com/queuemesh/hybridqueue/waitpredictor"
)

// fakeStore is an in-memory TicketStore + QueueStore + ServiceTimeStore,
// just enough of store.Store for Engine to exercise.
type fakeStore struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]domain.Ticket
	queues  map[uuid.UUID]domain.Queue
	samples []domain.ServiceTimeSample
}

func newFakeStore() *fakeStore {
	return &fakeStore{tickets: map[uuid.UUID]domain.Ticket{}, queues: map[uuid.UUID]domain.Queue{}}
}

func (s *fakeStore) CreateTicket(_ context.Context, t domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
	return nil
}

func (s *fakeStore) GetTicket(_ context.Context, id uuid.UUID) (domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, domain.Validation(domain.CodeNotFound, "ticket not found")
	}
	return t, nil
}

func (s *fakeStore) ListActive(_ context.Context, queueID uuid.UUID) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.QueueID != queueID {
			continue
		}
		if t.Status == domain.StatusWaiting || t.Status == domain.StatusCalled || t.Status == domain.StatusServing {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByCustomerToday(_ context.Context, queueID, customerID uuid.UUID, day time.Time, loc *time.Location) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.QueueID == queueID && t.CustomerID == customerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTicket(_ context.Context, t domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tickets[t.ID]
	if !ok {
		return domain.Validation(domain.CodeNotFound, "ticket not found")
	}
	if cur.Version != t.Version {
		return domain.Precondition(domain.CodeIllegalState, "version conflict")
	}
	t.Version++
	s.tickets[t.ID] = t
	return nil
}

func (s *fakeStore) NextTicketNumber(_ context.Context, shopID uuid.UUID, day time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("Q-%s-", day.Format("060102"))
	n := 0
	for _, t := range s.tickets {
		if t.ShopID == shopID && len(t.Number) >= len(prefix) && t.Number[:len(prefix)] == prefix {
			n++
		}
	}
	return fmt.Sprintf("%s%03d", prefix, n+1), nil
}

func (s *fakeStore) ListRecentCompleted(_ context.Context, queueID uuid.UUID, limit int) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.QueueID == queueID && t.Status == domain.StatusServed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].CompletedAt, out[j].CompletedAt
		if ci == nil || cj == nil {
			return false
		}
		return ci.After(*cj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetQueue(_ context.Context, id uuid.UUID) (domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return domain.Queue{}, domain.Validation(domain.CodeNotFound, "queue not found")
	}
	return q, nil
}

func (s *fakeStore) UpdateQueueStatus(_ context.Context, id uuid.UUID, status domain.QueueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return domain.Validation(domain.CodeNotFound, "queue not found")
	}
	q.Status = status
	s.queues[id] = q
	return nil
}

func (s *fakeStore) CreateQueue(_ context.Context, q domain.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = q
	return nil
}

func (s *fakeStore) RecordSample(_ context.Context, sample domain.ServiceTimeSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *fakeStore) SamplesSince(_ context.Context, shopID uuid.UUID, serviceID, specialistID *uuid.UUID, since time.Time) ([]domain.ServiceTimeSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ServiceTimeSample
	for _, sample := range s.samples {
		if sample.ShopID == shopID && !sample.ObservedAt.Before(since) {
			out = append(out, sample)
		}
	}
	return out, nil
}

// recordingPublisher captures events per group in publish order.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: map[string][]domain.Event{}}
}

func (p *recordingPublisher) Publish(group string, ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[group] = append(p.events[group], ev)
}

func (p *recordingPublisher) actions(group string) []domain.EventAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventAction, len(p.events[group]))
	for i, ev := range p.events[group] {
		out[i] = ev.Action
	}
	return out
}

func newTestEngine(t *testing.T, st *fakeStore, pub Publisher, now time.Time) *Engine {
	t.Helper()
	cfg := config.Defaults()
	pred := waitpredictor.New(cfg, 64)
	return New(cfg, clock.NewFixed(now), st, st, st, pred, pub)
}

func seedQueue(st *fakeStore, shopID, queueID uuid.UUID, maxCapacity int) {
	st.queues[queueID] = domain.Queue{ID: queueID, ShopID: shopID, Name: "front-desk", Status: domain.QueueOpen, MaxCapacity: maxCapacity}
}

func mustJoin(t *testing.T, e *Engine, queueID, customerID uuid.UUID) domain.Ticket {
	t.Helper()
	ticket, err := e.Join(context.Background(), queueID, customerID, nil, nil, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return ticket
}

func TestSimpleFIFO(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, nil, now)
	ctx := context.Background()

	c1 := mustJoin(t, e, queueID, uuid.New())
	c2 := mustJoin(t, e, queueID, uuid.New())
	c3 := mustJoin(t, e, queueID, uuid.New())

	if c1.Position != 1 || c2.Position != 2 || c3.Position != 3 {
		t.Fatalf("positions = %d,%d,%d want 1,2,3", c1.Position, c2.Position, c3.Position)
	}

	called, err := e.CallNext(ctx, queueID, nil)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if called.ID != c1.ID || called.Status != domain.StatusCalled {
		t.Fatalf("CallNext returned %+v, want C1 called", called)
	}

	if _, err := e.MarkServing(ctx, called.ID, nil); err != nil {
		t.Fatalf("MarkServing: %v", err)
	}
	if _, err := e.MarkServed(ctx, called.ID); err != nil {
		t.Fatalf("MarkServed: %v", err)
	}

	snap, err := e.Snapshot(ctx, queueID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Waiting) != 2 || snap.Waiting[0].ID != c2.ID || snap.Waiting[0].Position != 1 {
		t.Fatalf("snapshot waiting = %+v, want C2 at 1", snap.Waiting)
	}
	if snap.Waiting[1].ID != c3.ID || snap.Waiting[1].Position != 2 {
		t.Fatalf("snapshot waiting = %+v, want C3 at 2", snap.Waiting)
	}
}

func TestPriorityInsertion(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, nil, now)
	ctx := context.Background()

	var ids [6]uuid.UUID
	for i := 0; i < 6; i++ {
		tk := mustJoin(t, e, queueID, uuid.New())
		ids[i] = tk.ID
	}

	appointmentID := uuid.New()
	c7, err := e.Join(ctx, queueID, uuid.New(), nil, nil, &appointmentID)
	if err != nil {
		t.Fatalf("Join with appointment: %v", err)
	}
	if c7.Position != 2 {
		t.Fatalf("C7.Position = %d, want 2", c7.Position)
	}

	snap, err := e.Snapshot(ctx, queueID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	byID := map[uuid.UUID]domain.Ticket{}
	for _, tk := range snap.Waiting {
		byID[tk.ID] = tk
	}
	if byID[ids[0]].Position != 1 {
		t.Fatalf("C1.Position = %d, want 1", byID[ids[0]].Position)
	}
	for i, want := range []int{3, 4, 5, 6, 7} {
		if byID[ids[i+1]].Position != want {
			t.Fatalf("C%d.Position = %d, want %d", i+2, byID[ids[i+1]].Position, want)
		}
	}
}

func TestCapacityRejection(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 2)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	pub := newRecordingPublisher()
	e := newTestEngine(t, st, pub, now)
	ctx := context.Background()

	mustJoin(t, e, queueID, uuid.New())
	mustJoin(t, e, queueID, uuid.New())

	before := len(st.tickets)
	_, err := e.Join(ctx, queueID, uuid.New(), nil, nil, nil)
	if !domain.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(st.tickets) != before {
		t.Fatalf("ticket count changed on rejected join: %d -> %d", before, len(st.tickets))
	}
	if len(pub.events[groupForQueue(queueID)]) != 2 {
		t.Fatalf("expected no extra event on rejected join, got %d total", len(pub.events[groupForQueue(queueID)]))
	}
}

func TestSkipCascade(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	pub := newRecordingPublisher()
	e := newTestEngine(t, st, pub, now)
	ctx := context.Background()

	var waiting []domain.Ticket
	for i := 0; i < 5; i++ {
		waiting = append(waiting, mustJoin(t, e, queueID, uuid.New()))
	}

	called, err := e.CallNext(ctx, queueID, nil)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if called.ID != waiting[0].ID {
		t.Fatalf("expected C1 called, got %s", called.ID)
	}

	if _, err := e.Skip(ctx, called.ID, "no-show"); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	snap, err := e.Snapshot(ctx, queueID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Waiting) != 4 {
		t.Fatalf("len(waiting) = %d, want 4", len(snap.Waiting))
	}
	for i, tk := range snap.Waiting {
		if tk.Position != i+1 {
			t.Fatalf("waiting[%d].Position = %d, want %d", i, tk.Position, i+1)
		}
	}

	group := groupForQueue(queueID)
	actions := pub.actions(group)
	if len(actions) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(actions))
	}
	last2 := actions[len(actions)-2:]
	if last2[0] != domain.ActionSkip || last2[1] != domain.ActionDelete {
		t.Fatalf("last two actions = %v, want [skip delete]", last2)
	}
}

func TestBroadcastOrdering(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	pub := newRecordingPublisher()
	e := newTestEngine(t, st, pub, now)
	ctx := context.Background()

	c1 := mustJoin(t, e, queueID, uuid.New())
	called, err := e.CallNext(ctx, queueID, nil)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if called.ID != c1.ID {
		t.Fatalf("wrong ticket called")
	}
	if _, err := e.MarkServing(ctx, called.ID, nil); err != nil {
		t.Fatalf("MarkServing: %v", err)
	}
	if _, err := e.MarkServed(ctx, called.ID); err != nil {
		t.Fatalf("MarkServed: %v", err)
	}

	actions := pub.actions(groupForQueue(queueID))
	var filtered []domain.EventAction
	for _, a := range actions {
		if a == domain.ActionCall || a == domain.ActionServe || a == domain.ActionComplete {
			filtered = append(filtered, a)
		}
	}
	want := []domain.EventAction{domain.ActionCall, domain.ActionServe, domain.ActionComplete}
	if len(filtered) != len(want) {
		t.Fatalf("filtered actions = %v, want %v", filtered, want)
	}
	for i := range want {
		if filtered[i] != want[i] {
			t.Fatalf("filtered actions = %v, want %v", filtered, want)
		}
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Dispatch(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func TestCallNextNotifiesCustomer(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, nil, now)
	n := &recordingNotifier{}
	e.SetNotifier(n)
	ctx := context.Background()

	customerID := uuid.New()
	ticket := mustJoin(t, e, queueID, customerID)
	called, err := e.CallNext(ctx, queueID, nil)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if called.ID != ticket.ID {
		t.Fatalf("wrong ticket called")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(n.sent))
	}
	if n.sent[0].UserID != customerID {
		t.Fatalf("notification UserID = %v, want %v", n.sent[0].UserID, customerID)
	}
	if n.sent[0].Type != "ticket_called" {
		t.Fatalf("notification Type = %q, want ticket_called", n.sent[0].Type)
	}
}

func TestJoinThenCancelRestoresState(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, nil, now)
	ctx := context.Background()

	c1 := mustJoin(t, e, queueID, uuid.New())
	c2 := mustJoin(t, e, queueID, uuid.New())

	before, err := e.Snapshot(ctx, queueID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	c3 := mustJoin(t, e, queueID, uuid.New())
	if _, err := e.Cancel(ctx, c3.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	after, err := e.Snapshot(ctx, queueID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after.WaitingCount != before.WaitingCount {
		t.Fatalf("WaitingCount = %d, want %d", after.WaitingCount, before.WaitingCount)
	}
	if after.Waiting[0].ID != c1.ID || after.Waiting[1].ID != c2.ID {
		t.Fatalf("positions not restored after cancel: %+v", after.Waiting)
	}
}

func TestMarkServedTwiceYieldsOneSample(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, nil, now)
	ctx := context.Background()

	c1 := mustJoin(t, e, queueID, uuid.New())
	called, err := e.CallNext(ctx, queueID, nil)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if _, err := e.MarkServing(ctx, called.ID, nil); err != nil {
		t.Fatalf("MarkServing: %v", err)
	}
	// A zero-length service is filtered out of the samples, so let time pass.
	e.clk.(*clock.Fixed).Advance(10 * time.Minute)
	if _, err := e.MarkServed(ctx, c1.ID); err != nil {
		t.Fatalf("MarkServed (1st): %v", err)
	}
	if _, err := e.MarkServed(ctx, c1.ID); err != nil {
		t.Fatalf("MarkServed (2nd): %v", err)
	}

	if len(st.samples) != 1 {
		t.Fatalf("len(samples) = %d, want 1", len(st.samples))
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, nil, now)
	ctx := context.Background()

	c1 := mustJoin(t, e, queueID, uuid.New())
	if _, err := e.MarkServing(ctx, c1.ID, nil); !domain.IsPrecondition(err) {
		t.Fatalf("expected precondition error marking a waiting ticket as serving, got %v", err)
	}
	if _, err := e.Skip(ctx, c1.ID, ""); !domain.IsPrecondition(err) {
		t.Fatalf("expected precondition error skipping a waiting ticket, got %v", err)
	}
}

func TestCleanupStaleCalledSkipsAfterTimeout(t *testing.T) {
	st := newFakeStore()
	shopID, queueID := uuid.New(), uuid.New()
	seedQueue(st, shopID, queueID, 0)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	cfg := config.Defaults()
	clk := clock.NewFixed(now)
	pub := newRecordingPublisher()
	pred := waitpredictor.New(cfg, 64)
	e := New(cfg, clk, st, st, st, pred, pub)
	ctx := context.Background()

	c1 := mustJoin(t, e, queueID, uuid.New())
	if _, err := e.CallNext(ctx, queueID, nil); err != nil {
		t.Fatalf("CallNext: %v", err)
	}

	// Still within the timeout: nothing changes.
	clk.Advance(cfg.StaleCalledTimeout() - time.Minute)
	if err := e.CleanupStaleCalled(ctx, queueID); err != nil {
		t.Fatalf("CleanupStaleCalled: %v", err)
	}
	stillCalled, err := e.tickets.GetTicket(ctx, c1.ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if stillCalled.Status != domain.StatusCalled {
		t.Fatalf("status = %s, want called before the timeout elapses", stillCalled.Status)
	}

	// Past the timeout: the ticket is skipped and both events fire.
	clk.Advance(2 * time.Minute)
	if err := e.CleanupStaleCalled(ctx, queueID); err != nil {
		t.Fatalf("CleanupStaleCalled: %v", err)
	}
	skipped, err := e.tickets.GetTicket(ctx, c1.ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if skipped.Status != domain.StatusSkipped {
		t.Fatalf("status = %s, want skipped after the stale timeout", skipped.Status)
	}

	actions := pub.actions(groupForQueue(queueID))
	if len(actions) < 2 || actions[len(actions)-2] != domain.ActionSkip || actions[len(actions)-1] != domain.ActionDelete {
		t.Fatalf("actions = %v, want the final two to be skip then delete", actions)
	}
}
