// Package queueengine is the sole mutator of queue and ticket state. Every
// operation for one queue is serialized behind that queue's lock; the lock
// plays the role of the single-writer actor/mailbox the design calls for,
// without the overhead of a dedicated goroutine per queue.
package queueengine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queuemesh/hybridqueue/clock"
	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/notify"
	"github.com/queuemesh/hybridqueue/store"
	"github.com/queuemesh/hybridqueue/waitpredictor"
)

// Publisher is the minimal surface QueueEngine needs from the broadcast
// layer. Publish must not block on client I/O: it enqueues, it never sends.
type Publisher interface {
	Publish(group string, ev domain.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, domain.Event) {}

// Notifier is the subset of notify.Dispatcher QueueEngine needs to tell a
// customer their ticket was called.
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification) error
}

// shopLock serializes every mutation to one queue, mirroring the teacher's
// per-source state mutex.
type shopLock struct {
	mu sync.Mutex
}

// Engine is the authoritative queue state machine. One Engine serves every
// shop; queues never interfere with each other because each gets its own
// lock, acquired lazily on first use.
type Engine struct {
	cfg       config.Data
	clk       clock.Clock
	tickets   store.TicketStore
	queues    store.QueueStore
	samples   store.ServiceTimeStore
	predictor *waitpredictor.Predictor
	pub       Publisher
	notifier  Notifier
	errLog    func(task string, queueID uuid.UUID, err error)

	mu    sync.RWMutex
	locks map[uuid.UUID]*shopLock
}

// SetNotifier wires a Notifier for customer-facing alerts (currently: a
// ticket being called). Optional; with none set, CallNext simply skips
// dispatch.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// New builds an Engine. pub may be nil, in which case events are discarded
// (useful for tests that only assert on store state).
func New(cfg config.Data, clk clock.Clock, tickets store.TicketStore, queues store.QueueStore, samples store.ServiceTimeStore, predictor *waitpredictor.Predictor, pub Publisher) *Engine {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Engine{
		cfg: cfg, clk: clk, tickets: tickets, queues: queues, samples: samples,
		predictor: predictor, pub: pub, locks: make(map[uuid.UUID]*shopLock),
	}
}

func (e *Engine) lockFor(queueID uuid.UUID) *shopLock {
	e.mu.RLock()
	l, ok := e.locks[queueID]
	e.mu.RUnlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[queueID]; ok {
		return l
	}
	l = &shopLock{}
	e.locks[queueID] = l
	return l
}

// KnownQueues returns every queue id an Engine method has touched so far,
// for periodic tasks that need to sweep every live queue.
func (e *Engine) KnownQueues() []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(e.locks))
	for id := range e.locks {
		out = append(out, id)
	}
	return out
}

func groupForQueue(queueID uuid.UUID) string { return "queue:" + queueID.String() }

// Join creates a waiting ticket. If appointmentID is set the ticket is
// inserted at a priority position instead of the tail.
func (e *Engine) Join(ctx context.Context, queueID, customerID uuid.UUID, serviceID, specialistID, appointmentID *uuid.UUID) (domain.Ticket, error) {
	lk := e.lockFor(queueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	q, err := e.queues.GetQueue(ctx, queueID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if q.Status != domain.QueueOpen {
		return domain.Ticket{}, domain.Precondition(domain.CodeQueueClosed, "queue is not open")
	}

	now := e.clk.Now()

	todays, err := e.tickets.ListByCustomerToday(ctx, queueID, customerID, now, time.UTC)
	if err != nil {
		return domain.Ticket{}, err
	}
	for _, t := range todays {
		if !t.Status.Terminal() {
			return domain.Ticket{}, domain.Precondition(domain.CodeDuplicateCustomer, "customer already has an active ticket in this queue")
		}
	}

	active, err := e.tickets.ListActive(ctx, queueID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if q.MaxCapacity > 0 && activeCountable(active) >= q.MaxCapacity {
		return domain.Ticket{}, domain.Precondition(domain.CodeAtCapacity, "queue is at capacity")
	}

	waiting := waitingOnly(active)
	number, err := e.tickets.NextTicketNumber(ctx, q.ShopID, now)
	if err != nil {
		return domain.Ticket{}, err
	}

	position := len(waiting) + 1
	priority := domain.PriorityNormal
	if appointmentID != nil {
		priority = domain.PriorityHigh
		position = maxInt(2, int(math.Ceil(float64(len(waiting))/3.0)))
		if position > len(waiting)+1 {
			position = len(waiting) + 1
		}
	}

	ticket := domain.Ticket{
		ID: uuid.New(), Number: number, ShopID: q.ShopID, QueueID: queueID, CustomerID: customerID,
		ServiceID: serviceID, SpecialistID: specialistID, AppointmentID: appointmentID,
		Status: domain.StatusWaiting, Position: position, Priority: priority, JoinedAt: now, Version: 1,
	}

	var toShift []domain.Ticket
	for _, t := range waiting {
		if t.Position >= position {
			t.Position++
			toShift = append(toShift, t)
		}
	}

	if err := e.tickets.CreateTicket(ctx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	for _, t := range toShift {
		if err := e.tickets.UpdateTicket(ctx, t); err != nil {
			return domain.Ticket{}, domain.Fatal(domain.CodeInvariantViolation, "failed to shift positions after join: "+err.Error())
		}
	}

	e.recomputeEstimates(ctx, queueID)
	e.pub.Publish(groupForQueue(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionJoin, Payload: ticket, TS: now})
	return ticket, nil
}

// CallNext selects the highest-priority, earliest waiting ticket and moves
// it to called. If specialistID is given, tickets already bound to it are
// preferred, then unbound tickets, then the highest-ranked ticket overall.
// With no specialistID, selection is pure priority-desc/position-asc.
func (e *Engine) CallNext(ctx context.Context, queueID uuid.UUID, specialistID *uuid.UUID) (domain.Ticket, error) {
	lk := e.lockFor(queueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	active, err := e.tickets.ListActive(ctx, queueID)
	if err != nil {
		return domain.Ticket{}, err
	}
	waiting := waitingOnly(active)
	if len(waiting) == 0 {
		return domain.Ticket{}, domain.Precondition(domain.CodeIllegalState, "no waiting tickets")
	}
	sortByPriorityThenPosition(waiting)

	chosenIdx := -1
	if specialistID != nil {
		for i, t := range waiting {
			if t.SpecialistID != nil && *t.SpecialistID == *specialistID {
				chosenIdx = i
				break
			}
		}
		if chosenIdx < 0 {
			for i, t := range waiting {
				if t.SpecialistID == nil {
					chosenIdx = i
					break
				}
			}
		}
	}
	if chosenIdx < 0 {
		chosenIdx = 0
	}

	ticket := waiting[chosenIdx]
	oldPosition := ticket.Position

	now := e.clk.Now()
	ticket.Status = domain.StatusCalled
	ticket.CalledAt = &now
	ticket.Position = 0
	if ticket.SpecialistID == nil {
		ticket.SpecialistID = specialistID
	}

	if err := e.tickets.UpdateTicket(ctx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.shiftDown(ctx, waiting, ticket.ID, oldPosition); err != nil {
		return domain.Ticket{}, err
	}

	e.recomputeEstimates(ctx, queueID)
	e.pub.Publish(groupForQueue(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionCall, Payload: ticket, TS: now})
	e.notifyCalled(ctx, ticket)
	return ticket, nil
}

// notifyCalled best-effort alerts the customer their ticket was called;
// delivery failures are logged by the dispatcher, not surfaced to the
// caller, since the call itself already succeeded.
func (e *Engine) notifyCalled(ctx context.Context, ticket domain.Ticket) {
	if e.notifier == nil || ticket.CustomerID == uuid.Nil {
		return
	}
	_ = e.notifier.Dispatch(ctx, notify.Notification{
		UserID: ticket.CustomerID,
		Type:   "ticket_called",
		Title:  "You're up",
		Body:   "Please head to the front desk now.",
		Payload: ticket,
	})
}

// MarkServing transitions a called ticket to serving.
func (e *Engine) MarkServing(ctx context.Context, ticketID uuid.UUID, specialistID *uuid.UUID) (domain.Ticket, error) {
	pre, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	lk := e.lockFor(pre.QueueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	t, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.Status != domain.StatusCalled {
		return domain.Ticket{}, domain.Precondition(domain.CodeIllegalState, fmt.Sprintf("cannot mark serving from status %s", t.Status))
	}

	now := e.clk.Now()
	t.Status = domain.StatusServing
	t.ServeStartedAt = &now
	waitMinutes := int(math.Round(now.Sub(t.JoinedAt).Minutes()))
	t.ActualWaitMinutes = &waitMinutes
	if specialistID != nil {
		t.SpecialistID = specialistID
	}

	if err := e.tickets.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, err
	}

	e.pub.Publish(groupForQueue(t.QueueID), domain.Event{Type: domain.EventTicketUpdate, Action: domain.ActionServe, Payload: t, TS: now})
	return t, nil
}

// MarkServed transitions a serving ticket to served and records one
// ServiceTimeSample. Calling it again on an already-served ticket is a
// no-op: it returns the ticket unchanged and records no second sample.
func (e *Engine) MarkServed(ctx context.Context, ticketID uuid.UUID) (domain.Ticket, error) {
	pre, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	lk := e.lockFor(pre.QueueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	t, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.Status == domain.StatusServed {
		return t, nil
	}
	if t.Status != domain.StatusServing {
		return domain.Ticket{}, domain.Precondition(domain.CodeIllegalState, fmt.Sprintf("cannot mark served from status %s", t.Status))
	}

	now := e.clk.Now()
	t.Status = domain.StatusServed
	t.CompletedAt = &now
	if err := e.tickets.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, err
	}

	if t.ServeStartedAt != nil {
		duration := now.Sub(*t.ServeStartedAt).Minutes()
		if duration > 0 && duration < 180 {
			sample := domain.ServiceTimeSample{
				ShopID: t.ShopID, ServiceID: t.ServiceID, SpecialistID: t.SpecialistID,
				Hour: now.Hour(), Weekday: weekdayIndex(now), DurationMinutes: duration, ObservedAt: now,
			}
			// a logging failure here never rolls back the completed ticket;
			// persistence of the ticket state already committed above.
			_ = e.samples.RecordSample(ctx, sample)
		}
	}

	e.recomputeEstimates(ctx, t.QueueID)
	e.pub.Publish(groupForQueue(t.QueueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionComplete, Payload: t, TS: now})
	return t, nil
}

// Skip transitions a called ticket to skipped. The position cascade already
// happened at call_next time (a called ticket holds position 0), so skip
// itself only needs to retire the ticket and clear its called-state slot.
func (e *Engine) Skip(ctx context.Context, ticketID uuid.UUID, reason string) (domain.Ticket, error) {
	pre, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	lk := e.lockFor(pre.QueueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	t, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.Status != domain.StatusCalled {
		return domain.Ticket{}, domain.Precondition(domain.CodeIllegalState, fmt.Sprintf("cannot skip from status %s", t.Status))
	}

	now := e.clk.Now()
	t.Status = domain.StatusSkipped
	if err := e.tickets.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, err
	}

	e.recomputeEstimates(ctx, t.QueueID)
	skipPayload := struct {
		domain.Ticket
		Reason string `json:"reason,omitempty"`
	}{Ticket: t, Reason: reason}
	e.pub.Publish(groupForQueue(t.QueueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionSkip, Payload: skipPayload, TS: now})
	e.pub.Publish(groupForQueue(t.QueueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionDelete, Payload: t.ID, TS: now})
	return t, nil
}

// Cancel retires a waiting or called ticket. If it was waiting, later
// positions shift down by one exactly as call_next shifts them.
func (e *Engine) Cancel(ctx context.Context, ticketID uuid.UUID) (domain.Ticket, error) {
	pre, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	lk := e.lockFor(pre.QueueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	t, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.Status != domain.StatusWaiting && t.Status != domain.StatusCalled {
		return domain.Ticket{}, domain.Precondition(domain.CodeIllegalState, fmt.Sprintf("cannot cancel from status %s", t.Status))
	}

	wasWaiting := t.Status == domain.StatusWaiting
	oldPosition := t.Position

	now := e.clk.Now()
	t.Status = domain.StatusCancelled
	t.Position = 0
	if err := e.tickets.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, err
	}

	if wasWaiting {
		active, err := e.tickets.ListActive(ctx, t.QueueID)
		if err != nil {
			return domain.Ticket{}, err
		}
		if err := e.shiftDown(ctx, waitingOnly(active), t.ID, oldPosition); err != nil {
			return domain.Ticket{}, err
		}
		e.recomputeEstimates(ctx, t.QueueID)
	}

	e.pub.Publish(groupForQueue(t.QueueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionCancel, Payload: t, TS: now})
	return t, nil
}

// Reorder is the administrative override: move a waiting ticket to an
// arbitrary position, shifting the intervening tickets to compensate.
func (e *Engine) Reorder(ctx context.Context, ticketID uuid.UUID, newPosition int) (domain.Ticket, error) {
	pre, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	lk := e.lockFor(pre.QueueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	t, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.Status != domain.StatusWaiting {
		return domain.Ticket{}, domain.Precondition(domain.CodeIllegalState, "reorder requires a waiting ticket")
	}

	active, err := e.tickets.ListActive(ctx, t.QueueID)
	if err != nil {
		return domain.Ticket{}, err
	}
	waiting := waitingOnly(active)
	maxPosition := len(waiting)
	if newPosition < 1 || newPosition > maxPosition {
		return domain.Ticket{}, domain.Validation(domain.CodeIllegalState, fmt.Sprintf("new_position must be within 1..%d", maxPosition))
	}

	oldPosition := t.Position
	if newPosition == oldPosition {
		return t, nil
	}

	for _, other := range waiting {
		if other.ID == t.ID {
			continue
		}
		switch {
		case oldPosition < newPosition && other.Position > oldPosition && other.Position <= newPosition:
			other.Position--
			if err := e.tickets.UpdateTicket(ctx, other); err != nil {
				return domain.Ticket{}, domain.Fatal(domain.CodeInvariantViolation, "failed to renumber positions: "+err.Error())
			}
		case oldPosition > newPosition && other.Position >= newPosition && other.Position < oldPosition:
			other.Position++
			if err := e.tickets.UpdateTicket(ctx, other); err != nil {
				return domain.Ticket{}, domain.Fatal(domain.CodeInvariantViolation, "failed to renumber positions: "+err.Error())
			}
		}
	}
	t.Position = newPosition
	if err := e.tickets.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, err
	}

	now := e.clk.Now()
	e.recomputeEstimates(ctx, t.QueueID)
	e.pub.Publish(groupForQueue(t.QueueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionUpdate, Payload: t, TS: now})
	return t, nil
}

// Snapshot returns a read-only view of a queue's active tickets.
func (e *Engine) Snapshot(ctx context.Context, queueID uuid.UUID) (domain.QueueSnapshot, error) {
	lk := e.lockFor(queueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return e.snapshotLocked(ctx, queueID)
}

func (e *Engine) snapshotLocked(ctx context.Context, queueID uuid.UUID) (domain.QueueSnapshot, error) {
	q, err := e.queues.GetQueue(ctx, queueID)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	active, err := e.tickets.ListActive(ctx, queueID)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}

	snap := domain.QueueSnapshot{QueueID: queueID, ShopID: q.ShopID, Status: q.Status, GeneratedAt: e.clk.Now()}
	for _, t := range active {
		switch t.Status {
		case domain.StatusWaiting:
			snap.Waiting = append(snap.Waiting, t)
		case domain.StatusCalled:
			snap.Called = append(snap.Called, t)
		case domain.StatusServing:
			snap.Serving = append(snap.Serving, t)
		}
	}
	sort.Slice(snap.Waiting, func(i, j int) bool { return snap.Waiting[i].Position < snap.Waiting[j].Position })
	snap.WaitingCount = len(snap.Waiting)
	snap.CalledCount = len(snap.Called)
	snap.ServingCount = len(snap.Serving)
	return snap, nil
}

// CleanupStaleCalled skips any ticket that has sat in called for longer
// than the configured timeout. Intended to run off a ticker per open queue.
func (e *Engine) CleanupStaleCalled(ctx context.Context, queueID uuid.UUID) error {
	lk := e.lockFor(queueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	active, err := e.tickets.ListActive(ctx, queueID)
	if err != nil {
		return err
	}

	now := e.clk.Now()
	cutoff := e.cfg.StaleCalledTimeout()
	for _, t := range active {
		if t.Status != domain.StatusCalled || t.CalledAt == nil {
			continue
		}
		if now.Sub(*t.CalledAt) < cutoff {
			continue
		}
		t.Status = domain.StatusSkipped
		if err := e.tickets.UpdateTicket(ctx, t); err != nil {
			return err
		}
		e.pub.Publish(groupForQueue(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionSkip, Payload: t, TS: now})
		e.pub.Publish(groupForQueue(queueID), domain.Event{Type: domain.EventQueueUpdate, Action: domain.ActionDelete, Payload: t.ID, TS: now})
	}
	return nil
}

// RecomputeEstimates refreshes wait estimates for one queue's waiting
// tickets. Intended to run off a ticker per open queue.
func (e *Engine) RecomputeEstimates(ctx context.Context, queueID uuid.UUID) {
	lk := e.lockFor(queueID)
	lk.mu.Lock()
	defer lk.mu.Unlock()
	e.recomputeEstimates(ctx, queueID)
}

// RunPeriodicTasks drives spec §5's two periodic sweeps — cleanup_stale_called
// and recompute_estimates — off their own tickers until ctx is cancelled,
// mirroring the teacher's reconcileLoop shape (manager.go): one ticker per
// concern, each sweep walking every queue this Engine has ever touched.
func (e *Engine) RunPeriodicTasks(ctx context.Context) {
	staleTicker := time.NewTicker(e.cfg.StaleCalledTimeout() / 2)
	defer staleTicker.Stop()
	estimateTicker := time.NewTicker(time.Duration(e.cfg.RecomputeEstimatesIntervalSeconds) * time.Second)
	defer estimateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			e.sweepStaleCalled(ctx)
		case <-estimateTicker.C:
			e.sweepRecomputeEstimates(ctx)
		}
	}
}

func (e *Engine) sweepStaleCalled(ctx context.Context) {
	for _, id := range e.KnownQueues() {
		if err := e.CleanupStaleCalled(ctx, id); err != nil {
			e.log("cleanup_stale_called", id, err)
		}
	}
}

func (e *Engine) sweepRecomputeEstimates(ctx context.Context) {
	for _, id := range e.KnownQueues() {
		e.RecomputeEstimates(ctx, id)
	}
}

func (e *Engine) log(task string, queueID uuid.UUID, err error) {
	if e.errLog != nil {
		e.errLog(task, queueID, err)
	}
}

// SetErrorLogger wires a sink for periodic-task failures; optional.
func (e *Engine) SetErrorLogger(fn func(task string, queueID uuid.UUID, err error)) {
	e.errLog = fn
}

func (e *Engine) recomputeEstimates(ctx context.Context, queueID uuid.UUID) {
	active, err := e.tickets.ListActive(ctx, queueID)
	if err != nil || len(active) == 0 {
		return
	}
	waiting := waitingOnly(active)
	if len(waiting) == 0 {
		return
	}
	sortByPosition(waiting)

	q, err := e.queues.GetQueue(ctx, queueID)
	if err != nil {
		return
	}

	now := e.clk.Now()
	since := now.AddDate(0, 0, -e.cfg.HistoryLookbackDays)
	all, err := e.samples.SamplesSince(ctx, q.ShopID, nil, nil, since)
	if err != nil {
		return
	}
	all = waitpredictor.FilterValidSamples(all)
	recent := filterSince(all, now.Add(-time.Hour))
	activeSpecialists := countActiveSpecialists(active)

	var serving *domain.Ticket
	for i := range active {
		if active[i].Status == domain.StatusServing {
			s := active[i]
			serving = &s
			break
		}
	}

	for _, t := range waiting {
		params := waitpredictor.Params{
			Position:          t.Position,
			Now:               now,
			ActiveSpecialists: activeSpecialists,
			AllSamples:        all,
			HourSamples:       filterByHour(all, now.Hour()),
			WeekdaySamples:    filterByWeekday(all, weekdayIndex(now)),
			RecentSamples:     recent,
			// Scoped to this pass and to the ticket's service/specialist, so
			// only tickets fed the same sample sets share cached aggregates.
			CacheKeyPrefix: queueID.String() + "|" + now.Format(time.RFC3339Nano),
		}
		if t.ServiceID != nil {
			params.ServiceSamples = filterByService(all, *t.ServiceID)
			params.CacheKeyPrefix += "|svc=" + t.ServiceID.String()
		}
		if t.SpecialistID != nil {
			params.SpecialistSamples = filterBySpecialist(all, *t.SpecialistID)
			params.CacheKeyPrefix += "|spec=" + t.SpecialistID.String()
		}
		if t.Position == 1 && serving != nil && serving.ServeStartedAt != nil {
			params.ServingInProgress = true
			params.ServingElapsedMinutes = now.Sub(*serving.ServeStartedAt).Minutes()
			params.ServingExpectedMinutes = e.expectedDurationFor(all, *serving)
		}

		est := e.predictor.Predict(params)
		if est.Minutes != t.EstimatedWaitMinutes {
			t.EstimatedWaitMinutes = est.Minutes
			_ = e.tickets.UpdateTicket(ctx, t)
		}
	}
}

func (e *Engine) expectedDurationFor(samples []domain.ServiceTimeSample, serving domain.Ticket) float64 {
	filtered := samples
	if serving.ServiceID != nil {
		filtered = filterByService(samples, *serving.ServiceID)
	}
	if len(filtered) < e.cfg.MinSamplesForBaseMean {
		return e.cfg.DefaultBaseMeanMinutes
	}
	var sum float64
	for _, s := range filtered {
		sum += s.DurationMinutes
	}
	return sum / float64(len(filtered))
}

func (e *Engine) shiftDown(ctx context.Context, waiting []domain.Ticket, excludeID uuid.UUID, fromPosition int) error {
	for _, t := range waiting {
		if t.ID == excludeID {
			continue
		}
		if t.Position > fromPosition {
			t.Position--
			if err := e.tickets.UpdateTicket(ctx, t); err != nil {
				return domain.Fatal(domain.CodeInvariantViolation, "failed to renumber positions: "+err.Error())
			}
		}
	}
	return nil
}

func waitingOnly(active []domain.Ticket) []domain.Ticket {
	out := make([]domain.Ticket, 0, len(active))
	for _, t := range active {
		if t.Status == domain.StatusWaiting {
			out = append(out, t)
		}
	}
	return out
}

func activeCountable(active []domain.Ticket) int {
	n := 0
	for _, t := range active {
		if t.Status == domain.StatusWaiting || t.Status == domain.StatusCalled {
			n++
		}
	}
	return n
}

func countActiveSpecialists(active []domain.Ticket) int {
	seen := map[uuid.UUID]bool{}
	for _, t := range active {
		if t.Status == domain.StatusServing && t.SpecialistID != nil {
			seen[*t.SpecialistID] = true
		}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}

func sortByPosition(tickets []domain.Ticket) {
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Position < tickets[j].Position })
}

func sortByPriorityThenPosition(tickets []domain.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].Priority != tickets[j].Priority {
			return tickets[i].Priority > tickets[j].Priority
		}
		return tickets[i].Position < tickets[j].Position
	})
}

func weekdayIndex(t time.Time) int {
	wd := int(t.Weekday()) // Sunday=0..Saturday=6
	return (wd + 6) % 7    // Monday=0..Sunday=6
}

func filterByHour(samples []domain.ServiceTimeSample, hour int) []domain.ServiceTimeSample {
	out := samples[:0:0]
	for _, s := range samples {
		if s.Hour == hour {
			out = append(out, s)
		}
	}
	return out
}

func filterByWeekday(samples []domain.ServiceTimeSample, weekday int) []domain.ServiceTimeSample {
	out := samples[:0:0]
	for _, s := range samples {
		if s.Weekday == weekday {
			out = append(out, s)
		}
	}
	return out
}

func filterByService(samples []domain.ServiceTimeSample, serviceID uuid.UUID) []domain.ServiceTimeSample {
	out := samples[:0:0]
	for _, s := range samples {
		if s.ServiceID != nil && *s.ServiceID == serviceID {
			out = append(out, s)
		}
	}
	return out
}

func filterBySpecialist(samples []domain.ServiceTimeSample, specialistID uuid.UUID) []domain.ServiceTimeSample {
	out := samples[:0:0]
	for _, s := range samples {
		if s.SpecialistID != nil && *s.SpecialistID == specialistID {
			out = append(out, s)
		}
	}
	return out
}

func filterSince(samples []domain.ServiceTimeSample, since time.Time) []domain.ServiceTimeSample {
	out := samples[:0:0]
	for _, s := range samples {
		if !s.ObservedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
