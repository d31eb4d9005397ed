// Package scheduler merges appointment and walk-in ticket data into the
// hybrid scheduling decisions a shop's front desk needs: who goes next,
// how the rest of the day lays out, what happens when someone walks in for
// a booked slot, and whether the floor is over- or under-staffed.
package scheduler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/queuemesh/hybridqueue/clock"
	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/store"
)

// NextToServeKind tags what NextToServe decided to surface.
type NextToServeKind string

const (
	KindAppointment NextToServeKind = "appointment"
	KindWalkIn      NextToServeKind = "walk_in"
	KindNone        NextToServeKind = "none"
)

// NextToServeResult is the outcome of NextToServe: at most one of
// Appointment/Ticket is set, matching Kind (neither for KindNone).
type NextToServeResult struct {
	Kind        NextToServeKind
	Appointment *domain.Appointment
	Ticket      *domain.Ticket
}

// SequenceItem is one slot in a ServiceSequence: either a booked appointment
// or a walk-in ticket slotted into a gap between appointments.
type SequenceItem struct {
	Kind        NextToServeKind
	Start       time.Time
	End         time.Time
	Appointment *domain.Appointment
	Ticket      *domain.Ticket
}

// Suggestion is one staffing recommendation surfaced by SuggestActions.
type Suggestion struct {
	Code    string
	Message string
}

// Joiner is the subset of queueengine.Engine HandleAppointmentArrival needs
// to seat an early-arriving customer onto the walk-in queue. Declared
// locally so scheduler never imports queueengine.
type Joiner interface {
	Join(ctx context.Context, queueID, customerID uuid.UUID, serviceID, specialistID, appointmentID *uuid.UUID) (domain.Ticket, error)
}

// Scheduler answers the questions spec.md's HybridScheduler names, reading
// from the same AppointmentStore/TicketStore QueueEngine uses.
type Scheduler struct {
	cfg     config.Data
	clk     clock.Clock
	appts   store.AppointmentStore
	tickets store.TicketStore
}

func New(cfg config.Data, clk clock.Clock, appts store.AppointmentStore, tickets store.TicketStore) *Scheduler {
	return &Scheduler{cfg: cfg, clk: clk, appts: appts, tickets: tickets}
}

// NextToServe picks whoever the front desk should call next: a due
// appointment within the configured grace/lookahead window takes priority
// over the walk-in line, optionally narrowed to a given specialist.
func (s *Scheduler) NextToServe(ctx context.Context, shopID, queueID uuid.UUID, specialistID *uuid.UUID) (NextToServeResult, error) {
	now := s.clk.Now()

	due, err := s.appts.ListUpcoming(ctx, shopID, now.Add(-s.cfg.NextToServeGrace()), s.cfg.NextToServeGrace()+s.cfg.NextToServeLookahead())
	if err != nil {
		return NextToServeResult{}, err
	}
	for i := range due {
		a := due[i]
		if a.Status != domain.AppointmentScheduled {
			continue
		}
		if specialistID != nil && a.SpecialistID != nil && *a.SpecialistID != *specialistID {
			continue
		}
		return NextToServeResult{Kind: KindAppointment, Appointment: &a}, nil
	}

	active, err := s.tickets.ListActive(ctx, queueID)
	if err != nil {
		return NextToServeResult{}, err
	}
	waiting := waitingSorted(active)
	for i := range waiting {
		t := waiting[i]
		if specialistID != nil && t.SpecialistID != nil && *t.SpecialistID != *specialistID {
			continue
		}
		return NextToServeResult{Kind: KindWalkIn, Ticket: &t}, nil
	}

	return NextToServeResult{Kind: KindNone}, nil
}

// ServiceSequence projects how the rest of [start, end) will play out:
// booked appointments anchor fixed slots, and the gaps between them (and
// before the first one) are filled with waiting walk-in tickets sized to
// the shop's recent average service duration.
func (s *Scheduler) ServiceSequence(ctx context.Context, shopID, queueID uuid.UUID, start, end time.Time) ([]SequenceItem, error) {
	appts, err := s.appts.ListUpcoming(ctx, shopID, start, end.Sub(start))
	if err != nil {
		return nil, err
	}
	live := live(appts)

	avgMinutes, err := s.avgServiceMinutes(ctx, queueID)
	if err != nil {
		return nil, err
	}

	active, err := s.tickets.ListActive(ctx, queueID)
	if err != nil {
		return nil, err
	}
	pool := waitingSorted(active)
	var poolIdx int
	nextWalkIn := func() *domain.Ticket {
		if poolIdx >= len(pool) {
			return nil
		}
		t := pool[poolIdx]
		poolIdx++
		return &t
	}

	var out []SequenceItem
	fillGap := func(gapStart, gapEnd time.Time) {
		cursor := gapStart
		for cursor.Add(time.Duration(avgMinutes*float64(time.Minute))).Compare(gapEnd) <= 0 {
			t := nextWalkIn()
			if t == nil {
				return
			}
			slotEnd := cursor.Add(time.Duration(avgMinutes * float64(time.Minute)))
			out = append(out, SequenceItem{Kind: KindWalkIn, Start: cursor, End: slotEnd, Ticket: t})
			cursor = slotEnd
		}
	}

	if len(live) == 0 {
		fillGap(start, end)
	} else {
		cursor := start
		for i := range live {
			a := live[i]
			if a.ScheduledStart.After(cursor) {
				fillGap(cursor, a.ScheduledStart)
			}
			out = append(out, SequenceItem{Kind: KindAppointment, Start: a.ScheduledStart, End: a.ScheduledEnd, Appointment: &live[i]})
			cursor = a.ScheduledEnd
		}
		if cursor.Before(end) {
			fillGap(cursor, end)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// avgServiceMinutes averages the duration of the most recently completed
// tickets, falling back to the configured base mean when there isn't
// enough history yet.
func (s *Scheduler) avgServiceMinutes(ctx context.Context, queueID uuid.UUID) (float64, error) {
	recent, err := s.tickets.ListRecentCompleted(ctx, queueID, s.cfg.ServiceSequenceSampleCount)
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, t := range recent {
		if t.ServeStartedAt == nil || t.CompletedAt == nil {
			continue
		}
		d := t.CompletedAt.Sub(*t.ServeStartedAt).Minutes()
		if d <= 0 || d >= 120 {
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return s.cfg.DefaultBaseMeanMinutes, nil
	}
	return sum / float64(n), nil
}

// HandleAppointmentArrival processes a customer checking in for a booked
// appointment: arriving well early seats them on the walk-in queue linked
// to the appointment, arriving well late is recorded as a note, and
// arriving on time confirms the appointment.
func (s *Scheduler) HandleAppointmentArrival(ctx context.Context, appointmentID, queueID uuid.UUID, joiner Joiner) (domain.Appointment, *domain.Ticket, error) {
	appt, err := s.appts.GetAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, nil, err
	}

	now := s.clk.Now()
	if !sameDay(appt.ScheduledStart, now) {
		return domain.Appointment{}, nil, domain.Validation(domain.CodeWrongDay, "appointment not scheduled for today")
	}

	early := time.Duration(s.cfg.ArrivalEarlyThresholdMinutes) * time.Minute
	late := time.Duration(s.cfg.ArrivalLateThresholdMinutes) * time.Minute
	delta := appt.ScheduledStart.Sub(now)

	switch {
	case delta > early:
		t, err := joiner.Join(ctx, queueID, appt.CustomerID, &appt.ServiceID, appt.SpecialistID, &appt.ID)
		if err != nil {
			return domain.Appointment{}, nil, err
		}
		return appt, &t, nil

	case -delta > late:
		minutesLate := int(-delta / time.Minute)
		appt.Notes = appendLatenessNote(appt.Notes, minutesLate)
		return appt, nil, nil

	default:
		if err := s.appts.UpdateAppointmentStatus(ctx, appt.ID, domain.AppointmentConfirmed, &now, nil); err != nil {
			return domain.Appointment{}, nil, err
		}
		appt.Status = domain.AppointmentConfirmed
		appt.ActualStart = &now
		return appt, nil, nil
	}
}

// SuggestActions flags floor conditions a manager should act on: too many
// waiting tickets per specialist, a heavy appointment load ahead, wait
// times trending high, an overstaffed lull, or one specialist carrying a
// disproportionate share of the queue's most recently served tickets.
func (s *Scheduler) SuggestActions(ctx context.Context, shopID, queueID uuid.UUID, activeSpecialists int) ([]Suggestion, error) {
	now := s.clk.Now()

	active, err := s.tickets.ListActive(ctx, queueID)
	if err != nil {
		return nil, err
	}
	waiting := waitingSorted(active)

	upcoming, err := s.appts.ListUpcoming(ctx, shopID, now, time.Duration(s.cfg.UpcomingAppointmentWindowHours)*time.Hour)
	if err != nil {
		return nil, err
	}
	upcoming = live(upcoming)

	recent, err := s.tickets.ListRecentCompleted(ctx, queueID, s.cfg.ServiceSequenceSampleCount)
	if err != nil {
		return nil, err
	}

	var suggestions []Suggestion

	if activeSpecialists > 0 && float64(len(waiting)) > s.cfg.OverloadWaitingPerSpecialist*float64(activeSpecialists) {
		suggestions = append(suggestions, Suggestion{
			Code:    "overload",
			Message: "waiting line is longer than current staffing supports; consider adding a specialist",
		})
	}

	if activeSpecialists > 0 && float64(len(upcoming))/2 > s.cfg.OverloadAppointmentsPerSpecialist*float64(activeSpecialists) {
		suggestions = append(suggestions, Suggestion{
			Code:    "high_appointment_load",
			Message: "upcoming appointment volume is heavy for the current specialist count",
		})
	}

	avgWait := avgActualWait(recent)
	if avgWait > s.cfg.HighWaitMinutesThreshold {
		suggestions = append(suggestions, Suggestion{
			Code:    "high_wait_time",
			Message: "average wait time is trending above the comfortable threshold",
		})
	}

	if activeSpecialists > 1 && len(waiting) == 0 && len(upcoming) <= s.cfg.OverstaffedMaxUpcoming {
		suggestions = append(suggestions, Suggestion{
			Code:    "overstaffed",
			Message: "floor is quiet with multiple specialists on; consider reassigning one",
		})
	}

	if code, ok := serviceImbalance(recent, s.cfg.ServiceImbalanceMinCount); ok {
		suggestions = append(suggestions, Suggestion{
			Code:    "service_distribution_imbalance",
			Message: "one specialist (" + code + ") has served a disproportionate share of recent tickets",
		})
	}

	return suggestions, nil
}

func waitingSorted(active []domain.Ticket) []domain.Ticket {
	var out []domain.Ticket
	for _, t := range active {
		if t.Status == domain.StatusWaiting {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// live filters out cancelled/no-show appointments, which occupy no slot.
func live(appts []domain.Appointment) []domain.Appointment {
	var out []domain.Appointment
	for _, a := range appts {
		if a.Status == domain.AppointmentCancelled || a.Status == domain.AppointmentNoShow {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func appendLatenessNote(notes string, minutes int) string {
	note := "arrived late by " + strconv.Itoa(minutes) + " minutes"
	if notes == "" {
		return note
	}
	return notes + "; " + note
}

func avgActualWait(tickets []domain.Ticket) float64 {
	var sum float64
	var n int
	for _, t := range tickets {
		if t.ActualWaitMinutes == nil {
			continue
		}
		sum += float64(*t.ActualWaitMinutes)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// serviceImbalance reports the specialist (as its uuid string) that served
// more than min tickets among the sample while at least one other
// specialist in the same sample served fewer, signalling lopsided routing.
func serviceImbalance(tickets []domain.Ticket, min int) (string, bool) {
	counts := map[uuid.UUID]int{}
	for _, t := range tickets {
		if t.SpecialistID != nil {
			counts[*t.SpecialistID]++
		}
	}
	if len(counts) < 2 {
		return "", false
	}
	var maxID uuid.UUID
	maxCount, minCount := 0, -1
	for id, c := range counts {
		if c > maxCount {
			maxCount = c
			maxID = id
		}
		if minCount < 0 || c < minCount {
			minCount = c
		}
	}
	if maxCount > min && minCount < maxCount {
		return maxID.String(), true
	}
	return "", false
}
