package domain

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus is one of the six lifecycle states a ticket passes through.
type TicketStatus string

const (
	StatusWaiting   TicketStatus = "waiting"
	StatusCalled    TicketStatus = "called"
	StatusServing   TicketStatus = "serving"
	StatusServed    TicketStatus = "served"
	StatusSkipped   TicketStatus = "skipped"
	StatusCancelled TicketStatus = "cancelled"
)

// Terminal reports whether the status never transitions further.
func (s TicketStatus) Terminal() bool {
	switch s {
	case StatusServed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders tickets within a queue; higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
	PriorityVIP    Priority = 5
)

// QueueStatus is the operational state of a Queue container.
type QueueStatus string

const (
	QueueOpen   QueueStatus = "open"
	QueuePaused QueueStatus = "paused"
	QueueClosed QueueStatus = "closed"
)

// AppointmentStatus tracks a scheduled appointment through its lifecycle.
type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentConfirmed  AppointmentStatus = "confirmed"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
	AppointmentNoShow     AppointmentStatus = "no_show"
)

// Ticket represents one customer waiting to be served.
type Ticket struct {
	ID             uuid.UUID
	Number         string // "Q-YYMMDD-NNN", unique within (shop, day)
	ShopID         uuid.UUID
	QueueID        uuid.UUID
	CustomerID     uuid.UUID
	ServiceID      *uuid.UUID
	SpecialistID   *uuid.UUID
	AppointmentID  *uuid.UUID
	Status         TicketStatus
	Position       int // 1-based, dense within waiting; 0 once no longer waiting
	Priority       Priority
	JoinedAt       time.Time
	CalledAt       *time.Time
	ServeStartedAt *time.Time
	CompletedAt    *time.Time
	EstimatedWaitMinutes int
	ActualWaitMinutes    *int
	Version        int // optimistic-concurrency token for idempotent updates
}

// Queue is a named, stateful container attached to a shop.
type Queue struct {
	ID          uuid.UUID
	ShopID      uuid.UUID
	Name        string
	Status      QueueStatus
	MaxCapacity int // 0 = unlimited
}

// Appointment is a pre-scheduled service instance.
type Appointment struct {
	ID             uuid.UUID
	ShopID         uuid.UUID
	CustomerID     uuid.UUID
	ServiceID      uuid.UUID
	SpecialistID   *uuid.UUID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Status         AppointmentStatus
	ActualStart    *time.Time
	ActualEnd      *time.Time
	Notes          string
}

// DurationMinutes returns the scheduled service duration.
func (a Appointment) DurationMinutes() float64 {
	return a.ScheduledEnd.Sub(a.ScheduledStart).Minutes()
}

// ServiceTimeSample is one observation used to calibrate wait estimates.
// Filtered to 0 < DurationMinutes < 180 at insertion time.
type ServiceTimeSample struct {
	ShopID          uuid.UUID
	ServiceID       *uuid.UUID
	SpecialistID    *uuid.UUID
	Hour            int // 0-23
	Weekday         int // 0=Monday .. 6=Sunday
	DurationMinutes float64
	ObservedAt      time.Time
}

// SubscriberSession is one live WebSocket client connection.
type SubscriberSession struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Role       string // customer | employee | admin
	CityID     uuid.UUID
	ShopID     uuid.UUID // employee's shop, zero value for customers
	Platform   string
	Groups     map[string]bool
	LastAckAt  time.Time
}

// QueueSnapshot is a read-only immutable view of one queue's active tickets.
type QueueSnapshot struct {
	QueueID       uuid.UUID
	ShopID        uuid.UUID
	Status        QueueStatus
	Waiting       []Ticket
	Called        []Ticket
	Serving       []Ticket
	WaitingCount  int
	CalledCount   int
	ServingCount  int
	GeneratedAt   time.Time
}

// EventType classifies a broadcast event per spec §4.4's wire schema.
type EventType string

const (
	EventQueueUpdate  EventType = "queue_update"
	EventTicketUpdate EventType = "ticket_update"
	EventStatusUpdate EventType = "status_update"
	EventNotification EventType = "notification"
)

// EventAction distinguishes the ticket/queue lifecycle action an event
// reports.
type EventAction string

const (
	ActionJoin   EventAction = "join"
	ActionCall   EventAction = "call"
	ActionServe  EventAction = "serve"
	ActionComplete EventAction = "complete"
	ActionSkip   EventAction = "skip"
	ActionCancel EventAction = "cancel"
	ActionUpdate EventAction = "update"
	ActionDelete EventAction = "delete"
)

// Event is one state-change notification fanned out by the SubscriptionHub.
type Event struct {
	Type    EventType
	Action  EventAction
	Payload any
	TS      time.Time
}
