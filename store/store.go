// Package store declares the persistence interfaces QueueEngine,
// HybridScheduler, WSGateway and cmd/queuectl depend on.
// Two implementations exist: store/postgres for production and
// store/sqlite for development and tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/queuemesh/hybridqueue/domain"
)

// TicketStore persists tickets and their position within a queue.
type TicketStore interface {
	CreateTicket(ctx context.Context, t domain.Ticket) error
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	// ListActive returns waiting+called+serving tickets for a queue, ordered
	// by Position ascending for waiting tickets.
	ListActive(ctx context.Context, queueID uuid.UUID) ([]domain.Ticket, error)
	// ListByCustomerToday returns the customer's tickets in the given queue
	// joined on day (midnight to midnight in loc), excluding cancelled ones;
	// served and skipped tickets are included.
	ListByCustomerToday(ctx context.Context, queueID, customerID uuid.UUID, day time.Time, loc *time.Location) ([]domain.Ticket, error)
	// UpdateTicket persists all mutable fields of t, enforcing the
	// optimistic-concurrency Version column: it must match the stored row's
	// current version, which is what makes an update idempotent on retry.
	UpdateTicket(ctx context.Context, t domain.Ticket) error
	// NextTicketNumber returns the next sequential ticket number for the
	// shop/day, formatted "Q-YYMMDD-NNN".
	NextTicketNumber(ctx context.Context, shopID uuid.UUID, day time.Time) (string, error)
	// ListRecentCompleted returns the most recent limit served tickets for a
	// queue, newest CompletedAt first. HybridScheduler averages their
	// service duration to estimate how many waiting tickets fit a gap.
	ListRecentCompleted(ctx context.Context, queueID uuid.UUID, limit int) ([]domain.Ticket, error)
}

// QueueStore persists queue container rows.
type QueueStore interface {
	GetQueue(ctx context.Context, id uuid.UUID) (domain.Queue, error)
	UpdateQueueStatus(ctx context.Context, id uuid.UUID, status domain.QueueStatus) error
	// CreateQueue provisions a new queue row. Queue provisioning itself has
	// no dedicated operator UI in this core (out of scope); this exists so
	// cmd/queuectl's seed-demo command has somewhere to create one.
	CreateQueue(ctx context.Context, q domain.Queue) error
}

// AppointmentStore persists appointments.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	// ListUpcoming returns appointments scheduled to start within window of
	// now, for the given shop, ordered by ScheduledStart ascending.
	ListUpcoming(ctx context.Context, shopID uuid.UUID, now time.Time, window time.Duration) ([]domain.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status domain.AppointmentStatus, actualStart, actualEnd *time.Time) error
}

// ServiceTimeStore persists and queries historical service durations used
// to calibrate wait estimates.
type ServiceTimeStore interface {
	RecordSample(ctx context.Context, s domain.ServiceTimeSample) error
	// SamplesSince returns samples for shopID (optionally filtered by
	// serviceID/specialistID) observed on or after since.
	SamplesSince(ctx context.Context, shopID uuid.UUID, serviceID, specialistID *uuid.UUID, since time.Time) ([]domain.ServiceTimeSample, error)
}

// User is an operator or staff account; customers are identified purely by
// UUID and never gain a User row.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         string // employee | admin
	ShopID       uuid.UUID
	Active       bool
}

// UserStore persists operator accounts; cmd/queuectl seed-demo creates one.
// WSGateway authenticates from the bearer token's claims alone.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	CreateUser(ctx context.Context, u User) error
}

// Session tracks one issued refresh token, mirroring the teacher's session
// bookkeeping.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Refresh   string
	ExpiresAt time.Time
}

// SessionStore persists refresh-token sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// Store aggregates every persistence interface a single backend
// implementation (postgres or sqlite) satisfies.
type Store interface {
	TicketStore
	QueueStore
	AppointmentStore
	ServiceTimeStore
	UserStore
	SessionStore

	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	// Ping verifies connectivity for the readiness probe.
	Ping(ctx context.Context) error
	Close() error
}
