// Package postgres provides the PostgreSQL-backed store.Store
// implementation. It uses pgx/v5 (pure Go, no CGO) and runs embedded
// migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queuemesh/hybridqueue/auth"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn. Safe to call
// multiple times -- ErrNoChange is treated as success. Called by
// cmd/queuectl's migrate subcommand and internally by Open.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// Ping verifies connectivity, used by router's /readyz check.
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// SeedAdminUser creates an admin user with the given credentials only when
// the users table is empty (i.e. fresh deployment). No-op otherwise.
func (d *DB) SeedAdminUser(ctx context.Context, shopID uuid.UUID, email, password string) error {
	var count int
	if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return d.CreateUser(ctx, store.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         "admin",
		ShopID:       shopID,
		Active:       true,
	})
}

// ---- tickets ----

func (d *DB) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO tickets (
			id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, t.ID, t.Number, t.ShopID, t.QueueID, t.CustomerID, t.ServiceID, t.SpecialistID,
		t.AppointmentID, string(t.Status), t.Position, int(t.Priority), t.JoinedAt, t.CalledAt,
		t.ServeStartedAt, t.CompletedAt, t.EstimatedWaitMinutes, t.ActualWaitMinutes, t.Version)
	return err
}

func (d *DB) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	var t domain.Ticket
	var status string
	var priority int
	err := d.pool.QueryRow(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets WHERE id = $1
	`, id).Scan(&t.ID, &t.Number, &t.ShopID, &t.QueueID, &t.CustomerID, &t.ServiceID, &t.SpecialistID,
		&t.AppointmentID, &status, &t.Position, &priority, &t.JoinedAt, &t.CalledAt,
		&t.ServeStartedAt, &t.CompletedAt, &t.EstimatedWaitMinutes, &t.ActualWaitMinutes, &t.Version)
	if err == pgx.ErrNoRows {
		return domain.Ticket{}, domain.Validation(domain.CodeNotFound, "ticket not found")
	}
	if err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketStatus(status)
	t.Priority = domain.Priority(priority)
	return t, nil
}

func (d *DB) ListActive(ctx context.Context, queueID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets
		WHERE queue_id = $1 AND status IN ('waiting','called','serving')
		ORDER BY CASE status WHEN 'serving' THEN 0 WHEN 'called' THEN 1 ELSE 2 END, position ASC
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (d *DB) ListByCustomerToday(ctx context.Context, queueID, customerID uuid.UUID, day time.Time, loc *time.Location) ([]domain.Ticket, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	rows, err := d.pool.Query(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets
		WHERE queue_id = $1 AND customer_id = $2 AND status != 'cancelled'
			AND joined_at >= $3 AND joined_at < $4
	`, queueID, customerID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		var status string
		var priority int
		if err := rows.Scan(&t.ID, &t.Number, &t.ShopID, &t.QueueID, &t.CustomerID, &t.ServiceID, &t.SpecialistID,
			&t.AppointmentID, &status, &t.Position, &priority, &t.JoinedAt, &t.CalledAt,
			&t.ServeStartedAt, &t.CompletedAt, &t.EstimatedWaitMinutes, &t.ActualWaitMinutes, &t.Version); err != nil {
			return nil, err
		}
		t.Status = domain.TicketStatus(status)
		t.Priority = domain.Priority(priority)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE tickets SET
			status = $2, position = $3, priority = $4, called_at = $5,
			serve_started_at = $6, completed_at = $7, estimated_wait_minutes = $8,
			actual_wait_minutes = $9, specialist_id = $10, version = version + 1
		WHERE id = $1 AND version = $11
	`, t.ID, string(t.Status), t.Position, int(t.Priority), t.CalledAt,
		t.ServeStartedAt, t.CompletedAt, t.EstimatedWaitMinutes, t.ActualWaitMinutes, t.SpecialistID, t.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.Precondition(domain.CodeIllegalState, "ticket version conflict")
	}
	return nil
}

func (d *DB) ListRecentCompleted(ctx context.Context, queueID uuid.UUID, limit int) ([]domain.Ticket, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets
		WHERE queue_id = $1 AND status = 'served'
		ORDER BY completed_at DESC
		LIMIT $2
	`, queueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (d *DB) NextTicketNumber(ctx context.Context, shopID uuid.UUID, day time.Time) (string, error) {
	var count int
	prefix := day.Format("060102")
	err := d.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE shop_id = $1 AND number LIKE $2
	`, shopID, "Q-"+prefix+"-%").Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Q-%s-%03d", prefix, count+1), nil
}

// ---- queues ----

func (d *DB) GetQueue(ctx context.Context, id uuid.UUID) (domain.Queue, error) {
	var q domain.Queue
	var status string
	err := d.pool.QueryRow(ctx,
		`SELECT id, shop_id, name, status, max_capacity FROM queues WHERE id = $1`, id,
	).Scan(&q.ID, &q.ShopID, &q.Name, &status, &q.MaxCapacity)
	if err == pgx.ErrNoRows {
		return domain.Queue{}, domain.Validation(domain.CodeNotFound, "queue not found")
	}
	if err != nil {
		return domain.Queue{}, err
	}
	q.Status = domain.QueueStatus(status)
	return q, nil
}

func (d *DB) UpdateQueueStatus(ctx context.Context, id uuid.UUID, status domain.QueueStatus) error {
	_, err := d.pool.Exec(ctx, `UPDATE queues SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

func (d *DB) CreateQueue(ctx context.Context, q domain.Queue) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO queues (id, shop_id, name, status, max_capacity) VALUES ($1, $2, $3, $4, $5)`,
		q.ID, q.ShopID, q.Name, string(q.Status), q.MaxCapacity)
	return err
}

// ---- appointments ----

func (d *DB) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	var status string
	err := d.pool.QueryRow(ctx, `
		SELECT id, shop_id, customer_id, service_id, specialist_id, scheduled_start,
			scheduled_end, status, actual_start, actual_end, notes
		FROM appointments WHERE id = $1
	`, id).Scan(&a.ID, &a.ShopID, &a.CustomerID, &a.ServiceID, &a.SpecialistID, &a.ScheduledStart,
		&a.ScheduledEnd, &status, &a.ActualStart, &a.ActualEnd, &a.Notes)
	if err == pgx.ErrNoRows {
		return domain.Appointment{}, domain.Validation(domain.CodeNotFound, "appointment not found")
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	a.Status = domain.AppointmentStatus(status)
	return a, nil
}

func (d *DB) ListUpcoming(ctx context.Context, shopID uuid.UUID, now time.Time, window time.Duration) ([]domain.Appointment, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, shop_id, customer_id, service_id, specialist_id, scheduled_start,
			scheduled_end, status, actual_start, actual_end, notes
		FROM appointments
		WHERE shop_id = $1 AND scheduled_start >= $2 AND scheduled_start < $3
			AND status IN ('scheduled','confirmed')
		ORDER BY scheduled_start ASC
	`, shopID, now, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		var a domain.Appointment
		var status string
		if err := rows.Scan(&a.ID, &a.ShopID, &a.CustomerID, &a.ServiceID, &a.SpecialistID, &a.ScheduledStart,
			&a.ScheduledEnd, &status, &a.ActualStart, &a.ActualEnd, &a.Notes); err != nil {
			return nil, err
		}
		a.Status = domain.AppointmentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *DB) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status domain.AppointmentStatus, actualStart, actualEnd *time.Time) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE appointments SET status = $2, actual_start = COALESCE($3, actual_start),
			actual_end = COALESCE($4, actual_end)
		WHERE id = $1
	`, id, string(status), actualStart, actualEnd)
	return err
}

// ---- service time samples ----

func (d *DB) RecordSample(ctx context.Context, s domain.ServiceTimeSample) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO service_time_samples (shop_id, service_id, specialist_id, hour, weekday, duration_minutes, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.ShopID, s.ServiceID, s.SpecialistID, s.Hour, s.Weekday, s.DurationMinutes, s.ObservedAt)
	return err
}

func (d *DB) SamplesSince(ctx context.Context, shopID uuid.UUID, serviceID, specialistID *uuid.UUID, since time.Time) ([]domain.ServiceTimeSample, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT shop_id, service_id, specialist_id, hour, weekday, duration_minutes, observed_at
		FROM service_time_samples
		WHERE shop_id = $1 AND observed_at >= $2
			AND ($3::uuid IS NULL OR service_id = $3)
			AND ($4::uuid IS NULL OR specialist_id = $4)
		ORDER BY observed_at DESC
	`, shopID, since, serviceID, specialistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ServiceTimeSample
	for rows.Next() {
		var s domain.ServiceTimeSample
		if err := rows.Scan(&s.ShopID, &s.ServiceID, &s.SpecialistID, &s.Hour, &s.Weekday, &s.DurationMinutes, &s.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- users / sessions ----

func (d *DB) CreateUser(ctx context.Context, u store.User) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, role, shop_id, active)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, u.ID, u.Email, u.PasswordHash, u.Role, u.ShopID, u.Active)
	return err
}

func (d *DB) GetUser(ctx context.Context, id uuid.UUID) (store.User, error) {
	return d.scanUser(ctx, `SELECT id, email, password_hash, role, shop_id, active FROM users WHERE id = $1`, id)
}

func (d *DB) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	return d.scanUser(ctx, `SELECT id, email, password_hash, role, shop_id, active FROM users WHERE email = $1`, email)
}

func (d *DB) scanUser(ctx context.Context, q string, arg any) (store.User, error) {
	var u store.User
	err := d.pool.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.ShopID, &u.Active)
	if err == pgx.ErrNoRows {
		return store.User{}, domain.Validation(domain.CodeNotFound, "user not found")
	}
	return u, err
}

func (d *DB) CreateSession(ctx context.Context, s store.Session) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, refresh, expires_at) VALUES ($1,$2,$3,$4)
	`, s.ID, s.UserID, s.Refresh, s.ExpiresAt)
	return err
}

func (d *DB) GetSession(ctx context.Context, id uuid.UUID) (store.Session, error) {
	var s store.Session
	err := d.pool.QueryRow(ctx,
		`SELECT id, user_id, refresh, expires_at FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.Refresh, &s.ExpiresAt)
	if err == pgx.ErrNoRows {
		return store.Session{}, domain.Validation(domain.CodeNotFound, "session not found")
	}
	return s, err
}

func (d *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// ---- config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	return err
}

var _ store.Store = (*DB)(nil)
