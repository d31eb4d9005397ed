// Package sqlite provides the SQLite-backed store.Store implementation used
// for local development and tests. It uses modernc.org/sqlite (pure Go, no
// CGO) so the binary stays fully static.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/queuemesh/hybridqueue/auth"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. path may be ":memory:" for ephemeral test databases.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping verifies connectivity, used by router's /readyz check.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			id           TEXT PRIMARY KEY,
			shop_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'open',
			max_capacity INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS tickets (
			id                     TEXT PRIMARY KEY,
			number                 TEXT NOT NULL,
			shop_id                TEXT NOT NULL,
			queue_id               TEXT NOT NULL REFERENCES queues(id),
			customer_id            TEXT NOT NULL,
			service_id             TEXT,
			specialist_id          TEXT,
			appointment_id         TEXT,
			status                 TEXT NOT NULL DEFAULT 'waiting',
			position               INTEGER NOT NULL DEFAULT 0,
			priority               INTEGER NOT NULL DEFAULT 2,
			joined_at              TEXT NOT NULL,
			called_at              TEXT,
			serve_started_at       TEXT,
			completed_at           TEXT,
			estimated_wait_minutes INTEGER NOT NULL DEFAULT 0,
			actual_wait_minutes    INTEGER,
			version                INTEGER NOT NULL DEFAULT 1,
			UNIQUE (shop_id, number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_queue ON tickets(queue_id, status, position)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_customer ON tickets(queue_id, customer_id, joined_at)`,

		`CREATE TABLE IF NOT EXISTS appointments (
			id              TEXT PRIMARY KEY,
			shop_id         TEXT NOT NULL,
			customer_id     TEXT NOT NULL,
			service_id      TEXT NOT NULL,
			specialist_id   TEXT,
			scheduled_start TEXT NOT NULL,
			scheduled_end   TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'scheduled',
			actual_start    TEXT,
			actual_end      TEXT,
			notes           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appt_shop_start ON appointments(shop_id, scheduled_start)`,

		`CREATE TABLE IF NOT EXISTS service_time_samples (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			shop_id          TEXT NOT NULL,
			service_id       TEXT,
			specialist_id    TEXT,
			hour             INTEGER NOT NULL,
			weekday          INTEGER NOT NULL,
			duration_minutes REAL NOT NULL,
			observed_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_shop ON service_time_samples(shop_id, observed_at)`,

		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'employee',
			shop_id       TEXT NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			refresh    TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS config (
			id   INTEGER PRIMARY KEY,
			data TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// SeedAdminUser creates an admin user with the given credentials only when
// the users table is empty. No-op otherwise.
func (s *DB) SeedAdminUser(ctx context.Context, shopID uuid.UUID, email, password string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.CreateUser(ctx, store.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         "admin",
		ShopID:       shopID,
		Active:       true,
	})
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func uuidStr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseUUIDPtr(raw sql.NullString) (*uuid.UUID, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ---- tickets ----

func (s *DB) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (
			id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, t.ID.String(), t.Number, t.ShopID.String(), t.QueueID.String(), t.CustomerID.String(),
		uuidStr(t.ServiceID), uuidStr(t.SpecialistID), uuidStr(t.AppointmentID), string(t.Status),
		t.Position, int(t.Priority), fmtTime(t.JoinedAt), fmtTimePtr(t.CalledAt),
		fmtTimePtr(t.ServeStartedAt), fmtTimePtr(t.CompletedAt), t.EstimatedWaitMinutes, t.ActualWaitMinutes, t.Version)
	return err
}

func (s *DB) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets WHERE id = ?
	`, id.String())
	return scanTicket(row.Scan)
}

func (s *DB) ListActive(ctx context.Context, queueID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets
		WHERE queue_id = ? AND status IN ('waiting','called','serving')
		ORDER BY CASE status WHEN 'serving' THEN 0 WHEN 'called' THEN 1 ELSE 2 END, position ASC
	`, queueID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *DB) ListByCustomerToday(ctx context.Context, queueID, customerID uuid.UUID, day time.Time, loc *time.Location) ([]domain.Ticket, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets
		WHERE queue_id = ? AND customer_id = ? AND status != 'cancelled'
			AND joined_at >= ? AND joined_at < ?
	`, queueID.String(), customerID.String(), fmtTime(start), fmtTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *DB) ListRecentCompleted(ctx context.Context, queueID uuid.UUID, limit int) ([]domain.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, status, position, priority, joined_at, called_at,
			serve_started_at, completed_at, estimated_wait_minutes, actual_wait_minutes, version
		FROM tickets
		WHERE queue_id = ? AND status = 'served'
		ORDER BY completed_at DESC
		LIMIT ?
	`, queueID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

type scanFunc func(dest ...any) error

func scanTicket(scan scanFunc) (domain.Ticket, error) {
	var t domain.Ticket
	var id, shopID, queueID, customerID, status string
	var serviceID, specialistID, appointmentID sql.NullString
	var joinedAt string
	var calledAt, serveStartedAt, completedAt sql.NullString
	var priority int

	err := scan(&id, &t.Number, &shopID, &queueID, &customerID, &serviceID, &specialistID,
		&appointmentID, &status, &t.Position, &priority, &joinedAt, &calledAt,
		&serveStartedAt, &completedAt, &t.EstimatedWaitMinutes, &t.ActualWaitMinutes, &t.Version)
	if err == sql.ErrNoRows {
		return domain.Ticket{}, domain.Validation(domain.CodeNotFound, "ticket not found")
	}
	if err != nil {
		return domain.Ticket{}, err
	}

	t.ID, err = uuid.Parse(id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.ShopID, err = uuid.Parse(shopID); err != nil {
		return domain.Ticket{}, err
	}
	if t.QueueID, err = uuid.Parse(queueID); err != nil {
		return domain.Ticket{}, err
	}
	if t.CustomerID, err = uuid.Parse(customerID); err != nil {
		return domain.Ticket{}, err
	}
	if t.ServiceID, err = parseUUIDPtr(serviceID); err != nil {
		return domain.Ticket{}, err
	}
	if t.SpecialistID, err = parseUUIDPtr(specialistID); err != nil {
		return domain.Ticket{}, err
	}
	if t.AppointmentID, err = parseUUIDPtr(appointmentID); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketStatus(status)
	t.Priority = domain.Priority(priority)
	if t.JoinedAt, err = time.Parse(time.RFC3339Nano, joinedAt); err != nil {
		return domain.Ticket{}, err
	}
	if t.CalledAt, err = parseTimePtr(calledAt); err != nil {
		return domain.Ticket{}, err
	}
	if t.ServeStartedAt, err = parseTimePtr(serveStartedAt); err != nil {
		return domain.Ticket{}, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func scanTickets(rows *sql.Rows) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET
			status = ?, position = ?, priority = ?, called_at = ?,
			serve_started_at = ?, completed_at = ?, estimated_wait_minutes = ?,
			actual_wait_minutes = ?, specialist_id = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(t.Status), t.Position, int(t.Priority), fmtTimePtr(t.CalledAt),
		fmtTimePtr(t.ServeStartedAt), fmtTimePtr(t.CompletedAt), t.EstimatedWaitMinutes,
		t.ActualWaitMinutes, uuidStr(t.SpecialistID), t.ID.String(), t.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Precondition(domain.CodeIllegalState, "ticket version conflict")
	}
	return nil
}

func (s *DB) NextTicketNumber(ctx context.Context, shopID uuid.UUID, day time.Time) (string, error) {
	prefix := day.Format("060102")
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tickets WHERE shop_id = ? AND number LIKE ?`,
		shopID.String(), "Q-"+prefix+"-%",
	).Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Q-%s-%03d", prefix, count+1), nil
}

// ---- queues ----

func (s *DB) GetQueue(ctx context.Context, id uuid.UUID) (domain.Queue, error) {
	var q domain.Queue
	var qid, shopID, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, shop_id, name, status, max_capacity FROM queues WHERE id = ?`, id.String(),
	).Scan(&qid, &shopID, &q.Name, &status, &q.MaxCapacity)
	if err == sql.ErrNoRows {
		return domain.Queue{}, domain.Validation(domain.CodeNotFound, "queue not found")
	}
	if err != nil {
		return domain.Queue{}, err
	}
	if q.ID, err = uuid.Parse(qid); err != nil {
		return domain.Queue{}, err
	}
	if q.ShopID, err = uuid.Parse(shopID); err != nil {
		return domain.Queue{}, err
	}
	q.Status = domain.QueueStatus(status)
	return q, nil
}

func (s *DB) UpdateQueueStatus(ctx context.Context, id uuid.UUID, status domain.QueueStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queues SET status = ? WHERE id = ?`, string(status), id.String())
	return err
}

func (s *DB) CreateQueue(ctx context.Context, q domain.Queue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (id, shop_id, name, status, max_capacity) VALUES (?, ?, ?, ?, ?)`,
		q.ID.String(), q.ShopID.String(), q.Name, string(q.Status), q.MaxCapacity)
	return err
}

// ---- appointments ----

func (s *DB) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, customer_id, service_id, specialist_id, scheduled_start,
			scheduled_end, status, actual_start, actual_end, notes
		FROM appointments WHERE id = ?
	`, id.String())
	return scanAppointment(row.Scan)
}

func (s *DB) ListUpcoming(ctx context.Context, shopID uuid.UUID, now time.Time, window time.Duration) ([]domain.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, customer_id, service_id, specialist_id, scheduled_start,
			scheduled_end, status, actual_start, actual_end, notes
		FROM appointments
		WHERE shop_id = ? AND scheduled_start >= ? AND scheduled_start < ?
			AND status IN ('scheduled','confirmed')
		ORDER BY scheduled_start ASC
	`, shopID.String(), fmtTime(now), fmtTime(now.Add(window)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAppointment(scan scanFunc) (domain.Appointment, error) {
	var a domain.Appointment
	var id, shopID, customerID, serviceID, status string
	var specialistID sql.NullString
	var scheduledStart, scheduledEnd string
	var actualStart, actualEnd sql.NullString

	err := scan(&id, &shopID, &customerID, &serviceID, &specialistID, &scheduledStart,
		&scheduledEnd, &status, &actualStart, &actualEnd, &a.Notes)
	if err == sql.ErrNoRows {
		return domain.Appointment{}, domain.Validation(domain.CodeNotFound, "appointment not found")
	}
	if err != nil {
		return domain.Appointment{}, err
	}

	if a.ID, err = uuid.Parse(id); err != nil {
		return domain.Appointment{}, err
	}
	if a.ShopID, err = uuid.Parse(shopID); err != nil {
		return domain.Appointment{}, err
	}
	if a.CustomerID, err = uuid.Parse(customerID); err != nil {
		return domain.Appointment{}, err
	}
	if a.ServiceID, err = uuid.Parse(serviceID); err != nil {
		return domain.Appointment{}, err
	}
	if a.SpecialistID, err = parseUUIDPtr(specialistID); err != nil {
		return domain.Appointment{}, err
	}
	if a.ScheduledStart, err = time.Parse(time.RFC3339Nano, scheduledStart); err != nil {
		return domain.Appointment{}, err
	}
	if a.ScheduledEnd, err = time.Parse(time.RFC3339Nano, scheduledEnd); err != nil {
		return domain.Appointment{}, err
	}
	a.Status = domain.AppointmentStatus(status)
	if a.ActualStart, err = parseTimePtr(actualStart); err != nil {
		return domain.Appointment{}, err
	}
	if a.ActualEnd, err = parseTimePtr(actualEnd); err != nil {
		return domain.Appointment{}, err
	}
	return a, nil
}

func (s *DB) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status domain.AppointmentStatus, actualStart, actualEnd *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET status = ?,
			actual_start = COALESCE(?, actual_start),
			actual_end = COALESCE(?, actual_end)
		WHERE id = ?
	`, string(status), fmtTimePtr(actualStart), fmtTimePtr(actualEnd), id.String())
	return err
}

// ---- service time samples ----

func (s *DB) RecordSample(ctx context.Context, sample domain.ServiceTimeSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_time_samples (shop_id, service_id, specialist_id, hour, weekday, duration_minutes, observed_at)
		VALUES (?,?,?,?,?,?,?)
	`, sample.ShopID.String(), uuidStr(sample.ServiceID), uuidStr(sample.SpecialistID),
		sample.Hour, sample.Weekday, sample.DurationMinutes, fmtTime(sample.ObservedAt))
	return err
}

func (s *DB) SamplesSince(ctx context.Context, shopID uuid.UUID, serviceID, specialistID *uuid.UUID, since time.Time) ([]domain.ServiceTimeSample, error) {
	query := `
		SELECT shop_id, service_id, specialist_id, hour, weekday, duration_minutes, observed_at
		FROM service_time_samples
		WHERE shop_id = ? AND observed_at >= ?`
	args := []any{shopID.String(), fmtTime(since)}
	if serviceID != nil {
		query += ` AND service_id = ?`
		args = append(args, serviceID.String())
	}
	if specialistID != nil {
		query += ` AND specialist_id = ?`
		args = append(args, specialistID.String())
	}
	query += ` ORDER BY observed_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ServiceTimeSample
	for rows.Next() {
		var sh, status string
		var svc, spec sql.NullString
		var observedAt string
		var sample domain.ServiceTimeSample
		if err := rows.Scan(&sh, &svc, &spec, &sample.Hour, &sample.Weekday, &sample.DurationMinutes, &observedAt); err != nil {
			return nil, err
		}
		_ = status
		if sample.ShopID, err = uuid.Parse(sh); err != nil {
			return nil, err
		}
		if sample.ServiceID, err = parseUUIDPtr(svc); err != nil {
			return nil, err
		}
		if sample.SpecialistID, err = parseUUIDPtr(spec); err != nil {
			return nil, err
		}
		if sample.ObservedAt, err = time.Parse(time.RFC3339Nano, observedAt); err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// ---- users / sessions ----

func (s *DB) CreateUser(ctx context.Context, u store.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, shop_id, active)
		VALUES (?,?,?,?,?,?)
	`, u.ID.String(), u.Email, u.PasswordHash, u.Role, u.ShopID.String(), u.Active)
	return err
}

func (s *DB) GetUser(ctx context.Context, id uuid.UUID) (store.User, error) {
	return s.scanUser(ctx, `SELECT id, email, password_hash, role, shop_id, active FROM users WHERE id = ?`, id.String())
}

func (s *DB) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	return s.scanUser(ctx, `SELECT id, email, password_hash, role, shop_id, active FROM users WHERE email = ?`, email)
}

func (s *DB) scanUser(ctx context.Context, q string, arg any) (store.User, error) {
	var u store.User
	var id, shopID string
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&id, &u.Email, &u.PasswordHash, &u.Role, &shopID, &u.Active)
	if err == sql.ErrNoRows {
		return store.User{}, domain.Validation(domain.CodeNotFound, "user not found")
	}
	if err != nil {
		return store.User{}, err
	}
	if u.ID, err = uuid.Parse(id); err != nil {
		return store.User{}, err
	}
	if u.ShopID, err = uuid.Parse(shopID); err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (s *DB) CreateSession(ctx context.Context, sess store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh, expires_at) VALUES (?,?,?,?)
	`, sess.ID.String(), sess.UserID.String(), sess.Refresh, fmtTime(sess.ExpiresAt))
	return err
}

func (s *DB) GetSession(ctx context.Context, id uuid.UUID) (store.Session, error) {
	var sess store.Session
	var sid, userID, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, refresh, expires_at FROM sessions WHERE id = ?`, id.String(),
	).Scan(&sid, &userID, &sess.Refresh, &expiresAt)
	if err == sql.ErrNoRows {
		return store.Session{}, domain.Validation(domain.CodeNotFound, "session not found")
	}
	if err != nil {
		return store.Session{}, err
	}
	if sess.ID, err = uuid.Parse(sid); err != nil {
		return store.Session{}, err
	}
	if sess.UserID, err = uuid.Parse(userID); err != nil {
		return store.Session{}, err
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

func (s *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return err
}

// ---- config ----

func (s *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, string(raw))
	return err
}

var _ store.Store = (*DB)(nil)
