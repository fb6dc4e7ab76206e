package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxQuerier is the subset of pgxpool.Pool the ledger needs; tests substitute
// a pgxmock implementation.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgLedger struct {
	pool PgxQuerier
}

func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

// NewPgLedgerWithQuerier allows injecting a mocked pgx interface for tests.
func NewPgLedgerWithQuerier(q PgxQuerier) *PgLedger {
	return &PgLedger{pool: q}
}

const appointmentColumns = `id, booking_ref, patient_id, patient_name, patient_email, patient_phone,
		practitioner_id, scheduled_at, amount, currency, status, payment_status, payment_ref,
		platform_fee, practitioner_amount, confirmation_deadline, cancellation_policy,
		refund_ref, refunded_at, cancelled_by, cancellation_reason, no_show_checked, no_show_fee,
		confirmed_at, practitioner_notes, payment_metadata, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.BookingRef,
		&a.PatientID,
		&a.PatientName,
		&a.PatientEmail,
		&a.PatientPhone,
		&a.PractitionerID,
		&a.ScheduledAt,
		&a.Amount,
		&a.Currency,
		&a.Status,
		&a.PaymentStatus,
		&a.PaymentRef,
		&a.PlatformFee,
		&a.PractitionerAmount,
		&a.ConfirmationDeadline,
		&a.CancellationPolicy,
		&a.RefundRef,
		&a.RefundedAt,
		&a.CancelledBy,
		&a.CancellationReason,
		&a.NoShowChecked,
		&a.NoShowFee,
		&a.ConfirmedAt,
		&a.PractitionerNotes,
		&a.PaymentMetadata,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Interface methods

func (r *PgLedger) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, booking_ref, patient_id, patient_name, patient_email, patient_phone,
			practitioner_id, scheduled_at, amount, currency, status, payment_status, payment_ref,
			platform_fee, practitioner_amount, confirmation_deadline, cancellation_policy,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
		RETURNING `+appointmentColumns+`
	`,
		id, a.BookingRef, a.PatientID, a.PatientName, a.PatientEmail, a.PatientPhone,
		a.PractitionerID, a.ScheduledAt, a.Amount, a.Currency, a.Status, a.PaymentStatus, a.PaymentRef,
		a.PlatformFee, a.PractitionerAmount, a.ConfirmationDeadline, a.CancellationPolicy,
	)

	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicatePaymentRef
		}
		return nil, err
	}
	return created, nil
}

func (r *PgLedger) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgLedger) GetAppointmentByBookingRef(ctx context.Context, ref string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE booking_ref = $1
	`, ref)
	return scanAppointment(row)
}

func (r *PgLedger) GetAppointmentByPaymentRef(ctx context.Context, ref string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE payment_ref = $1
	`, ref)
	return scanAppointment(row)
}

func (r *PgLedger) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgLedger) ListAppointmentsByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
		ORDER BY scheduled_at ASC
		LIMIT $2 OFFSET $3
	`, practitionerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

// UpdateIfStatus performs the conditional status write every transition relies
// on. The WHERE clause pins the previous status, so two concurrent drivers can
// never both move the same appointment.
func (r *PgLedger) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected, newStatus AppointmentStatus, fields StatusUpdate) (*Appointment, bool, error) {
	set := []string{"status = $3", "updated_at = now()"}
	args := []any{id, expected, newStatus}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.PaymentStatus != nil {
		add("payment_status", *fields.PaymentStatus)
	}
	if fields.PaymentMetadata != nil {
		add("payment_metadata", fields.PaymentMetadata)
	}
	if fields.RefundRef != nil {
		add("refund_ref", *fields.RefundRef)
	}
	if fields.RefundedAt != nil {
		add("refunded_at", *fields.RefundedAt)
	}
	if fields.CancelledBy != nil {
		add("cancelled_by", *fields.CancelledBy)
	}
	if fields.CancellationReason != nil {
		add("cancellation_reason", *fields.CancellationReason)
	}
	if fields.NoShowChecked != nil {
		add("no_show_checked", *fields.NoShowChecked)
	}
	if fields.NoShowFee != nil {
		add("no_show_fee", *fields.NoShowFee)
	}
	if fields.ConfirmedAt != nil {
		add("confirmed_at", *fields.ConfirmedAt)
	}
	if fields.PractitionerNotes != nil {
		add("practitioner_notes", *fields.PractitionerNotes)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET `+strings.Join(set, ",\n		    ")+`
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentColumns+`
	`, args...)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Row exists in another status, or not at all; caller decides which.
			return nil, false, nil
		}
		return nil, false, err
	}

	return updated, true, nil
}

func (r *PgLedger) FindConfirmationExpired(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'PENDING_CONFIRMATION'
		  AND confirmation_deadline < $1
	`, now)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgLedger) FindNoShowCandidates(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND no_show_checked = false
		  AND scheduled_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgLedger) FindConfirmedBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND scheduled_at >= $1
		  AND scheduled_at < $2
	`, from, to)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgLedger) InsertTransaction(ctx context.Context, tx Transaction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_transactions (
			appointment_id, reference, gateway_ref, transaction_type,
			amount, currency, status, gateway_response, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
	`, tx.AppointmentID, tx.Reference, tx.GatewayRef, tx.Type,
		tx.Amount, tx.Currency, tx.Status, tx.GatewayResponse, nullableTime(tx.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

func (r *PgLedger) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_logs (appointment_id, action, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, entry.AppointmentID, entry.Action, entry.Actor, entry.Metadata, nullableTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

func (r *PgLedger) InsertNotification(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO practitioner_notifications (recipient_id, recipient_role, appointment_id, notification_type, message, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, n.RecipientID, n.RecipientRole, n.AppointmentID, n.Type, n.Message, nullableTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
