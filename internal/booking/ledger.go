package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrDuplicatePaymentRef     = errors.New("payment reference already exists")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrStateConflict           = errors.New("appointment no longer in expected state")
	ErrDeadlineNotReached      = errors.New("confirmation deadline not yet passed")
	ErrTransitionInProgress    = errors.New("a transition for this appointment is already in progress")
)

// StatusUpdate carries the fields a transition may set alongside the new status.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	PaymentStatus      *PaymentStatus
	PaymentMetadata    []byte
	RefundRef          *string
	RefundedAt         *time.Time
	CancelledBy        *string
	CancellationReason *string
	NoShowChecked      *bool
	NoShowFee          *int64
	ConfirmedAt        *time.Time
	PractitionerNotes  *string
}

// Ledger is the durable record of appointments, transactions and audit logs.
// UpdateIfStatus is the compare-and-swap primitive every transition goes
// through: it writes newStatus and fields only when the stored status still
// equals expected, and reports false when another driver won the race.
type Ledger interface {
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByBookingRef(ctx context.Context, ref string) (*Appointment, error)
	GetAppointmentByPaymentRef(ctx context.Context, ref string) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]Appointment, error)

	UpdateIfStatus(ctx context.Context, id uuid.UUID, expected, newStatus AppointmentStatus, fields StatusUpdate) (*Appointment, bool, error)

	// Sweep selections
	FindConfirmationExpired(ctx context.Context, now time.Time) ([]Appointment, error)
	FindNoShowCandidates(ctx context.Context, now time.Time) ([]Appointment, error)
	FindConfirmedBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)

	InsertTransaction(ctx context.Context, tx Transaction) error
	InsertAuditLog(ctx context.Context, entry AuditLogEntry) error
	InsertNotification(ctx context.Context, n Notification) error
}
