package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPendingPayment      AppointmentStatus = "PENDING_PAYMENT"
	StatusPendingConfirmation AppointmentStatus = "PENDING_CONFIRMATION"
	StatusConfirmed           AppointmentStatus = "CONFIRMED"
	StatusCompleted           AppointmentStatus = "COMPLETED"
	StatusPaymentFailed       AppointmentStatus = "PAYMENT_FAILED"
	StatusRefunded            AppointmentStatus = "REFUNDED"
	StatusCancelled           AppointmentStatus = "CANCELLED"
	StatusNoShow              AppointmentStatus = "NO_SHOW"
)

// Terminal reports whether no further transitions are possible from s.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type TransactionType string

const (
	TransactionPayment TransactionType = "payment"
	TransactionRefund  TransactionType = "refund"
)

// Actor identifies who drove a transition, recorded on every audit entry.
type Actor string

const (
	ActorSystem       Actor = "system"
	ActorPatient      Actor = "patient"
	ActorPractitioner Actor = "practitioner"
	ActorWebhook      Actor = "webhook"
)

type Appointment struct {
	ID             uuid.UUID
	BookingRef     string
	PatientID      uuid.UUID
	PatientName    string
	PatientEmail   *string
	PatientPhone   *string
	PractitionerID uuid.UUID

	ScheduledAt time.Time
	Amount      int64 // major currency units
	Currency    string

	Status        AppointmentStatus
	PaymentStatus PaymentStatus
	PaymentRef    string // unique, 1:1 with one gateway transaction

	PlatformFee        int64
	PractitionerAmount int64

	ConfirmationDeadline time.Time
	CancellationPolicy   string

	RefundRef          *string
	RefundedAt         *time.Time
	CancelledBy        *string
	CancellationReason *string

	NoShowChecked bool
	NoShowFee     int64

	ConfirmedAt       *time.Time
	PractitionerNotes *string
	PaymentMetadata   []byte // raw gateway payload from verify or webhook

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is an immutable record of one money movement.
type Transaction struct {
	ID              int64
	AppointmentID   uuid.UUID
	Reference       string
	GatewayRef      string
	Type            TransactionType
	Amount          int64
	Currency        string
	Status          string
	GatewayResponse []byte
	CompletedAt     time.Time
}

// AuditLogEntry is an append-only record of one transition attempt.
type AuditLogEntry struct {
	ID            int64
	AppointmentID uuid.UUID
	Action        string
	Actor         Actor
	Metadata      []byte
	CreatedAt     time.Time
}

// Notification is advisory only; losing one never violates a core invariant.
type Notification struct {
	ID            int64
	RecipientID   uuid.UUID
	RecipientRole string // practitioner or patient
	AppointmentID uuid.UUID
	Type          string
	Message       string
	CreatedAt     time.Time
}
