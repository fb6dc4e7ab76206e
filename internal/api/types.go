package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/nromehealth/appointment-escrow/internal/booking"
)

type CreateBookingRequest struct {
	PatientID      string  `json:"patient_id"`
	PatientName    string  `json:"patient_name"`
	PatientEmail   *string `json:"patient_email,omitempty"`
	PatientPhone   *string `json:"patient_phone,omitempty"`
	PractitionerID string  `json:"practitioner_id"`
	ScheduledAt    string  `json:"scheduled_at"` // RFC 3339
	Amount         int64   `json:"amount,omitempty"`
}

type ActionRequest struct {
	CancelledBy string `json:"cancelled_by,omitempty"` // patient or practitioner
	Reason      string `json:"reason,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type AppointmentResponse struct {
	BookingRef           string     `json:"booking_ref"`
	PatientID            uuid.UUID  `json:"patient_id"`
	PractitionerID       uuid.UUID  `json:"practitioner_id"`
	ScheduledAt          time.Time  `json:"scheduled_at"`
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	Status               string     `json:"status"`
	PaymentStatus        string     `json:"payment_status"`
	PaymentRef           string     `json:"payment_ref"`
	PlatformFee          int64      `json:"platform_fee"`
	PractitionerAmount   int64      `json:"practitioner_amount"`
	ConfirmationDeadline time.Time  `json:"confirmation_deadline"`
	RefundRef            *string    `json:"refund_ref,omitempty"`
	NoShowFee            int64      `json:"no_show_fee,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		BookingRef:           a.BookingRef,
		PatientID:            a.PatientID,
		PractitionerID:       a.PractitionerID,
		ScheduledAt:          a.ScheduledAt,
		Amount:               a.Amount,
		Currency:             a.Currency,
		Status:               string(a.Status),
		PaymentStatus:        string(a.PaymentStatus),
		PaymentRef:           a.PaymentRef,
		PlatformFee:          a.PlatformFee,
		PractitionerAmount:   a.PractitionerAmount,
		ConfirmationDeadline: a.ConfirmationDeadline,
		RefundRef:            a.RefundRef,
		NoShowFee:            a.NoShowFee,
		CreatedAt:            a.CreatedAt,
		ConfirmedAt:          a.ConfirmedAt,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
