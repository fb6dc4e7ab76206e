package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nromehealth/appointment-escrow/internal/config"
	redisclient "github.com/nromehealth/appointment-escrow/internal/redis"
)

// ErrRefundFailed wraps a gateway rejection or transport failure during a
// refund. The appointment is left untouched and the next sweep pass retries.
var ErrRefundFailed = errors.New("refund was not accepted by the payment gateway")

// Audit action tags. One entry is appended per transition attempt, whether it
// succeeds or not.
const (
	ActionAppointmentCreated    = "appointment_created"
	ActionPaymentSuccessful     = "payment_successful"
	ActionPaymentFailed         = "payment_failed"
	ActionWebhookPaymentSuccess = "webhook_payment_success"
	ActionWebhookRefund         = "webhook_refund_processed"
	ActionTransferSuccess       = "webhook_transfer_success"
	ActionPractitionerConfirmed = "practitioner_confirmed"
	ActionPractitionerDeclined  = "practitioner_declined"
	ActionPatientCancelled      = "patient_cancelled"
	ActionPatientCancelledLate  = "patient_cancelled_late"
	ActionPractitionerCancelled = "practitioner_cancelled"
	ActionAutoRefundUnconfirmed = "auto_refund_unconfirmed"
	ActionMarkedNoShow          = "marked_no_show"
	ActionCompleted             = "appointment_completed"
	ActionReminderSent          = "reminder_sent"
	ActionTransitionRejected    = "transition_rejected"
	ActionRefundFailed          = "refund_failed"
	ActionReconciliationNeeded  = "reconciliation_required"
)

// Service is the appointment state machine. It holds no persisted state of
// its own: every transition reads the current row, validates the guard, calls
// the gateway if money moves, then attempts a conditional status write.
type Service struct {
	ledger   Ledger
	gateway  Gateway
	locker   redisclient.Locker
	notifier Notifier
	cfg      config.Config
	now      func() time.Time
}

func NewService(ledger Ledger, gateway Gateway, locker redisclient.Locker, notifier Notifier, cfg config.Config) *Service {
	return &Service{
		ledger:   ledger,
		gateway:  gateway,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateBookingRequest is the booking flow's input; the only path that ever
// creates a new appointment row.
type CreateBookingRequest struct {
	PatientID      uuid.UUID
	PatientName    string
	PatientEmail   *string
	PatientPhone   *string
	PractitionerID uuid.UUID
	ScheduledAt    time.Time
	Amount         int64 // 0 means the configured default
}

// CreateBooking inserts a PENDING_PAYMENT appointment with fresh booking and
// payment references and the confirmation deadline fixed at creation time.
func (s *Service) CreateBooking(ctx context.Context, req CreateBookingRequest) (*Appointment, error) {
	amount := req.Amount
	if amount <= 0 {
		amount = s.cfg.DefaultAmount
	}
	split := s.gateway.CalculateSplit(amount)

	a := &Appointment{
		BookingRef:           s.gateway.GenerateReference("BK"),
		PatientID:            req.PatientID,
		PatientName:          req.PatientName,
		PatientEmail:         req.PatientEmail,
		PatientPhone:         req.PatientPhone,
		PractitionerID:       req.PractitionerID,
		ScheduledAt:          req.ScheduledAt.UTC(),
		Amount:               amount,
		Currency:             s.cfg.Currency,
		Status:               StatusPendingPayment,
		PaymentStatus:        PaymentPending,
		PaymentRef:           s.gateway.GenerateReference("APT"),
		PlatformFee:          split.PlatformFee,
		PractitionerAmount:   split.PractitionerAmount,
		ConfirmationDeadline: s.now().Add(s.cfg.ConfirmationTimeout).UTC(),
		CancellationPolicy:   "24h_full_refund",
	}

	created, err := s.ledger.CreateAppointment(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.audit(ctx, created.ID, ActionAppointmentCreated, ActorPatient, map[string]any{
		"booking_ref":           created.BookingRef,
		"payment_ref":           created.PaymentRef,
		"amount":                created.Amount,
		"confirmation_deadline": created.ConfirmationDeadline,
	})

	return created, nil
}

// GetByBookingRef resolves the externally visible reference.
func (s *Service) GetByBookingRef(ctx context.Context, ref string) (*Appointment, error) {
	return s.ledger.GetAppointmentByBookingRef(ctx, ref)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return s.ledger.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return s.ledger.ListAppointmentsByPractitioner(ctx, practitionerID, limit, offset)
}

// ConfirmPayment verifies the charge synchronously with the gateway and moves
// the appointment out of PENDING_PAYMENT. A charge the gateway reports as
// unpaid parks the appointment in PAYMENT_FAILED; transport failures change
// nothing and are surfaced for retry.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if a.Status == StatusPendingConfirmation {
		// Already reconciled, likely by the webhook. Safe no-op.
		return a, nil
	}
	if a.Status != StatusPendingPayment {
		s.auditRejected(ctx, a.ID, "confirm_payment", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	v, err := s.gateway.VerifyTransaction(ctx, a.PaymentRef)
	if err != nil {
		s.audit(ctx, a.ID, ActionTransitionRejected, ActorSystem, map[string]any{
			"operation": "confirm_payment",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("verify transaction: %w", err)
	}

	if !v.Success {
		failed := PaymentFailed
		updated, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, StatusPendingPayment, StatusPaymentFailed, StatusUpdate{
			PaymentStatus:   &failed,
			PaymentMetadata: v.Raw,
		})
		if err != nil {
			return nil, fmt.Errorf("mark payment failed: %w", err)
		}
		if !ok {
			return s.resolveConflict(ctx, a.ID, "confirm_payment")
		}
		s.audit(ctx, a.ID, ActionPaymentFailed, ActorSystem, map[string]any{"reason": v.Reason})
		return updated, nil
	}

	return s.applyPaymentSuccess(ctx, a, v.GatewayRef, v.Raw, ActorSystem, ActionPaymentSuccessful)
}

// ApplyChargeSuccess is the webhook-driven counterpart of ConfirmPayment. The
// signature was already verified upstream, so the event itself is proof of
// payment. Re-delivery of the same event is a no-op.
func (s *Service) ApplyChargeSuccess(ctx context.Context, reference, gatewayRef string, raw []byte) error {
	a, err := s.ledger.GetAppointmentByPaymentRef(ctx, reference)
	if err != nil {
		return err
	}

	if a.Status != StatusPendingPayment {
		// Duplicate delivery, or the sync verify path got there first.
		return nil
	}

	_, err = s.applyPaymentSuccess(ctx, a, gatewayRef, raw, ActorWebhook, ActionWebhookPaymentSuccess)
	if errors.Is(err, ErrStateConflict) {
		// Another driver completed the same transition between our read and
		// write; for a webhook that is still a successful delivery.
		return nil
	}
	return err
}

func (s *Service) applyPaymentSuccess(ctx context.Context, a *Appointment, gatewayRef string, raw []byte, actor Actor, action string) (*Appointment, error) {
	success := PaymentSuccess
	updated, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, StatusPendingPayment, StatusPendingConfirmation, StatusUpdate{
		PaymentStatus:   &success,
		PaymentMetadata: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	if !ok {
		return s.resolveConflict(ctx, a.ID, action)
	}

	// The CAS above guarantees this runs at most once per payment, so a
	// duplicate webhook can never record a second payment transaction.
	if err := s.ledger.InsertTransaction(ctx, Transaction{
		AppointmentID:   a.ID,
		Reference:       a.PaymentRef,
		GatewayRef:      gatewayRef,
		Type:            TransactionPayment,
		Amount:          a.Amount,
		Currency:        a.Currency,
		Status:          "success",
		GatewayResponse: raw,
		CompletedAt:     s.now(),
	}); err != nil {
		log.Printf("failed to record payment transaction for %s: %v", a.BookingRef, err)
	}

	s.audit(ctx, a.ID, action, actor, map[string]any{"reference": a.PaymentRef})
	s.dispatch(ctx, Event{Kind: EventPaymentReceived, Appointment: *updated})

	return updated, nil
}

// ApplyRefundProcessed reconciles a provider-side refund confirmation. Most
// of the time we initiated the refund ourselves and the row already says
// REFUNDED, in which case this is a no-op.
func (s *Service) ApplyRefundProcessed(ctx context.Context, reference, refundID string, amount int64, raw []byte) error {
	a, err := s.ledger.GetAppointmentByPaymentRef(ctx, reference)
	if err != nil {
		return err
	}

	if a.Status == StatusRefunded {
		return nil
	}
	if a.Status.Terminal() {
		// Refund confirmed for an appointment we settled differently.
		// Keep the row as is but leave a trace for reconciliation.
		s.audit(ctx, a.ID, ActionReconciliationNeeded, ActorWebhook, map[string]any{
			"refund_id": refundID,
			"status":    a.Status,
			"reason":    "refund.processed received in terminal state",
		})
		return nil
	}

	refunded := PaymentRefunded
	now := s.now()
	_, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, a.Status, StatusRefunded, StatusUpdate{
		PaymentStatus: &refunded,
		RefundRef:     &refundID,
		RefundedAt:    &now,
	})
	if err != nil {
		return fmt.Errorf("record refund: %w", err)
	}
	if !ok {
		// Lost the race; the concurrent driver owns the transition.
		return nil
	}

	if amount <= 0 {
		amount = a.Amount
	}
	if err := s.ledger.InsertTransaction(ctx, Transaction{
		AppointmentID:   a.ID,
		Reference:       "REFUND_" + a.PaymentRef,
		GatewayRef:      refundID,
		Type:            TransactionRefund,
		Amount:          amount,
		Currency:        a.Currency,
		Status:          "success",
		GatewayResponse: raw,
		CompletedAt:     now,
	}); err != nil {
		log.Printf("failed to record refund transaction for %s: %v", a.BookingRef, err)
	}

	s.audit(ctx, a.ID, ActionWebhookRefund, ActorWebhook, map[string]any{"refund_id": refundID})
	return nil
}

// Confirm moves PENDING_CONFIRMATION to CONFIRMED. The conditional write is
// what protects against a concurrent timeout-sweep refund: whichever driver
// writes first wins, the other sees a state conflict.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, notes string) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusPendingConfirmation {
		s.auditRejected(ctx, a.ID, "confirm", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	now := s.now()
	fields := StatusUpdate{ConfirmedAt: &now}
	if notes != "" {
		fields.PractitionerNotes = &notes
	}

	updated, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, StatusPendingConfirmation, StatusConfirmed, fields)
	if err != nil {
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}
	if !ok {
		return s.resolveConflict(ctx, a.ID, "confirm")
	}

	s.audit(ctx, a.ID, ActionPractitionerConfirmed, ActorPractitioner, map[string]any{})
	s.dispatch(ctx, Event{Kind: EventAppointmentConfirmed, Appointment: *updated})

	return updated, nil
}

// Decline refunds the full amount and closes the appointment. Only valid
// while the appointment is waiting on the practitioner.
func (s *Service) Decline(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusPendingConfirmation {
		s.auditRejected(ctx, a.ID, "decline", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	return s.refund(ctx, a, StatusPendingConfirmation, ActionPractitionerDeclined, ActorPractitioner,
		fmt.Sprintf("Practitioner declined: %s", reason))
}

// CancelByPatient applies the cancellation policy: at or before the cutoff
// the full amount comes back, past it the amount is forfeited as a no-show
// fee and no refund is issued.
func (s *Service) CancelByPatient(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusConfirmed {
		s.auditRejected(ctx, a.ID, "cancel_by_patient", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	// Full-refund eligibility is inclusive at exactly the cutoff.
	cutoff := a.ScheduledAt.Add(-s.cfg.CancellationWindow)
	if !s.now().After(cutoff) {
		return s.refund(ctx, a, StatusConfirmed, ActionPatientCancelled, ActorPatient,
			fmt.Sprintf("Patient cancelled: %s", reason))
	}

	by := string(ActorPatient)
	lateReason := fmt.Sprintf("Late cancellation (<%s): %s", s.cfg.CancellationWindow, reason)
	fee := a.Amount
	updated, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, StatusConfirmed, StatusCancelled, StatusUpdate{
		CancelledBy:        &by,
		CancellationReason: &lateReason,
		NoShowFee:          &fee,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}
	if !ok {
		return s.resolveConflict(ctx, a.ID, "cancel_by_patient")
	}

	s.audit(ctx, a.ID, ActionPatientCancelledLate, ActorPatient, map[string]any{
		"reason":    reason,
		"no_refund": true,
	})
	s.dispatch(ctx, Event{Kind: EventLateCancellation, Appointment: *updated})

	return updated, nil
}

// CancelByPractitioner always refunds in full, regardless of timing.
func (s *Service) CancelByPractitioner(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusConfirmed {
		s.auditRejected(ctx, a.ID, "cancel_by_practitioner", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	return s.refund(ctx, a, StatusConfirmed, ActionPractitionerCancelled, ActorPractitioner,
		fmt.Sprintf("Practitioner cancelled: %s", reason))
}

// Complete closes out an appointment that took place.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusConfirmed {
		s.auditRejected(ctx, a.ID, "complete", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	updated, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, StatusConfirmed, StatusCompleted, StatusUpdate{})
	if err != nil {
		return nil, fmt.Errorf("complete appointment: %w", err)
	}
	if !ok {
		return s.resolveConflict(ctx, a.ID, "complete")
	}

	s.audit(ctx, a.ID, ActionCompleted, ActorSystem, map[string]any{})
	return updated, nil
}

// ExpireConfirmation refunds an appointment whose practitioner never
// confirmed in time. Driven by the confirmation sweep.
func (s *Service) ExpireConfirmation(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusPendingConfirmation {
		s.auditRejected(ctx, a.ID, "expire_confirmation", a.Status)
		return nil, ErrInvalidStatusTransition
	}
	if !s.now().After(a.ConfirmationDeadline) {
		return nil, ErrDeadlineNotReached
	}

	return s.refund(ctx, a, StatusPendingConfirmation, ActionAutoRefundUnconfirmed, ActorSystem,
		"Practitioner did not confirm within the confirmation window")
}

// MarkNoShow flags a confirmed appointment whose time has passed unattended.
// Driven by the no-show sweep; the paid amount becomes the no-show fee.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status != StatusConfirmed || a.NoShowChecked {
		s.auditRejected(ctx, a.ID, "mark_no_show", a.Status)
		return nil, ErrInvalidStatusTransition
	}

	checked := true
	fee := a.Amount
	updated, ok, err := s.ledger.UpdateIfStatus(ctx, a.ID, StatusConfirmed, StatusNoShow, StatusUpdate{
		NoShowChecked: &checked,
		NoShowFee:     &fee,
	})
	if err != nil {
		return nil, fmt.Errorf("mark no-show: %w", err)
	}
	if !ok {
		return s.resolveConflict(ctx, a.ID, "mark_no_show")
	}

	s.audit(ctx, a.ID, ActionMarkedNoShow, ActorSystem, map[string]any{
		"scheduled_at": a.ScheduledAt,
		"checked_at":   s.now(),
	})
	s.dispatch(ctx, Event{Kind: EventNoShowMarked, Appointment: *updated})

	return updated, nil
}

// RecordTransferSuccess acknowledges a practitioner payout event. Payouts are
// settled by the provider; we only keep the audit trail.
func (s *Service) RecordTransferSuccess(ctx context.Context, reference string, raw []byte) error {
	a, err := s.ledger.GetAppointmentByPaymentRef(ctx, reference)
	if err != nil {
		return err
	}
	s.audit(ctx, a.ID, ActionTransferSuccess, ActorWebhook, map[string]any{"reference": reference})
	return nil
}

// refund is the shared money-moving path: gateway first, ledger second. If
// the gateway call fails the row is untouched. If the gateway succeeds but
// the conditional write does not, the mismatch is recorded for manual
// reconciliation because money has already moved.
func (s *Service) refund(ctx context.Context, a *Appointment, from AppointmentStatus, action string, actor Actor, reason string) (*Appointment, error) {
	var result *Appointment

	err := s.locker.WithPaymentLock(ctx, a.ID, func(lockCtx context.Context) error {
		receipt, err := s.gateway.InitiateRefund(lockCtx, a.PaymentRef, a.Amount, reason)
		if err != nil {
			s.audit(lockCtx, a.ID, ActionRefundFailed, actor, map[string]any{
				"operation": action,
				"error":     err.Error(),
			})
			return fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}

		refunded := PaymentRefunded
		now := s.now()
		updated, ok, err := s.ledger.UpdateIfStatus(lockCtx, a.ID, from, StatusRefunded, StatusUpdate{
			PaymentStatus:      &refunded,
			RefundRef:          &receipt.RefundID,
			RefundedAt:         &now,
			CancellationReason: &reason,
		})
		if err != nil || !ok {
			detail := "conditional write lost"
			if err != nil {
				detail = err.Error()
			}
			s.audit(lockCtx, a.ID, ActionReconciliationNeeded, actor, map[string]any{
				"refund_id": receipt.RefundID,
				"amount":    a.Amount,
				"detail":    detail,
			})
			if err != nil {
				return fmt.Errorf("update after refund: %w", err)
			}
			return ErrStateConflict
		}

		if err := s.ledger.InsertTransaction(lockCtx, Transaction{
			AppointmentID:   a.ID,
			Reference:       "REFUND_" + a.PaymentRef,
			GatewayRef:      receipt.RefundID,
			Type:            TransactionRefund,
			Amount:          a.Amount,
			Currency:        a.Currency,
			Status:          "success",
			GatewayResponse: receipt.Raw,
			CompletedAt:     now,
		}); err != nil {
			log.Printf("failed to record refund transaction for %s: %v", a.BookingRef, err)
		}

		s.audit(lockCtx, a.ID, action, actor, map[string]any{
			"refund_id": receipt.RefundID,
			"amount":    a.Amount,
			"reason":    reason,
		})
		s.dispatch(lockCtx, Event{Kind: EventRefundIssued, Appointment: *updated})

		result = updated
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrTransitionInProgress
		}
		return nil, err
	}

	return result, nil
}

// resolveConflict re-reads once after a lost conditional write so the caller
// learns the state that won, then reports the conflict.
func (s *Service) resolveConflict(ctx context.Context, id uuid.UUID, operation string) (*Appointment, error) {
	current, err := s.ledger.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload after conflict: %w", err)
	}
	s.audit(ctx, id, ActionTransitionRejected, ActorSystem, map[string]any{
		"operation": operation,
		"error":     "state conflict",
		"status":    current.Status,
	})
	return current, fmt.Errorf("%s: %w (current status %s)", operation, ErrStateConflict, current.Status)
}

func (s *Service) audit(ctx context.Context, appointmentID uuid.UUID, action string, actor Actor, metadata map[string]any) {
	data, err := json.Marshal(metadata)
	if err != nil {
		log.Printf("failed to marshal audit metadata for %s: %v", action, err)
		data = nil
	}

	entry := AuditLogEntry{
		AppointmentID: appointmentID,
		Action:        action,
		Actor:         actor,
		Metadata:      data,
		CreatedAt:     s.now(),
	}

	if err := s.ledger.InsertAuditLog(ctx, entry); err != nil {
		log.Printf("failed to insert audit log %s for appointment %s: %v", action, appointmentID, err)
	}
}

func (s *Service) auditRejected(ctx context.Context, appointmentID uuid.UUID, operation string, current AppointmentStatus) {
	s.audit(ctx, appointmentID, ActionTransitionRejected, ActorSystem, map[string]any{
		"operation": operation,
		"status":    current,
	})
}

func (s *Service) dispatch(ctx context.Context, events ...Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, events)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
