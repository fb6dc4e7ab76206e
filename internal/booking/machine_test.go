package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nromehealth/appointment-escrow/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Currency:            "ZAR",
		DefaultAmount:       500,
		PlatformFeePercent:  20,
		ConfirmationTimeout: 24 * time.Hour,
		CancellationWindow:  24 * time.Hour,
	}
}

type fixture struct {
	ledger   *fakeLedger
	gateway  *fakeGateway
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:   newFakeLedger(),
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.ledger, f.gateway, noopLocker{}, f.notifier, testConfig())
	return f
}

func (f *fixture) setNow(t time.Time) {
	f.svc.now = func() time.Time { return t }
}

func (f *fixture) createBooking(t *testing.T, scheduledAt time.Time) *Appointment {
	t.Helper()

	a, err := f.svc.CreateBooking(context.Background(), CreateBookingRequest{
		PatientID:      uuid.New(),
		PatientName:    "Thandi Mokoena",
		PractitionerID: uuid.New(),
		ScheduledAt:    scheduledAt,
	})
	require.NoError(t, err)
	return a
}

// paidBooking walks a fresh booking through a successful payment.
func (f *fixture) paidBooking(t *testing.T, scheduledAt time.Time) *Appointment {
	t.Helper()

	a := f.createBooking(t, scheduledAt)
	f.gateway.verifyResult = ChargeVerification{Success: true, Amount: a.Amount, GatewayRef: "gw-1", Raw: []byte(`{}`)}
	paid, err := f.svc.ConfirmPayment(context.Background(), a.ID)
	require.NoError(t, err)
	return paid
}

// confirmedBooking walks a booking through payment and practitioner
// confirmation.
func (f *fixture) confirmedBooking(t *testing.T, scheduledAt time.Time) *Appointment {
	t.Helper()

	a := f.paidBooking(t, scheduledAt)
	confirmed, err := f.svc.Confirm(context.Background(), a.ID, "")
	require.NoError(t, err)
	return confirmed
}

func TestCreateBooking(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f.setNow(now)

	a := f.createBooking(t, now.Add(72*time.Hour))

	assert.Equal(t, StatusPendingPayment, a.Status)
	assert.Equal(t, PaymentPending, a.PaymentStatus)
	assert.Equal(t, int64(500), a.Amount)
	assert.Equal(t, int64(100), a.PlatformFee)
	assert.Equal(t, int64(400), a.PractitionerAmount)
	assert.Equal(t, now.Add(24*time.Hour), a.ConfirmationDeadline)
	assert.NotEmpty(t, a.BookingRef)
	assert.NotEmpty(t, a.PaymentRef)

	assert.Equal(t, []string{ActionAppointmentCreated}, f.ledger.auditActionsFor(a.ID))
}

func TestHappyPathLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createBooking(t, time.Now().Add(72*time.Hour))
	f.gateway.verifyResult = ChargeVerification{Success: true, Amount: a.Amount, GatewayRef: "gw-1", Raw: []byte(`{}`)}

	paid, err := f.svc.ConfirmPayment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirmation, paid.Status)
	assert.Equal(t, PaymentSuccess, paid.PaymentStatus)

	confirmed, err := f.svc.Confirm(ctx, a.ID, "see you then")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	require.NotNil(t, confirmed.PractitionerNotes)
	assert.Equal(t, "see you then", *confirmed.PractitionerNotes)

	completed, err := f.svc.Complete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	// One audit entry per transition, in order.
	assert.Equal(t, []string{
		ActionAppointmentCreated,
		ActionPaymentSuccessful,
		ActionPractitionerConfirmed,
		ActionCompleted,
	}, f.ledger.auditActionsFor(a.ID))

	// Exactly one payment transaction, no refunds.
	txs := f.ledger.transactionsFor(a.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TransactionPayment, txs[0].Type)
	assert.Equal(t, a.Amount, txs[0].Amount)

	assert.Equal(t, []EventKind{EventPaymentReceived, EventAppointmentConfirmed}, f.notifier.kinds())
}

func TestConfirmPaymentDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createBooking(t, time.Now().Add(72*time.Hour))
	f.gateway.verifyResult = ChargeVerification{Success: false, Reason: "insufficient funds"}

	updated, err := f.svc.ConfirmPayment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentFailed, updated.Status)
	assert.Equal(t, PaymentFailed, updated.PaymentStatus)

	// No money moved, so no transaction rows.
	assert.Empty(t, f.ledger.transactionsFor(a.ID))
	assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionPaymentFailed)
}

func TestConfirmPaymentGatewayUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createBooking(t, time.Now().Add(72*time.Hour))
	f.gateway.verifyErr = errors.New("connection refused")

	_, err := f.svc.ConfirmPayment(ctx, a.ID)
	require.Error(t, err)

	// A transport failure must leave the appointment exactly as it was.
	current, err := f.ledger.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, current.Status)
	assert.Equal(t, PaymentPending, current.PaymentStatus)
}

func TestConfirmPaymentAlreadyReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.paidBooking(t, time.Now().Add(72*time.Hour))

	// Second verify call after the webhook already landed is a no-op.
	verifyCallsBefore := f.gateway.verifyCalls
	again, err := f.svc.ConfirmPayment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirmation, again.Status)
	assert.Equal(t, verifyCallsBefore, f.gateway.verifyCalls)
}

func TestWebhookChargeSuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createBooking(t, time.Now().Add(72*time.Hour))

	require.NoError(t, f.svc.ApplyChargeSuccess(ctx, a.PaymentRef, "gw-evt-1", []byte(`{}`)))
	require.NoError(t, f.svc.ApplyChargeSuccess(ctx, a.PaymentRef, "gw-evt-1", []byte(`{}`)))
	require.NoError(t, f.svc.ApplyChargeSuccess(ctx, a.PaymentRef, "gw-evt-1", []byte(`{}`)))

	current, err := f.ledger.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirmation, current.Status)

	// Triple delivery, single payment transaction.
	txs := f.ledger.transactionsFor(a.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TransactionPayment, txs[0].Type)
}

func TestWebhookChargeSuccessUnknownReference(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ApplyChargeSuccess(context.Background(), "APT_nonexistent", "gw", []byte(`{}`))
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestDeclineRefundsInFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.paidBooking(t, time.Now().Add(72*time.Hour))

	updated, err := f.svc.Decline(ctx, a.ID, "double booked")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, updated.Status)
	assert.Equal(t, PaymentRefunded, updated.PaymentStatus)
	require.NotNil(t, updated.RefundRef)
	assert.Equal(t, 1, f.gateway.refundCalls)

	txs := f.ledger.transactionsFor(a.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, TransactionRefund, txs[1].Type)
	assert.Equal(t, "REFUND_"+a.PaymentRef, txs[1].Reference)

	assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionPractitionerDeclined)
	assert.Contains(t, f.notifier.kinds(), EventRefundIssued)
}

func TestCancelByPatientAtExactCutoffRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scheduledAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a := f.confirmedBooking(t, scheduledAt)

	// Exactly 24h before the appointment still qualifies for a full refund.
	f.setNow(scheduledAt.Add(-24 * time.Hour))

	updated, err := f.svc.CancelByPatient(ctx, a.ID, "travel plans changed")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, updated.Status)
	assert.Equal(t, 1, f.gateway.refundCalls)
}

func TestCancelByPatientInsideWindowForfeits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scheduledAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a := f.confirmedBooking(t, scheduledAt)

	f.setNow(scheduledAt.Add(-23 * time.Hour))

	updated, err := f.svc.CancelByPatient(ctx, a.ID, "overslept")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.Equal(t, a.Amount, updated.NoShowFee)
	require.NotNil(t, updated.CancelledBy)
	assert.Equal(t, "patient", *updated.CancelledBy)

	// No refund call, no refund transaction.
	assert.Equal(t, 0, f.gateway.refundCalls)
	txs := f.ledger.transactionsFor(a.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TransactionPayment, txs[0].Type)

	assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionPatientCancelledLate)
	assert.Contains(t, f.notifier.kinds(), EventLateCancellation)
}

func TestCancelByPractitionerAlwaysRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scheduledAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a := f.confirmedBooking(t, scheduledAt)

	// One hour before the appointment the practitioner still refunds in full.
	f.setNow(scheduledAt.Add(-time.Hour))

	updated, err := f.svc.CancelByPractitioner(ctx, a.ID, "emergency")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, updated.Status)
	assert.Equal(t, 1, f.gateway.refundCalls)
}

func TestRefundFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.paidBooking(t, time.Now().Add(72*time.Hour))
	f.gateway.refundErr = errors.New("gateway 503")

	_, err := f.svc.Decline(ctx, a.ID, "unavailable")
	require.ErrorIs(t, err, ErrRefundFailed)

	current, err := f.ledger.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirmation, current.Status)

	assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionRefundFailed)
}

func TestRefundBlockedByConcurrentLock(t *testing.T) {
	f := newFixture(t)
	f.svc.locker = deniedLocker{}
	ctx := context.Background()

	a := f.paidBooking(t, time.Now().Add(72*time.Hour))

	_, err := f.svc.Decline(ctx, a.ID, "unavailable")
	assert.ErrorIs(t, err, ErrTransitionInProgress)
	assert.Equal(t, 0, f.gateway.refundCalls)
}

func TestExpireConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	f.setNow(created)
	a := f.paidBooking(t, created.Add(96*time.Hour))

	t.Run("before deadline", func(t *testing.T) {
		f.setNow(created.Add(23 * time.Hour))
		_, err := f.svc.ExpireConfirmation(ctx, a.ID)
		assert.ErrorIs(t, err, ErrDeadlineNotReached)
	})

	t.Run("after deadline", func(t *testing.T) {
		f.setNow(created.Add(24*time.Hour + time.Second))
		updated, err := f.svc.ExpireConfirmation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, updated.Status)
		assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionAutoRefundUnconfirmed)
	})
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scheduledAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a := f.confirmedBooking(t, scheduledAt)
	f.setNow(scheduledAt.Add(2 * time.Hour))

	updated, err := f.svc.MarkNoShow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, updated.Status)
	assert.True(t, updated.NoShowChecked)
	assert.Equal(t, a.Amount, updated.NoShowFee)

	// Repeat is rejected.
	_, err = f.svc.MarkNoShow(ctx, a.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestInvalidTransitionsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createBooking(t, time.Now().Add(72*time.Hour))

	// Confirm before payment must fail and leave a rejection trace.
	_, err := f.svc.Confirm(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.svc.Complete(ctx, a.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	actions := f.ledger.auditActionsFor(a.ID)
	rejected := 0
	for _, action := range actions {
		if action == ActionTransitionRejected {
			rejected++
		}
	}
	assert.Equal(t, 2, rejected)
}

func TestConcurrentConfirmLosesToSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.paidBooking(t, time.Now().Add(72*time.Hour))

	// Simulate the sweep refunding between the confirm read and write.
	refunded := PaymentRefunded
	_, ok, err := f.ledger.UpdateIfStatus(ctx, a.ID, StatusPendingConfirmation, StatusRefunded, StatusUpdate{PaymentStatus: &refunded})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Confirm(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestApplyRefundProcessed(t *testing.T) {
	ctx := context.Background()

	t.Run("already refunded is a no-op", func(t *testing.T) {
		f := newFixture(t)
		a := f.paidBooking(t, time.Now().Add(72*time.Hour))
		_, err := f.svc.Decline(ctx, a.ID, "unavailable")
		require.NoError(t, err)

		txsBefore := len(f.ledger.transactionsFor(a.ID))
		require.NoError(t, f.svc.ApplyRefundProcessed(ctx, a.PaymentRef, "refund-1", a.Amount, []byte(`{}`)))
		assert.Len(t, f.ledger.transactionsFor(a.ID), txsBefore)
	})

	t.Run("terminal mismatch is flagged for reconciliation", func(t *testing.T) {
		f := newFixture(t)
		a := f.confirmedBooking(t, time.Now().Add(72*time.Hour))
		_, err := f.svc.Complete(ctx, a.ID)
		require.NoError(t, err)

		require.NoError(t, f.svc.ApplyRefundProcessed(ctx, a.PaymentRef, "refund-1", a.Amount, []byte(`{}`)))

		current, err := f.ledger.GetAppointmentByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, current.Status)
		assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionReconciliationNeeded)
	})

	t.Run("provider-initiated refund is recorded", func(t *testing.T) {
		f := newFixture(t)
		a := f.paidBooking(t, time.Now().Add(72*time.Hour))

		require.NoError(t, f.svc.ApplyRefundProcessed(ctx, a.PaymentRef, "refund-77", a.Amount, []byte(`{}`)))

		current, err := f.ledger.GetAppointmentByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, current.Status)
		require.NotNil(t, current.RefundRef)
		assert.Equal(t, "refund-77", *current.RefundRef)

		txs := f.ledger.transactionsFor(a.ID)
		require.Len(t, txs, 2)
		assert.Equal(t, TransactionRefund, txs[1].Type)
	})
}

func TestRecordTransferSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.confirmedBooking(t, time.Now().Add(72*time.Hour))

	require.NoError(t, f.svc.RecordTransferSuccess(ctx, a.PaymentRef, []byte(`{}`)))

	// Payouts only leave an audit trail; the row is untouched.
	current, err := f.ledger.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, current.Status)
	assert.Contains(t, f.ledger.auditActionsFor(a.ID), ActionTransferSuccess)
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 20, 0},
		{-5, -3, 20, 0},
		{50, 10, 50, 10},
		{500, 0, 100, 0},
	}
	for _, tt := range tests {
		gotLimit, gotOffset := clampPage(tt.limit, tt.offset)
		assert.Equal(t, tt.wantLimit, gotLimit)
		assert.Equal(t, tt.wantOffset, gotOffset)
	}
}
