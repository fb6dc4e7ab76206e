package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appointmentColumnNames = []string{
	"id", "booking_ref", "patient_id", "patient_name", "patient_email", "patient_phone",
	"practitioner_id", "scheduled_at", "amount", "currency", "status", "payment_status", "payment_ref",
	"platform_fee", "practitioner_amount", "confirmation_deadline", "cancellation_policy",
	"refund_ref", "refunded_at", "cancelled_by", "cancellation_reason", "no_show_checked", "no_show_fee",
	"confirmed_at", "practitioner_notes", "payment_metadata", "created_at", "updated_at",
}

func appointmentRows(a Appointment) *pgxmock.Rows {
	return pgxmock.NewRows(appointmentColumnNames).AddRow(
		a.ID, a.BookingRef, a.PatientID, a.PatientName, a.PatientEmail, a.PatientPhone,
		a.PractitionerID, a.ScheduledAt, a.Amount, a.Currency, a.Status, a.PaymentStatus, a.PaymentRef,
		a.PlatformFee, a.PractitionerAmount, a.ConfirmationDeadline, a.CancellationPolicy,
		a.RefundRef, a.RefundedAt, a.CancelledBy, a.CancellationReason, a.NoShowChecked, a.NoShowFee,
		a.ConfirmedAt, a.PractitionerNotes, a.PaymentMetadata, a.CreatedAt, a.UpdatedAt,
	)
}

// anyArgs returns n AnyArg matchers; pgxmock v4 requires the expected and
// actual argument counts to match even when the values are not asserted.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func sampleAppointment() Appointment {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return Appointment{
		ID:                   uuid.New(),
		BookingRef:           "BK1741597200000",
		PatientID:            uuid.New(),
		PatientName:          "Thandi Mokoena",
		PractitionerID:       uuid.New(),
		ScheduledAt:          now.Add(72 * time.Hour),
		Amount:               500,
		Currency:             "ZAR",
		Status:               StatusPendingPayment,
		PaymentStatus:        PaymentPending,
		PaymentRef:           "APT_1741597200000_0042",
		PlatformFee:          100,
		PractitionerAmount:   400,
		ConfirmationDeadline: now.Add(24 * time.Hour),
		CancellationPolicy:   "24h_full_refund",
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func newMockLedger(t *testing.T) (pgxmock.PgxPoolIface, *PgLedger) {
	t.Helper()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return mock, NewPgLedgerWithQuerier(mock)
}

func TestPgLedgerUpdateIfStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("winning write returns updated row", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		a := sampleAppointment()
		updated := a
		updated.Status = StatusPendingConfirmation
		updated.PaymentStatus = PaymentSuccess

		success := PaymentSuccess
		raw := []byte(`{"reference":"x"}`)

		mock.ExpectQuery(`UPDATE appointments`).
			WithArgs(a.ID, StatusPendingPayment, StatusPendingConfirmation, success, raw).
			WillReturnRows(appointmentRows(updated))

		got, ok, err := ledger.UpdateIfStatus(ctx, a.ID, StatusPendingPayment, StatusPendingConfirmation, StatusUpdate{
			PaymentStatus:   &success,
			PaymentMetadata: raw,
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, StatusPendingConfirmation, got.Status)
		assert.Equal(t, PaymentSuccess, got.PaymentStatus)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race reports false without error", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		a := sampleAppointment()
		mock.ExpectQuery(`UPDATE appointments`).
			WithArgs(a.ID, StatusPendingConfirmation, StatusConfirmed).
			WillReturnError(pgx.ErrNoRows)

		got, ok, err := ledger.UpdateIfStatus(ctx, a.ID, StatusPendingConfirmation, StatusConfirmed, StatusUpdate{})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgLedgerCreateAppointmentDuplicateRef(t *testing.T) {
	mock, ledger := newMockLedger(t)

	a := sampleAppointment()
	mock.ExpectQuery(`INSERT INTO appointments`).
		WithArgs(anyArgs(17)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_payment_ref_key"})

	_, err := ledger.CreateAppointment(context.Background(), &a)
	assert.ErrorIs(t, err, ErrDuplicatePaymentRef)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgLedgerGetByBookingRefNotFound(t *testing.T) {
	mock, ledger := newMockLedger(t)

	mock.ExpectQuery(`SELECT .+ FROM appointments`).
		WithArgs("BK_missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := ledger.GetAppointmentByBookingRef(context.Background(), "BK_missing")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgLedgerSweepSelections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)

	t.Run("confirmation expired", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		a := sampleAppointment()
		a.Status = StatusPendingConfirmation

		mock.ExpectQuery(`WHERE status = 'PENDING_CONFIRMATION'`).
			WithArgs(now).
			WillReturnRows(appointmentRows(a))

		got, err := ledger.FindConfirmationExpired(ctx, now)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.BookingRef, got[0].BookingRef)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no-show candidates", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		a := sampleAppointment()
		a.Status = StatusConfirmed

		mock.ExpectQuery(`WHERE status = 'CONFIRMED'\s+AND no_show_checked = false`).
			WithArgs(now).
			WillReturnRows(appointmentRows(a))

		got, err := ledger.FindNoShowCandidates(ctx, now)
		require.NoError(t, err)
		require.Len(t, got, 1)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("confirmed between", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		from := now.AddDate(0, 0, 1)
		to := from.AddDate(0, 0, 1)

		mock.ExpectQuery(`WHERE status = 'CONFIRMED'\s+AND scheduled_at >= \$1`).
			WithArgs(from, to).
			WillReturnRows(pgxmock.NewRows(appointmentColumnNames))

		got, err := ledger.FindConfirmedBetween(ctx, from, to)
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgLedgerInserts(t *testing.T) {
	ctx := context.Background()

	t.Run("transaction", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		id := uuid.New()
		mock.ExpectExec(`INSERT INTO payment_transactions`).
			WithArgs(anyArgs(9)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := ledger.InsertTransaction(ctx, Transaction{
			AppointmentID: id,
			Reference:     "APT_1",
			Type:          TransactionPayment,
			Amount:        500,
			Currency:      "ZAR",
			Status:        "success",
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("audit log", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		mock.ExpectExec(`INSERT INTO appointment_logs`).
			WithArgs(anyArgs(5)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := ledger.InsertAuditLog(ctx, AuditLogEntry{
			AppointmentID: uuid.New(),
			Action:        ActionAppointmentCreated,
			Actor:         ActorPatient,
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("notification", func(t *testing.T) {
		mock, ledger := newMockLedger(t)

		mock.ExpectExec(`INSERT INTO practitioner_notifications`).
			WithArgs(anyArgs(6)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := ledger.InsertNotification(ctx, Notification{
			RecipientID:   uuid.New(),
			RecipientRole: "practitioner",
			AppointmentID: uuid.New(),
			Type:          "payment_received",
			Message:       "New paid booking",
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
