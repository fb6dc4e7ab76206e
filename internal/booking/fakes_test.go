package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/nromehealth/appointment-escrow/internal/redis"
)

// fakeLedger is an in-memory Ledger with the same conditional-write semantics
// as the Postgres implementation.
type fakeLedger struct {
	mu            sync.Mutex
	appointments  map[uuid.UUID]*Appointment
	transactions  []Transaction
	auditLogs     []AuditLogEntry
	notifications []Notification
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{appointments: make(map[uuid.UUID]*Appointment)}
}

func (f *fakeLedger) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.appointments {
		if existing.PaymentRef == a.PaymentRef {
			return nil, ErrDuplicatePaymentRef
		}
	}

	cp := *a
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.appointments[cp.ID] = &cp

	out := cp
	return &out, nil
}

func (f *fakeLedger) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (f *fakeLedger) GetAppointmentByBookingRef(ctx context.Context, ref string) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.appointments {
		if a.BookingRef == ref {
			out := *a
			return &out, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (f *fakeLedger) GetAppointmentByPaymentRef(ctx context.Context, ref string) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.appointments {
		if a.PaymentRef == ref {
			out := *a
			return &out, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (f *fakeLedger) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Appointment
	for _, a := range f.appointments {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (f *fakeLedger) ListAppointmentsByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Appointment
	for _, a := range f.appointments {
		if a.PractitionerID == practitionerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return page(out, limit, offset), nil
}

func page(items []Appointment, limit, offset int) []Appointment {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (f *fakeLedger) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected, newStatus AppointmentStatus, fields StatusUpdate) (*Appointment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.appointments[id]
	if !ok {
		return nil, false, ErrAppointmentNotFound
	}
	if a.Status != expected {
		return nil, false, nil
	}

	a.Status = newStatus
	if fields.PaymentStatus != nil {
		a.PaymentStatus = *fields.PaymentStatus
	}
	if fields.PaymentMetadata != nil {
		a.PaymentMetadata = fields.PaymentMetadata
	}
	if fields.RefundRef != nil {
		a.RefundRef = fields.RefundRef
	}
	if fields.RefundedAt != nil {
		a.RefundedAt = fields.RefundedAt
	}
	if fields.CancelledBy != nil {
		a.CancelledBy = fields.CancelledBy
	}
	if fields.CancellationReason != nil {
		a.CancellationReason = fields.CancellationReason
	}
	if fields.NoShowChecked != nil {
		a.NoShowChecked = *fields.NoShowChecked
	}
	if fields.NoShowFee != nil {
		a.NoShowFee = *fields.NoShowFee
	}
	if fields.ConfirmedAt != nil {
		a.ConfirmedAt = fields.ConfirmedAt
	}
	if fields.PractitionerNotes != nil {
		a.PractitionerNotes = fields.PractitionerNotes
	}
	a.UpdatedAt = time.Now()

	out := *a
	return &out, true, nil
}

func (f *fakeLedger) FindConfirmationExpired(ctx context.Context, now time.Time) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Appointment
	for _, a := range f.appointments {
		if a.Status == StatusPendingConfirmation && now.After(a.ConfirmationDeadline) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeLedger) FindNoShowCandidates(ctx context.Context, now time.Time) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Appointment
	for _, a := range f.appointments {
		if a.Status == StatusConfirmed && !a.NoShowChecked && now.After(a.ScheduledAt) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeLedger) FindConfirmedBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Appointment
	for _, a := range f.appointments {
		if a.Status == StatusConfirmed && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeLedger) InsertTransaction(ctx context.Context, tx Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, tx)
	return nil
}

func (f *fakeLedger) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogs = append(f.auditLogs, entry)
	return nil
}

func (f *fakeLedger) InsertNotification(ctx context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeLedger) transactionsFor(id uuid.UUID) []Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Transaction
	for _, tx := range f.transactions {
		if tx.AppointmentID == id {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fakeLedger) auditActionsFor(id uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, e := range f.auditLogs {
		if e.AppointmentID == id {
			out = append(out, e.Action)
		}
	}
	return out
}

// fakeGateway scripts gateway behavior per test.
type fakeGateway struct {
	mu sync.Mutex

	verifyResult ChargeVerification
	verifyErr    error
	verifyCalls  int

	refundErr   error
	refundCalls int
}

func (g *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*ChargeVerification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	v := g.verifyResult
	return &v, nil
}

func (g *fakeGateway) InitiateRefund(ctx context.Context, reference string, amount int64, reason string) (*RefundReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &RefundReceipt{RefundID: uuid.NewString(), Raw: []byte(`{"status":true}`)}, nil
}

func (g *fakeGateway) CalculateSplit(amount int64) Split {
	fee := amount * 20 / 100
	return Split{Total: amount, PlatformFee: fee, PractitionerAmount: amount - fee}
}

func (g *fakeGateway) GenerateReference(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// noopLocker runs the callback directly.
type noopLocker struct{}

func (noopLocker) WithPaymentLock(ctx context.Context, appointmentID uuid.UUID, fn func(context.Context) error) error {
	return fn(ctx)
}

// deniedLocker always reports the lock as held elsewhere.
type deniedLocker struct{}

func (deniedLocker) WithPaymentLock(ctx context.Context, appointmentID uuid.UUID, fn func(context.Context) error) error {
	return fmt.Errorf("payment lock: %w", redisclient.ErrLockNotAcquired)
}

// recordingNotifier captures dispatched events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Dispatch(ctx context.Context, events []Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

func (n *recordingNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []EventKind
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}
