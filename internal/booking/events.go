package booking

import "context"

// EventKind enumerates the post-transition notifications a transition can
// emit. Delivery is advisory; the transition itself is already committed by
// the time an event is dispatched.
type EventKind string

const (
	EventPaymentReceived      EventKind = "payment_received"
	EventAppointmentConfirmed EventKind = "appointment_confirmed"
	EventRefundIssued         EventKind = "refund_issued"
	EventLateCancellation     EventKind = "late_cancellation"
	EventNoShowMarked         EventKind = "no_show"
	EventReminderDue          EventKind = "appointment_reminder"
)

// Event describes one status change directed at a practitioner or patient.
type Event struct {
	Kind        EventKind
	Appointment Appointment
}

// Notifier consumes post-transition events. Implementations must be
// fire-and-forget: a delivery failure never affects transition correctness.
type Notifier interface {
	Dispatch(ctx context.Context, events []Event)
}
