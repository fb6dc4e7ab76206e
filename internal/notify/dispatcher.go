package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/nromehealth/appointment-escrow/internal/booking"
)

// Store is the slice of the ledger the dispatcher writes to.
type Store interface {
	InsertNotification(ctx context.Context, n booking.Notification) error
}

// Dispatcher turns post-transition events into practitioner- and
// patient-facing notification rows. Delivery is best effort: failures are
// logged and never propagate back into the transition that emitted the
// event.
type Dispatcher struct {
	store Store
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

func (d *Dispatcher) Dispatch(ctx context.Context, events []booking.Event) {
	for _, evt := range events {
		n, ok := render(evt)
		if !ok {
			log.Printf("notify: no template for event kind %q", evt.Kind)
			continue
		}
		if err := d.store.InsertNotification(ctx, n); err != nil {
			log.Printf("notify: failed to store %s notification for %s: %v", evt.Kind, evt.Appointment.BookingRef, err)
		}
	}
}

func render(evt booking.Event) (booking.Notification, bool) {
	a := evt.Appointment
	when := a.ScheduledAt.Format("2006-01-02 15:04")

	var recipient uuid.UUID
	var role, message string

	switch evt.Kind {
	case booking.EventPaymentReceived:
		recipient, role = a.PractitionerID, "practitioner"
		message = fmt.Sprintf("Payment of %s %d received for appointment with %s on %s. Please confirm within the confirmation window.",
			a.Currency, a.Amount, a.PatientName, when)

	case booking.EventAppointmentConfirmed:
		recipient, role = a.PatientID, "patient"
		message = fmt.Sprintf("Your appointment on %s has been confirmed.", when)

	case booking.EventRefundIssued:
		recipient, role = a.PatientID, "patient"
		message = fmt.Sprintf("A refund of %s %d has been issued for your appointment on %s.", a.Currency, a.Amount, when)

	case booking.EventLateCancellation:
		recipient, role = a.PractitionerID, "practitioner"
		message = fmt.Sprintf("Appointment with %s on %s was cancelled late; the booking fee is forfeited.", a.PatientName, when)

	case booking.EventNoShowMarked:
		recipient, role = a.PractitionerID, "practitioner"
		message = fmt.Sprintf("Appointment with %s marked as no-show. If the patient attended, please update the status.", a.PatientName)

	case booking.EventReminderDue:
		recipient, role = a.PatientID, "patient"
		message = fmt.Sprintf("Reminder: you have an appointment tomorrow at %s.", a.ScheduledAt.Format("15:04"))

	default:
		return booking.Notification{}, false
	}

	return booking.Notification{
		RecipientID:   recipient,
		RecipientRole: role,
		AppointmentID: a.ID,
		Type:          string(evt.Kind),
		Message:       message,
	}, true
}
