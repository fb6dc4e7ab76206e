package booking

import (
	"context"
	"errors"
	"log"
	"time"
)

// SweepOutcome is the per-item result of one sweep pass.
type SweepOutcome string

const (
	OutcomeRefunded     SweepOutcome = "refunded"
	OutcomeRefundFailed SweepOutcome = "refund_failed"
	OutcomeNoShow       SweepOutcome = "no_show"
	OutcomeReminderSent SweepOutcome = "reminder_sent"
	OutcomeSkipped      SweepOutcome = "skipped"
	OutcomeError        SweepOutcome = "error"
)

type SweepResult struct {
	BookingRef string       `json:"booking_ref"`
	Outcome    SweepOutcome `json:"outcome"`
	Detail     string       `json:"detail,omitempty"`
}

type SweepReport struct {
	Processed int           `json:"processed"`
	Results   []SweepResult `json:"results"`
}

// Sweeper runs the time-triggered batch jobs. Each sweep is idempotent and
// safe to re-run on overlapping schedules: selection is by status plus
// deadline, and every item goes through the state machine's conditional
// writes, so a second pass simply finds nothing left to do.
type Sweeper struct {
	ledger  Ledger
	machine *Service
	now     func() time.Time
}

func NewSweeper(ledger Ledger, machine *Service) *Sweeper {
	return &Sweeper{
		ledger:  ledger,
		machine: machine,
		now:     time.Now,
	}
}

// SweepConfirmations refunds every appointment whose confirmation deadline
// has elapsed. A gateway failure on one item never aborts the batch; the
// appointment stays PENDING_CONFIRMATION and the next pass retries it.
func (s *Sweeper) SweepConfirmations(ctx context.Context) (*SweepReport, error) {
	overdue, err := s.ledger.FindConfirmationExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Results: make([]SweepResult, 0, len(overdue))}
	for _, a := range overdue {
		result := SweepResult{BookingRef: a.BookingRef, Outcome: OutcomeRefunded}

		_, err := s.machine.ExpireConfirmation(ctx, a.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrRefundFailed):
			result.Outcome = OutcomeRefundFailed
			result.Detail = err.Error()
			log.Printf("confirmation sweep: refund failed for %s: %v", a.BookingRef, err)
		case errors.Is(err, ErrStateConflict), errors.Is(err, ErrInvalidStatusTransition), errors.Is(err, ErrTransitionInProgress):
			// Another driver moved it between select and transition.
			result.Outcome = OutcomeSkipped
			result.Detail = err.Error()
		default:
			result.Outcome = OutcomeError
			result.Detail = err.Error()
			log.Printf("confirmation sweep: error for %s: %v", a.BookingRef, err)
		}

		report.Results = append(report.Results, result)
	}

	report.Processed = len(report.Results)
	return report, nil
}

// SweepNoShows marks confirmed appointments whose time has passed unattended.
// Marking is the default outcome; a later human override lives outside this
// core.
func (s *Sweeper) SweepNoShows(ctx context.Context) (*SweepReport, error) {
	past, err := s.ledger.FindNoShowCandidates(ctx, s.now())
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Results: make([]SweepResult, 0, len(past))}
	for _, a := range past {
		result := SweepResult{BookingRef: a.BookingRef, Outcome: OutcomeNoShow}

		_, err := s.machine.MarkNoShow(ctx, a.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrStateConflict), errors.Is(err, ErrInvalidStatusTransition):
			result.Outcome = OutcomeSkipped
			result.Detail = err.Error()
		default:
			result.Outcome = OutcomeError
			result.Detail = err.Error()
			log.Printf("no-show sweep: error for %s: %v", a.BookingRef, err)
		}

		report.Results = append(report.Results, result)
	}

	report.Processed = len(report.Results)
	return report, nil
}

// SweepReminders emits one audit entry and one notification per confirmed
// appointment scheduled tomorrow. It never mutates appointment state.
func (s *Sweeper) SweepReminders(ctx context.Context) (*SweepReport, error) {
	now := s.now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	to := from.AddDate(0, 0, 1)

	upcoming, err := s.ledger.FindConfirmedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Results: make([]SweepResult, 0, len(upcoming))}
	for _, a := range upcoming {
		result := SweepResult{BookingRef: a.BookingRef, Outcome: OutcomeReminderSent}

		s.machine.audit(ctx, a.ID, ActionReminderSent, ActorSystem, map[string]any{
			"reminder_type": "24h",
			"scheduled_at":  a.ScheduledAt,
		})
		s.machine.dispatch(ctx, Event{Kind: EventReminderDue, Appointment: a})

		report.Results = append(report.Results, result)
	}

	report.Processed = len(report.Results)
	return report, nil
}
