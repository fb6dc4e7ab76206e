package api

import (
	"context"
	"net/http"

	"github.com/nromehealth/appointment-escrow/internal/booking"
)

// SweepRunner is implemented by booking.Sweeper; the cron endpoints expose
// each sweep for external schedulers.
type SweepRunner interface {
	SweepConfirmations(ctx context.Context) (*booking.SweepReport, error)
	SweepNoShows(ctx context.Context) (*booking.SweepReport, error)
	SweepReminders(ctx context.Context) (*booking.SweepReport, error)
}

// sweepHandler always answers 200 with per-item outcomes; individual item
// failures are carried in the report, not the HTTP status.
func sweepHandler(run func(ctx context.Context) (*booking.SweepReport, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := run(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "sweep_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
