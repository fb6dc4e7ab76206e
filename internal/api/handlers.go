package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nromehealth/appointment-escrow/internal/booking"
)

// BookingService is the slice of the state machine the HTTP layer drives.
type BookingService interface {
	CreateBooking(ctx context.Context, req booking.CreateBookingRequest) (*booking.Appointment, error)
	GetByBookingRef(ctx context.Context, ref string) (*booking.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.Appointment, error)
	ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]booking.Appointment, error)
	ConfirmPayment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID, notes string) (*booking.Appointment, error)
	Decline(ctx context.Context, id uuid.UUID, reason string) (*booking.Appointment, error)
	CancelByPatient(ctx context.Context, id uuid.UUID, reason string) (*booking.Appointment, error)
	CancelByPractitioner(ctx context.Context, id uuid.UUID, reason string) (*booking.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
}

func createBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		practitionerID, err := uuid.Parse(req.PractitionerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
			return
		}

		scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_scheduled_at", "scheduled_at must be RFC 3339")
			return
		}

		if req.PatientName == "" {
			writeError(w, http.StatusBadRequest, "missing_patient_name", "patient_name is required")
			return
		}

		appt, err := svc.CreateBooking(r.Context(), booking.CreateBookingRequest{
			PatientID:      patientID,
			PatientName:    req.PatientName,
			PatientEmail:   req.PatientEmail,
			PatientPhone:   req.PatientPhone,
			PractitionerID: practitionerID,
			ScheduledAt:    scheduledAt,
			Amount:         req.Amount,
		})
		if err != nil {
			handleActionError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := svc.GetByBookingRef(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			handleActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := parseIntParam(q.Get("limit"), 20)
		offset := parseIntParam(q.Get("offset"), 0)

		var (
			appts []booking.Appointment
			err   error
		)

		switch {
		case q.Get("patient_id") != "":
			id, perr := uuid.Parse(q.Get("patient_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			appts, err = svc.ListByPatient(r.Context(), id, limit, offset)
		case q.Get("practitioner_id") != "":
			id, perr := uuid.Parse(q.Get("practitioner_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
				return
			}
			appts, err = svc.ListByPractitioner(r.Context(), id, limit, offset)
		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or practitioner_id is required")
			return
		}

		if err != nil {
			handleActionError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// actionHandler factors the shared resolve-then-transition shape of the
// practitioner/patient action endpoints.
func actionHandler(svc BookingService, fn func(ctx context.Context, id uuid.UUID, req ActionRequest) (*booking.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActionRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		appt, err := svc.GetByBookingRef(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			handleActionError(w, err)
			return
		}

		updated, err := fn(r.Context(), appt.ID, req)
		if err != nil {
			handleActionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(updated))
	}
}

func verifyPaymentHandler(svc BookingService) http.HandlerFunc {
	return actionHandler(svc, func(ctx context.Context, id uuid.UUID, _ ActionRequest) (*booking.Appointment, error) {
		return svc.ConfirmPayment(ctx, id)
	})
}

func confirmHandler(svc BookingService) http.HandlerFunc {
	return actionHandler(svc, func(ctx context.Context, id uuid.UUID, req ActionRequest) (*booking.Appointment, error) {
		return svc.Confirm(ctx, id, req.Notes)
	})
}

func declineHandler(svc BookingService) http.HandlerFunc {
	return actionHandler(svc, func(ctx context.Context, id uuid.UUID, req ActionRequest) (*booking.Appointment, error) {
		return svc.Decline(ctx, id, req.Reason)
	})
}

func cancelHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.GetByBookingRef(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			handleActionError(w, err)
			return
		}

		var updated *booking.Appointment
		switch req.CancelledBy {
		case "patient":
			updated, err = svc.CancelByPatient(r.Context(), appt.ID, req.Reason)
		case "practitioner":
			updated, err = svc.CancelByPractitioner(r.Context(), appt.ID, req.Reason)
		default:
			writeError(w, http.StatusBadRequest, "invalid_cancelled_by", "cancelled_by must be patient or practitioner")
			return
		}

		if err != nil {
			handleActionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(updated))
	}
}

func completeHandler(svc BookingService) http.HandlerFunc {
	return actionHandler(svc, func(ctx context.Context, id uuid.UUID, _ ActionRequest) (*booking.Appointment, error) {
		return svc.Complete(ctx, id)
	})
}

func handleActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrDuplicatePaymentRef):
		writeError(w, http.StatusConflict, "duplicate_payment_reference", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict", err.Error())
	case errors.Is(err, booking.ErrDeadlineNotReached):
		writeError(w, http.StatusConflict, "deadline_not_reached", err.Error())
	case errors.Is(err, booking.ErrTransitionInProgress):
		writeError(w, http.StatusConflict, "transition_in_progress", "another transition is in progress, please retry shortly")
	case errors.Is(err, booking.ErrRefundFailed):
		writeError(w, http.StatusBadGateway, "refund_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
