package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/nromehealth/appointment-escrow/internal/booking"
	"github.com/nromehealth/appointment-escrow/internal/observability/metrics"
)

// SignatureHeader carries the provider's HMAC-SHA512 of the raw payload.
const SignatureHeader = "X-Paystack-Signature"

// EventKind is the closed set of provider events this service reacts to.
type EventKind string

const (
	EventChargeSuccess   EventKind = "charge.success"
	EventRefundProcessed EventKind = "refund.processed"
	EventTransferSuccess EventKind = "transfer.success"
)

// ParseEventKind maps a wire event name onto the closed set; ok is false for
// anything we do not handle.
func ParseEventKind(s string) (EventKind, bool) {
	switch EventKind(s) {
	case EventChargeSuccess, EventRefundProcessed, EventTransferSuccess:
		return EventKind(s), true
	}
	return "", false
}

// Reconciler is the slice of the state machine the webhook drives.
type Reconciler interface {
	ApplyChargeSuccess(ctx context.Context, reference, gatewayRef string, raw []byte) error
	ApplyRefundProcessed(ctx context.Context, reference, refundID string, amount int64, raw []byte) error
	RecordTransferSuccess(ctx context.Context, reference string, raw []byte) error
}

// WebhookHandler receives asynchronous provider events and feeds them into
// the state machine. Authenticity is checked before any field is trusted;
// duplicate deliveries and events for unknown references are acknowledged
// without side effects.
type WebhookHandler struct {
	secretKey  string
	reconciler Reconciler
	metrics    *metrics.WebhookMetrics
}

func NewWebhookHandler(secretKey string, reconciler Reconciler, m *metrics.WebhookMetrics) *WebhookHandler {
	return &WebhookHandler{
		secretKey:  secretKey,
		reconciler: reconciler,
		metrics:    m,
	}
}

type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type webhookChargeData struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"` // subunits
}

type webhookRefundData struct {
	ID                   json.Number `json:"id"`
	TransactionReference string      `json:"transaction_reference"`
	Amount               int64       `json:"amount"` // subunits
}

type webhookTransferData struct {
	Reference string `json:"reference"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.secretKey, payload, r.Header.Get(SignatureHeader)) {
		log.Printf("webhook: invalid signature from %s", r.RemoteAddr)
		h.metrics.ObserveEvent("unknown", "unauthorized")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	kind, known := ParseEventKind(env.Event)
	if !known {
		log.Printf("webhook: unhandled event type %q", env.Event)
		h.metrics.ObserveEvent(env.Event, "ignored")
		writeReceived(w)
		return
	}

	if err := h.handle(r.Context(), kind, env.Data); err != nil {
		if errors.Is(err, booking.ErrAppointmentNotFound) {
			// The event may belong to an unrelated transaction on the same
			// provider account; drop it without surfacing an error.
			log.Printf("webhook: no appointment for %s event, dropped", kind)
			h.metrics.ObserveEvent(string(kind), "dropped")
			writeReceived(w)
			return
		}
		log.Printf("webhook: processing %s failed: %v", kind, err)
		h.metrics.ObserveEvent(string(kind), "error")
		http.Error(w, "webhook processing failed", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveEvent(string(kind), "ok")
	writeReceived(w)
}

func (h *WebhookHandler) handle(ctx context.Context, kind EventKind, data json.RawMessage) error {
	switch kind {
	case EventChargeSuccess:
		var d webhookChargeData
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		return h.reconciler.ApplyChargeSuccess(ctx, d.Reference, d.Reference, data)

	case EventRefundProcessed:
		var d webhookRefundData
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		return h.reconciler.ApplyRefundProcessed(ctx, d.TransactionReference, d.ID.String(), d.Amount/subunitFactor, data)

	case EventTransferSuccess:
		var d webhookTransferData
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		return h.reconciler.RecordTransferSuccess(ctx, d.Reference, data)
	}

	return nil
}

// VerifySignature checks the keyed hash over the exact raw payload bytes.
func VerifySignature(secretKey string, payload []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature a provider would attach; used by the simulator
// and tests.
func Sign(secretKey string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}
