package booking

import (
	"context"
	"time"
)

// ChargeVerification is the outcome of a synchronous charge lookup.
// Success=false means the gateway answered and reported the charge as not
// paid; transport problems are returned as errors instead.
type ChargeVerification struct {
	Success    bool
	Amount     int64 // major currency units
	PaidAt     time.Time
	GatewayRef string
	Reason     string // gateway-reported reason when Success is false
	Raw        []byte
}

// RefundReceipt is returned once the gateway has accepted a refund.
type RefundReceipt struct {
	RefundID string
	Raw      []byte
}

// Split divides a payment between the platform and the practitioner.
type Split struct {
	Total              int64
	PlatformFee        int64
	PractitionerAmount int64
}

// Gateway wraps the outbound payment-provider calls a transition may need.
// It is pure request/response and holds no appointment state.
type Gateway interface {
	VerifyTransaction(ctx context.Context, reference string) (*ChargeVerification, error)
	InitiateRefund(ctx context.Context, reference string, amount int64, reason string) (*RefundReceipt, error)
	CalculateSplit(amount int64) Split
	GenerateReference(prefix string) string
}
