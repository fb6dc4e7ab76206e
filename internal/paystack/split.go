package paystack

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/nromehealth/appointment-escrow/internal/booking"
)

// CalculateSplit divides a payment between the platform and the
// practitioner at the configured percentage. Pure function.
func (c *Client) CalculateSplit(amount int64) booking.Split {
	platformFee := amount * c.feePercent / 100

	return booking.Split{
		Total:              amount,
		PlatformFee:        platformFee,
		PractitionerAmount: amount - platformFee,
	}
}

// GenerateReference returns a reference unique enough for transaction
// tracking: millisecond timestamp plus a random suffix. Not cryptographic.
func (c *Client) GenerateReference(prefix string) string {
	return fmt.Sprintf("%s_%d_%04d", prefix, time.Now().UnixMilli(), rand.Intn(10000))
}
