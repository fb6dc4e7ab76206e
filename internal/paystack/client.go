package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nromehealth/appointment-escrow/internal/booking"
)

// subunitFactor converts between major units (rand) and the smallest currency
// unit the provider bills in.
const subunitFactor = 100

// APIError is a failure the gateway itself reported, as opposed to a
// transport problem. Callers use the distinction to decide whether a retry
// can help.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack: %s (http %d)", e.Message, e.StatusCode)
}

// Client wraps the Paystack REST API. It is pure request/response and safe
// for concurrent use.
type Client struct {
	baseURL    string
	secretKey  string
	feePercent int64
	httpClient *http.Client
}

func NewClient(baseURL, secretKey string, feePercent int64) *Client {
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		feePercent: feePercent,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type verifyData struct {
	Status    string `json:"status"`
	Amount    int64  `json:"amount"` // subunits
	Reference string `json:"reference"`
	PaidAt    string `json:"paid_at"`
}

// VerifyTransaction confirms a charge with the provider. A charge the
// provider reports as unpaid comes back with Success=false; provider
// rejections and transport failures are errors.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*booking.ChargeVerification, error) {
	raw, err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("paystack: decode verify response: %w", err)
	}

	var data verifyData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("paystack: decode verify data: %w", err)
		}
	}

	if !env.Status || data.Status != "success" {
		reason := env.Message
		if data.Status != "" {
			reason = fmt.Sprintf("transaction status %q", data.Status)
		}
		return &booking.ChargeVerification{
			Success: false,
			Reason:  reason,
			Raw:     env.Data,
		}, nil
	}

	paidAt, _ := time.Parse(time.RFC3339, data.PaidAt)
	return &booking.ChargeVerification{
		Success:    true,
		Amount:     data.Amount / subunitFactor,
		PaidAt:     paidAt,
		GatewayRef: data.Reference,
		Raw:        env.Data,
	}, nil
}

type refundData struct {
	ID json.Number `json:"id"`
}

// InitiateRefund asks the provider to return amount (major units) to the
// payer of the referenced charge.
func (c *Client) InitiateRefund(ctx context.Context, reference string, amount int64, reason string) (*booking.RefundReceipt, error) {
	body := map[string]any{
		"transaction":   reference,
		"amount":        amount * subunitFactor,
		"customer_note": reason,
		"merchant_note": fmt.Sprintf("Refund: %s", reason),
	}

	raw, err := c.do(ctx, http.MethodPost, "/refund", body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("paystack: decode refund response: %w", err)
	}
	if !env.Status {
		return nil, &APIError{StatusCode: http.StatusOK, Message: env.Message}
	}

	var data refundData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: decode refund data: %w", err)
	}

	return &booking.RefundReceipt{
		RefundID: data.ID.String(),
		Raw:      env.Data,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("paystack: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("paystack: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paystack: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("paystack: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var env envelope
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			msg = env.Message
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return raw, nil
}
