package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/google/uuid"
)

// Client talks to the payment service. Unlike the inventory client it never
// retries a charge: a request that died in flight may still have been
// captured, and a second attempt risks charging the customer twice. The
// saga compensates instead.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new payment client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	OrderID     string `json:"orderId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type chargeResponse struct {
	PaymentID string `json:"paymentId"`
}

// Charge authorizes the order amount. A decline is reported as
// order.ErrPaymentDeclined; failures and timeouts as
// order.ErrCollaboratorUnavailable.
func (c *Client) Charge(ctx context.Context, orderID uuid.UUID, amountCents int64, cur currency.Currency) (string, error) {
	body, err := json.Marshal(chargeRequest{
		OrderID:     orderID.String(),
		AmountCents: amountCents,
		Currency:    cur.String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/charges", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: payment: %v", order.ErrCollaboratorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var charge chargeResponse
		if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
			return "", fmt.Errorf("failed to decode charge response: %w", err)
		}

		return charge.PaymentID, nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", order.ErrPaymentDeclined
	default:
		return "", fmt.Errorf("%w: payment returned %d", order.ErrCollaboratorUnavailable, resp.StatusCode)
	}
}
