package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Client talks to the inventory service. All calls are bounded by the
// configured timeout; a timeout is reported as order.ErrCollaboratorUnavailable
// and the saga treats it like an explicit failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// NewClient creates a new inventory client.
func NewClient(baseURL string, timeout time.Duration, maxRetries uint64) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

type reservationItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type reservationRequest struct {
	OrderID string            `json:"orderId"`
	Items   []reservationItem `json:"items"`
}

func toReservationItems(items []orderitem.OrderItem) []reservationItem {
	out := make([]reservationItem, len(items))
	for i, item := range items {
		out[i] = reservationItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	return out
}

// Check verifies that every product exists with sufficient stock, without
// reserving anything. Used by order validation.
func (c *Client) Check(ctx context.Context, items []orderitem.OrderItem) error {
	body, err := json.Marshal(reservationRequest{Items: toReservationItems(items)})
	if err != nil {
		return fmt.Errorf("failed to marshal stock check request: %w", err)
	}

	return c.post(ctx, c.baseURL+"/api/v1/stock/check", body)
}

// Reserve places a reservation for the order's items. Insufficient stock is
// reported as order.ErrInsufficientInventory.
func (c *Client) Reserve(ctx context.Context, orderID uuid.UUID, items []orderitem.OrderItem) error {
	body, err := json.Marshal(reservationRequest{
		OrderID: orderID.String(),
		Items:   toReservationItems(items),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reservation request: %w", err)
	}

	return c.post(ctx, c.baseURL+"/api/v1/reservations", body)
}

// Release frees the reservation for an order. The inventory service treats
// release as idempotent, so compensating twice for the same order is safe.
func (c *Client) Release(ctx context.Context, orderID uuid.UUID) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodDelete,
			c.baseURL+"/api/v1/reservations/"+orderID.String(),
			nil,
		)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		return c.classify(resp.StatusCode)
	})
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		return c.classify(resp.StatusCode)
	})
}

func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(200*time.Millisecond))

	err := retry.Do(ctx, backoff, fn)
	if err == nil {
		return nil
	}
	// Business outcomes pass through; anything else means the collaborator
	// could not answer.
	if errors.Is(err, order.ErrInsufficientInventory) {
		return err
	}

	return fmt.Errorf("%w: inventory: %v", order.ErrCollaboratorUnavailable, err)
}

func (c *Client) classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return order.ErrInsufficientInventory
	case status >= 500:
		return retry.RetryableError(fmt.Errorf("inventory returned %d", status))
	default:
		return fmt.Errorf("inventory returned %d", status)
	}
}
