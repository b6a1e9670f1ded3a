package createorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/services/ordersvc"
	"github.com/ecom-labs/fulfillment/internal/transport/http/v1/converters"
)

// service is an interface for the service layer.
type service interface {
	CreateOrder(ctx context.Context, userID int64, req ordersvc.CreateOrderRequest) (ordersvc.Result, error)
}

// CreateOrder handles the create order request. The Idempotency-Key header
// makes the call safe to retry blindly: duplicates get the recorded
// response back unchanged.
func CreateOrder(w http.ResponseWriter, r *http.Request, service service) {
	idempotencyKey := r.Header.Get("Idempotency-Key")

	// Authentication happens upstream; the gateway forwards the caller id.
	userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID header", http.StatusBadRequest)

		return
	}

	var dto converters.CreateOrderDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "Failed to decode request body", http.StatusBadRequest)
		slog.Error("Error decoding request body for create order", "error", err)

		return
	}

	cur, err := currency.ParseCurrency(dto.Currency)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	items, err := converters.ItemsFromDTO(cur, dto.Items)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)

		return
	}

	result, err := service.CreateOrder(r.Context(), userID, ordersvc.CreateOrderRequest{
		IdempotencyKey: idempotencyKey,
		Currency:       cur,
		Items:          items,
	})
	if err != nil {
		slog.Error("Error creating order", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	if _, err := w.Write(result.Body); err != nil {
		slog.Error("Error writing response for create order", "error", err)
	}
}
