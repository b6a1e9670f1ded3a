package orderitem

import (
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/google/uuid"
)

// OrderItem represents a line item within an order.
type OrderItem struct {
	ID             int64             `json:"id"`
	OrderID        uuid.UUID         `json:"orderId"`
	ProductID      string            `json:"productId"`
	Quantity       int               `json:"quantity"`
	UnitPriceCents int64             `json:"unitPriceCents"`
	PriceCurrency  currency.Currency `json:"priceCurrency"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// SubtotalCents returns quantity × unit price for the item.
func (i OrderItem) SubtotalCents() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}
