package converters

import (
	"fmt"

	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
	"github.com/shopspring/decimal"
)

// OrderItemDTO is the wire representation of a line item. Prices travel as
// decimal strings ("10.00") and are held internally as integer cents.
type OrderItemDTO struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

// CreateOrderDTO is the wire representation of a create request.
type CreateOrderDTO struct {
	Currency string         `json:"currency"`
	Items    []OrderItemDTO `json:"items"`
}

// OrderDTO is the wire representation of a persisted order.
type OrderDTO struct {
	ID           string         `json:"id"`
	UserID       int64          `json:"userId"`
	Items        []OrderItemDTO `json:"items"`
	TotalAmount  string         `json:"totalAmount"`
	Currency     string         `json:"currency"`
	Status       string         `json:"status"`
	CancelReason *string        `json:"cancelReason,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	ExpiresAt    string         `json:"expiresAt"`
}

var centsPerUnit = decimal.NewFromInt(100)

// ParseAmount converts a decimal amount string to cents, rejecting values
// with sub-cent precision.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", order.ErrBusinessRuleViolation, s)
	}

	cents := d.Mul(centsPerUnit)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: amount %q has sub-cent precision", order.ErrBusinessRuleViolation, s)
	}

	return cents.IntPart(), nil
}

// FormatAmount renders cents as a decimal amount string.
func FormatAmount(cents int64) string {
	return decimal.NewFromInt(cents).Div(centsPerUnit).StringFixed(2)
}

// ItemsFromDTO converts wire items to model items.
func ItemsFromDTO(cur currency.Currency, dtos []OrderItemDTO) ([]orderitem.OrderItem, error) {
	items := make([]orderitem.OrderItem, len(dtos))
	for i, dto := range dtos {
		priceCents, err := ParseAmount(dto.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items[i] = orderitem.OrderItem{
			ProductID:      dto.ProductID,
			Quantity:       dto.Quantity,
			UnitPriceCents: priceCents,
			PriceCurrency:  cur,
		}
	}

	return items, nil
}

// OrderToDTO converts a model order to its wire representation.
func OrderToDTO(o *order.Order) OrderDTO {
	items := make([]OrderItemDTO, len(o.Items))
	for i, item := range o.Items {
		items[i] = OrderItemDTO{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: FormatAmount(item.UnitPriceCents),
		}
	}

	return OrderDTO{
		ID:           o.ID.String(),
		UserID:       o.UserID,
		Items:        items,
		TotalAmount:  FormatAmount(o.TotalCents),
		Currency:     o.Currency.String(),
		Status:       string(o.Status),
		CancelReason: o.CancelReason,
		CreatedAt:    o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		ExpiresAt:    o.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
