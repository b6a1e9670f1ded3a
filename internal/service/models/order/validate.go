package order

import (
	"fmt"

	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
)

// Rules holds the business limits applied when creating an order.
type Rules struct {
	MinItems      int
	MaxItems      int
	MinTotalCents int64
	MaxTotalCents int64
}

// DefaultRules mirrors the platform defaults; config may override them.
func DefaultRules() Rules {
	return Rules{
		MinItems:      1,
		MaxItems:      50,
		MinTotalCents: 100,
		MaxTotalCents: 100_000_00,
	}
}

// Validate checks a create request against the business rules. It returns
// ErrBusinessRuleViolation (wrapped with detail) on the first violation.
func Validate(items []orderitem.OrderItem, rules Rules) error {
	if len(items) < rules.MinItems || len(items) > rules.MaxItems {
		return fmt.Errorf("%w: item count %d outside [%d, %d]",
			ErrBusinessRuleViolation, len(items), rules.MinItems, rules.MaxItems)
	}

	var total int64
	for i, item := range items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: item %d has empty product id", ErrBusinessRuleViolation, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has non-positive quantity", ErrBusinessRuleViolation, i)
		}
		if item.UnitPriceCents <= 0 {
			return fmt.Errorf("%w: item %d has non-positive unit price", ErrBusinessRuleViolation, i)
		}
		total += item.SubtotalCents()
	}

	if total < rules.MinTotalCents || total > rules.MaxTotalCents {
		return fmt.Errorf("%w: total %d outside [%d, %d]",
			ErrBusinessRuleViolation, total, rules.MinTotalCents, rules.MaxTotalCents)
	}

	return nil
}
