package ingest

import (
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/tinyauction/pkg/market"
)

// Listing validation limits
const (
	// MaxListingsPerBatch bounds a single snapshot; larger batches indicate a
	// malformed upstream payload.
	MaxListingsPerBatch = 2_000_000
)

var (
	// ErrMissingBuyout is returned for auctions without a buyout (bid-only)
	ErrMissingBuyout = errors.New("auction has no buyout")

	// ErrMissingUnitPrice is returned for commodities without a unit price
	ErrMissingUnitPrice = errors.New("commodity has no unit price")

	// ErrInvalidItem is returned when the item id is not positive
	ErrInvalidItem = errors.New("item id must be positive")

	// ErrInvalidQuantity is returned when the quantity is not positive
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrPriceOverflow is returned when unit price times quantity overflows
	ErrPriceOverflow = errors.New("total price overflows")

	// ErrTooManyListings is returned when a batch exceeds MaxListingsPerBatch
	ErrTooManyListings = fmt.Errorf("too many listings in batch (max %d)", MaxListingsPerBatch)
)

// Drop reasons reported by Normalize.
const (
	DropMissingBuyout    = "missing_buyout"
	DropMissingUnitPrice = "missing_unit_price"
	DropInvalidItem      = "invalid_item"
	DropInvalidQuantity  = "invalid_quantity"
	DropPriceOverflow    = "price_overflow"
)

var dropReasons = []struct {
	err    error
	reason string
}{
	{ErrMissingBuyout, DropMissingBuyout},
	{ErrMissingUnitPrice, DropMissingUnitPrice},
	{ErrInvalidItem, DropInvalidItem},
	{ErrInvalidQuantity, DropInvalidQuantity},
	{ErrPriceOverflow, DropPriceOverflow},
}

// DropReason maps a validation error to its reported reason.
func DropReason(err error) string {
	for _, d := range dropReasons {
		if errors.Is(err, d.err) {
			return d.reason
		}
	}
	return "invalid"
}

// ValidateListing checks a normalized listing.
func ValidateListing(l market.Listing) error {
	if l.ItemID <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidItem, l.ItemID)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("%w: item %d has quantity %d", ErrInvalidQuantity, l.ItemID, l.Quantity)
	}
	if l.Buyout <= 0 {
		return fmt.Errorf("%w: item %d", ErrMissingBuyout, l.ItemID)
	}
	return nil
}

// totalPrice multiplies with an overflow check.
func totalPrice(unit, quantity int64) (int64, error) {
	if quantity > 0 && unit > math.MaxInt64/quantity {
		return 0, fmt.Errorf("%w: %d x %d", ErrPriceOverflow, unit, quantity)
	}
	return unit * quantity, nil
}
