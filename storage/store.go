package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/huykn/tagsync/types"
)

// ErrQuoteNotFound is returned when a quote does not exist.
var ErrQuoteNotFound = errors.New("quote not found")

// ErrQuoteTerminal is returned when mutating a quote that is no longer pending.
var ErrQuoteTerminal = errors.New("quote is not pending")

// ErrInvalidQuote is returned for malformed items or prices.
var ErrInvalidQuote = errors.New("invalid quote")

// QuoteStore persists quotes. Price and Reject are the only transitions and
// both require the quote to be pending.
type QuoteStore interface {
	Create(ctx context.Context, items []types.QuoteItem, ownerEmail string) (types.Quote, error)
	Get(ctx context.Context, id string) (types.Quote, error)
	Price(ctx context.Context, id string, prices []decimal.Decimal) (types.Quote, error)
	Reject(ctx context.Context, id string) (types.Quote, error)
	Close() error
}

func newQuote(items []types.QuoteItem, ownerEmail string) (types.Quote, error) {
	if len(items) == 0 {
		return types.Quote{}, fmt.Errorf("%w: no items", ErrInvalidQuote)
	}
	for i, it := range items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return types.Quote{}, fmt.Errorf("%w: item %d", ErrInvalidQuote, i)
		}
	}
	return types.Quote{
		ID:         ulid.Make().String(),
		Items:      append([]types.QuoteItem(nil), items...),
		Prices:     []decimal.Decimal{},
		Status:     types.QuotePending,
		OwnerEmail: ownerEmail,
	}, nil
}

// applyPrice sets prices on q in place.
func applyPrice(q *types.Quote, prices []decimal.Decimal) error {
	if q.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrQuoteTerminal, q.ID, q.Status)
	}
	if len(prices) != len(q.Items) {
		return fmt.Errorf("%w: %d prices for %d items", ErrInvalidQuote, len(prices), len(q.Items))
	}
	for i, p := range prices {
		if p.IsNegative() {
			return fmt.Errorf("%w: negative price at %d", ErrInvalidQuote, i)
		}
	}
	q.Prices = append([]decimal.Decimal(nil), prices...)
	q.Status = types.QuotePriced
	return nil
}

func applyReject(q *types.Quote) error {
	if q.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrQuoteTerminal, q.ID, q.Status)
	}
	q.Status = types.QuoteRejected
	return nil
}
