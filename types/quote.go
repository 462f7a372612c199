package types

import "github.com/shopspring/decimal"

// QuoteStatus is the state of a Quote.
type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuotePriced   QuoteStatus = "priced"
	QuoteRejected QuoteStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s QuoteStatus) Terminal() bool {
	return s == QuotePriced || s == QuoteRejected
}

// QuoteItem is one requested line of a quote.
type QuoteItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Quote is a customer pricing request.
// Prices is empty until the quote is priced and then holds one price per item.
type Quote struct {
	ID         string            `json:"id"`
	Items      []QuoteItem       `json:"items"`
	Prices     []decimal.Decimal `json:"prices"`
	Status     QuoteStatus       `json:"status"`
	OwnerEmail string            `json:"ownerEmail"`
}

// Tag returns the invalidation tag for this quote.
func (q Quote) Tag() Tag {
	return NewTag(KindQuote, q.ID)
}
