package common

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the hedging side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PriceLevel is one entry of an L2 book. The price keeps its venue string form
// so it can serve as a map key without float round-tripping.
type PriceLevel struct {
	Price string
	Size  decimal.Decimal
}

type BookEventType string

const (
	BookSnapshot BookEventType = "snapshot"
	BookUpdate   BookEventType = "update"
)

// BookEvent is either a full snapshot of both sides or an incremental update
// where a delta with size 0 removes the level.
type BookEvent struct {
	Type BookEventType
	Bids []PriceLevel
	Asks []PriceLevel
}

// Trade is a public trade observed on the destination venue.
type Trade struct {
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
	Timestamp time.Time
}

type Balances struct {
	Free  map[string]decimal.Decimal
	Total map[string]decimal.Decimal
}

// SourceAdapter is the venue whose book is observed and which absorbs hedge
// market orders.
type SourceAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetBalances(ctx context.Context) (Balances, error)
	CreateMarketOrder(ctx context.Context, side Side, size decimal.Decimal) error
	// SubscribeBook delivers a snapshot first, then incremental updates, in
	// order. The channel is closed when the subscription ends.
	SubscribeBook(ctx context.Context) (<-chan BookEvent, error)
}

// DestAdapter is the venue where resting limit orders are quoted.
type DestAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetBalances(ctx context.Context) (Balances, error)
	CreateOrder(ctx context.Context, pair string, side Side, size, price decimal.Decimal) (orderID string, err error)
	// CancelOrder settles regardless of whether the order was already gone.
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOpenOrders(ctx context.Context) error
	// GetFilledAmountSince returns the signed net base amount filled on our
	// orders at the given prices since the previous call (positive = net buy).
	GetFilledAmountSince(ctx context.Context, prices []decimal.Decimal) (decimal.Decimal, error)
	SubscribeTrades(ctx context.Context) (<-chan Trade, error)
}

// Optional capability: adapters caching balances can be told to drop the cache
// so the next GetBalances reflects a just-detected fill.
type BalanceRefresher interface {
	RefreshBalances(ctx context.Context) error
}
