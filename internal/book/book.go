package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
)

// Book is the locally replicated view of the source venue's L2 book. It is not
// safe for concurrent use; callers serialize access through the "update" lock.
type Book struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

func New() *Book {
	return &Book{bids: map[string]decimal.Decimal{}, asks: map[string]decimal.Decimal{}}
}

// ApplySnapshot replaces both sides with the given levels. Zero-size levels
// are dropped rather than stored.
func (b *Book) ApplySnapshot(bids, asks []common.PriceLevel) {
	b.bids = make(map[string]decimal.Decimal, len(bids))
	b.asks = make(map[string]decimal.Decimal, len(asks))
	for _, lvl := range bids {
		if lvl.Size.Sign() > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range asks {
		if lvl.Size.Sign() > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}
}

// ApplyBidUpdates patches the bid side: upsert if size > 0, delete if size is
// zero. Returns the prices removed from the side.
func (b *Book) ApplyBidUpdates(deltas []common.PriceLevel) (removed []string) {
	return applyUpdates(b.bids, deltas)
}

// ApplyAskUpdates patches the ask side the same way.
func (b *Book) ApplyAskUpdates(deltas []common.PriceLevel) (removed []string) {
	return applyUpdates(b.asks, deltas)
}

func applyUpdates(side map[string]decimal.Decimal, deltas []common.PriceLevel) (removed []string) {
	for _, lvl := range deltas {
		if lvl.Size.Sign() == 0 {
			if _, ok := side[lvl.Price]; ok {
				delete(side, lvl.Price)
				removed = append(removed, lvl.Price)
			}
			continue
		}
		side[lvl.Price] = lvl.Size
	}
	return removed
}

// HasPrice reports whether the price is present on either side.
func (b *Book) HasPrice(price string) bool {
	if _, ok := b.bids[price]; ok {
		return true
	}
	_, ok := b.asks[price]
	return ok
}

// BidLadder returns the bid side ordered best first (descending price).
func (b *Book) BidLadder() []common.PriceLevel {
	return ladder(b.bids, true)
}

// AskLadder returns the ask side ordered best first (ascending price).
func (b *Book) AskLadder() []common.PriceLevel {
	return ladder(b.asks, false)
}

func ladder(side map[string]decimal.Decimal, desc bool) []common.PriceLevel {
	out := make([]common.PriceLevel, 0, len(side))
	for price, size := range side {
		out = append(out, common.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, erri := decimal.NewFromString(out[i].Price)
		pj, errj := decimal.NewFromString(out[j].Price)
		if erri != nil || errj != nil {
			return out[i].Price < out[j].Price
		}
		if desc {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})
	return out
}

// Depth returns the number of levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}
