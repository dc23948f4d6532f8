package mirror

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
)

// RestingOrder is a live destination order quoted against one source price.
type RestingOrder struct {
	ID   string
	Size decimal.Decimal
	Side common.Side
}

// Ledger maps source price -> resting destination order. It is the single
// authoritative record of destination-side exposure and the input of the
// shutdown unwinder. Not safe for concurrent use; the engine's named locks
// serialize all access.
type Ledger struct {
	orders map[string]RestingOrder
}

func NewLedger() *Ledger {
	return &Ledger{orders: map[string]RestingOrder{}}
}

// Get returns the order resting at the source price. A stored zero size means
// earlier bookkeeping went wrong; reusing such an entry would place a
// zero-size order, so it is reported as an error instead.
func (l *Ledger) Get(sourcePrice string) (RestingOrder, bool, error) {
	ord, ok := l.orders[sourcePrice]
	if !ok {
		return RestingOrder{}, false, nil
	}
	if ord.Size.Sign() <= 0 {
		return RestingOrder{}, false, fmt.Errorf("ledger: 0-sized dest order %s at source price %s", ord.ID, sourcePrice)
	}
	return ord, true, nil
}

func (l *Ledger) Upsert(sourcePrice string, ord RestingOrder) {
	l.orders[sourcePrice] = ord
}

// Remove deletes the entry eagerly, before the cancel is confirmed, so a
// concurrent pass never double-cancels the same order.
func (l *Ledger) Remove(sourcePrice string) {
	delete(l.orders, sourcePrice)
}

func (l *Ledger) Len() int {
	return len(l.orders)
}

// Prices returns the tracked source prices.
func (l *Ledger) Prices() []string {
	out := make([]string, 0, len(l.orders))
	for p := range l.orders {
		out = append(out, p)
	}
	return out
}

// Snapshot copies the ledger for iteration outside the engine's locks.
func (l *Ledger) Snapshot() map[string]RestingOrder {
	out := make(map[string]RestingOrder, len(l.orders))
	for p, ord := range l.orders {
		out[p] = ord
	}
	return out
}
