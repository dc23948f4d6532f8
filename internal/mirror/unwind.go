package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/log"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/metrics"
)

// Unwinder cancels every tracked resting order exactly once, no matter how
// many exit triggers fire. A failed cancel is logged and does not stop the
// sweep of the remaining orders.
type Unwinder struct {
	eng    *Engine
	logger log.Logger
	grace  time.Duration
	once   sync.Once
}

func NewUnwinder(eng *Engine, grace time.Duration, logger log.Logger) *Unwinder {
	return &Unwinder{eng: eng, logger: logger, grace: grace}
}

func (u *Unwinder) Unwind(ctx context.Context) {
	u.once.Do(func() { u.cancelAll(ctx) })
}

func (u *Unwinder) cancelAll(ctx context.Context) {
	unlock := u.eng.locks.Lock(lockUpdate)
	orders := u.eng.ledger.Snapshot()
	unlock()
	u.logger.Info().Int("orders", len(orders)).Msg("will cancel all tracked dest orders before exiting")
	for sourcePrice, ord := range orders {
		if err := u.eng.dest.CancelOrder(ctx, ord.ID); err != nil {
			u.logger.Error().Err(err).Str("order_id", ord.ID).Str("source_price", sourcePrice).Msg("unwind cancel failed")
			metrics.UnwindFailuresTotal.Inc()
			continue
		}
		u.logger.Info().Str("order_id", ord.ID).Str("source_price", sourcePrice).Msg("cancelled order")
		metrics.UnwindCancelsTotal.Inc()
	}
	// give in-flight cancels a chance to be transmitted
	select {
	case <-time.After(u.grace):
	case <-ctx.Done():
	}
}
