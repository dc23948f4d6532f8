package mirror

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/metrics"
)

// onTrade reacts to a destination trade: if it consumed any of our resting
// orders, the filled amount is offset by an opposite market order on the
// source venue so net exposure stays flat.
func (e *Engine) onTrade(ctx context.Context, tr common.Trade) error {
	// trades older than the venue keep-alive window may be replays
	if time.Since(tr.Timestamp) > e.tradeStaleAfter {
		e.logger.Debug().Time("trade_ts", tr.Timestamp).Msg("ignore old trade")
		metrics.StaleTradesIgnoredTotal.Inc()
		return nil
	}
	net, err := e.dest.GetFilledAmountSince(ctx, []decimal.Decimal{tr.Price})
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(e.dest.Name(), "filled_amount").Inc()
		return err
	}
	if net.IsZero() {
		e.logger.Debug().Str("price", tr.Price.String()).Msg("our orders not affected or not filled")
		return nil
	}
	// the next pass must quote with accurate funds
	if r, ok := e.dest.(common.BalanceRefresher); ok {
		if err := r.RefreshBalances(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("balance refresh after fill failed")
		}
	}
	filledSide := common.Buy
	if net.Sign() < 0 {
		filledSide = common.Sell
	}
	size := net.Abs()
	e.settleFill(tr.Price, size)
	e.logger.Info().Str("side", string(filledSide)).Str("size", size.String()).Str("price", tr.Price.String()).Msg("detected fill of our order on dest exchange, will do the opposite on source exchange")
	if size.LessThan(e.minSourceOrder) {
		e.logger.Info().Str("size", size.String()).Msg("fill below minimum source order size, not hedging")
		return nil
	}
	hedgeSide := filledSide.Opposite()
	if err := e.source.CreateMarketOrder(ctx, hedgeSide, size); err != nil {
		metrics.APIErrorsTotal.WithLabelValues(e.source.Name(), "market_order").Inc()
		return err
	}
	metrics.HedgesSentTotal.WithLabelValues(string(hedgeSide)).Inc()
	return nil
}

// settleFill books the filled amount against ledger entries quoted at the
// traded destination price. A fully consumed order is removed so the next
// pass re-quotes instead of cancelling an already-gone order; a partial fill
// keeps the entry with the remnant size, since the remnant still rests on the
// venue and the unwinder must be able to cancel it.
func (e *Engine) settleFill(destPrice, filled decimal.Decimal) {
	unlock := e.locks.Lock(lockUpdate)
	defer unlock()
	for sourcePrice, ord := range e.ledger.Snapshot() {
		sp, err := decimal.NewFromString(sourcePrice)
		if err != nil {
			continue
		}
		if !e.destPrice(ord.Side, sp).Equal(destPrice) {
			continue
		}
		remnant := ord.Size.Sub(filled)
		if remnant.Sign() <= 0 {
			e.logger.Info().Str("order_id", ord.ID).Str("source_price", sourcePrice).Msg("dropping filled order from ledger")
			e.ledger.Remove(sourcePrice)
			continue
		}
		e.logger.Info().Str("order_id", ord.ID).Str("source_price", sourcePrice).Str("remaining", remnant.String()).Msg("partial fill, keeping remnant in ledger")
		e.ledger.Upsert(sourcePrice, RestingOrder{ID: ord.ID, Size: remnant, Side: ord.Side})
	}
	metrics.RestingOrders.Set(float64(e.ledger.Len()))
}
