package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Papabyte/upbit-orderbook-replication/internal/book"
	"github.com/Papabyte/upbit-orderbook-replication/internal/config"
	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/keylock"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/log"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/metrics"
)

// Named critical sections. "update" is held for a whole book event including
// the nested per-side passes; "bids"/"asks" additionally guard each pass.
const (
	lockUpdate = "update"
	lockBids   = "bids"
	lockAsks   = "asks"
)

// desiredQuote is one create action computed by a reconciliation pass.
type desiredQuote struct {
	Side        common.Side
	SourcePrice string
	Size        decimal.Decimal
}

// Engine mirrors the source venue's book onto the destination venue at a
// configured markup, tracking its resting exposure in the ledger.
type Engine struct {
	cfg    config.Config
	source common.SourceAdapter
	dest   common.DestAdapter
	logger log.Logger

	locks  *keylock.Table
	book   *book.Book
	ledger *Ledger

	markupFactor    decimal.Decimal
	minQuoteReserve decimal.Decimal
	minBaseReserve  decimal.Decimal
	minDestOrder    decimal.Decimal
	minSourceOrder  decimal.Decimal
	tradeStaleAfter time.Duration
}

func New(cfg config.Config, source common.SourceAdapter, dest common.DestAdapter, logger log.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		source:          source,
		dest:            dest,
		logger:          logger,
		locks:           keylock.New(),
		book:            book.New(),
		ledger:          NewLedger(),
		markupFactor:    decimal.NewFromFloat(cfg.Trading.MarkupPct).Div(decimal.NewFromInt(100)),
		minQuoteReserve: decimal.NewFromFloat(cfg.Trading.MinQuoteBalance),
		minBaseReserve:  decimal.NewFromFloat(cfg.Trading.MinBaseBalance),
		minDestOrder:    decimal.NewFromFloat(cfg.Trading.MinDestOrderSize),
		minSourceOrder:  decimal.NewFromFloat(cfg.Trading.MinSourceOrderSize),
		tradeStaleAfter: time.Duration(cfg.Network.WSKeepAliveSeconds) * time.Second,
	}
}

// Run consumes book and trade events until the context is cancelled or a feed
// fails. Any returned error means resting exposure may be unmanaged; the
// caller must unwind.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.source.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", e.source.Name(), err)
	}
	if err := e.dest.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", e.dest.Name(), err)
	}
	// clear leftovers from a previous run that died without unwinding
	if err := e.dest.CancelAllOpenOrders(ctx); err != nil {
		return fmt.Errorf("cancel all open orders on %s: %w", e.dest.Name(), err)
	}
	tradeCh, err := e.dest.SubscribeTrades(ctx)
	if err != nil {
		return fmt.Errorf("subscribe trades on %s: %w", e.dest.Name(), err)
	}
	bookCh, err := e.source.SubscribeBook(ctx)
	if err != nil {
		return fmt.Errorf("subscribe book on %s: %w", e.source.Name(), err)
	}
	e.logger.Info().Str("pair", e.cfg.Pair()).Str("source", e.source.Name()).Str("dest", e.dest.Name()).Msg("orderbook replication started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-bookCh:
			if !ok {
				return fmt.Errorf("book feed from %s closed", e.source.Name())
			}
			switch ev.Type {
			case common.BookSnapshot:
				err = e.onSnapshot(ctx, ev)
			case common.BookUpdate:
				err = e.onUpdate(ctx, ev)
			default:
				err = fmt.Errorf("unknown book event type %q", ev.Type)
			}
			if err != nil {
				return err
			}
		case tr, ok := <-tradeCh:
			if !ok {
				return fmt.Errorf("trade feed from %s closed", e.dest.Name())
			}
			if err := e.onTrade(ctx, tr); err != nil {
				return err
			}
		}
	}
}

// onSnapshot rebuilds the local book and requotes both sides.
func (e *Engine) onSnapshot(ctx context.Context, ev common.BookEvent) error {
	unlock := e.locks.Lock(lockUpdate)
	defer unlock()
	e.logger.Info().Int("bids", len(ev.Bids)).Int("asks", len(ev.Asks)).Msg("received snapshot")
	e.book.ApplySnapshot(ev.Bids, ev.Asks)
	metrics.SnapshotsAppliedTotal.Inc()
	e.observeDepth()
	// a non-initial snapshot may have silently dropped levels we quote against
	for _, price := range e.ledger.Prices() {
		if !e.book.HasPrice(price) {
			e.logger.Info().Str("source_price", price).Msg("order not found in new snapshot from source, will cancel on dest")
			if err := e.cancelAt(ctx, price); err != nil {
				return err
			}
		}
	}
	buys, err := e.reconcileSide(ctx, common.Buy, e.book.BidLadder())
	if err != nil {
		return err
	}
	sells, err := e.reconcileSide(ctx, common.Sell, e.book.AskLadder())
	if err != nil {
		return err
	}
	return e.placeOrders(ctx, append(buys, sells...))
}

// onUpdate patches the book and requotes the touched sides. All cancels for
// both sides happen before any create, so the two sides never transiently
// overlap and freed balance is visible to every level of the pass.
func (e *Engine) onUpdate(ctx context.Context, ev common.BookEvent) error {
	unlock := e.locks.Lock(lockUpdate)
	defer unlock()
	metrics.UpdatesAppliedTotal.Inc()
	var creates []desiredQuote
	if len(ev.Bids) > 0 {
		for _, price := range e.book.ApplyBidUpdates(ev.Bids) {
			e.logger.Info().Str("source_price", price).Msg("bid removed from source, will cancel on dest")
			if err := e.cancelAt(ctx, price); err != nil {
				return err
			}
		}
		buys, err := e.reconcileSide(ctx, common.Buy, e.book.BidLadder())
		if err != nil {
			return err
		}
		creates = append(creates, buys...)
	}
	if len(ev.Asks) > 0 {
		for _, price := range e.book.ApplyAskUpdates(ev.Asks) {
			e.logger.Info().Str("source_price", price).Msg("ask removed from source, will cancel on dest")
			if err := e.cancelAt(ctx, price); err != nil {
				return err
			}
		}
		sells, err := e.reconcileSide(ctx, common.Sell, e.book.AskLadder())
		if err != nil {
			return err
		}
		creates = append(creates, sells...)
	}
	e.observeDepth()
	return e.placeOrders(ctx, creates)
}

// reconcileSide walks the side's ladder best price first and decides, per
// level, whether the resting order must be cancelled, replaced or left alone.
// Cancels are issued synchronously; creates are returned for placement after
// both sides have been reconciled.
func (e *Engine) reconcileSide(ctx context.Context, side common.Side, ladder []common.PriceLevel) ([]desiredQuote, error) {
	lockName := lockBids
	if side == common.Sell {
		lockName = lockAsks
	}
	unlock := e.locks.Lock(lockName)
	defer unlock()

	destBal, err := e.dest.GetBalances(ctx)
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(e.dest.Name(), "balances").Inc()
		return nil, fmt.Errorf("dest balances: %w", err)
	}
	srcBal, err := e.source.GetBalances(ctx)
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(e.source.Name(), "balances").Inc()
		return nil, fmt.Errorf("source balances: %w", err)
	}

	base := e.cfg.Trading.BaseCurrency
	quote := e.cfg.Trading.QuoteCurrency
	var destAvail, srcAvail decimal.Decimal
	if side == common.Buy {
		// buying base on dest costs quote there; the hedge sells base on source
		destAvail = destBal.Total[quote].Sub(e.minQuoteReserve)
		srcAvail = srcBal.Free[base].Sub(e.minBaseReserve)
	} else {
		destAvail = destBal.Total[base].Sub(e.minBaseReserve)
		srcAvail = srcBal.Free[quote].Sub(e.minQuoteReserve)
	}

	depleted := false
	markDepleted := func() {
		if !depleted {
			depleted = true
			metrics.DepletionEventsTotal.WithLabelValues(string(side)).Inc()
		}
	}
	if destAvail.Sign() <= 0 || srcAvail.Sign() <= 0 {
		e.logger.Info().Str("side", string(side)).Str("dest_available", destAvail.String()).Str("source_available", srcAvail.String()).Msg("side depleted before first level")
		markDepleted()
	}

	var creates []desiredQuote
	for i, lvl := range ladder {
		if depleted {
			// cancel remaining orders to keep funds free for better levels
			if err := e.cancelAt(ctx, lvl.Price); err != nil {
				return nil, err
			}
			continue
		}
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, fmt.Errorf("bad source price %q: %w", lvl.Price, err)
		}
		size := lvl.Size
		var required decimal.Decimal
		if side == common.Buy {
			if size.GreaterThan(srcAvail) {
				e.logger.Info().Int("level", i).Str("source_price", lvl.Price).Str("size", size.String()).Str("available", srcAvail.String()).Msg("level exceeds available source base balance")
				markDepleted()
				size = srcAvail
			}
			destPrice := e.destPrice(side, price)
			required = size.Mul(destPrice)
			if required.GreaterThan(destAvail) {
				e.logger.Info().Int("level", i).Str("source_price", lvl.Price).Str("required", required.String()).Str("available", destAvail.String()).Msg("level exceeds available dest quote balance")
				markDepleted()
				required = destAvail
				size = destAvail.Div(destPrice)
			}
		} else {
			if size.GreaterThan(destAvail) {
				e.logger.Info().Int("level", i).Str("source_price", lvl.Price).Str("size", size.String()).Str("available", destAvail.String()).Msg("level exceeds available dest base balance")
				markDepleted()
				size = destAvail
			}
			required = size.Mul(price)
			if required.GreaterThan(srcAvail) {
				e.logger.Info().Int("level", i).Str("source_price", lvl.Price).Str("required", required.String()).Str("available", srcAvail.String()).Msg("level exceeds available source quote balance")
				markDepleted()
				required = srcAvail
				size = srcAvail.Div(price)
			}
		}
		// cancel an outdated order before anything is placed; a downsized
		// order frees balance that worse levels of this pass may need
		needNew, err := e.cancelIfChanged(ctx, side, lvl.Price, size)
		if err != nil {
			return nil, err
		}
		if size.GreaterThanOrEqual(e.minDestOrder) {
			if needNew {
				creates = append(creates, desiredQuote{Side: side, SourcePrice: lvl.Price, Size: size})
			}
			if side == common.Buy {
				srcAvail = srcAvail.Sub(size)
				destAvail = destAvail.Sub(required)
			} else {
				destAvail = destAvail.Sub(size)
				srcAvail = srcAvail.Sub(required)
			}
		} else {
			e.logger.Info().Str("side", string(side)).Str("source_price", lvl.Price).Str("size", size.String()).Msg("skipping level as it is too small")
			metrics.OrdersSkippedTotal.WithLabelValues("too_small").Inc()
		}
	}
	return creates, nil
}

// cancelIfChanged reports whether a new order is needed at the source price:
// true if nothing rests there or the resting order differed and was cancelled.
func (e *Engine) cancelIfChanged(ctx context.Context, side common.Side, sourcePrice string, size decimal.Decimal) (bool, error) {
	ord, ok, err := e.ledger.Get(sourcePrice)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if ord.Size.Equal(size) {
		e.logger.Debug().Str("source_price", sourcePrice).Str("size", size.String()).Msg("order already exists")
		return false, nil
	}
	e.logger.Info().Str("side", string(side)).Str("source_price", sourcePrice).Str("old_size", ord.Size.String()).Str("new_size", size.String()).Msg("will cancel previous order")
	e.ledger.Remove(sourcePrice)
	metrics.RestingOrders.Set(float64(e.ledger.Len()))
	if err := e.dest.CancelOrder(ctx, ord.ID); err != nil {
		return false, err
	}
	metrics.OrdersCancelledTotal.Inc()
	return true, nil
}

// cancelAt cancels whatever rests at the source price, if anything.
func (e *Engine) cancelAt(ctx context.Context, sourcePrice string) error {
	ord, ok, err := e.ledger.Get(sourcePrice)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.ledger.Remove(sourcePrice)
	metrics.RestingOrders.Set(float64(e.ledger.Len()))
	e.logger.Info().Str("order_id", ord.ID).Str("source_price", sourcePrice).Msg("will cancel order")
	if err := e.dest.CancelOrder(ctx, ord.ID); err != nil {
		return err
	}
	metrics.OrdersCancelledTotal.Inc()
	return nil
}

func (e *Engine) placeOrders(ctx context.Context, quotes []desiredQuote) error {
	for _, q := range quotes {
		if err := e.placeOrder(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) placeOrder(ctx context.Context, q desiredQuote) error {
	ord, ok, err := e.ledger.Get(q.SourcePrice)
	if err != nil {
		return err
	}
	if ok {
		if ord.Size.Equal(q.Size) {
			e.logger.Debug().Str("source_price", q.SourcePrice).Str("size", q.Size.String()).Msg("order already exists")
			return nil
		}
		// size changed since the pass computed this quote
		e.ledger.Remove(q.SourcePrice)
		if err := e.dest.CancelOrder(ctx, ord.ID); err != nil {
			return err
		}
		metrics.OrdersCancelledTotal.Inc()
	}
	price, err := decimal.NewFromString(q.SourcePrice)
	if err != nil {
		return fmt.Errorf("bad source price %q: %w", q.SourcePrice, err)
	}
	destPrice := e.destPrice(q.Side, price)
	e.logger.Info().Str("side", string(q.Side)).Str("size", q.Size.String()).Str("dest_price", destPrice.String()).Str("source_price", q.SourcePrice).Msg("will place order")
	id, err := e.dest.CreateOrder(ctx, e.cfg.Pair(), q.Side, q.Size, destPrice)
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(e.dest.Name(), "create_order").Inc()
		return err
	}
	e.logger.Info().Str("order_id", id).Msg("sent order")
	e.ledger.Upsert(q.SourcePrice, RestingOrder{ID: id, Size: q.Size, Side: q.Side})
	metrics.OrdersCreatedTotal.WithLabelValues(string(q.Side)).Inc()
	metrics.RestingOrders.Set(float64(e.ledger.Len()))
	return nil
}

// destPrice converts a source price into the protective destination quote.
func (e *Engine) destPrice(side common.Side, sourcePrice decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == common.Buy {
		return sourcePrice.Mul(one.Sub(e.markupFactor))
	}
	return sourcePrice.Mul(one.Add(e.markupFactor))
}

func (e *Engine) observeDepth() {
	bids, asks := e.book.Depth()
	metrics.BookLevels.WithLabelValues("bids").Set(float64(bids))
	metrics.BookLevels.WithLabelValues("asks").Set(float64(asks))
}
