package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SnapshotsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_snapshots_applied_total", Help: "Source book snapshots applied"})
	UpdatesAppliedTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_updates_applied_total", Help: "Source book incremental updates applied"})
	BookLevels            = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_levels", Help: "Local book depth by side"}, []string{"side"})
	FeedReconnectsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Feed resyncs by exchange and reason"}, []string{"exchange", "reason"})

	OrdersCreatedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dest_orders_created_total", Help: "Destination orders placed by side"}, []string{"side"})
	OrdersCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "dest_orders_cancelled_total", Help: "Destination orders cancelled"})
	OrdersSkippedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dest_orders_skipped_total", Help: "Desired quotes skipped by reason"}, []string{"reason"})
	RestingOrders        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "resting_orders", Help: "Tracked resting destination orders"})
	DepletionEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "balance_depletion_events_total", Help: "Reconciliation passes hitting balance depletion by side"}, []string{"side"})

	HedgesSentTotal         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hedges_sent_total", Help: "Source-side hedge market orders by side"}, []string{"side"})
	StaleTradesIgnoredTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "stale_trades_ignored_total", Help: "Destination trade events ignored as stale"})

	UnwindCancelsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "unwind_cancels_total", Help: "Orders cancelled by the shutdown unwinder"})
	UnwindFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "unwind_failures_total", Help: "Unwind cancellations that failed"})

	APIErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "api_errors_total", Help: "API errors by exchange and endpoint"}, []string{"exchange", "endpoint"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		SnapshotsAppliedTotal, UpdatesAppliedTotal, BookLevels, FeedReconnectsTotal,
		OrdersCreatedTotal, OrdersCancelledTotal, OrdersSkippedTotal, RestingOrders, DepletionEventsTotal,
		HedgesSentTotal, StaleTradesIgnoredTotal,
		UnwindCancelsTotal, UnwindFailuresTotal, APIErrorsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister { _ = reg.Register(c) }
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
