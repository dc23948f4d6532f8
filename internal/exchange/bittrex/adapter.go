package bittrex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Papabyte/upbit-orderbook-replication/internal/config"
	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/metrics"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/network"
)

// Adapter is the source venue client. The book feed polls the REST orderbook
// and synthesizes snapshot/update events: the first poll after a (re)sync
// emits a snapshot, later polls emit per-price deltas with size 0 for removed
// levels.
type Adapter struct {
	cfg     config.Config
	http    *http.Client
	limiter *network.TokenBucket
	rtts    []float64 // rolling window of poll RTTs, ms
}

const baselinePollRTTms = 250

func New(cfg config.Config) *Adapter {
	return &Adapter{cfg: cfg, http: network.NewHTTPClient(), limiter: network.NewTokenBucket(10, 5, baselinePollRTTms)}
}

func (a *Adapter) Name() string { return "bittrex" }

func (a *Adapter) Start(ctx context.Context) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error  { return nil }

func (a *Adapter) GetBalances(ctx context.Context) (common.Balances, error) {
	var entries []struct {
		CurrencySymbol string `json:"currencySymbol"`
		Total          string `json:"total"`
		Available      string `json:"available"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/v3/balances", nil, &entries); err != nil {
		return common.Balances{}, err
	}
	out := common.Balances{Free: map[string]decimal.Decimal{}, Total: map[string]decimal.Decimal{}}
	for _, e := range entries {
		free, err := decimal.NewFromString(e.Available)
		if err != nil {
			return common.Balances{}, fmt.Errorf("bad available balance %q for %s", e.Available, e.CurrencySymbol)
		}
		total, err := decimal.NewFromString(e.Total)
		if err != nil {
			return common.Balances{}, fmt.Errorf("bad total balance %q for %s", e.Total, e.CurrencySymbol)
		}
		out.Free[e.CurrencySymbol] = free
		out.Total[e.CurrencySymbol] = total
	}
	return out, nil
}

func (a *Adapter) CreateMarketOrder(ctx context.Context, side common.Side, size decimal.Decimal) error {
	body := map[string]string{
		"marketSymbol": a.cfg.Exchanges.Source.Market,
		"direction":    string(side),
		"type":         "MARKET",
		"quantity":     size.String(),
		"timeInForce":  "IMMEDIATE_OR_CANCEL",
	}
	var resp struct {
		ID string `json:"id"`
	}
	return a.signedRequest(ctx, http.MethodPost, "/v3/orders", body, &resp)
}

func (a *Adapter) SubscribeBook(ctx context.Context) (<-chan common.BookEvent, error) {
	ch := make(chan common.BookEvent, 16)
	go a.pollBook(ctx, ch)
	return ch, nil
}

func (a *Adapter) pollBook(ctx context.Context, ch chan<- common.BookEvent) {
	defer close(ch)
	tick := time.NewTicker(time.Duration(a.cfg.Network.PollIntervalMs) * time.Millisecond)
	defer tick.Stop()
	var (
		prevBids map[string]decimal.Decimal
		prevAsks map[string]decimal.Decimal
		synced   bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if !a.limiter.Allow(time.Now()) {
			continue
		}
		start := time.Now()
		bids, asks, err := a.fetchBook(ctx)
		if err == nil {
			a.observeRTT(float64(time.Since(start).Milliseconds()))
		}
		if err != nil {
			metrics.APIErrorsTotal.WithLabelValues(a.Name(), "orderbook").Inc()
			if synced {
				// force a full resync on recovery; updates may have been lost
				metrics.FeedReconnectsTotal.WithLabelValues(a.Name(), "poll_error").Inc()
				synced = false
			}
			continue
		}
		if !synced {
			ev := common.BookEvent{Type: common.BookSnapshot, Bids: toLevels(bids), Asks: toLevels(asks)}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			prevBids, prevAsks = bids, asks
			synced = true
			continue
		}
		ev := common.BookEvent{
			Type: common.BookUpdate,
			Bids: diffSide(prevBids, bids),
			Asks: diffSide(prevAsks, asks),
		}
		prevBids, prevAsks = bids, asks
		if len(ev.Bids) == 0 && len(ev.Asks) == 0 {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// observeRTT feeds poll latency into the limiter so a degrading venue is
// polled less aggressively. Only the polling goroutine touches the window.
func (a *Adapter) observeRTT(ms float64) {
	a.rtts = append(a.rtts, ms)
	if len(a.rtts) < 16 {
		return
	}
	sorted := append([]float64(nil), a.rtts...)
	sort.Float64s(sorted)
	a.limiter.AdjustForRTT(sorted[len(sorted)/2])
	a.rtts = a.rtts[:0]
}

func (a *Adapter) fetchBook(ctx context.Context) (bids, asks map[string]decimal.Decimal, err error) {
	path := fmt.Sprintf("/v3/markets/%s/orderbook?depth=25", a.cfg.Exchanges.Source.Market)
	var book struct {
		Bid []struct {
			Quantity string `json:"quantity"`
			Rate     string `json:"rate"`
		} `json:"bid"`
		Ask []struct {
			Quantity string `json:"quantity"`
			Rate     string `json:"rate"`
		} `json:"ask"`
	}
	if err := a.publicRequest(ctx, path, &book); err != nil {
		return nil, nil, err
	}
	bids = make(map[string]decimal.Decimal, len(book.Bid))
	for _, lvl := range book.Bid {
		size, err := decimal.NewFromString(lvl.Quantity)
		if err != nil {
			return nil, nil, fmt.Errorf("bad bid quantity %q: %w", lvl.Quantity, err)
		}
		bids[lvl.Rate] = size
	}
	asks = make(map[string]decimal.Decimal, len(book.Ask))
	for _, lvl := range book.Ask {
		size, err := decimal.NewFromString(lvl.Quantity)
		if err != nil {
			return nil, nil, fmt.Errorf("bad ask quantity %q: %w", lvl.Quantity, err)
		}
		asks[lvl.Rate] = size
	}
	return bids, asks, nil
}

func toLevels(side map[string]decimal.Decimal) []common.PriceLevel {
	out := make([]common.PriceLevel, 0, len(side))
	for price, size := range side {
		out = append(out, common.PriceLevel{Price: price, Size: size})
	}
	return out
}

// diffSide turns two consecutive book states into incremental deltas.
func diffSide(prev, cur map[string]decimal.Decimal) []common.PriceLevel {
	var out []common.PriceLevel
	for price, size := range cur {
		if old, ok := prev[price]; !ok || !old.Equal(size) {
			out = append(out, common.PriceLevel{Price: price, Size: size})
		}
	}
	for price := range prev {
		if _, ok := cur[price]; !ok {
			out = append(out, common.PriceLevel{Price: price, Size: decimal.Zero})
		}
	}
	return out
}

func (a *Adapter) publicRequest(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Exchanges.Source.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bittrex %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (a *Adapter) signedRequest(ctx context.Context, method, path string, body map[string]string, v any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	url := a.cfg.Exchanges.Source.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	contentHash := sha512Hex(payload)
	req.Header.Set("Api-Key", a.cfg.Exchanges.Source.APIKey)
	req.Header.Set("Api-Timestamp", ts)
	req.Header.Set("Api-Content-Hash", contentHash)
	req.Header.Set("Api-Signature", hmacSHA512(a.cfg.Exchanges.Source.Secret, ts+url+method+contentHash))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("bittrex %s %s: status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func sha512Hex(b []byte) string {
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA512(secret, msg string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
