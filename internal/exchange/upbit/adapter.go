package upbit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Papabyte/upbit-orderbook-replication/internal/config"
	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/network"
)

const balanceCacheTTL = 5 * time.Second

// trackedOrder is an order we placed, kept so fill deltas can be computed.
type trackedOrder struct {
	side     common.Side
	price    decimal.Decimal
	executed decimal.Decimal // executed volume at last check
}

// Adapter is the destination venue client where the mirrored quotes rest.
type Adapter struct {
	cfg  config.Config
	http *http.Client

	mu         sync.Mutex
	tracked    map[string]trackedOrder
	balances   common.Balances
	balancesAt time.Time
	lastSeq    int64
}

func New(cfg config.Config) *Adapter {
	return &Adapter{cfg: cfg, http: network.NewHTTPClient(), tracked: map[string]trackedOrder{}}
}

func (a *Adapter) Name() string { return "upbit" }

func (a *Adapter) Start(ctx context.Context) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error  { return nil }

func (a *Adapter) GetBalances(ctx context.Context) (common.Balances, error) {
	a.mu.Lock()
	if !a.balancesAt.IsZero() && time.Since(a.balancesAt) < balanceCacheTTL {
		bal := a.balances
		a.mu.Unlock()
		return bal, nil
	}
	a.mu.Unlock()

	var accounts []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := a.request(ctx, http.MethodGet, "/v1/accounts", nil, &accounts); err != nil {
		return common.Balances{}, err
	}
	out := common.Balances{Free: map[string]decimal.Decimal{}, Total: map[string]decimal.Decimal{}}
	for _, acc := range accounts {
		free, err := decimal.NewFromString(acc.Balance)
		if err != nil {
			return common.Balances{}, fmt.Errorf("bad balance %q for %s", acc.Balance, acc.Currency)
		}
		locked, err := decimal.NewFromString(acc.Locked)
		if err != nil {
			return common.Balances{}, fmt.Errorf("bad locked balance %q for %s", acc.Locked, acc.Currency)
		}
		out.Free[acc.Currency] = free
		out.Total[acc.Currency] = free.Add(locked)
	}
	a.mu.Lock()
	a.balances = out
	a.balancesAt = time.Now()
	a.mu.Unlock()
	return out, nil
}

// RefreshBalances drops the cache so the next GetBalances hits the venue.
func (a *Adapter) RefreshBalances(ctx context.Context) error {
	a.mu.Lock()
	a.balancesAt = time.Time{}
	a.mu.Unlock()
	_, err := a.GetBalances(ctx)
	return err
}

func (a *Adapter) CreateOrder(ctx context.Context, pair string, side common.Side, size, price decimal.Decimal) (string, error) {
	_ = pair // the venue-native market id comes from config
	params := url.Values{}
	params.Set("market", a.cfg.Exchanges.Dest.Market)
	params.Set("side", nativeSide(side))
	params.Set("volume", size.String())
	params.Set("price", price.String())
	params.Set("ord_type", "limit")
	params.Set("identifier", uuid.NewString())
	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := a.request(ctx, http.MethodPost, "/v1/orders?"+params.Encode(), params, &resp); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.tracked[resp.UUID] = trackedOrder{side: side, price: price}
	a.mu.Unlock()
	return resp.UUID, nil
}

// CancelOrder settles regardless of whether the order was already gone; an
// order the venue no longer knows is as cancelled as it gets.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("uuid", orderID)
	var resp struct {
		UUID string `json:"uuid"`
	}
	err := a.request(ctx, http.MethodDelete, "/v1/order?"+params.Encode(), params, &resp)
	if err != nil && isNotFound(err) {
		err = nil
	}
	return err
}

func (a *Adapter) CancelAllOpenOrders(ctx context.Context) error {
	params := url.Values{}
	params.Set("market", a.cfg.Exchanges.Dest.Market)
	params.Set("state", "wait")
	params.Set("limit", "100")
	var open []struct {
		UUID string `json:"uuid"`
	}
	if err := a.request(ctx, http.MethodGet, "/v1/orders?"+params.Encode(), params, &open); err != nil {
		return err
	}
	for _, ord := range open {
		if err := a.CancelOrder(ctx, ord.UUID); err != nil {
			return err
		}
	}
	return nil
}

// GetFilledAmountSince returns the signed net base amount our orders filled at
// the given prices since the previous call. Each tracked order keeps an
// executed-volume baseline; the delta since that baseline is what the engine
// has to hedge.
func (a *Adapter) GetFilledAmountSince(ctx context.Context, prices []decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	candidates := make(map[string]trackedOrder)
	for id, ord := range a.tracked {
		for _, p := range prices {
			if ord.price.Equal(p) {
				candidates[id] = ord
				break
			}
		}
	}
	a.mu.Unlock()

	net := decimal.Zero
	for id, ord := range candidates {
		params := url.Values{}
		params.Set("uuid", id)
		var status struct {
			State          string `json:"state"`
			ExecutedVolume string `json:"executed_volume"`
		}
		if err := a.request(ctx, http.MethodGet, "/v1/order?"+params.Encode(), params, &status); err != nil {
			if isNotFound(err) {
				a.forget(id)
				continue
			}
			return decimal.Zero, err
		}
		executed, err := decimal.NewFromString(status.ExecutedVolume)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad executed volume %q for order %s", status.ExecutedVolume, id)
		}
		delta := executed.Sub(ord.executed)
		if delta.Sign() > 0 {
			if ord.side == common.Buy {
				net = net.Add(delta)
			} else {
				net = net.Sub(delta)
			}
		}
		if status.State == "done" || status.State == "cancel" {
			a.forget(id)
			continue
		}
		a.mu.Lock()
		ord.executed = executed
		a.tracked[id] = ord
		a.mu.Unlock()
	}
	return net, nil
}

func (a *Adapter) forget(orderID string) {
	a.mu.Lock()
	delete(a.tracked, orderID)
	a.mu.Unlock()
}

func (a *Adapter) SubscribeTrades(ctx context.Context) (<-chan common.Trade, error) {
	ch := make(chan common.Trade, 64)
	go a.pollTrades(ctx, ch)
	return ch, nil
}

func (a *Adapter) pollTrades(ctx context.Context, ch chan<- common.Trade) {
	defer close(ch)
	tick := time.NewTicker(time.Duration(a.cfg.Network.PollIntervalMs) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		trades, err := a.fetchTrades(ctx)
		if err != nil {
			continue
		}
		for _, tr := range trades {
			select {
			case ch <- tr:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) fetchTrades(ctx context.Context) ([]common.Trade, error) {
	params := url.Values{}
	params.Set("market", a.cfg.Exchanges.Dest.Market)
	params.Set("count", "50")
	var ticks []struct {
		TradePrice   json.Number `json:"trade_price"`
		TradeVolume  json.Number `json:"trade_volume"`
		AskBid       string      `json:"ask_bid"`
		Timestamp    int64       `json:"timestamp"`
		SequentialID int64       `json:"sequential_id"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Exchanges.Dest.BaseURL+"/v1/trades/ticks?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upbit trades: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticks); err != nil {
		return nil, err
	}
	a.mu.Lock()
	last := a.lastSeq
	a.mu.Unlock()
	var out []common.Trade
	// venue returns newest first
	for i := len(ticks) - 1; i >= 0; i-- {
		t := ticks[i]
		if t.SequentialID <= last {
			continue
		}
		last = t.SequentialID
		price, err := decimal.NewFromString(t.TradePrice.String())
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(t.TradeVolume.String())
		if err != nil {
			continue
		}
		side := common.Sell
		if strings.EqualFold(t.AskBid, "BID") {
			side = common.Buy
		}
		out = append(out, common.Trade{
			Price:     price,
			Size:      size,
			Side:      side,
			Timestamp: time.UnixMilli(t.Timestamp),
		})
	}
	a.mu.Lock()
	a.lastSeq = last
	a.mu.Unlock()
	return out, nil
}

func nativeSide(side common.Side) string {
	if side == common.Buy {
		return "bid"
	}
	return "ask"
}

type apiError struct {
	status int
	path   string
}

func (e *apiError) Error() string { return fmt.Sprintf("upbit %s: status %d", e.path, e.status) }

func isNotFound(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.status == http.StatusNotFound
}

func (a *Adapter) request(ctx context.Context, method, pathWithQuery string, params url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.Exchanges.Dest.BaseURL+pathWithQuery, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.authToken(params))
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, path: pathWithQuery}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// authToken builds the venue's JWT: HS256 over a payload carrying the access
// key, a nonce and, when query parameters are present, their SHA512 hash.
func (a *Adapter) authToken(params url.Values) string {
	payload := map[string]string{
		"access_key": a.cfg.Exchanges.Dest.AccessKey,
		"nonce":      uuid.NewString(),
	}
	if len(params) > 0 {
		sum := sha512.Sum512([]byte(params.Encode()))
		payload["query_hash"] = hex.EncodeToString(sum[:])
		payload["query_hash_alg"] = "SHA512"
	}
	header := base64URL([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, _ := json.Marshal(payload)
	signing := header + "." + base64URL(body)
	mac := hmac.New(sha256.New, []byte(a.cfg.Exchanges.Dest.SecretKey))
	mac.Write([]byte(signing))
	return signing + "." + base64URL(mac.Sum(nil))
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
