// Package exchange implements the futures venue gateway.
//
// The REST client wraps resty with HMAC request signing, a weight-based
// token bucket, a circuit breaker around venue calls, and a cached copy of
// the per-symbol trading filters. The user-data stream runs over a
// gorilla/websocket connection with listen-key keepalive and reconnect.
//
// All venue failures surface as *ExchangeError so callers branch on Kind
// instead of parsing message strings.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"perpbot/internal/config"
	"perpbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WIRE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Kline is one candlestick
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Ticker is a 24h rolling stats entry
type Ticker struct {
	Symbol      string
	LastPrice   decimal.Decimal
	QuoteVolume decimal.Decimal
	ChangePct   decimal.Decimal
}

// BookLevel is one price level
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds both sides, best first
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// DepthUSD sums notional within pct of mid on both sides.
func (ob *OrderBook) DepthUSD(pct decimal.Decimal) decimal.Decimal {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return decimal.Zero
	}
	mid := ob.Bids[0].Price.Add(ob.Asks[0].Price).Div(decimal.NewFromInt(2))
	band := mid.Mul(pct)
	lo, hi := mid.Sub(band), mid.Add(band)

	total := decimal.Zero
	for _, b := range ob.Bids {
		if b.Price.LessThan(lo) {
			break
		}
		total = total.Add(b.Price.Mul(b.Quantity))
	}
	for _, a := range ob.Asks {
		if a.Price.GreaterThan(hi) {
			break
		}
		total = total.Add(a.Price.Mul(a.Quantity))
	}
	return total
}

// Account is the futures account summary
type Account struct {
	TotalWalletBalance decimal.Decimal
	AvailableBalance   decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	TotalMarginUsed    decimal.Decimal
}

// VenuePosition is an open position as the venue reports it
type VenuePosition struct {
	Symbol           string
	PositionAmt      decimal.Decimal // signed, negative for shorts
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	MarginMode       types.MarginMode
	LiquidationPrice decimal.Decimal
}

// Direction derives the trade direction from the signed amount.
func (p VenuePosition) Direction() types.Direction {
	if p.PositionAmt.IsNegative() {
		return types.Short
	}
	return types.Long
}

// OrderSide for the venue
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// SideFor maps a direction and intent to a venue side.
func SideFor(d types.Direction, closing bool) OrderSide {
	long := d == types.Long
	if closing {
		long = !long
	}
	if long {
		return SideBuy
	}
	return SideSell
}

// OrderType for the venue
type OrderType string

const (
	OrderLimit            OrderType = "LIMIT"
	OrderMarket           OrderType = "MARKET"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderRequest describes an order to place
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal // limit orders
	StopPrice   decimal.Decimal // stop / take-profit market
	PostOnly    bool            // GTX time-in-force
	ReduceOnly  bool
	ClientID    string
}

// OrderResult is the venue's acknowledgement
type OrderResult struct {
	OrderID     string
	ClientID    string
	Status      string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Filled reports whether the order fully filled.
func (r *OrderResult) Filled() bool { return r.Status == "FILLED" }

// FundingInfo is the current funding state for a symbol
type FundingInfo struct {
	Symbol          string
	Rate            decimal.Decimal
	NextFundingTime time.Time
}

// TopTraderRatio is the long/short account ratio of top traders
type TopTraderRatio struct {
	Symbol    string
	LongShort float64
}

// ═══════════════════════════════════════════════════════════════════════════════
// GATEWAY INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Gateway is the venue surface the rest of the engine depends on.
// *Client implements it; tests supply fakes.
type Gateway interface {
	RefreshFilters(ctx context.Context) error
	Filters() *FilterCache
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	Get24hTickers(ctx context.Context) ([]Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode types.MarginMode) error
	GetFundingRate(ctx context.Context, symbol string) (*FundingInfo, error)
	GetTopTraderRatio(ctx context.Context, symbol string) (*TopTraderRatio, error)
	EnsureOneWayMode(ctx context.Context) error
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ═══════════════════════════════════════════════════════════════════════════════

// Client is the live venue gateway.
type Client struct {
	http    *resty.Client
	apiKey  string
	secret  string
	baseURL string
	wsURL   string

	bucket  *WeightBucket
	filters *FilterCache
	breaker *gobreaker.CircuitBreaker

	dryRun     bool
	recvWindow int64

	nowFn func() time.Time
}

// NewClient builds a gateway from config. Credential and URL fields are
// read once here; they are not hot-reloadable.
func NewClient(cfg *config.Config) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "venue-rest",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only venue-availability failures count. Auth, precision, and
		// margin rejections are the caller's problem, not the venue's.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !IsKind(err, ErrNetworkTimeout) && !IsKind(err, ErrRateLimited)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("⚡ Venue breaker state change")
		},
	})

	return &Client{
		http:       httpClient,
		apiKey:     cfg.APIKey,
		secret:     cfg.APISecret,
		baseURL:    cfg.RESTBaseURL,
		wsURL:      cfg.WSBaseURL,
		bucket:     NewWeightBucket(float64(cfg.WeightPerMin)/4, float64(cfg.WeightPerMin)),
		filters:    NewFilterCache(),
		breaker:    breaker,
		dryRun:     cfg.DryRun,
		recvWindow: 5000,
		nowFn:      time.Now,
	}
}

// Filters exposes the symbol filter cache.
func (c *Client) Filters() *FilterCache { return c.filters }

// sign produces the HMAC-SHA256 hex signature over the query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// venueErr maps a non-2xx response to a typed error.
func venueErr(op string, resp *resty.Response) error {
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Code != 0 {
		e := newError(body.Code, body.Msg)
		e.Message = op + ": " + e.Message
		return e
	}
	kind := ErrUnknown
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == 418:
		kind = ErrRateLimited
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		kind = ErrAuth
	case resp.StatusCode() >= 500:
		kind = ErrNetworkTimeout
	}
	return &ExchangeError{Kind: kind, Message: fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode(), resp.String())}
}

// do runs one venue request through the weight bucket and the breaker.
func (c *Client) do(ctx context.Context, op string, weight int, fn func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.bucket.Wait(ctx, weight); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", op, err)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := fn()
		if err != nil {
			return nil, &ExchangeError{Kind: ErrNetworkTimeout, Message: op + ": " + err.Error()}
		}
		if resp.StatusCode() >= 400 {
			verr := venueErr(op, resp)
			// Client-side rejections must not open the breaker.
			if IsKind(verr, ErrNetworkTimeout) || IsKind(verr, ErrRateLimited) {
				return nil, verr
			}
			return resp, verr
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ExchangeError{Kind: ErrNetworkTimeout, Message: op + ": venue breaker open"}
		}
		if out != nil {
			return out.(*resty.Response), err
		}
		return nil, err
	}
	return out.(*resty.Response), nil
}

// signedParams appends timestamp, recvWindow and signature.
func (c *Client) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(c.nowFn().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	params.Set("signature", c.sign(params.Encode()))
	return params
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// RefreshFilters re-fetches exchange info and swaps the filter cache.
func (c *Client) RefreshFilters(ctx context.Context) error {
	resp, err := c.do(ctx, "exchangeInfo", 10, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Get("/fapi/v1/exchangeInfo")
	})
	if err != nil {
		return err
	}

	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			Status            string `json:"status"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []map[string]interface{} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return fmt.Errorf("exchangeInfo: decode: %w", err)
	}

	fresh := make(map[string]SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		f := SymbolFilters{
			Symbol:    s.Symbol,
			PricePrec: s.PricePrecision,
			QtyPrec:   s.QuantityPrecision,
		}
		for _, raw := range s.Filters {
			switch raw["filterType"] {
			case "PRICE_FILTER":
				f.TickSize = ParseDecimal(str(raw["tickSize"]))
			case "LOT_SIZE":
				f.StepSize = ParseDecimal(str(raw["stepSize"]))
				f.MinQty = ParseDecimal(str(raw["minQty"]))
				f.MaxQty = ParseDecimal(str(raw["maxQty"]))
			case "MIN_NOTIONAL":
				f.MinNotional = ParseDecimal(str(raw["notional"]))
			}
		}
		fresh[s.Symbol] = f
	}
	c.filters.Replace(fresh)
	return nil
}

// GetKlines fetches candlesticks for a symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.do(ctx, "klines", 5, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("interval", interval).
			SetQueryParam("limit", strconv.Itoa(limit)).
			Get("/fapi/v1/klines")
	})
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("klines: decode: %w", err)
	}
	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  int64(num(k[0])),
			Open:      ParseDecimal(str(k[1])),
			High:      ParseDecimal(str(k[2])),
			Low:       ParseDecimal(str(k[3])),
			Close:     ParseDecimal(str(k[4])),
			Volume:    ParseDecimal(str(k[5])),
			CloseTime: int64(num(k[6])),
		})
	}
	return klines, nil
}

// GetTicker fetches the 24h rolling stats for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := c.do(ctx, "ticker24h", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("symbol", symbol).
			Get("/fapi/v1/ticker/24hr")
	})
	if err != nil {
		return nil, err
	}
	var raw tickerPayload
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("ticker24h: decode: %w", err)
	}
	t := raw.toTicker()
	return &t, nil
}

// Get24hTickers fetches rolling stats for the whole universe.
func (c *Client) Get24hTickers(ctx context.Context) ([]Ticker, error) {
	resp, err := c.do(ctx, "tickers24h", 40, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Get("/fapi/v1/ticker/24hr")
	})
	if err != nil {
		return nil, err
	}
	var raw []tickerPayload
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("tickers24h: decode: %w", err)
	}
	out := make([]Ticker, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toTicker())
	}
	return out, nil
}

type tickerPayload struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
	ChangePct   string `json:"priceChangePercent"`
}

func (t tickerPayload) toTicker() Ticker {
	return Ticker{
		Symbol:      t.Symbol,
		LastPrice:   ParseDecimal(t.LastPrice),
		QuoteVolume: ParseDecimal(t.QuoteVolume),
		ChangePct:   ParseDecimal(t.ChangePct),
	}
}

// GetOrderBook fetches the L2 book.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	weight := 2
	if limit > 100 {
		weight = 10
	}
	resp, err := c.do(ctx, "depth", weight, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("limit", strconv.Itoa(limit)).
			Get("/fapi/v1/depth")
	})
	if err != nil {
		return nil, err
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("depth: decode: %w", err)
	}
	book := &OrderBook{}
	for _, b := range raw.Bids {
		if len(b) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: ParseDecimal(b[0]), Quantity: ParseDecimal(b[1])})
		}
	}
	for _, a := range raw.Asks {
		if len(a) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: ParseDecimal(a[0]), Quantity: ParseDecimal(a[1])})
		}
	}
	return book, nil
}

// GetFundingRate fetches the current funding rate and next funding time.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (*FundingInfo, error) {
	resp, err := c.do(ctx, "premiumIndex", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("symbol", symbol).
			Get("/fapi/v1/premiumIndex")
	})
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("premiumIndex: decode: %w", err)
	}
	return &FundingInfo{
		Symbol:          raw.Symbol,
		Rate:            ParseDecimal(raw.LastFundingRate),
		NextFundingTime: time.UnixMilli(raw.NextFundingTime),
	}, nil
}

// GetTopTraderRatio fetches the top-trader long/short account ratio.
func (c *Client) GetTopTraderRatio(ctx context.Context, symbol string) (*TopTraderRatio, error) {
	resp, err := c.do(ctx, "topLongShortAccountRatio", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("period", "5m").
			SetQueryParam("limit", "1").
			Get("/futures/data/topLongShortAccountRatio")
	})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol        string `json:"symbol"`
		LongShortRatio string `json:"longShortRatio"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("topLongShortAccountRatio: decode: %w", err)
	}
	if len(raw) == 0 {
		return &TopTraderRatio{Symbol: symbol, LongShort: 1.0}, nil
	}
	return &TopTraderRatio{Symbol: raw[0].Symbol, LongShort: ParseFloat(raw[0].LongShortRatio)}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT AND TRADING
// ═══════════════════════════════════════════════════════════════════════════════

// GetAccount fetches the futures account summary.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	params := c.signedParams(url.Values{})
	resp, err := c.do(ctx, "account", 5, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get("/fapi/v2/account")
	})
	if err != nil {
		return nil, err
	}
	var raw struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		AvailableBalance   string `json:"availableBalance"`
		TotalUnrealized    string `json:"totalUnrealizedProfit"`
		TotalInitialMargin string `json:"totalInitialMargin"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("account: decode: %w", err)
	}
	return &Account{
		TotalWalletBalance: ParseDecimal(raw.TotalWalletBalance),
		AvailableBalance:   ParseDecimal(raw.AvailableBalance),
		UnrealizedPnL:      ParseDecimal(raw.TotalUnrealized),
		TotalMarginUsed:    ParseDecimal(raw.TotalInitialMargin),
	}, nil
}

// GetPositions fetches open positions (non-zero amounts only).
func (c *Client) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	params := c.signedParams(url.Values{})
	resp, err := c.do(ctx, "positionRisk", 5, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get("/fapi/v2/positionRisk")
	})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
		LiquidationPrice string `json:"liquidationPrice"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("positionRisk: decode: %w", err)
	}
	var out []VenuePosition
	for _, p := range raw {
		amt := ParseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		mode := types.MarginIsolated
		if p.MarginType == "cross" {
			mode = types.MarginCross
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, VenuePosition{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       ParseDecimal(p.EntryPrice),
			MarkPrice:        ParseDecimal(p.MarkPrice),
			UnrealizedPnL:    ParseDecimal(p.UnrealizedProfit),
			Leverage:         lev,
			MarginMode:       mode,
			LiquidationPrice: ParseDecimal(p.LiquidationPrice),
		})
	}
	return out, nil
}

// PlaceOrder submits an order. In dry-run mode it returns an immediate fake
// fill at the requested price without touching the venue.
//
// A precision rejection (stale cached filters) self-heals once: the filter
// cache is refreshed, the request is re-rounded against the fresh filters,
// and the order is resubmitted.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if c.dryRun {
		price := req.Price
		if price.IsZero() {
			price = req.StopPrice
		}
		log.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
			Str("type", string(req.Type)).Str("qty", req.Quantity.String()).
			Msg("🧪 DRY RUN: simulated order fill")
		return &OrderResult{
			OrderID:     fmt.Sprintf("dry-%d", c.nowFn().UnixNano()),
			ClientID:    req.ClientID,
			Status:      "FILLED",
			ExecutedQty: req.Quantity,
			AvgPrice:    price,
		}, nil
	}

	res, err := c.placeOnce(ctx, req)
	if err == nil || !IsKind(err, ErrPrecision) {
		return res, err
	}
	if rerr := c.RefreshFilters(ctx); rerr != nil {
		return nil, fmt.Errorf("order %s: filter refresh: %w", req.Symbol, rerr)
	}
	log.Warn().Str("symbol", req.Symbol).
		Msg("⚠️ Precision rejected, re-rounding against fresh filters")
	return c.placeOnce(ctx, c.reround(req))
}

// reround snaps the request onto the current filters. Adjustment failures
// leave the original values in place; the venue gets the final say.
func (c *Client) reround(req OrderRequest) OrderRequest {
	quote := req.Price
	if quote.IsZero() {
		quote = req.StopPrice
	}
	if adj, err := c.filters.AdjustQuantity(req.Symbol, req.Quantity, quote); err == nil {
		req.Quantity = adj
	}
	isBuy := req.Side == SideBuy
	if !req.Price.IsZero() {
		req.Price = c.filters.AdjustPrice(req.Symbol, req.Price, isBuy)
	}
	if !req.StopPrice.IsZero() {
		req.StopPrice = c.filters.AdjustPrice(req.Symbol, req.StopPrice, isBuy)
	}
	return req
}

func (c *Client) placeOnce(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	if !req.Quantity.IsZero() {
		params.Set("quantity", req.Quantity.String())
	}
	switch req.Type {
	case OrderLimit:
		params.Set("price", req.Price.String())
		if req.PostOnly {
			params.Set("timeInForce", "GTX")
		} else {
			params.Set("timeInForce", "GTC")
		}
	case OrderStopMarket, OrderTakeProfitMarket:
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params = c.signedParams(params)

	resp, err := c.do(ctx, "order", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Post("/fapi/v1/order")
	})
	if err != nil {
		return nil, err
	}
	return parseOrderResult(resp.Body())
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params = c.signedParams(params)

	resp, err := c.do(ctx, "getOrder", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get("/fapi/v1/order")
	})
	if err != nil {
		return nil, err
	}
	return parseOrderResult(resp.Body())
}

// CancelOrder cancels an open order. A position-closed class error means
// the order is already gone and is returned for the caller to classify.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params = c.signedParams(params)

	_, err := c.do(ctx, "cancelOrder", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Delete("/fapi/v1/order")
	})
	return err
}

// SetLeverage sets the leverage for a symbol. Idempotent on the venue.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	params = c.signedParams(params)

	_, err := c.do(ctx, "leverage", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Post("/fapi/v1/leverage")
	})
	return err
}

// SetMarginMode switches a symbol between cross and isolated margin.
// The venue rejects no-op changes with -4046, which is treated as success.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode types.MarginMode) error {
	if c.dryRun {
		return nil
	}
	venueMode := "ISOLATED"
	if mode == types.MarginCross {
		venueMode = "CROSSED"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", venueMode)
	params = c.signedParams(params)

	_, err := c.do(ctx, "marginType", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Post("/fapi/v1/marginType")
	})
	var xe *ExchangeError
	if errors.As(err, &xe) && xe.Code == -4046 {
		return nil
	}
	return err
}

// EnsureOneWayMode verifies the account is in one-way position mode and
// switches it when hedge mode is detected. Hedge mode would double-count
// every entry the engine makes.
func (c *Client) EnsureOneWayMode(ctx context.Context) error {
	if c.dryRun {
		return nil
	}
	params := c.signedParams(url.Values{})
	resp, err := c.do(ctx, "positionMode", 30, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get("/fapi/v1/positionSide/dual")
	})
	if err != nil {
		return err
	}
	var raw struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return fmt.Errorf("positionMode: decode: %w", err)
	}
	if !raw.DualSidePosition {
		return nil
	}

	log.Warn().Msg("Account in hedge mode, switching to one-way")
	switchParams := url.Values{}
	switchParams.Set("dualSidePosition", "false")
	switchParams = c.signedParams(switchParams)
	_, err = c.do(ctx, "positionModeSwitch", 1, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParamsFromValues(switchParams).
			Post("/fapi/v1/positionSide/dual")
	})
	return err
}

func parseOrderResult(body []byte) (*OrderResult, error) {
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("order: decode: %w", err)
	}
	return &OrderResult{
		OrderID:     strconv.FormatInt(raw.OrderID, 10),
		ClientID:    raw.ClientOrderID,
		Status:      raw.Status,
		ExecutedQty: ParseDecimal(raw.ExecutedQty),
		AvgPrice:    ParseDecimal(raw.AvgPrice),
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// ParseDecimal safely parses a decimal string, zero on failure.
func ParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseFloat safely parses a float string, zero on failure.
func ParseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
