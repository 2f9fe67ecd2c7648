package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/store"
	"perpbot/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeGateway implements exchange.Gateway with overridable behavior.
type fakeGateway struct {
	filters *exchange.FilterCache

	refreshFn   func(ctx context.Context) error
	placeFn     func(req exchange.OrderRequest) (*exchange.OrderResult, error)
	getOrder    func(symbol, orderID string) (*exchange.OrderResult, error)
	positionsFn func() ([]exchange.VenuePosition, error)

	placed    []exchange.OrderRequest
	cancelled []string
}

func newFakeGateway() *fakeGateway {
	fc := exchange.NewFilterCache()
	fc.Replace(map[string]exchange.SymbolFilters{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    dec("0.10"),
			StepSize:    dec("0.001"),
			MinQty:      dec("0.001"),
			MinNotional: dec("10"),
		},
	})
	return &fakeGateway{filters: fc}
}

func (f *fakeGateway) RefreshFilters(ctx context.Context) error {
	if f.refreshFn != nil {
		return f.refreshFn(ctx)
	}
	return nil
}

func (f *fakeGateway) Filters() *exchange.FilterCache { return f.filters }

func (f *fakeGateway) GetKlines(context.Context, string, string, int) ([]exchange.Kline, error) {
	return nil, nil
}

func (f *fakeGateway) GetTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, LastPrice: dec("50000")}, nil
}

func (f *fakeGateway) Get24hTickers(context.Context) ([]exchange.Ticker, error) { return nil, nil }

func (f *fakeGateway) GetOrderBook(context.Context, string, int) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{}, nil
}

func (f *fakeGateway) GetAccount(context.Context) (*exchange.Account, error) {
	return &exchange.Account{
		TotalWalletBalance: dec("10000"),
		AvailableBalance:   dec("9000"),
	}, nil
}

func (f *fakeGateway) GetPositions(context.Context) ([]exchange.VenuePosition, error) {
	if f.positionsFn != nil {
		return f.positionsFn()
	}
	return nil, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.placed = append(f.placed, req)
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return &exchange.OrderResult{
		OrderID:     "order-1",
		Status:      "FILLED",
		ExecutedQty: req.Quantity,
		AvgPrice:    req.Price,
	}, nil
}

func (f *fakeGateway) GetOrder(_ context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	if f.getOrder != nil {
		return f.getOrder(symbol, orderID)
	}
	return &exchange.OrderResult{OrderID: orderID, Status: "FILLED"}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeGateway) SetMarginMode(context.Context, string, types.MarginMode) error { return nil }

func (f *fakeGateway) GetFundingRate(_ context.Context, symbol string) (*exchange.FundingInfo, error) {
	return &exchange.FundingInfo{Symbol: symbol}, nil
}

func (f *fakeGateway) GetTopTraderRatio(_ context.Context, symbol string) (*exchange.TopTraderRatio, error) {
	return &exchange.TopTraderRatio{Symbol: symbol, LongShort: 1}, nil
}

func (f *fakeGateway) EnsureOneWayMode(context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		EntryAttempts:    3,
		MarginRetries:    3,
		OrderTimeout:     time.Millisecond,
		PriceBufferPct:   dec("0.0005"),
		PostOnly:         true,
		AllowMarketEntry: true,
		HeadroomMinPct:   dec("15"),
		ReduceStepPct:    dec("0.25"),
		DynamicTP:        true,
		TakerFeePct:      dec("0.05"),
	}
}

func testExecutor(gw *fakeGateway) *Executor {
	e := New(testConfig(), gw, store.NewMetadataStore(time.Hour))
	e.sleepFn = func(time.Duration) {}
	return e
}

func testSignal() *types.Signal {
	return &types.Signal{
		Symbol:     "BTCUSDT",
		Direction:  types.Long,
		Score:      80,
		Type:       types.SignalTrend,
		Entry:      dec("50000"),
		StopLoss:   dec("49000"),
		Indicators: types.IndicatorSnapshot{ATR: 500, RSI: 50, VolumeRatio: 1.0},
		CreatedAt:  time.Now(),
	}
}

func countByType(reqs []exchange.OrderRequest, typ exchange.OrderType) int {
	n := 0
	for _, r := range reqs {
		if r.Type == typ {
			n++
		}
	}
	return n
}

func TestOpenAttachesFullProtection(t *testing.T) {
	gw := newFakeGateway()
	ex := testExecutor(gw)

	pos, err := ex.Open(context.Background(), testSignal(), dec("0.5"), 5, types.MarginIsolated)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.Len(t, pos.TPOrderIDs, 3)
	assert.Equal(t, types.StrategyConservative, pos.Strategy)

	// one limit entry, one stop-market, three TP legs
	assert.Equal(t, 1, countByType(gw.placed, exchange.OrderLimit))
	assert.Equal(t, 1, countByType(gw.placed, exchange.OrderStopMarket))
	assert.Equal(t, 3, countByType(gw.placed, exchange.OrderTakeProfitMarket))
}

func TestHeadroomConvergesOnVenueLiquidationPrice(t *testing.T) {
	gw := newFakeGateway()
	ex := testExecutor(gw)

	pos := &types.Position{
		Symbol:      "BTCUSDT",
		Direction:   types.Long,
		EntryPrice:  dec("50000"),
		Quantity:    dec("1"),
		OriginalQty: dec("1"),
		Leverage:    10,
		MarginMode:  types.MarginCross,
	}
	gw.positionsFn = func() ([]exchange.VenuePosition, error) {
		// liquidation starts 10% from entry; the venue moves it to 20%
		// once the reduce lands
		liq := dec("45000")
		if len(gw.placed) > 0 {
			liq = dec("40000")
		}
		return []exchange.VenuePosition{{
			Symbol:           "BTCUSDT",
			PositionAmt:      pos.Quantity,
			EntryPrice:       pos.EntryPrice,
			LiquidationPrice: liq,
		}}, nil
	}

	require.NoError(t, ex.ensureHeadroom(context.Background(), pos))

	// exactly one 25% market reduce, then the re-read distance passes
	require.Len(t, gw.placed, 1)
	assert.True(t, gw.placed[0].ReduceOnly)
	assert.True(t, gw.placed[0].Quantity.Equal(dec("0.25")), "got %s", gw.placed[0].Quantity)
	assert.True(t, pos.Quantity.Equal(dec("0.75")))
}

func TestHeadroomFallsBackToLeverageEstimate(t *testing.T) {
	gw := newFakeGateway()
	ex := testExecutor(gw)

	// venue reports nothing yet; 1/5 - 0.4% maintenance = 19.6% clears 15%
	pos := &types.Position{
		Symbol:     "BTCUSDT",
		Direction:  types.Long,
		EntryPrice: dec("50000"),
		Quantity:   dec("1"),
		Leverage:   5,
	}
	require.NoError(t, ex.ensureHeadroom(context.Background(), pos))
	assert.Empty(t, gw.placed)
}

func TestOpenFibonacciLadderOnMomentum(t *testing.T) {
	gw := newFakeGateway()
	ex := testExecutor(gw)

	sig := testSignal()
	sig.Indicators.RSI = 70
	sig.Indicators.VolumeRatio = 2.0

	pos, err := ex.Open(context.Background(), sig, dec("0.5"), 5, types.MarginIsolated)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyFibonacci, pos.Strategy)
}

func TestOpenPrecisionSelfHeal(t *testing.T) {
	gw := newFakeGateway()
	// stale cache: step size too coarse for the requested quantity
	gw.filters.Replace(map[string]exchange.SymbolFilters{
		"BTCUSDT": {Symbol: "BTCUSDT", StepSize: dec("1"), MinQty: dec("1"), MinNotional: dec("10")},
	})
	refreshed := false
	gw.refreshFn = func(context.Context) error {
		refreshed = true
		gw.filters.Replace(map[string]exchange.SymbolFilters{
			"BTCUSDT": {
				Symbol: "BTCUSDT", TickSize: dec("0.10"),
				StepSize: dec("0.001"), MinQty: dec("0.001"), MinNotional: dec("10"),
			},
		})
		return nil
	}
	ex := testExecutor(gw)

	pos, err := ex.Open(context.Background(), testSignal(), dec("0.5"), 5, types.MarginIsolated)
	require.NoError(t, err)
	assert.True(t, refreshed, "filter refresh must run on precision error")
	assert.True(t, pos.Quantity.Equal(dec("0.5")))
}

func TestEnterMarginErrorShrinksAndRetries(t *testing.T) {
	gw := newFakeGateway()
	var entryQtys []decimal.Decimal
	fails := 1
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		if req.Type == exchange.OrderLimit {
			entryQtys = append(entryQtys, req.Quantity)
			if fails > 0 {
				fails--
				return nil, &exchange.ExchangeError{
					Kind: exchange.ErrInsufficientMargin, Code: -2019, Message: "margin is insufficient",
				}
			}
		}
		return &exchange.OrderResult{
			OrderID: "order-1", Status: "FILLED",
			ExecutedQty: req.Quantity, AvgPrice: req.Price,
		}, nil
	}
	ex := testExecutor(gw)

	pos, err := ex.Open(context.Background(), testSignal(), dec("1"), 5, types.MarginIsolated)
	require.NoError(t, err)
	require.Len(t, entryQtys, 2)

	// second attempt carries 75% of the first
	assert.True(t, entryQtys[1].Equal(dec("0.75")), "got %s", entryQtys[1])
	assert.True(t, pos.Quantity.Equal(dec("0.75")))
}

func TestEnterMarginRetriesExhausted(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		return nil, &exchange.ExchangeError{Kind: exchange.ErrInsufficientMargin, Code: -2019}
	}
	ex := testExecutor(gw)

	_, err := ex.Open(context.Background(), testSignal(), dec("1"), 5, types.MarginIsolated)
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.ErrInsufficientMargin))
}

func TestEnterPositionClosedIsTerminal(t *testing.T) {
	gw := newFakeGateway()
	calls := 0
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		calls++
		return nil, &exchange.ExchangeError{Kind: exchange.ErrPositionClosed, Code: -4061}
	}
	ex := testExecutor(gw)

	_, err := ex.Open(context.Background(), testSignal(), dec("1"), 5, types.MarginIsolated)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal error must not retry")
}

func TestEnterFallsBackToMarket(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		if req.Type == exchange.OrderLimit {
			// GTX rejection: would have crossed the book
			return &exchange.OrderResult{OrderID: "exp", Status: "EXPIRED"}, nil
		}
		return &exchange.OrderResult{
			OrderID: "mkt-1", Status: "FILLED",
			ExecutedQty: req.Quantity, AvgPrice: dec("50010"),
		}, nil
	}
	ex := testExecutor(gw)

	pos, err := ex.Open(context.Background(), testSignal(), dec("0.5"), 5, types.MarginIsolated)
	require.NoError(t, err)
	assert.True(t, pos.EntryPrice.Equal(dec("50010")))
	assert.Equal(t, 3, countByType(gw.placed, exchange.OrderLimit))
}

func TestEnterMarketFallbackDisabled(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		if req.Type == exchange.OrderLimit {
			return &exchange.OrderResult{OrderID: "exp", Status: "EXPIRED"}, nil
		}
		t.Fatalf("unexpected %s order", req.Type)
		return nil, nil
	}
	ex := testExecutor(gw)
	ex.cfg.AllowMarketEntry = false

	_, err := ex.Open(context.Background(), testSignal(), dec("0.5"), 5, types.MarginIsolated)
	require.Error(t, err)
}

func TestProtectionFailureFlattens(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		switch req.Type {
		case exchange.OrderStopMarket:
			return nil, &exchange.ExchangeError{Kind: exchange.ErrUnknown, Message: "rejected"}
		default:
			return &exchange.OrderResult{
				OrderID: "o", Status: "FILLED",
				ExecutedQty: req.Quantity, AvgPrice: dec("50000"),
			}, nil
		}
	}
	ex := testExecutor(gw)

	_, err := ex.Open(context.Background(), testSignal(), dec("0.5"), 5, types.MarginIsolated)
	require.Error(t, err)

	// the abandon path must have flattened at market, reduce-only
	last := gw.placed[len(gw.placed)-1]
	assert.Equal(t, exchange.OrderMarket, last.Type)
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, exchange.SideSell, last.Side)
}

func TestCloseAlreadyFlat(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFn = func(req exchange.OrderRequest) (*exchange.OrderResult, error) {
		return nil, &exchange.ExchangeError{Kind: exchange.ErrPositionClosed, Code: -2011}
	}
	ex := testExecutor(gw)

	pos := &types.Position{
		Symbol: "BTCUSDT", Direction: types.Long,
		Quantity: dec("0.5"), StopOrderID: "stop-1",
	}
	res, err := ex.Close(context.Background(), pos, types.ExitManual)
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Contains(t, gw.cancelled, "stop-1")
}

func TestStrategyLadders(t *testing.T) {
	assert.Equal(t, []float64{1.618, 2.618, 4.236}, ladderFor(types.StrategyFibonacci))
	assert.Equal(t, []float64{1.0, 1.5, 2.0}, ladderFor(types.StrategyConservative))
}
