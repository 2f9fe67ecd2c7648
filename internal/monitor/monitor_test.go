package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/executor"
	"perpbot/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type noopLocker struct{}

func (noopLocker) Lock(string) func() { return func() {} }

// fakeGateway implements exchange.Gateway for ladder tests.
type fakeGateway struct {
	filters *exchange.FilterCache

	positions  []exchange.VenuePosition
	funding    *exchange.FundingInfo
	account    *exchange.Account
	placeFn    func(req exchange.OrderRequest) (*exchange.OrderResult, error)
	getOrderFn func(symbol, orderID string) (*exchange.OrderResult, error)

	placed    []exchange.OrderRequest
	cancelled []string
}

func newFakeGateway() *fakeGateway {
	fc := exchange.NewFilterCache()
	fc.Replace(map[string]exchange.SymbolFilters{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    dec("0.1"),
			StepSize:    dec("0.001"),
			MinQty:      dec("0.001"),
			MinNotional: dec("5"),
		},
	})
	return &fakeGateway{
		filters: fc,
		funding: &exchange.FundingInfo{
			Symbol:          "BTCUSDT",
			Rate:            dec("0.0001"),
			NextFundingTime: time.Now().Add(6 * time.Hour),
		},
		account: &exchange.Account{
			TotalWalletBalance: dec("10000"),
			AvailableBalance:   dec("5000"),
		},
	}
}

func (f *fakeGateway) RefreshFilters(context.Context) error   { return nil }
func (f *fakeGateway) Filters() *exchange.FilterCache         { return f.filters }
func (f *fakeGateway) Get24hTickers(context.Context) ([]exchange.Ticker, error) { return nil, nil }
func (f *fakeGateway) EnsureOneWayMode(context.Context) error { return nil }

func (f *fakeGateway) GetKlines(context.Context, string, string, int) ([]exchange.Kline, error) {
	return nil, nil
}

func (f *fakeGateway) GetTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, LastPrice: dec("100")}, nil
}

func (f *fakeGateway) GetOrderBook(context.Context, string, int) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{}, nil
}

func (f *fakeGateway) GetAccount(context.Context) (*exchange.Account, error) {
	return f.account, nil
}

func (f *fakeGateway) GetPositions(context.Context) ([]exchange.VenuePosition, error) {
	return f.positions, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.placed = append(f.placed, req)
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return &exchange.OrderResult{
		OrderID:     "new-order",
		Status:      "FILLED",
		ExecutedQty: req.Quantity,
		AvgPrice:    req.Price,
	}, nil
}

func (f *fakeGateway) GetOrder(_ context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	if f.getOrderFn != nil {
		return f.getOrderFn(symbol, orderID)
	}
	return &exchange.OrderResult{OrderID: orderID, Status: "FILLED"}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, int) error                 { return nil }
func (f *fakeGateway) SetMarginMode(context.Context, string, types.MarginMode) error { return nil }

func (f *fakeGateway) GetFundingRate(context.Context, string) (*exchange.FundingInfo, error) {
	return f.funding, nil
}

func (f *fakeGateway) GetTopTraderRatio(_ context.Context, symbol string) (*exchange.TopTraderRatio, error) {
	return &exchange.TopTraderRatio{Symbol: symbol, LongShort: 1}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MonitorInterval:       10 * time.Millisecond,
		EmergencyLossPct:      dec("15"),
		FundingExitWindow:     30 * time.Minute,
		FundingExitRate:       dec("0.0008"),
		FundingExitMinProfit:  dec("0.5"),
		BreakevenThresholdPct: dec("8"),
		TrailingActivationPct: dec("15"),
		TimeExitAfter:         6 * time.Hour,
		TakerFeePct:           dec("0.05"),
		OrderTimeout:          time.Millisecond,
		EntryAttempts:         1,
		MarginRetries:         1,
		PriceBufferPct:        dec("0.0005"),
		HeadroomMinPct:        dec("15"),
		ReduceStepPct:         dec("0.25"),
	}
}

type closedTrade struct {
	pos *types.Position
	rec types.TradeRecord
}

func testMonitor(gw *fakeGateway) (*Monitor, *[]closedTrade) {
	var closes []closedTrade
	cfg := testConfig()
	ex := executor.New(cfg, gw, nil)
	m := New(cfg, gw, ex, noopLocker{}, func(pos *types.Position, rec types.TradeRecord) {
		closes = append(closes, closedTrade{pos, rec})
	})
	return m, &closes
}

func longPosition() *types.Position {
	return &types.Position{
		Symbol:      "BTCUSDT",
		Direction:   types.Long,
		EntryPrice:  dec("100"),
		Quantity:    dec("1"),
		OriginalQty: dec("1"),
		Leverage:    5,
		MarginMode:  types.MarginIsolated,
		SignalType:  types.SignalTrend,
		Strategy:    types.StrategyConservative,
		StopLoss:    dec("98"),
		StopOrderID: "stop-0",
		TPOrderIDs:  []string{"tp-1", "tp-2", "tp-3"},
		OpenedAt:    time.Now().Add(-time.Hour),
		ATR:         1,
	}
}

func lastByType(reqs []exchange.OrderRequest, typ exchange.OrderType) (exchange.OrderRequest, bool) {
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Type == typ {
			return reqs[i], true
		}
	}
	return exchange.OrderRequest{}, false
}

func TestBreakevenArmsAndIsIrrevocable(t *testing.T) {
	gw := newFakeGateway()
	m, _ := testMonitor(gw)
	var notified []string
	m.OnBreakeven = func(symbol string) { notified = append(notified, symbol) }
	pos := longPosition()
	m.Track(pos)

	// +9% clears the 8% threshold
	m.evaluate(context.Background(), pos, dec("109"))

	require.True(t, pos.BreakevenArmed)
	assert.Equal(t, []string{"BTCUSDT"}, notified)
	// fee-true breakeven: entry * (1 + 2*0.05%)
	assert.True(t, pos.StopLoss.GreaterThanOrEqual(dec("100.1")), "stop %s", pos.StopLoss)
	assert.Contains(t, gw.cancelled, "stop-0", "old stop cancelled after new one placed")

	// a later move below the armed stop is refused
	armed := pos.StopLoss
	require.NoError(t, m.moveStop(context.Background(), pos, dec("99")))
	assert.True(t, pos.StopLoss.Equal(armed))
	assert.False(t, pos.BreakevenArmed == false, "armed flag never clears")
}

func TestTrailingPeakMonotonicThenCloses(t *testing.T) {
	gw := newFakeGateway()
	m, closes := testMonitor(gw)
	pos := longPosition()
	pos.BreakevenArmed = true
	pos.StopLoss = dec("100.1")
	m.Track(pos)

	// +16% activates trailing
	m.evaluate(context.Background(), pos, dec("116"))
	require.True(t, pos.TrailingActive)
	assert.True(t, pos.TrailingPeak.Equal(dec("116")))

	// new high drags the peak and the stop up
	m.evaluate(context.Background(), pos, dec("118"))
	assert.True(t, pos.TrailingPeak.Equal(dec("118")))
	assert.True(t, pos.StopLoss.GreaterThan(dec("100.1")))

	// pullback that stays above the callback: peak must not retreat
	m.evaluate(context.Background(), pos, dec("117.5"))
	assert.True(t, pos.TrailingPeak.Equal(dec("118")))

	// retrace through the callback closes the position
	m.evaluate(context.Background(), pos, dec("114"))
	require.Len(t, *closes, 1)
	assert.Equal(t, types.ExitTrailing, (*closes)[0].rec.ExitReason)
}

func TestTPLadderRealizesAtProfitOfEntry(t *testing.T) {
	gw := newFakeGateway()
	m, _ := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	// below the first threshold nothing fires
	assert.False(t, m.tpLadder(context.Background(), pos, dec("19.9")))
	assert.Equal(t, 0, pos.TPFilled)

	// exactly +20% of entry realizes the first leg
	require.True(t, m.tpLadder(context.Background(), pos, dec("20")))
	assert.Equal(t, 1, pos.TPFilled)
	assert.True(t, pos.Quantity.Equal(dec("0.7")), "got %s", pos.Quantity)
	assert.Contains(t, gw.cancelled, "tp-1", "matching attached TP cancelled")

	leg, ok := lastByType(gw.placed, exchange.OrderMarket)
	require.True(t, ok)
	assert.True(t, leg.ReduceOnly)
	assert.True(t, leg.Quantity.Equal(dec("0.3")))

	// same profit again: threshold already consumed, next one is +40%
	assert.False(t, m.tpLadder(context.Background(), pos, dec("20")))
	assert.Equal(t, 1, pos.TPFilled)
}

func TestTPLadderIgnoresLeverage(t *testing.T) {
	gw := newFakeGateway()
	m, _ := testMonitor(gw)
	pos := longPosition() // 5x
	m.Track(pos)

	// +4% of entry was +20% on margin at 5x; the thresholds read raw
	// profit of entry, so no leg fires
	m.evaluate(context.Background(), pos, dec("104"))
	assert.Equal(t, 0, pos.TPFilled)
	assert.True(t, pos.Quantity.Equal(dec("1")))
}

func TestTPLadderFinalLegDefersToTrailing(t *testing.T) {
	gw := newFakeGateway()
	m, closes := testMonitor(gw)
	pos := longPosition()
	pos.TPFilled = 2
	pos.Quantity = dec("0.3")
	pos.TrailingActive = true
	pos.TrailingPeak = dec("165")
	pos.BreakevenArmed = true
	pos.StopLoss = dec("110")
	m.Track(pos)

	// +65% clears the TP3 threshold, but trailing owns the final exit
	assert.False(t, m.tpLadder(context.Background(), pos, dec("65")))
	assert.Equal(t, 2, pos.TPFilled)
	assert.Empty(t, *closes)
}

func TestDCAReserveExhaustionSkipsRungWithoutConsuming(t *testing.T) {
	gw := newFakeGateway()
	gw.account = &exchange.Account{
		TotalWalletBalance: dec("10000"),
		AvailableBalance:   dec("1"), // reserve spent
	}
	m, _ := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	// -3.1% hits the first rung but the reserve cannot fund it
	m.evaluate(context.Background(), pos, dec("96.9"))
	assert.Equal(t, 0, pos.DCALevelsUsed, "skipped rung stays available")
	assert.True(t, pos.Quantity.Equal(dec("1")))

	// reserve refilled: the same rung fills on a later tick
	gw.account = &exchange.Account{
		TotalWalletBalance: dec("10000"),
		AvailableBalance:   dec("5000"),
	}
	m.evaluate(context.Background(), pos, dec("96.9"))
	assert.Equal(t, 1, pos.DCALevelsUsed)
	assert.True(t, pos.Quantity.Equal(dec("1.3")), "got %s", pos.Quantity)

	// weighted-average entry between 100 and 96.9
	assert.True(t, pos.EntryPrice.LessThan(dec("100")))
	assert.True(t, pos.EntryPrice.GreaterThan(dec("96.9")))
}

func TestTimeExitOnlyInShallowLossBand(t *testing.T) {
	gw := newFakeGateway()
	m, closes := testMonitor(gw)

	pos := longPosition()
	pos.OpenedAt = time.Now().Add(-7 * time.Hour)
	m.Track(pos)

	// -2.5% and stale: time exit fires
	m.evaluate(context.Background(), pos, dec("97.5"))
	require.Len(t, *closes, 1)
	assert.Equal(t, types.ExitTime, (*closes)[0].rec.ExitReason)

	// -1% and stale: outside the band, held
	pos2 := longPosition()
	pos2.Symbol = "ETHUSDT"
	pos2.OpenedAt = time.Now().Add(-7 * time.Hour)
	gw.filters.Replace(map[string]exchange.SymbolFilters{
		"ETHUSDT": {Symbol: "ETHUSDT", TickSize: dec("0.1"), StepSize: dec("0.001"), MinQty: dec("0.001")},
	})
	m.Track(pos2)
	m.evaluate(context.Background(), pos2, dec("99"))
	assert.Len(t, *closes, 1)
}

func TestEmergencyCloseOnHardLoss(t *testing.T) {
	gw := newFakeGateway()
	m, closes := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	m.evaluate(context.Background(), pos, dec("84"))
	require.Len(t, *closes, 1)
	assert.Equal(t, types.ExitEmergency, (*closes)[0].rec.ExitReason)
}

func TestFundingAwareExit(t *testing.T) {
	gw := newFakeGateway()
	gw.funding = &exchange.FundingInfo{
		Symbol:          "BTCUSDT",
		Rate:            dec("0.001"), // adversarial for longs
		NextFundingTime: time.Now().Add(10 * time.Minute),
	}
	m, closes := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	m.evaluate(context.Background(), pos, dec("102"))
	require.Len(t, *closes, 1)
	assert.Equal(t, types.ExitFunding, (*closes)[0].rec.ExitReason)
}

func TestFundingExitSkippedWhenUnprofitable(t *testing.T) {
	gw := newFakeGateway()
	gw.funding = &exchange.FundingInfo{
		Symbol:          "BTCUSDT",
		Rate:            dec("0.001"),
		NextFundingTime: time.Now().Add(10 * time.Minute),
	}
	m, closes := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	// flat P&L: eating the funding beats realizing a scratch loss
	m.evaluate(context.Background(), pos, dec("100.1"))
	assert.Empty(t, *closes)
}

func TestTickFinalizesWhenVenueFlat(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = nil // venue reports no open positions
	gw.getOrderFn = func(_, orderID string) (*exchange.OrderResult, error) {
		if orderID == "stop-0" {
			return &exchange.OrderResult{OrderID: orderID, Status: "FILLED", AvgPrice: dec("97.9")}, nil
		}
		return &exchange.OrderResult{OrderID: orderID, Status: "NEW"}, nil
	}
	m, closes := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	m.tick(context.Background())

	require.Len(t, *closes, 1)
	rec := (*closes)[0].rec
	assert.Equal(t, types.ExitSL, rec.ExitReason)
	assert.True(t, rec.ExitPrice.Equal(dec("97.9")), "venue fill price, not the resting stop price")
	assert.Equal(t, 0, m.OpenCount())
	// surviving TP legs are swept
	assert.Contains(t, gw.cancelled, "tp-1")
	assert.Contains(t, gw.cancelled, "tp-3")
}

func TestTickAttributesVenueTPFill(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = nil
	gw.getOrderFn = func(_, orderID string) (*exchange.OrderResult, error) {
		if orderID == "tp-3" {
			return &exchange.OrderResult{OrderID: orderID, Status: "FILLED", AvgPrice: dec("102")}, nil
		}
		return &exchange.OrderResult{OrderID: orderID, Status: "NEW"}, nil
	}
	m, closes := testMonitor(gw)
	pos := longPosition()
	pos.TPFilled = 2
	pos.Quantity = dec("0.3")
	pos.TPOrderIDs = []string{"", "", "tp-3"}
	m.Track(pos)

	m.tick(context.Background())

	require.Len(t, *closes, 1)
	rec := (*closes)[0].rec
	assert.Equal(t, types.ExitTP3, rec.ExitReason)
	assert.True(t, rec.ExitPrice.Equal(dec("102")))
	// a fill above the long entry is a profit, never a fabricated stop-out
	assert.True(t, rec.RealizedPnL.IsPositive(), "realized %s", rec.RealizedPnL)
	assert.Contains(t, gw.cancelled, "stop-0", "orphaned stop swept")
}

// lockObserver records the tracked position's quantity at the moment the
// symbol lock is acquired.
type lockObserver struct {
	pos    *types.Position
	atLock []decimal.Decimal
}

func (l *lockObserver) Lock(string) func() {
	l.atLock = append(l.atLock, l.pos.Quantity)
	return func() {}
}

func TestTickSyncsVenueStateUnderLock(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.VenuePosition{{
		Symbol:      "BTCUSDT",
		PositionAmt: dec("0.7"),
		EntryPrice:  dec("100"),
		MarkPrice:   dec("101"),
		Leverage:    5,
	}}
	pos := longPosition()
	obs := &lockObserver{pos: pos}
	cfg := testConfig()
	m := New(cfg, gw, executor.New(cfg, gw, nil), obs, nil)
	m.Track(pos)

	m.tick(context.Background())

	// the venue sync must not touch the position before the lock is held
	require.Len(t, obs.atLock, 1)
	assert.True(t, obs.atLock[0].Equal(dec("1")), "quantity mutated before lock: %s", obs.atLock[0])
	assert.True(t, pos.Quantity.Equal(dec("0.7")))
}

func TestTickSyncsQuantityFromVenue(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.VenuePosition{{
		Symbol:      "BTCUSDT",
		PositionAmt: dec("0.7"), // a TP leg filled on the venue
		EntryPrice:  dec("100"),
		MarkPrice:   dec("101"),
		Leverage:    5,
	}}
	m, _ := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	m.tick(context.Background())
	assert.True(t, pos.Quantity.Equal(dec("0.7")))
}

func TestStreamCommissionsSplitTradeFees(t *testing.T) {
	gw := newFakeGateway()
	m, closes := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	m.ApplyOrderUpdate(exchange.OrderUpdate{Symbol: "BTCUSDT", Commission: dec("0.05")})
	m.ApplyOrderUpdate(exchange.OrderUpdate{Symbol: "BTCUSDT", ReduceOnly: true, Commission: dec("0.03")})
	// commissions for untracked symbols are dropped
	m.ApplyOrderUpdate(exchange.OrderUpdate{Symbol: "ETHUSDT", Commission: dec("9")})

	m.finalize(context.Background(), pos, types.ExitTP3, dec("102"))

	require.Len(t, *closes, 1)
	rec := (*closes)[0].rec
	assert.True(t, rec.EntryFee.Equal(dec("0.05")), "entry fee %s", rec.EntryFee)
	assert.True(t, rec.ExitFee.Equal(dec("0.03")), "exit fee %s", rec.ExitFee)
	assert.True(t, rec.NetPnL.Equal(dec("1.92")), "net %s", rec.NetPnL)
}

func TestFinalizeApproximatesFeesWithoutStreamFills(t *testing.T) {
	gw := newFakeGateway()
	m, closes := testMonitor(gw)
	pos := longPosition()
	m.Track(pos)

	m.finalize(context.Background(), pos, types.ExitSL, dec("98"))

	require.Len(t, *closes, 1)
	rec := (*closes)[0].rec
	// taker approximation per leg: notional times 0.05%
	assert.True(t, rec.EntryFee.Equal(dec("0.05")), "entry fee %s", rec.EntryFee)
	assert.True(t, rec.ExitFee.Equal(dec("0.049")), "exit fee %s", rec.ExitFee)
}
