package signals

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/exchange"
	"perpbot/internal/types"
)

// fakeKlineGateway serves canned kline series per symbol.
type fakeKlineGateway struct {
	klines map[string][]exchange.Kline
}

func (f *fakeKlineGateway) GetKlines(_ context.Context, symbol, _ string, _ int) ([]exchange.Kline, error) {
	k, ok := f.klines[symbol]
	if !ok {
		return nil, fmt.Errorf("no data for %s", symbol)
	}
	return k, nil
}

func (f *fakeKlineGateway) RefreshFilters(context.Context) error { return nil }
func (f *fakeKlineGateway) Filters() *exchange.FilterCache       { return exchange.NewFilterCache() }
func (f *fakeKlineGateway) GetTicker(context.Context, string) (*exchange.Ticker, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) Get24hTickers(context.Context) ([]exchange.Ticker, error) {
	return nil, nil
}
func (f *fakeKlineGateway) GetOrderBook(context.Context, string, int) (*exchange.OrderBook, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) GetAccount(context.Context) (*exchange.Account, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) GetPositions(context.Context) ([]exchange.VenuePosition, error) {
	return nil, nil
}
func (f *fakeKlineGateway) PlaceOrder(context.Context, exchange.OrderRequest) (*exchange.OrderResult, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) GetOrder(context.Context, string, string) (*exchange.OrderResult, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeKlineGateway) SetLeverage(context.Context, string, int) error    { return nil }
func (f *fakeKlineGateway) SetMarginMode(context.Context, string, types.MarginMode) error {
	return nil
}
func (f *fakeKlineGateway) GetFundingRate(context.Context, string) (*exchange.FundingInfo, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) GetTopTraderRatio(context.Context, string) (*exchange.TopTraderRatio, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeKlineGateway) EnsureOneWayMode(context.Context) error { return nil }

// series builds klines whose closes follow the given walk of +1/-1 steps.
func series(steps []int) []exchange.Kline {
	out := make([]exchange.Kline, 0, len(steps)+1)
	price := 100.0
	out = append(out, exchange.Kline{Close: decimal.NewFromFloat(price)})
	for _, s := range steps {
		price += float64(s)
		out = append(out, exchange.Kline{Close: decimal.NewFromFloat(price)})
	}
	return out
}

func walk(n int) []int {
	steps := make([]int, n)
	for i := range steps {
		if i%3 == 0 {
			steps[i] = -1
		} else {
			steps[i] = 1
		}
	}
	return steps
}

func longSignal(symbol string) *types.Signal {
	return &types.Signal{
		Symbol:    symbol,
		Direction: types.Long,
		Score:     80,
		Type:      types.SignalTrend,
		Entry:     decimal.NewFromInt(100),
		StopLoss:  decimal.NewFromInt(98),
		CreatedAt: time.Now(),
	}
}

func TestCheckRejectsDuplicateSymbol(t *testing.T) {
	f := NewFilterSet(&fakeKlineGateway{}, nil)

	open := map[string]types.Direction{"BTCUSDT": types.Long}
	reason, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, open)
	assert.False(t, ok)
	assert.Equal(t, types.RejectDuplicateSymbol, reason)
}

func TestCheckRejectsBlacklisted(t *testing.T) {
	f := NewFilterSet(&fakeKlineGateway{}, []string{"dogeusdt"})

	reason, ok := f.Check(context.Background(), longSignal("DOGEUSDT"), decimal.Zero, nil)
	assert.False(t, ok)
	assert.Equal(t, types.RejectBlacklist, reason)
}

func TestCheckMarketFilterOnOversizedMove(t *testing.T) {
	f := NewFilterSet(&fakeKlineGateway{}, nil)

	reason, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.NewFromFloat(-20.5), nil)
	assert.False(t, ok)
	assert.Equal(t, types.RejectMarketFilter, reason)

	// exactly 20 passes; the filter catches moves beyond it
	_, ok = f.Check(context.Background(), longSignal("BTCUSDT"), decimal.NewFromInt(20), nil)
	assert.True(t, ok)
}

func TestCheckCorrelationRejectsLockstepSameDirection(t *testing.T) {
	identical := series(walk(50))
	gw := &fakeKlineGateway{klines: map[string][]exchange.Kline{
		"BTCUSDT": identical,
		"ETHUSDT": identical,
	}}
	f := NewFilterSet(gw, nil)

	open := map[string]types.Direction{"ETHUSDT": types.Long}
	reason, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, open)
	assert.False(t, ok)
	assert.Equal(t, types.RejectCorrelation, reason)
}

func TestCheckCorrelationIgnoresOppositeDirection(t *testing.T) {
	identical := series(walk(50))
	gw := &fakeKlineGateway{klines: map[string][]exchange.Kline{
		"BTCUSDT": identical,
		"ETHUSDT": identical,
	}}
	f := NewFilterSet(gw, nil)

	open := map[string]types.Direction{"ETHUSDT": types.Short}
	_, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, open)
	assert.True(t, ok, "a hedge in the other direction is not doubled exposure")
}

func TestCheckCorrelationPassesOnDataFailure(t *testing.T) {
	gw := &fakeKlineGateway{} // no data at all
	f := NewFilterSet(gw, nil)

	open := map[string]types.Direction{"ETHUSDT": types.Long}
	_, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, open)
	assert.True(t, ok, "correlation is a refinement, data failures pass open")
}

func TestLossStreakBlocksThenExpires(t *testing.T) {
	f := NewFilterSet(&fakeKlineGateway{}, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f.nowFn = func() time.Time { return now }

	f.RecordOutcome("BTCUSDT", false)
	f.RecordOutcome("BTCUSDT", false)
	_, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, nil)
	require.True(t, ok, "two losses are not yet a streak")

	f.RecordOutcome("BTCUSDT", false)
	reason, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, nil)
	assert.False(t, ok)
	assert.Equal(t, types.RejectBlacklist, reason)

	// block expires after the cooldown
	now = now.Add(4*time.Hour + time.Minute)
	_, ok = f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, nil)
	assert.True(t, ok)
}

func TestWinClearsLossStreak(t *testing.T) {
	f := NewFilterSet(&fakeKlineGateway{}, nil)

	f.RecordOutcome("BTCUSDT", false)
	f.RecordOutcome("BTCUSDT", false)
	f.RecordOutcome("BTCUSDT", true)
	f.RecordOutcome("BTCUSDT", false)
	f.RecordOutcome("BTCUSDT", false)

	_, ok := f.Check(context.Background(), longSignal("BTCUSDT"), decimal.Zero, nil)
	assert.True(t, ok)
}
