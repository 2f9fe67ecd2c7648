package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() *config.Config {
	return &config.Config{
		RiskPerTrade:      dec("0.014"),
		MaxPositions:      2,
		ReversalExtraPct:  dec("0.5"),
		MaxMarginPerPos:   dec("0.15"),
		MaxPortfolioRisk:  dec("0.10"),
		DCAReservePct:     dec("0.20"),
		HighPriorityScore: 85,
		CrossMarginScore:  85,
		DefaultLeverage:   5,
	}
}

func fundedManager(cfg *config.Config, wallet, available, marginUsed string) *Manager {
	m := NewManager(cfg, nil)
	m.UpdateCapital(&exchange.Account{
		TotalWalletBalance: dec(wallet),
		AvailableBalance:   dec(available),
		TotalMarginUsed:    dec(marginUsed),
	})
	return m
}

func trendSignal(symbol string, score float64) *types.Signal {
	return &types.Signal{
		Symbol:    symbol,
		Direction: types.Long,
		Score:     score,
		Type:      types.SignalTrend,
		Entry:     dec("100"),
		StopLoss:  dec("98"),
		CreatedAt: time.Now(),
	}
}

func reversalSignal(symbol string, score float64) *types.Signal {
	sig := trendSignal(symbol, score)
	sig.Type = types.SignalReversal
	sig.Direction = types.Short
	sig.StopLoss = dec("102")
	return sig
}

func TestZoneBoundaries(t *testing.T) {
	tests := []struct {
		name        string
		utilization string
		want        Zone
	}{
		{"well below", "0.20", ZoneGreen},
		{"just below 50", "0.49", ZoneGreen},
		{"exactly 50", "0.50", ZoneYellow},
		{"between", "0.60", ZoneYellow},
		{"exactly 70", "0.70", ZoneYellow},
		{"just above 70", "0.71", ZoneRed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ZoneFor(dec(tt.utilization)))
		})
	}
}

func TestSlotBucketsIndependent(t *testing.T) {
	// MAX_POSITIONS=2 trend slots, reversal cap = floor(2 * 0.5) = 1
	m := fundedManager(testConfig(), "10000", "9000", "1000")

	d1 := m.Admit(trendSignal("BTCUSDT", 75))
	require.True(t, d1.Approved)
	d2 := m.Admit(trendSignal("ETHUSDT", 75))
	require.True(t, d2.Approved)

	// trend bucket full
	d3 := m.Admit(trendSignal("SOLUSDT", 75))
	assert.False(t, d3.Approved)
	assert.Equal(t, types.RejectSlotFull, d3.Reason)

	// reversal bucket still has its one slot
	d4 := m.Admit(reversalSignal("XRPUSDT", 75))
	assert.True(t, d4.Approved)

	// and is now full too
	d5 := m.Admit(reversalSignal("ADAUSDT", 75))
	assert.False(t, d5.Approved)
	assert.Equal(t, types.RejectSlotFull, d5.Reason)
}

func TestReleaseSlotFreesBucket(t *testing.T) {
	m := fundedManager(testConfig(), "10000", "9000", "1000")

	require.True(t, m.Admit(trendSignal("BTCUSDT", 75)).Approved)
	require.True(t, m.Admit(trendSignal("ETHUSDT", 75)).Approved)
	require.False(t, m.Admit(trendSignal("SOLUSDT", 75)).Approved)

	m.ReleaseSlot(types.SignalTrend)
	assert.True(t, m.Admit(trendSignal("SOLUSDT", 75)).Approved)
}

func TestReleaseFailedReturnsReservation(t *testing.T) {
	m := fundedManager(testConfig(), "10000", "9000", "1000")

	d := m.Admit(trendSignal("BTCUSDT", 75))
	require.True(t, d.Approved)
	trend, _ := m.SlotCounts()
	require.Equal(t, 1, trend)

	m.ReleaseFailed("BTCUSDT", types.SignalTrend)
	trend, _ = m.SlotCounts()
	assert.Equal(t, 0, trend)

	// risk budget returned as well: full-size admit works again
	assert.True(t, m.Admit(trendSignal("BTCUSDT", 75)).Approved)
}

func TestYellowZoneHighPriorityGate(t *testing.T) {
	// 60% utilization puts the account in YELLOW
	m := fundedManager(testConfig(), "10000", "4000", "6000")

	low := m.Admit(trendSignal("BTCUSDT", 84))
	assert.False(t, low.Approved)
	assert.Equal(t, types.RejectCapitalZone, low.Reason)

	// exactly at the high-priority score passes the gate
	high := m.Admit(trendSignal("BTCUSDT", 85))
	assert.True(t, high.Approved)
}

func TestRedZoneRejectsEverything(t *testing.T) {
	m := fundedManager(testConfig(), "10000", "1000", "7500")

	d := m.Admit(trendSignal("BTCUSDT", 99))
	assert.False(t, d.Approved)
	assert.Equal(t, types.RejectCapitalZone, d.Reason)
}

func TestCrossMarginAtScoreThreshold(t *testing.T) {
	m := fundedManager(testConfig(), "10000", "9000", "1000")

	iso := m.Admit(trendSignal("BTCUSDT", 84))
	require.True(t, iso.Approved)
	assert.Equal(t, types.MarginIsolated, iso.MarginMode)

	cross := m.Admit(trendSignal("ETHUSDT", 85))
	require.True(t, cross.Approved)
	assert.Equal(t, types.MarginCross, cross.MarginMode)
}

func TestSizingRiskPerTrade(t *testing.T) {
	m := fundedManager(testConfig(), "10000", "9000", "1000")

	d := m.Admit(trendSignal("BTCUSDT", 75))
	require.True(t, d.Approved)

	// risk = 10000 * 1.4% = 140 USDT over a 2 USDT stop distance
	assert.True(t, d.Quantity.Equal(dec("70")), "got %s", d.Quantity)
	assert.Equal(t, 5, d.Leverage)
}

func TestSizingClampedByMaxMargin(t *testing.T) {
	cfg := testConfig()
	cfg.RiskPerTrade = dec("0.10") // oversized on purpose
	m := fundedManager(cfg, "10000", "9000", "1000")

	d := m.Admit(trendSignal("BTCUSDT", 75))
	require.True(t, d.Approved)

	// unclamped: 1000 / 2 = 500 qty -> margin 500*100/5 = 10000
	// clamp: maxMargin 1500 -> qty = 1500*5/100 = 75
	assert.True(t, d.Quantity.Equal(dec("75")), "got %s", d.Quantity)
}

func TestSizingRejectsWhenDCAReserveWouldBeSpent(t *testing.T) {
	// available 1500, reserve 2000: any margin spend dips into the reserve
	m := fundedManager(testConfig(), "10000", "1500", "1000")

	d := m.Admit(trendSignal("BTCUSDT", 75))
	assert.False(t, d.Approved)
	assert.Equal(t, types.RejectMarginInsufficient, d.Reason)
}

func TestStreaksTracking(t *testing.T) {
	m := fundedManager(testConfig(), "10000", "9000", "1000")

	m.RecordClose("BTCUSDT", dec("50"), types.ExitTP1)
	m.RecordClose("ETHUSDT", dec("30"), types.ExitTP2)
	wins, losses := m.Streaks()
	assert.Equal(t, 2, wins)
	assert.Equal(t, 0, losses)

	m.RecordClose("SOLUSDT", dec("-20"), types.ExitSL)
	wins, losses = m.Streaks()
	assert.Equal(t, 0, wins)
	assert.Equal(t, 1, losses)
}

func TestCapLeverage(t *testing.T) {
	f := exchange.SymbolFilters{MaxLeverage: 10}
	assert.Equal(t, 10, CapLeverage(20, f))
	assert.Equal(t, 5, CapLeverage(5, f))
	assert.Equal(t, 20, CapLeverage(20, exchange.SymbolFilters{}))
}
