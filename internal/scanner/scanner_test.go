package scanner

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
)

type fakeDynamicSource struct{ symbols []string }

func (f *fakeDynamicSource) TopScoredSymbols(context.Context, int) ([]string, error) {
	return f.symbols, nil
}

func vol(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func ticker(symbol string, quoteVol int64, changePct string) exchange.Ticker {
	ch, _ := decimal.NewFromString(changePct)
	return exchange.Ticker{
		Symbol:      symbol,
		LastPrice:   decimal.NewFromInt(100),
		QuoteVolume: vol(quoteVol),
		ChangePct:   ch,
	}
}

func testScanner(cfg *config.Config) *Scanner {
	return New(cfg, nil, nil)
}

func TestSelectDropsNonUSDTQuotes(t *testing.T) {
	s := testScanner(&config.Config{TopNByVolume: 10, MaxSymbols: 10})

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 9_000_000, "2"),
		ticker("BTCBUSD", 8_000_000, "2"),
		ticker("ETHBTC", 7_000_000, "2"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
}

func TestSelectOrdersByVolumeThenSymbol(t *testing.T) {
	s := testScanner(&config.Config{TopNByVolume: 10, MaxSymbols: 10})

	out := s.Select([]exchange.Ticker{
		ticker("SOLUSDT", 5_000_000, "0"),
		ticker("BTCUSDT", 9_000_000, "0"),
		ticker("ETHUSDT", 5_000_000, "0"),
	})
	require.Len(t, out, 3)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
	// equal volume ties break by symbol, ascending
	assert.Equal(t, "ETHUSDT", out[1].Symbol)
	assert.Equal(t, "SOLUSDT", out[2].Symbol)
}

func TestSelectIsDeterministic(t *testing.T) {
	s := testScanner(&config.Config{TopNByVolume: 10, MaxSymbols: 10})
	in := []exchange.Ticker{
		ticker("ADAUSDT", 6_000_000, "1"),
		ticker("BTCUSDT", 6_000_000, "2"),
		ticker("XRPUSDT", 7_000_000, "-2"),
	}
	shuffled := []exchange.Ticker{in[2], in[0], in[1]}

	a := s.Select(in)
	b := s.Select(shuffled)
	assert.Equal(t, a, b, "identical market data must yield identical candidates")
}

func TestSelectVolumeFloor(t *testing.T) {
	s := testScanner(&config.Config{
		TopNByVolume:   10,
		MaxSymbols:     10,
		MinQuoteVolume: vol(5_000_000),
	})

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 9_000_000, "0"),
		ticker("DOGEUSDT", 4_999_999, "0"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
}

func TestSelectWhitelistIntersection(t *testing.T) {
	s := testScanner(&config.Config{
		TopNByVolume: 10,
		MaxSymbols:   10,
		Whitelist:    []string{"BTCUSDT", "ETHUSDT"},
	})

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 9_000_000, "0"),
		ticker("SOLUSDT", 8_000_000, "0"),
		ticker("ETHUSDT", 7_000_000, "0"),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
	assert.Equal(t, "ETHUSDT", out[1].Symbol)
}

func TestSelectDynamicListIsAdditive(t *testing.T) {
	s := New(&config.Config{
		TopNByVolume:   2,
		MaxSymbols:     10,
		MinQuoteVolume: vol(5_000_000),
	}, nil, &fakeDynamicSource{symbols: []string{"lowvolusdt"}})
	s.refreshDynamic(context.Background())

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 50_000_000, "0"),
		ticker("ETHUSDT", 40_000_000, "0"),
		ticker("LOWVOLUSDT", 10, "0"),
	})

	// the ranked universe survives intact and the dynamic symbol enters
	// despite sitting past the top-N cut and far under the floor
	require.Len(t, out, 3)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
	assert.Equal(t, "ETHUSDT", out[1].Symbol)
	assert.Equal(t, "LOWVOLUSDT", out[2].Symbol)
}

func TestSelectDynamicBypassesStaticWhitelist(t *testing.T) {
	s := New(&config.Config{
		TopNByVolume:   10,
		MaxSymbols:     10,
		MinQuoteVolume: vol(5_000_000),
		Whitelist:      []string{"BTCUSDT"},
	}, nil, &fakeDynamicSource{symbols: []string{"SOLUSDT"}})
	s.refreshDynamic(context.Background())

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 50_000_000, "0"),
		ticker("ETHUSDT", 40_000_000, "0"),
		ticker("SOLUSDT", 100, "0"),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
	assert.Equal(t, "SOLUSDT", out[1].Symbol)
}

func TestSelectCapsAtMaxSymbols(t *testing.T) {
	s := testScanner(&config.Config{TopNByVolume: 10, MaxSymbols: 2})

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 9_000_000, "0"),
		ticker("ETHUSDT", 8_000_000, "0"),
		ticker("SOLUSDT", 7_000_000, "0"),
	})
	assert.Len(t, out, 2)
}

func TestCoarseTrendTags(t *testing.T) {
	s := testScanner(&config.Config{TopNByVolume: 10, MaxSymbols: 10})

	out := s.Select([]exchange.Ticker{
		ticker("BTCUSDT", 9_000_000, "2.5"),
		ticker("ETHUSDT", 8_000_000, "-1.5"),
		ticker("SOLUSDT", 7_000_000, "0.4"),
	})
	require.Len(t, out, 3)
	assert.Equal(t, "UP", out[0].Trend)
	assert.Equal(t, "DOWN", out[1].Trend)
	assert.Equal(t, "FLAT", out[2].Trend)
}
