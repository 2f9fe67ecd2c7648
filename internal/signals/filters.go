package signals

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"perpbot/internal/exchange"
	"perpbot/internal/indicators"
	"perpbot/internal/types"
)

const (
	// market filter: a 24h move this large is chase territory
	maxAbsChange24hPct = 20.0

	// correlation filter
	correlationBars      = 50
	correlationThreshold = 0.8

	// learned rules
	lossStreakToBlock = 3
	lossBlockDuration = 4 * time.Hour
)

// FilterSet runs the pre-admission filters over a generated signal:
// market sanity, correlation against open exposure, and the blacklist
// (static entries plus learned loss-streak rules).
type FilterSet struct {
	gateway exchange.Gateway

	mu          sync.Mutex
	static      map[string]struct{}
	lossStreaks map[string]int
	blockedUntil map[string]time.Time

	nowFn func() time.Time
}

func NewFilterSet(gateway exchange.Gateway, blacklist []string) *FilterSet {
	static := make(map[string]struct{}, len(blacklist))
	for _, s := range blacklist {
		static[strings.ToUpper(s)] = struct{}{}
	}
	return &FilterSet{
		gateway:      gateway,
		static:       static,
		lossStreaks:  make(map[string]int),
		blockedUntil: make(map[string]time.Time),
		nowFn:        time.Now,
	}
}

// Check returns the reject reason for a signal, or ok=true to pass it on.
// openSymbols carries the symbols of currently open positions with their
// directions, for the correlation check.
func (f *FilterSet) Check(ctx context.Context, sig *types.Signal, change24h decimal.Decimal, open map[string]types.Direction) (types.RejectReason, bool) {
	if _, dup := open[sig.Symbol]; dup {
		return types.RejectDuplicateSymbol, false
	}
	if f.blacklisted(sig.Symbol) {
		return types.RejectBlacklist, false
	}
	if change24h.Abs().GreaterThan(decimal.NewFromFloat(maxAbsChange24hPct)) {
		return types.RejectMarketFilter, false
	}
	if f.correlated(ctx, sig, open) {
		return types.RejectCorrelation, false
	}
	return "", true
}

// RecordOutcome feeds closed-trade results into the learned rules. A run
// of losses on a symbol blocks it for a cooldown; any win clears the run.
func (f *FilterSet) RecordOutcome(symbol string, win bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if win {
		delete(f.lossStreaks, symbol)
		return
	}
	f.lossStreaks[symbol]++
	if f.lossStreaks[symbol] >= lossStreakToBlock {
		f.blockedUntil[symbol] = f.nowFn().Add(lossBlockDuration)
		delete(f.lossStreaks, symbol)
		log.Warn().Str("symbol", symbol).Dur("for", lossBlockDuration).Msg("🚫 Symbol blocked after loss streak")
	}
}

func (f *FilterSet) blacklisted(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.static[symbol]; ok {
		return true
	}
	until, ok := f.blockedUntil[symbol]
	if !ok {
		return false
	}
	if f.nowFn().After(until) {
		delete(f.blockedUntil, symbol)
		return false
	}
	return true
}

// correlated reports whether the signal's symbol moves in lockstep with an
// already-open position in the same direction. Data failures pass the
// filter open; correlation is a refinement, not a safety gate.
func (f *FilterSet) correlated(ctx context.Context, sig *types.Signal, open map[string]types.Direction) bool {
	if len(open) == 0 {
		return false
	}
	base, err := f.returns(ctx, sig.Symbol)
	if err != nil {
		log.Debug().Err(err).Str("symbol", sig.Symbol).Msg("Correlation data unavailable, passing")
		return false
	}
	for symbol, dir := range open {
		if dir != sig.Direction {
			continue
		}
		other, err := f.returns(ctx, symbol)
		if err != nil || len(other) != len(base) {
			continue
		}
		corr := stat.Correlation(base, other, nil)
		if corr > correlationThreshold {
			log.Debug().Str("symbol", sig.Symbol).Str("with", symbol).
				Float64("corr", corr).Msg("Correlation filter hit")
			return true
		}
	}
	return false
}

// returns fetches log-free simple returns over the correlation window.
func (f *FilterSet) returns(ctx context.Context, symbol string) ([]float64, error) {
	klines, err := f.gateway.GetKlines(ctx, symbol, "5m", correlationBars+1)
	if err != nil {
		return nil, err
	}
	closes := indicators.Closes(klines)
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out, nil
}
