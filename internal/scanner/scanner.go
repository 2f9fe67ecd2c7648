// Package scanner selects the tradable universe for each cycle.
//
// The pipeline is fixed: rank the venue's 24h tickers by quote volume,
// keep the top N, drop everything under the volume floor, intersect with
// the static whitelist, then cap at max symbols. The dynamic daily top-K
// list is additive: its symbols enter regardless of rank or volume.
// Output order is deterministic so identical market data always yields
// identical candidate lists.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/rs/zerolog/log"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/types"
)

// DynamicSource supplies the symbols that earned a perfect score recently.
// The trade store implements it; a nil source disables the dynamic list.
type DynamicSource interface {
	TopScoredSymbols(ctx context.Context, limit int) ([]string, error)
}

// Scanner produces the per-cycle candidate list.
type Scanner struct {
	cfg     *config.Config
	gateway exchange.Gateway
	source  DynamicSource

	mu      sync.RWMutex
	dynamic map[string]struct{}

	cron *cron.Cron
}

func New(cfg *config.Config, gateway exchange.Gateway, source DynamicSource) *Scanner {
	return &Scanner{
		cfg:     cfg,
		gateway: gateway,
		source:  source,
		dynamic: make(map[string]struct{}),
	}
}

// Start schedules the daily dynamic whitelist refresh and runs one
// immediately so the first cycle has a populated list.
func (s *Scanner) Start(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	s.refreshDynamic(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("5 0 * * *", func() {
		s.refreshDynamic(context.Background())
	}); err != nil {
		return fmt.Errorf("scanner: schedule whitelist refresh: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the refresh schedule.
func (s *Scanner) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scanner) refreshDynamic(ctx context.Context) {
	symbols, err := s.source.TopScoredSymbols(ctx, s.cfg.DynamicWhitelistTopK)
	if err != nil {
		log.Warn().Err(err).Msg("Dynamic whitelist refresh failed, keeping previous list")
		return
	}
	fresh := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		fresh[strings.ToUpper(sym)] = struct{}{}
	}
	s.mu.Lock()
	s.dynamic = fresh
	s.mu.Unlock()
	log.Info().Int("symbols", len(fresh)).Msg("🔄 Dynamic whitelist refreshed")
}

// DynamicWhitelist returns the current dynamic set, for the cycle summary.
func (s *Scanner) DynamicWhitelist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dynamic))
	for sym := range s.dynamic {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Scan runs the full selection pipeline against live 24h tickers.
func (s *Scanner) Scan(ctx context.Context) ([]types.Candidate, error) {
	tickers, err := s.gateway.Get24hTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return s.Select(tickers), nil
}

// Select applies the pipeline to an already-fetched ticker set.
// Split out so tests can drive it with fixtures.
func (s *Scanner) Select(tickers []exchange.Ticker) []types.Candidate {
	// USDT perpetuals only; other quote assets never enter the universe.
	filtered := tickers[:0:0]
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "USDT") {
			filtered = append(filtered, t)
		}
	}

	sortTickers(filtered)

	hot := s.cfg.Snapshot()
	static := staticSet(hot.Whitelist, s.cfg.Testnet, s.cfg.TestnetWhitelist)
	dynamic := s.dynamicSet()
	minVol := s.cfg.MinQuoteVolume
	topN := s.cfg.TopNByVolume

	candidates := make([]types.Candidate, 0, hot.MaxSymbols)
	for i, t := range filtered {
		if len(candidates) >= hot.MaxSymbols {
			break
		}
		// Dynamic symbols earned admission with a recent perfect score;
		// they skip the ranking cut, the floor, and the static list.
		if _, dyn := dynamic[t.Symbol]; !dyn {
			if topN > 0 && i >= topN {
				continue
			}
			if minVol.IsPositive() && t.QuoteVolume.LessThan(minVol) {
				continue
			}
			if static != nil {
				if _, ok := static[t.Symbol]; !ok {
					continue
				}
			}
		}
		candidates = append(candidates, types.Candidate{
			Symbol:      t.Symbol,
			LastPrice:   t.LastPrice,
			QuoteVolume: t.QuoteVolume,
			Change24h:   t.ChangePct,
			Trend:       coarseTrend(t.ChangePct),
		})
	}
	return candidates
}

// staticSet returns the restricting whitelist. Nil means everything passes.
func staticSet(whitelist []string, testnet bool, testnetWhitelist []string) map[string]struct{} {
	static := whitelist
	if testnet && len(testnetWhitelist) > 0 {
		static = testnetWhitelist
	}
	if len(static) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(static))
	for _, sym := range static {
		allowed[strings.ToUpper(sym)] = struct{}{}
	}
	return allowed
}

func (s *Scanner) dynamicSet() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.dynamic))
	for sym := range s.dynamic {
		out[sym] = struct{}{}
	}
	return out
}

// sortTickers orders volume descending, symbol ascending on ties.
func sortTickers(tickers []exchange.Ticker) {
	sort.Slice(tickers, func(i, j int) bool {
		cmp := tickers[i].QuoteVolume.Cmp(tickers[j].QuoteVolume)
		if cmp != 0 {
			return cmp > 0
		}
		return tickers[i].Symbol < tickers[j].Symbol
	})
}

func coarseTrend(changePct decimal.Decimal) string {
	switch {
	case changePct.GreaterThan(decimal.NewFromInt(1)):
		return "UP"
	case changePct.LessThan(decimal.NewFromInt(-1)):
		return "DOWN"
	default:
		return "FLAT"
	}
}
