package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SymbolFilters holds the per-symbol trading rules fetched from exchange info.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
	MaxLeverage int
	PricePrec   int
	QtyPrec     int
}

// FilterCache is a read-mostly cache of symbol filters. Lookups take the
// read lock; a refresh takes the write lock and swaps the whole map.
type FilterCache struct {
	mu        sync.RWMutex
	filters   map[string]SymbolFilters
	refreshed time.Time
}

func NewFilterCache() *FilterCache {
	return &FilterCache{filters: make(map[string]SymbolFilters)}
}

// Get returns the cached filters for a symbol.
func (fc *FilterCache) Get(symbol string) (SymbolFilters, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	f, ok := fc.filters[symbol]
	return f, ok
}

// Replace swaps in a freshly fetched filter set.
func (fc *FilterCache) Replace(filters map[string]SymbolFilters) {
	fc.mu.Lock()
	fc.filters = filters
	fc.refreshed = time.Now()
	fc.mu.Unlock()
	log.Debug().Int("symbols", len(filters)).Msg("Symbol filters refreshed")
}

// LastRefresh returns when the cache was last replaced.
func (fc *FilterCache) LastRefresh() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.refreshed
}

// Symbols returns the cached symbol set.
func (fc *FilterCache) Symbols() []string {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	out := make([]string, 0, len(fc.filters))
	for s := range fc.filters {
		out = append(out, s)
	}
	return out
}

// AdjustQuantity floor-rounds qty to the symbol's step size and validates it
// against minQty, maxQty and minNotional at the given price. The returned
// error is a typed precision error naming the rule that failed, so callers
// can trigger a filter refresh and retry once.
func (fc *FilterCache) AdjustQuantity(symbol string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	f, ok := fc.Get(symbol)
	if !ok {
		return decimal.Zero, &ExchangeError{
			Kind:    ErrPrecision,
			Message: fmt.Sprintf("no filters cached for %s", symbol),
		}
	}

	adjusted := qty
	if f.StepSize.IsPositive() {
		steps := qty.Div(f.StepSize).Floor()
		adjusted = steps.Mul(f.StepSize)
	}

	if f.MinQty.IsPositive() && adjusted.LessThan(f.MinQty) {
		return decimal.Zero, &ExchangeError{
			Kind:    ErrPrecision,
			Message: fmt.Sprintf("%s qty %s below minQty %s", symbol, adjusted, f.MinQty),
		}
	}
	if f.MaxQty.IsPositive() && adjusted.GreaterThan(f.MaxQty) {
		adjusted = f.MaxQty
	}

	notional := adjusted.Mul(price)
	if f.MinNotional.IsPositive() && notional.LessThan(f.MinNotional) {
		return decimal.Zero, &ExchangeError{
			Kind:    ErrPrecision,
			Message: fmt.Sprintf("%s notional %s below minNotional %s", symbol, notional, f.MinNotional),
		}
	}

	return adjusted, nil
}

// AdjustPrice rounds price to the symbol's tick size, toward the passive
// side for the given order direction (down for buys, up for sells).
func (fc *FilterCache) AdjustPrice(symbol string, price decimal.Decimal, isBuy bool) decimal.Decimal {
	f, ok := fc.Get(symbol)
	if !ok || !f.TickSize.IsPositive() {
		return price
	}
	ticks := price.Div(f.TickSize)
	if isBuy {
		ticks = ticks.Floor()
	} else {
		ticks = ticks.Ceil()
	}
	return ticks.Mul(f.TickSize)
}
