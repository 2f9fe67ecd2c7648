// Package risk is the single admission authority. The generator proposes,
// the manager disposes: capital zone, slot buckets, circuit breaker, and
// sizing all live here so no other component can open exposure.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/types"
)

// Zone is the capital zone derived from margin utilization.
type Zone string

const (
	ZoneGreen  Zone = "GREEN"
	ZoneYellow Zone = "YELLOW"
	ZoneRed    Zone = "RED"
)

// ZoneFor maps utilization (fraction of wallet) onto a zone.
// Exactly 50% is YELLOW; exactly 70% is still YELLOW.
func ZoneFor(utilization decimal.Decimal) Zone {
	switch {
	case utilization.LessThan(decimal.NewFromFloat(0.50)):
		return ZoneGreen
	case utilization.GreaterThan(decimal.NewFromFloat(0.70)):
		return ZoneRed
	default:
		return ZoneYellow
	}
}

// Decision is the manager's verdict on a signal.
type Decision struct {
	Approved   bool
	Reason     types.RejectReason
	Quantity   decimal.Decimal
	Leverage   int
	MarginMode types.MarginMode
}

func reject(reason types.RejectReason) Decision {
	return Decision{Reason: reason}
}

// Manager owns admission, sizing, and account-health tracking.
type Manager struct {
	cfg     *config.Config
	breaker *Breaker

	mu sync.RWMutex

	capital types.CapitalSnapshot

	trendOpen    int
	reversalOpen int

	// open risk per symbol, for the portfolio risk cap
	openRisk map[string]decimal.Decimal

	consecWins   int
	consecLosses int
}

func NewManager(cfg *config.Config, breaker *Breaker) *Manager {
	return &Manager{
		cfg:      cfg,
		breaker:  breaker,
		openRisk: make(map[string]decimal.Decimal),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CAPITAL TRACKING
// ═══════════════════════════════════════════════════════════════════════════════

// UpdateCapital ingests a fresh account snapshot from the venue.
func (m *Manager) UpdateCapital(acct *exchange.Account) {
	m.mu.Lock()
	equity := acct.TotalWalletBalance.Add(acct.UnrealizedPnL)
	if equity.GreaterThan(m.capital.DailyPeak) {
		m.capital.DailyPeak = equity
	}
	if m.capital.IntradayTrough.IsZero() || equity.LessThan(m.capital.IntradayTrough) {
		m.capital.IntradayTrough = equity
	}
	m.capital.TotalWallet = acct.TotalWalletBalance
	m.capital.Available = acct.AvailableBalance
	m.capital.UnrealizedPnL = acct.UnrealizedPnL
	m.capital.MarginUsed = acct.TotalMarginUsed
	if !m.capital.DailyPeak.IsZero() {
		m.capital.CurrentDrawdown = m.capital.DailyPeak.Sub(equity).
			Div(m.capital.DailyPeak).Mul(decimal.NewFromInt(100))
	}
	m.capital.UpdatedAt = time.Now()
	m.mu.Unlock()

	// Seed the breaker's day-start balance after a rollover.
	if m.breaker != nil && m.breaker.DayStart().IsZero() {
		m.breaker.SetDayStart(acct.TotalWalletBalance)
	}
}

// Capital returns a copy of the current snapshot.
func (m *Manager) Capital() types.CapitalSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capital
}

// Streaks returns consecutive wins and losses.
func (m *Manager) Streaks() (wins, losses int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecWins, m.consecLosses
}

// ═══════════════════════════════════════════════════════════════════════════════
// SLOT BUCKETS
// ═══════════════════════════════════════════════════════════════════════════════

// reversalCap is ⌊MAX_POSITIONS · reversal_extra_pct⌋.
func (m *Manager) reversalCap(maxPositions int) int {
	extra := decimal.NewFromInt(int64(maxPositions)).Mul(m.cfg.ReversalExtraPct)
	return int(extra.IntPart())
}

// SlotCounts reports current bucket occupancy.
func (m *Manager) SlotCounts() (trend, reversal int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trendOpen, m.reversalOpen
}

// ReleaseSlot decrements the bucket named by persisted metadata. Callers
// that lost the metadata pass SignalTrend, the default bucket.
func (m *Manager) ReleaseSlot(st types.SignalType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == types.SignalReversal {
		if m.reversalOpen > 0 {
			m.reversalOpen--
		}
		return
	}
	if m.trendOpen > 0 {
		m.trendOpen--
	}
}

// ReserveSlot takes a bucket slot outside the admission path, for manual
// trades and startup recovery overflow. Returns false when the bucket is
// full.
func (m *Manager) ReserveSlot(st types.SignalType) bool {
	maxPositions := m.cfg.Snapshot().MaxPositions
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == types.SignalReversal {
		if m.reversalOpen >= m.reversalCap(maxPositions) {
			return false
		}
		m.reversalOpen++
		return true
	}
	if m.trendOpen >= maxPositions {
		return false
	}
	m.trendOpen++
	return true
}

// RestoreSlots rebuilds bucket occupancy on startup from recovered
// positions and their persisted metadata.
func (m *Manager) RestoreSlots(signalTypes []types.SignalType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trendOpen, m.reversalOpen = 0, 0
	for _, st := range signalTypes {
		if st == types.SignalReversal {
			m.reversalOpen++
		} else {
			m.trendOpen++
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// Admit judges a signal. An approved decision has already reserved a slot
// and the symbol's risk budget; the caller must ReleaseFailed on any
// execution failure so the reservation is returned.
func (m *Manager) Admit(sig *types.Signal) Decision {
	if m.breaker != nil && m.breaker.Tripped() {
		return reject(types.RejectCircuitBreaker)
	}

	maxPositions := m.cfg.Snapshot().MaxPositions
	m.mu.Lock()
	defer m.mu.Unlock()

	zone := ZoneFor(m.capital.MarginUtilization())
	switch zone {
	case ZoneRed:
		return reject(types.RejectCapitalZone)
	case ZoneYellow:
		if sig.Score < m.cfg.HighPriorityScore {
			return reject(types.RejectCapitalZone)
		}
	}

	if sig.Type == types.SignalReversal {
		if m.reversalOpen >= m.reversalCap(maxPositions) {
			return reject(types.RejectSlotFull)
		}
	} else {
		if m.trendOpen >= maxPositions {
			return reject(types.RejectSlotFull)
		}
	}

	leverage := m.cfg.DefaultLeverage
	if leverage < 1 {
		leverage = 1
	}
	qty, riskAmount, ok := m.sizeLocked(sig, leverage)
	if !ok {
		return reject(types.RejectMarginInsufficient)
	}

	mode := types.MarginIsolated
	if sig.Score >= m.cfg.CrossMarginScore {
		mode = types.MarginCross
	}

	if sig.Type == types.SignalReversal {
		m.reversalOpen++
	} else {
		m.trendOpen++
	}
	m.openRisk[sig.Symbol] = riskAmount

	log.Info().Str("symbol", sig.Symbol).Str("dir", string(sig.Direction)).
		Float64("score", sig.Score).Str("zone", string(zone)).
		Str("qty", qty.String()).Int("leverage", leverage).
		Str("margin", string(mode)).Msg("✅ Signal admitted")

	return Decision{Approved: true, Quantity: qty, Leverage: leverage, MarginMode: mode}
}

// ReleaseFailed returns the reservation taken by Admit after an execution
// failure.
func (m *Manager) ReleaseFailed(symbol string, st types.SignalType) {
	m.mu.Lock()
	delete(m.openRisk, symbol)
	m.mu.Unlock()
	m.ReleaseSlot(st)
}

// RecordClose updates streaks, frees the symbol's risk budget, and feeds
// the breaker. The slot itself is released separately from metadata.
func (m *Manager) RecordClose(symbol string, realizedPnL decimal.Decimal, reason types.ExitReason) {
	m.mu.Lock()
	delete(m.openRisk, symbol)
	if realizedPnL.IsPositive() {
		m.consecWins++
		m.consecLosses = 0
	} else if realizedPnL.IsNegative() {
		m.consecLosses++
		m.consecWins = 0
	}
	m.mu.Unlock()

	if m.breaker != nil {
		m.breaker.RecordClose(realizedPnL, reason == types.ExitSL)
	}
}

// CapLeverage applies a venue filter cap when one is known.
func CapLeverage(lev int, f exchange.SymbolFilters) int {
	if f.MaxLeverage > 0 && lev > f.MaxLeverage {
		return f.MaxLeverage
	}
	return lev
}

// sizeLocked computes the order quantity. Caller holds m.mu.
func (m *Manager) sizeLocked(sig *types.Signal, leverage int) (qty, riskAmount decimal.Decimal, ok bool) {
	wallet := m.capital.TotalWallet
	if wallet.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}

	stopDist := sig.Entry.Sub(sig.StopLoss).Abs()
	if stopDist.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}

	riskAmount = wallet.Mul(m.cfg.RiskPerTrade)
	qty = riskAmount.Div(stopDist)

	// Clamp by max margin per position.
	lev := decimal.NewFromInt(int64(leverage))
	maxMargin := wallet.Mul(m.cfg.MaxMarginPerPos)
	margin := qty.Mul(sig.Entry).Div(lev)
	if margin.GreaterThan(maxMargin) {
		qty = maxMargin.Mul(lev).Div(sig.Entry)
		margin = maxMargin
		riskAmount = qty.Mul(stopDist)
	}

	// Clamp by total portfolio risk.
	total := riskAmount
	for _, r := range m.openRisk {
		total = total.Add(r)
	}
	maxRisk := wallet.Mul(m.cfg.MaxPortfolioRisk)
	if total.GreaterThan(maxRisk) {
		headroom := maxRisk.Sub(total.Sub(riskAmount))
		if !headroom.IsPositive() {
			return decimal.Zero, decimal.Zero, false
		}
		qty = headroom.Div(stopDist)
		riskAmount = headroom
		margin = qty.Mul(sig.Entry).Div(lev)
	}

	// The DCA reserve stays untouched by fresh entries.
	reserve := wallet.Mul(m.cfg.DCAReservePct)
	if m.capital.Available.Sub(margin).LessThan(reserve) {
		return decimal.Zero, decimal.Zero, false
	}

	if !qty.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return qty, riskAmount, true
}
