package risk

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Halts new entries, never touches open positions
// ═══════════════════════════════════════════════════════════════════════════════

// Breaker trips on daily realized loss or a run of stop-outs. While
// tripped, admissions fail typed; the monitor keeps managing what is
// already open. Resets on cooldown expiry and at the daily rollover,
// both via the cron schedule and lazily on Check.
type Breaker struct {
	mu sync.RWMutex

	maxDailyLossPct decimal.Decimal // fraction of day-start balance
	maxStopOuts     int
	cooldown        time.Duration

	dayStartBalance decimal.Decimal
	dailyRealized   decimal.Decimal
	stopOuts        int
	tripped         bool
	trippedAt       time.Time
	reason          string
	lastResetDate   string

	onTrip func(reason string)
	nowFn  func() time.Time
	cron   *cron.Cron
}

func NewBreaker(maxDailyLossPct decimal.Decimal, maxStopOuts int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxDailyLossPct: maxDailyLossPct,
		maxStopOuts:     maxStopOuts,
		cooldown:        cooldown,
		lastResetDate:   time.Now().Format("2006-01-02"),
		nowFn:           time.Now,
	}
}

// OnTrip registers a callback invoked once per trip, outside the lock.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// Start schedules the midnight reset.
func (b *Breaker) Start() {
	b.cron = cron.New()
	b.cron.AddFunc("0 0 * * *", func() {
		b.mu.Lock()
		b.resetDayLocked()
		b.mu.Unlock()
		log.Info().Msg("🌅 Daily risk counters reset")
	})
	b.cron.Start()
}

// Stop halts the reset schedule.
func (b *Breaker) Stop() {
	if b.cron != nil {
		b.cron.Stop()
	}
}

// SetDayStart seeds the day-start balance, normally at engine start and
// at each rollover.
func (b *Breaker) SetDayStart(balance decimal.Decimal) {
	b.mu.Lock()
	b.dayStartBalance = balance
	b.mu.Unlock()
}

// DayStart returns the day-start balance, zero right after a rollover.
func (b *Breaker) DayStart() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dayStartBalance
}

// RecordClose feeds a realized result. Stop-outs extend the streak; any
// profitable close clears it.
func (b *Breaker) RecordClose(realizedPnL decimal.Decimal, stoppedOut bool) {
	b.mu.Lock()
	b.dailyRealized = b.dailyRealized.Add(realizedPnL)

	if stoppedOut {
		b.stopOuts++
	} else if realizedPnL.IsPositive() {
		b.stopOuts = 0
	}

	var trip string
	if !b.tripped {
		if b.maxStopOuts > 0 && b.stopOuts >= b.maxStopOuts {
			trip = "consecutive stop-outs"
		} else if b.dailyLossExceededLocked() {
			trip = "daily loss limit"
		}
	}
	var cb func(string)
	if trip != "" {
		b.tripped = true
		b.trippedAt = b.nowFn()
		b.reason = trip
		cb = b.onTrip
		log.Error().Str("reason", trip).Msg("🛑 Circuit breaker TRIPPED")
	}
	b.mu.Unlock()

	if cb != nil {
		cb(trip)
	}
}

// Tripped reports whether admissions are currently halted, applying the
// lazy daily reset and cooldown expiry.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.nowFn().Format("2006-01-02")
	if b.lastResetDate != today {
		b.resetDayLocked()
		b.lastResetDate = today
	}

	if b.tripped && b.nowFn().Sub(b.trippedAt) > b.cooldown {
		b.tripped = false
		b.stopOuts = 0
		b.reason = ""
		log.Info().Msg("✅ Circuit breaker reset after cooldown")
	}
	return b.tripped
}

// Reason returns the latest trip reason, empty when armed.
func (b *Breaker) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// DailyRealized returns today's realized P&L.
func (b *Breaker) DailyRealized() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dailyRealized
}

func (b *Breaker) dailyLossExceededLocked() bool {
	if b.dayStartBalance.IsZero() || !b.dailyRealized.IsNegative() {
		return false
	}
	limit := b.dayStartBalance.Mul(b.maxDailyLossPct)
	return b.dailyRealized.Neg().GreaterThanOrEqual(limit)
}

func (b *Breaker) resetDayLocked() {
	b.dailyRealized = decimal.Zero
	b.stopOuts = 0
	b.tripped = false
	b.reason = ""
	b.dayStartBalance = decimal.Zero // reseeded on the next capital update
}
