// Package engine is the orchestrator. It owns the serialized cycle loop
// (scan, signals, filters, admission, execution), the component
// supervisor, and the operator control surface. The position monitor runs
// concurrently and shares the per-symbol lock table so interventions and
// entries never interleave on one symbol.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/executor"
	"perpbot/internal/monitor"
	"perpbot/internal/risk"
	"perpbot/internal/scanner"
	"perpbot/internal/signals"
	"perpbot/internal/store"
	"perpbot/internal/telemetry"
	"perpbot/internal/types"
)

// State of the orchestrator.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateStopping State = "STOPPING"
)

// Engine wires every component and runs the cycle loop.
type Engine struct {
	cfg      *config.Config
	gateway  exchange.Gateway
	stream   *exchange.UserStream
	trades   *store.Store
	metadata *store.MetadataStore
	notifier telemetry.Notifier

	scanner   *scanner.Scanner
	generator *signals.Generator
	filters   *signals.FilterSet
	breaker   *risk.Breaker
	riskMgr   *risk.Manager
	exec      *executor.Executor
	monitor   *monitor.Monitor
	locks     *LockTable

	pool *ants.Pool

	mu              sync.RWMutex
	state           State
	cycleCount      int64
	lastCycleEnd    time.Time
	overran         bool
	pausedByBreaker bool

	stopCh chan struct{}
	doneCh chan struct{}
	nowFn  func() time.Time
}

// New builds the engine and its internal components. stream and trades
// may be nil; the engine degrades to exchange-as-truth.
func New(cfg *config.Config, gateway exchange.Gateway, stream *exchange.UserStream, trades *store.Store, metadata *store.MetadataStore, notifier telemetry.Notifier) *Engine {
	if notifier == nil {
		notifier = telemetry.Noop{}
	}

	e := &Engine{
		cfg:      cfg,
		gateway:  gateway,
		stream:   stream,
		trades:   trades,
		metadata: metadata,
		notifier: notifier,
		locks:    NewLockTable(),
		state:    StateStopped,
		nowFn:    time.Now,
	}

	var dynamic scanner.DynamicSource
	if trades != nil {
		dynamic = trades
	}
	e.scanner = scanner.New(cfg, gateway, dynamic)
	e.generator = signals.NewGenerator(cfg, gateway, signals.NewIntelProvider(cfg, gateway))
	e.filters = signals.NewFilterSet(gateway, cfg.Blacklist)
	e.breaker = risk.NewBreaker(cfg.MaxDailyLossPct, cfg.MaxConsecStopOuts, cfg.BreakerCooldown)
	e.riskMgr = risk.NewManager(cfg, e.breaker)
	e.exec = executor.New(cfg, gateway, metadata)
	e.monitor = monitor.New(cfg, gateway, e.exec, e.locks, e.recordClose)
	e.monitor.OnBreakeven = notifier.BreakevenArmed

	e.breaker.OnTrip(func(reason string) {
		notifier.BreakerTripped(reason)
		e.mu.Lock()
		e.pausedByBreaker = true
		e.mu.Unlock()
		e.setState(StatePaused)
	})
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE
// ═══════════════════════════════════════════════════════════════════════════════

// State returns the current orchestrator state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("⚙️ Engine state")
		e.notifier.EngineState(string(s))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start brings the engine up: venue handshake, crash recovery, component
// launch, then the cycle loop. dryRun must match the gateway's mode; the
// mismatch is refused rather than silently traded live.
func (e *Engine) Start(ctx context.Context, dryRun bool) error {
	if e.State() != StateStopped {
		return fmt.Errorf("engine: start from %s", e.State())
	}
	e.setState(StateStarting)

	if dryRun != e.cfg.DryRun {
		e.setState(StateStopped)
		return fmt.Errorf("engine: requested dry_run=%v but gateway built with %v, restart with DRY_RUN set", dryRun, e.cfg.DryRun)
	}

	if err := e.gateway.RefreshFilters(ctx); err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("engine: initial filter load: %w", err)
	}
	if err := e.gateway.EnsureOneWayMode(ctx); err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("engine: position mode: %w", err)
	}

	if acct, err := e.gateway.GetAccount(ctx); err == nil {
		e.riskMgr.UpdateCapital(acct)
		e.breaker.SetDayStart(acct.TotalWalletBalance)
	} else {
		log.Warn().Err(err).Msg("Initial account fetch failed")
	}

	if err := e.recoverPositions(ctx); err != nil {
		log.Warn().Err(err).Msg("Position recovery incomplete")
	}

	pool, err := ants.NewPool(e.cfg.Snapshot().MaxSymbols, ants.WithNonblocking(false))
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("engine: worker pool: %w", err)
	}
	e.pool = pool

	if e.stream != nil {
		go e.consumeStream(ctx, e.stream.Subscribe(streamBuffer))
		if err := e.stream.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("User stream unavailable, continuing on REST only")
		}
	}
	if err := e.scanner.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Dynamic whitelist schedule failed")
	}
	e.breaker.Start()
	e.monitor.Start(ctx)

	e.mu.Lock()
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.lastCycleEnd = e.nowFn()
	e.mu.Unlock()

	go e.runLoop(ctx)
	go e.supervise(ctx)

	e.setState(StateRunning)
	log.Info().Bool("dry_run", dryRun).Dur("cycle", e.cfg.Snapshot().CycleInterval).Msg("🚀 Engine started")
	return nil
}

// Stop drains the engine. The cycle loop gets a deadline of
// StopGraceFactor cycle intervals; an in-flight order is never aborted.
func (e *Engine) Stop() error {
	if s := e.State(); s == StateStopped || s == StateStopping {
		return nil
	}
	e.setState(StateStopping)

	e.mu.Lock()
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()
	close(stopCh)

	grace := time.Duration(e.cfg.StopGraceFactor) * e.cfg.Snapshot().CycleInterval
	select {
	case <-doneCh:
	case <-time.After(grace):
		log.Warn().Msg("Cycle loop did not drain before deadline")
	}

	e.monitor.Stop()
	e.scanner.Stop()
	e.breaker.Stop()
	if e.stream != nil {
		e.stream.Stop()
	}
	if e.pool != nil {
		e.pool.Release()
	}

	e.setState(StateStopped)
	log.Info().Msg("🛑 Engine stopped")
	return nil
}

// Pause halts admissions and cycles; open positions stay managed.
func (e *Engine) Pause() {
	if e.State() == StateRunning {
		e.setState(StatePaused)
	}
}

// Resume returns from PAUSED to RUNNING. A still-tripped breaker keeps
// rejecting admissions on its own.
func (e *Engine) Resume() {
	if e.State() == StatePaused {
		e.mu.Lock()
		e.pausedByBreaker = false
		e.mu.Unlock()
		e.setState(StateRunning)
	}
}

// maybeResumeFromBreaker returns a breaker-paused engine to RUNNING once
// the cooldown has expired. Operator pauses are never overridden.
func (e *Engine) maybeResumeFromBreaker() {
	e.mu.RLock()
	byBreaker := e.pausedByBreaker
	e.mu.RUnlock()
	if !byBreaker || e.State() != StatePaused {
		return
	}
	// Tripped applies the lazy cooldown and daily resets.
	if e.breaker.Tripped() {
		return
	}
	log.Info().Msg("▶️ Breaker cooldown expired, engine resumed")
	e.Resume()
}

// UpdateConfig applies a hot-reloadable threshold update.
func (e *Engine) UpdateConfig(u config.Update) {
	e.cfg.ApplyUpdate(u)
	log.Info().Msg("🔧 Config updated")
}

// ═══════════════════════════════════════════════════════════════════════════════
// MANUAL COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

// ManualClose closes one position at market, cancelling its whole
// protective set.
func (e *Engine) ManualClose(ctx context.Context, symbol string) error {
	return e.monitor.ForceClose(ctx, symbol, types.ExitManual)
}

// ManualTradeRequest sizes an operator-initiated entry. Exactly one of
// Qty, Notional, or Margin must be positive.
type ManualTradeRequest struct {
	Symbol    string
	Direction types.Direction
	Qty       decimal.Decimal
	Notional  decimal.Decimal
	Margin    decimal.Decimal
	Leverage  int
}

// ManualTrade opens a position outside the signal path. It still takes a
// TREND slot, gets the standard protection set, and is monitored like any
// other position.
func (e *Engine) ManualTrade(ctx context.Context, req ManualTradeRequest) error {
	if _, open := e.monitor.Get(req.Symbol); open {
		return fmt.Errorf("manual trade %s: position already open", req.Symbol)
	}
	ticker, err := e.gateway.GetTicker(ctx, req.Symbol)
	if err != nil {
		return fmt.Errorf("manual trade %s: %w", req.Symbol, err)
	}
	price := ticker.LastPrice

	leverage := req.Leverage
	if leverage < 1 {
		leverage = e.cfg.DefaultLeverage
	}

	qty := req.Qty
	switch {
	case qty.IsPositive():
	case req.Notional.IsPositive():
		qty = req.Notional.Div(price)
	case req.Margin.IsPositive():
		qty = req.Margin.Mul(decimal.NewFromInt(int64(leverage))).Div(price)
	default:
		return fmt.Errorf("manual trade %s: qty, notional, or margin required", req.Symbol)
	}

	if !e.riskMgr.ReserveSlot(types.SignalTrend) {
		return fmt.Errorf("manual trade %s: trend bucket full", req.Symbol)
	}

	// Synthetic signal with the standard ATR stop so protection attaches
	// the same way an automated entry would.
	klines, err := e.gateway.GetKlines(ctx, req.Symbol, "5m", 30)
	if err != nil {
		e.riskMgr.ReleaseSlot(types.SignalTrend)
		return fmt.Errorf("manual trade %s: %w", req.Symbol, err)
	}
	atr := atrEstimate(klines)
	sig := &types.Signal{
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Type:       types.SignalTrend,
		Entry:      price,
		Indicators: types.IndicatorSnapshot{ATR: atr},
		CreatedAt:  e.nowFn(),
	}
	stopDist := decimal.NewFromFloat(atr * e.cfg.ATRStopMult)
	if req.Direction == types.Long {
		sig.StopLoss = price.Sub(stopDist)
	} else {
		sig.StopLoss = price.Add(stopDist)
	}

	unlock := e.locks.Lock(req.Symbol)
	defer unlock()
	pos, err := e.exec.Open(ctx, sig, qty, leverage, types.MarginIsolated)
	if err != nil {
		e.riskMgr.ReleaseSlot(types.SignalTrend)
		return fmt.Errorf("manual trade %s: %w", req.Symbol, err)
	}
	e.trackOpened(pos, 0)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE LOOP
// ═══════════════════════════════════════════════════════════════════════════════

// streamBuffer sizes the user-data subscription; the stream drops events
// for subscribers that fall this far behind.
const streamBuffer = 256

// consumeStream folds user-data order events into tracked positions so
// fee tallies come from real commissions instead of taker approximations.
// The channel closes when the stream stops; the supervisor resubscribes
// on restart.
func (e *Engine) consumeStream(ctx context.Context, events <-chan exchange.StreamEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Order != nil {
				e.monitor.ApplyOrderUpdate(*ev.Order)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Snapshot().CycleInterval)
	defer ticker.Stop()

	// First cycle immediately rather than waiting a full interval.
	e.maybeCycle(ctx)
	for {
		select {
		case <-ticker.C:
			e.maybeCycle(ctx)
			// CYCLE_INTERVAL is hot-reloadable; pick up the latest value.
			ticker.Reset(e.cfg.Snapshot().CycleInterval)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) maybeCycle(ctx context.Context) {
	e.maybeResumeFromBreaker()
	if e.State() != StateRunning {
		return
	}
	e.runCycle(ctx)
}

// runCycle executes one full scan-to-execution pass. Cycles never
// overlap: the loop is single-threaded and this method returns before
// the next tick is consumed.
func (e *Engine) runCycle(ctx context.Context) {
	start := e.nowFn()
	e.mu.Lock()
	e.cycleCount++
	cycle := e.cycleCount
	overran := e.overran
	e.mu.Unlock()

	interval := e.cfg.Snapshot().CycleInterval
	deadline := interval
	if overran {
		// Previous cycle ran long; shorten this one to catch back up.
		deadline = interval / 2
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if acct, err := e.gateway.GetAccount(cctx); err == nil {
		e.riskMgr.UpdateCapital(acct)
		if e.metadata != nil {
			e.metadata.PutCapital(e.riskMgr.Capital())
		}
	}

	candidates, err := e.scanner.Scan(cctx)
	if err != nil {
		log.Warn().Err(err).Int64("cycle", cycle).Msg("Scan failed, skipping cycle")
		return
	}

	change := make(map[string]decimal.Decimal, len(candidates))
	for _, c := range candidates {
		change[c.Symbol] = c.Change24h
	}

	sigs, rejected := e.computeSignals(cctx, candidates)
	admitted, executed := e.admitAndExecute(cctx, sigs, change, rejected)

	duration := e.nowFn().Sub(start)
	e.mu.Lock()
	e.lastCycleEnd = e.nowFn()
	e.overran = duration > interval
	e.mu.Unlock()
	if duration > interval {
		log.Warn().Dur("took", duration).Msg("⏱️ Slow cycle, next deadline shortened")
	}

	trendOpen, reversalOpen := e.riskMgr.SlotCounts()
	log.Info().Int64("cycle", cycle).
		Int("candidates", len(candidates)).
		Int("signals", len(sigs)).
		Int("admitted", admitted).
		Int("executed", executed).
		Int("trend_open", trendOpen).
		Int("reversal_open", reversalOpen).
		Dur("took", duration).
		Msg("🔄 Cycle complete")

	if e.metadata != nil {
		e.metadata.PutCycleMetrics(store.CycleMetrics{
			Cycle:      cycle,
			Candidates: len(candidates),
			Signals:    len(sigs),
			Admitted:   admitted,
			Executed:   executed,
			Rejected:   rejected,
			Duration:   duration,
			At:         start,
		})
	}
}

// computeSignals fans candidate evaluation across the worker pool and
// returns signals ranked by score descending (symbol ascending on ties).
func (e *Engine) computeSignals(ctx context.Context, candidates []types.Candidate) ([]*types.Signal, map[types.RejectReason]int) {
	rejected := make(map[types.RejectReason]int)
	results := make([]*types.Signal, len(candidates))
	var rejMu sync.Mutex
	var wg sync.WaitGroup

	for i, cand := range candidates {
		i, cand := i, cand
		wg.Add(1)
		task := func() {
			defer wg.Done()
			sig, err := e.generator.Evaluate(ctx, cand)
			if err != nil {
				if errors.Is(err, signals.ErrMIHardBlock) {
					rejMu.Lock()
					rejected[types.RejectMIHardBlock]++
					rejMu.Unlock()
				} else {
					log.Debug().Err(err).Str("symbol", cand.Symbol).Msg("Signal evaluation dropped")
				}
				return
			}
			results[i] = sig
		}
		if err := e.pool.Submit(task); err != nil {
			wg.Done()
			log.Warn().Err(err).Str("symbol", cand.Symbol).Msg("Pool submit failed, candidate dropped")
		}
	}
	wg.Wait()

	sigs := make([]*types.Signal, 0, len(results))
	for _, s := range results {
		if s != nil {
			sigs = append(sigs, s)
		}
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].Score != sigs[j].Score {
			return sigs[i].Score > sigs[j].Score
		}
		return sigs[i].Symbol < sigs[j].Symbol
	})
	return sigs, rejected
}

// admitAndExecute filters, admits, and executes signals. Execution runs
// parallel across symbols; each symbol serializes on its lock.
func (e *Engine) admitAndExecute(ctx context.Context, sigs []*types.Signal, change map[string]decimal.Decimal, rejected map[types.RejectReason]int) (admitted, executed int) {
	open := make(map[string]types.Direction)
	for _, p := range e.monitor.Positions() {
		open[p.Symbol] = p.Direction
	}

	var wg sync.WaitGroup
	var execMu sync.Mutex

	for _, sig := range sigs {
		if reason, ok := e.filters.Check(ctx, sig, change[sig.Symbol], open); !ok {
			rejected[reason]++
			continue
		}

		decision := e.riskMgr.Admit(sig)
		if !decision.Approved {
			rejected[decision.Reason]++
			log.Debug().Str("symbol", sig.Symbol).Str("reason", string(decision.Reason)).
				Msg("Signal rejected")
			continue
		}
		admitted++
		open[sig.Symbol] = sig.Direction // block same-cycle duplicates

		sig, decision := sig, decision
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := e.locks.Lock(sig.Symbol)
			defer unlock()

			pos, err := e.exec.Open(ctx, sig, decision.Quantity, decision.Leverage, decision.MarginMode)
			if err != nil {
				e.riskMgr.ReleaseFailed(sig.Symbol, sig.Type)
				log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Execution failed")
				return
			}
			e.trackOpened(pos, sig.Score)
			execMu.Lock()
			executed++
			execMu.Unlock()
		}()
	}
	wg.Wait()
	return admitted, executed
}

// trackOpened registers a new position everywhere it needs to live.
func (e *Engine) trackOpened(pos *types.Position, score float64) {
	e.monitor.Track(pos)
	if e.trades != nil {
		if err := e.trades.SavePosition(pos); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Recovery row persist failed")
		}
	}
	e.notifier.TradeOpened(pos, score)
}

// recordClose is the monitor's close callback: slot release from
// persisted metadata, breaker feed, history append, cleanup.
func (e *Engine) recordClose(pos *types.Position, rec types.TradeRecord) {
	st := types.SignalTrend
	if e.metadata != nil {
		if meta, ok := e.metadata.GetMetadata(pos.Symbol); ok {
			st = meta.SignalType
		}
	}
	e.riskMgr.ReleaseSlot(st)
	e.riskMgr.RecordClose(pos.Symbol, rec.NetPnL, rec.ExitReason)
	e.filters.RecordOutcome(pos.Symbol, rec.NetPnL.IsPositive())

	if e.metadata != nil {
		e.metadata.DeleteMetadata(pos.Symbol)
	}
	if e.trades != nil {
		if err := e.trades.SaveTrade(rec, 0); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Trade history append failed")
		}
		if err := e.trades.DeletePosition(pos.Symbol); err != nil {
			log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Recovery row delete failed")
		}
	}
	e.notifier.TradeClosed(rec)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

// recoverPositions rebuilds the tracked set after a restart: the venue's
// open positions joined with recovery rows and metadata. A position with
// no metadata defaults to the TREND bucket.
func (e *Engine) recoverPositions(ctx context.Context) error {
	venue, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if len(venue) == 0 {
		return nil
	}

	var rows map[string]store.PositionRow
	if e.trades != nil {
		if stored, err := e.trades.OpenPositions(); err == nil {
			rows = make(map[string]store.PositionRow, len(stored))
			for _, r := range stored {
				rows[r.Symbol] = r
			}
		}
	}

	var slotTypes []types.SignalType
	for _, vp := range venue {
		pos := &types.Position{
			Symbol:      vp.Symbol,
			Direction:   vp.Direction(),
			EntryPrice:  vp.EntryPrice,
			Quantity:    vp.PositionAmt.Abs(),
			Leverage:    vp.Leverage,
			MarginMode:  vp.MarginMode,
			SignalType:  types.SignalTrend,
			Strategy:    types.StrategyConservative,
			OpenedAt:    e.nowFn(),
			OriginalQty: vp.PositionAmt.Abs(),
		}
		if e.metadata != nil {
			if meta, ok := e.metadata.GetMetadata(vp.Symbol); ok {
				pos.SignalType = meta.SignalType
				pos.Strategy = meta.Strategy
			}
		}
		if row, ok := rows[vp.Symbol]; ok {
			pos.SignalType = types.SignalType(row.SignalType)
			pos.Strategy = types.StrategyTag(row.Strategy)
			pos.OriginalQty = row.OriginalQty
			pos.StopLoss = row.StopLoss
			pos.StopOrderID = row.StopOrderID
			pos.DCALevelsUsed = row.DCALevelsUsed
			pos.TPFilled = row.TPFilled
			pos.BreakevenArmed = row.BreakevenArmed
			pos.OpenedAt = row.OpenedAt
		}
		slotTypes = append(slotTypes, pos.SignalType)
		e.monitor.Track(pos)
		log.Info().Str("symbol", pos.Symbol).Str("type", string(pos.SignalType)).
			Msg("♻️ Position recovered")
	}
	e.riskMgr.RestoreSlots(slotTypes)
	return nil
}

// atrEstimate is a coarse ATR for manual trades.
func atrEstimate(klines []exchange.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	var sum float64
	for _, k := range klines {
		sum += k.High.Sub(k.Low).InexactFloat64()
	}
	return sum / float64(len(klines))
}
