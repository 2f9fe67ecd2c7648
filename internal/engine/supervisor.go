package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	superviseEvery = 30 * time.Second

	// A component gets this many restarts inside the rolling window
	// before the supervisor stops trying and pauses the engine.
	maxRestarts   = 3
	restartWindow = 10 * time.Minute
)

// supervise watches component heartbeats and restarts whichever one went
// quiet. Restarts are bounded: a component that keeps dying points at a
// problem a restart will not fix, so the engine pauses and the operator
// is paged instead.
func (e *Engine) supervise(ctx context.Context) {
	ticker := time.NewTicker(superviseEvery)
	defer ticker.Stop()

	restarts := map[string][]time.Time{}

	for {
		select {
		case <-ticker.C:
			e.checkHeartbeats(ctx, restarts)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) checkHeartbeats(ctx context.Context, restarts map[string][]time.Time) {
	if s := e.State(); s != StateRunning && s != StatePaused {
		return
	}
	e.maybeResumeFromBreaker()
	now := e.nowFn()
	timeout := e.cfg.HeartbeatTimeout

	if hb := e.monitor.Heartbeat(); !hb.IsZero() && now.Sub(hb) > timeout {
		e.restartComponent(restarts, "monitor", now, func() {
			e.monitor.Stop()
			e.monitor.Start(ctx)
		})
	}

	// The user stream idles legitimately when nothing trades, so its
	// heartbeat only matters while positions are open.
	if e.stream != nil && len(e.monitor.Positions()) > 0 {
		if last := e.stream.LastEventTime(); !last.IsZero() && now.Sub(last) > 4*timeout {
			e.restartComponent(restarts, "user_stream", now, func() {
				e.stream.Stop()
				go e.consumeStream(ctx, e.stream.Subscribe(streamBuffer))
				if err := e.stream.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("User stream restart failed")
				}
			})
		}
	}

	// The cycle loop cannot be force-restarted from outside; a stall
	// past several intervals means it is wedged inside a call, so pause
	// and escalate.
	e.mu.RLock()
	lastCycle := e.lastCycleEnd
	e.mu.RUnlock()
	if e.State() == StateRunning && !lastCycle.IsZero() &&
		now.Sub(lastCycle) > 3*e.cfg.Snapshot().CycleInterval {
		log.Error().Time("last_cycle", lastCycle).Msg("🚨 Cycle loop stalled")
		e.notifier.SupervisorIntervention("cycle_loop",
			"stalled past 3 intervals, engine paused")
		e.Pause()
	}
}

// restartComponent runs the restart unless the component already burned
// its budget inside the rolling window.
func (e *Engine) restartComponent(restarts map[string][]time.Time, name string, now time.Time, restart func()) {
	recent := restarts[name][:0]
	for _, t := range restarts[name] {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}

	if len(recent) >= maxRestarts {
		restarts[name] = recent
		log.Error().Str("component", name).Int("restarts", len(recent)).
			Msg("🚨 Restart budget exhausted, pausing engine")
		e.notifier.SupervisorIntervention(name, "restart budget exhausted, engine paused")
		e.Pause()
		return
	}

	restarts[name] = append(recent, now)
	log.Warn().Str("component", name).Msg("⚠️ Heartbeat lost, restarting component")
	e.notifier.SupervisorIntervention(name, "heartbeat lost, restarting")
	restart()
}
