// Package telemetry fans trading events out to operators. Notifications
// are fire-and-forget: a dead Telegram API must never stall a trade.
package telemetry

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"perpbot/internal/types"
)

// Notifier receives the engine's lifecycle events.
type Notifier interface {
	TradeOpened(pos *types.Position, score float64)
	TradeClosed(rec types.TradeRecord)
	BreakevenArmed(symbol string)
	BreakerTripped(reason string)
	SupervisorIntervention(component, action string)
	EngineState(state string)
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOOP
// ═══════════════════════════════════════════════════════════════════════════════

// Noop discards everything. Used in tests and when Telegram is unset.
type Noop struct{}

func (Noop) TradeOpened(*types.Position, float64)    {}
func (Noop) TradeClosed(types.TradeRecord)           {}
func (Noop) BreakevenArmed(string)                   {}
func (Noop) BreakerTripped(string)                   {}
func (Noop) SupervisorIntervention(string, string)   {}
func (Noop) EngineState(string)                      {}

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM
// ═══════════════════════════════════════════════════════════════════════════════

const sendTimeout = 5 * time.Second

// Telegram pushes formatted events to a single chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	sendCh chan string
	stopCh chan struct{}
}

// NewTelegram connects to the bot API. The returned notifier drops
// messages when the send queue backs up.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	t := &Telegram{
		api:    api,
		chatID: chatID,
		sendCh: make(chan string, 64),
		stopCh: make(chan struct{}),
	}
	go t.sendLoop()
	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram notifier connected")
	return t, nil
}

// Stop drains the queue and halts the send loop.
func (t *Telegram) Stop() {
	close(t.stopCh)
}

func (t *Telegram) sendLoop() {
	for {
		select {
		case text := <-t.sendCh:
			msg := tgbotapi.NewMessage(t.chatID, text)
			msg.ParseMode = tgbotapi.ModeMarkdown
			done := make(chan struct{})
			go func() {
				if _, err := t.api.Send(msg); err != nil {
					log.Warn().Err(err).Msg("Telegram send failed")
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(sendTimeout):
				log.Warn().Msg("Telegram send timed out")
			}
		case <-t.stopCh:
			return
		}
	}
}

func (t *Telegram) push(text string) {
	select {
	case t.sendCh <- text:
	default:
		log.Debug().Msg("Telegram queue full, notification dropped")
	}
}

func (t *Telegram) TradeOpened(pos *types.Position, score float64) {
	emoji := "🟢"
	if pos.Direction == types.Short {
		emoji = "🔴"
	}
	t.push(fmt.Sprintf("%s *%s %s*\nEntry: `%s`\nQty: `%s`\nLeverage: `%dx %s`\nScore: `%.0f`\nStrategy: `%s`",
		emoji, pos.Direction, pos.Symbol,
		pos.EntryPrice, pos.Quantity, pos.Leverage, pos.MarginMode, score, pos.Strategy))
}

func (t *Telegram) TradeClosed(rec types.TradeRecord) {
	emoji := "✅"
	if rec.NetPnL.IsNegative() {
		emoji = "❌"
	}
	t.push(fmt.Sprintf("%s *CLOSED %s %s*\nExit: `%s` (%s)\nNet P&L: `%s USDT`\nHeld: `%s`",
		emoji, rec.Direction, rec.Symbol,
		rec.ExitPrice, rec.ExitReason, rec.NetPnL.StringFixed(2),
		rec.ClosedAt.Sub(rec.OpenedAt).Round(time.Minute)))
}

func (t *Telegram) BreakevenArmed(symbol string) {
	t.push(fmt.Sprintf("🔐 *%s* stop moved to breakeven", symbol))
}

func (t *Telegram) BreakerTripped(reason string) {
	t.push(fmt.Sprintf("🛑 *CIRCUIT BREAKER*\nReason: %s\nNew entries paused, positions still managed.", reason))
}

func (t *Telegram) SupervisorIntervention(component, action string) {
	t.push(fmt.Sprintf("⚠️ *SUPERVISOR*\n%s: %s", component, action))
}

func (t *Telegram) EngineState(state string) {
	t.push(fmt.Sprintf("⚙️ Engine state: *%s*", state))
}
