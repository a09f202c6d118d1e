// Package notify sends trade and safety alerts through Telegram and
// serves a small command surface over the running bot manager.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"dcabot/internal/manager"
)

// Bot wraps the Telegram API around a bot manager.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	mgr    *manager.Manager
	stopCh chan struct{}
}

// New connects to Telegram. The manager can be attached later with
// SetManager so the notifier can be built before the manager.
func New(token string, chatID int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")
	return &Bot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
	}, nil
}

// SetManager attaches the bot manager the commands operate on.
func (b *Bot) SetManager(mgr *manager.Manager) {
	b.mgr = mgr
}

// Start begins the command listener and announces startup.
func (b *Bot) Start() {
	go b.listenForCommands()
	if b.chatID != 0 {
		b.sendText("🚀 DCA bot is up. Use /help for commands.")
	}
}

// Stop stops the command listener.
func (b *Bot) Stop() {
	close(b.stopCh)
}

// TradeClosed pushes a closed-trade alert.
func (b *Bot) TradeClosed(pair string, pnl float64, mode, direction string) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "🔻"
	}
	b.sendText(fmt.Sprintf("%s %s %s %s closed: %+.2f USDT", emoji, pair, mode, direction, pnl))
}

// RiskStop pushes the consecutive-loss circuit breaker alert.
func (b *Bot) RiskStop(consecutiveLosses int) {
	b.sendText(fmt.Sprintf("🛑 %d consecutive losses, all pairs stopped. Use /start_all after review.", consecutiveLosses))
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	if b.chatID != 0 && msg.Chat.ID != b.chatID {
		return
	}

	log.Debug().
		Int64("chat_id", msg.Chat.ID).
		Str("command", msg.Command()).
		Msg("Received command")

	if b.mgr == nil {
		b.sendText("⏳ Bot manager is still starting")
		return
	}

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "stats":
		b.cmdStats()
	case "exposure":
		b.sendText(fmt.Sprintf("💼 Total exposure: %.2f USDT", b.mgr.TotalExposure()))
	case "stop_all":
		b.mgr.StopAllPairs()
		b.sendText("⏹️ All pairs stopped")
	case "start_all":
		b.cmdStartAll()
	case "close_all":
		b.mgr.CloseAllPositionsNow(context.Background())
		b.sendText("💥 Close requested for all open positions")
	case "emergency":
		b.mgr.EmergencyStop(context.Background())
		b.sendText("🚨 Emergency stop executed, open orders cancelled")
	default:
		b.sendText("❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) cmdHelp() {
	b.sendText(strings.Join([]string{
		"📖 Commands:",
		"/status - pairs and their state",
		"/stats - accumulated results per pair",
		"/exposure - total open cost basis",
		"/start_all - start every startable pair",
		"/stop_all - stop all pairs",
		"/close_all - market-close all open positions",
		"/emergency - cancel all open orders and stop",
	}, "\n"))
}

func (b *Bot) cmdStatus() {
	pairs := b.mgr.Pairs()
	if len(pairs) == 0 {
		b.sendText("No pairs configured")
		return
	}
	sort.Strings(pairs)

	stats := b.mgr.Statistics()
	var sb strings.Builder
	sb.WriteString("📊 Pairs:\n")
	for _, pair := range pairs {
		st := stats[pair]
		fmt.Fprintf(&sb, "%s [%s/%s] trades=%d pnl=%+.2f\n", pair, st.Exchange, st.Mode, st.Trades, st.PnlUSDT)
	}
	b.sendText(sb.String())
}

func (b *Bot) cmdStats() {
	stats := b.mgr.Statistics()
	if len(stats) == 0 {
		b.sendText("No statistics yet")
		return
	}

	pairs := make([]string, 0, len(stats))
	for pair := range stats {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	var sb strings.Builder
	sb.WriteString("📈 Statistics:\n")
	for _, pair := range pairs {
		st := stats[pair]
		winRate := 0.0
		if st.Trades > 0 {
			winRate = float64(st.WinTrades) / float64(st.Trades) * 100.0
		}
		fmt.Fprintf(&sb, "%s: %d trades, %.0f%% wins, %+.2f USDT\n", pair, st.Trades, winRate, st.PnlUSDT)
	}
	b.sendText(sb.String())
}

func (b *Bot) cmdStartAll() {
	started := 0
	for _, pair := range b.mgr.Pairs() {
		if err := b.mgr.StartPair(pair); err != nil {
			log.Warn().Err(err).Str("pair", pair).Msg("Start skipped")
			continue
		}
		started++
	}
	b.sendText(fmt.Sprintf("▶️ Started %d pairs", started))
}

func (b *Bot) sendText(text string) {
	if b.chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
