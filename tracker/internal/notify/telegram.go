package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"token-listener/shared/logger"
	"token-listener/shared/notifications"
	"token-listener/tracker/internal/multiplier"
)

// TelegramNotifier delivers multiple alerts through the shared Telegram
// machinery (globally rate limited, retried, MarkdownV2).
type TelegramNotifier struct {
	appLogger *logger.Logger
}

func NewTelegramNotifier(appLogger *logger.Logger) *TelegramNotifier {
	return &TelegramNotifier{appLogger: appLogger}
}

func (n *TelegramNotifier) MultiplierReached(ctx context.Context, ev multiplier.Event) error {
	message := FormatMultiplierAlert(ev, time.Now())
	notifications.SendTelegramMessage(message)
	n.appLogger.Info("Multiplier alert dispatched",
		"address", ev.Address, "symbol", ev.Symbol, "multiple", ev.NewMultiple)
	return nil
}

// FormatMultiplierAlert renders the alert message. Layout follows the alert
// the listener has always sent: multiple, market cap breakdown, time since
// entry and the usual explorer links.
func FormatMultiplierAlert(ev multiplier.Event, now time.Time) string {
	sinceEntry := now.Sub(ev.EntryTime)
	hours := int(sinceEntry.Hours())
	minutes := int(sinceEntry.Minutes()) % 60

	esc := notifications.EscapeMarkdownV2
	name := ev.Symbol
	if name == "" {
		name = ev.Address
	}

	return fmt.Sprintf(
		"💰 *Token Multiple Alert* 💰\n\n"+
			"🪙 Token: %s\n"+
			"🎯 Multiple: *%dx*\n\n"+
			"📊 Market Cap:\n"+
			"  • Initial: %s\n"+
			"  • Current: %s\n"+
			"  • Change: %s\n\n"+
			"⏱ Time since entry: %s\n\n"+
			"🔗 Quick Links:\n"+
			"• Birdeye: %s\n"+
			"• DexScreener: %s\n"+
			"• Solscan: %s",
		esc(name),
		ev.NewMultiple,
		esc("$"+formatUSD(ev.InitialMarketCap)),
		esc("$"+formatUSD(ev.CurrentMarketCap)),
		esc("+$"+formatUSD(ev.Delta())),
		esc(fmt.Sprintf("%dh %dm", hours, minutes)),
		esc(fmt.Sprintf("https://birdeye.so/token/%s", ev.Address)),
		esc(fmt.Sprintf("https://dexscreener.com/solana/%s", ev.Address)),
		esc(fmt.Sprintf("https://solscan.io/token/%s", ev.Address)),
	)
}

// formatUSD renders 1234567.891 as "1,234,567.89".
func formatUSD(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%.2f", v)
	dot := strings.IndexByte(s, '.')
	intPart, fracPart := s[:dot], s[dot:]

	var sb strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		sb.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(intPart[i : i+3])
	}
	out := sb.String() + fracPart
	if neg {
		out = "-" + out
	}
	return out
}
