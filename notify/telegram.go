package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ocobot/logger"
)

// TelegramNotifier sends messages to a fixed chat via a bot token. A
// machine-name prefix distinguishes multiple deployments reporting to
// the same chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	prefix string
}

// NewTelegramNotifier validates the token against the Telegram API.
func NewTelegramNotifier(token string, chatID int64, prefix string) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Infof("✅ Telegram notifier ready (bot: %s, chat: %d)", bot.Self.UserName, chatID)
	return &TelegramNotifier{bot: bot, chatID: chatID, prefix: prefix}, nil
}

// Send delivers one message. Markdown formatting errors degrade to a
// plain-text retry so a notification is never lost to bad escaping.
func (n *TelegramNotifier) Send(text string) error {
	if n.prefix != "" {
		text = fmt.Sprintf("💻 *%s* — %s", n.prefix, text)
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		logger.Warnf("⚠️  Telegram markdown send failed, retrying plain: %v", err)
		plain := tgbotapi.NewMessage(n.chatID, text)
		if _, err2 := n.bot.Send(plain); err2 != nil {
			return fmt.Errorf("telegram send failed: %w", err2)
		}
	}
	return nil
}
