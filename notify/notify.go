// Package notify delivers human-readable status messages. The trading
// core depends only on the Notifier interface; delivery failures are a
// best-effort concern and never unwind a trade.
package notify

import "ocobot/logger"

// Notifier sends one status message.
type Notifier interface {
	Send(text string) error
}

// LogNotifier writes notifications to the process log. Used when no
// Telegram credentials are configured and as the fallback in tests.
type LogNotifier struct{}

func NewLogNotifier() LogNotifier { return LogNotifier{} }

func (LogNotifier) Send(text string) error {
	logger.Infof("📣 %s", text)
	return nil
}
