package telegram

import (
	"fmt"
	"log/slog"
	"strings"
)

// telegoLogger adapts slog logger to telego.Logger and keeps the bot token out of log lines.
type telegoLogger struct {
	log   *slog.Logger
	token string
}

func (l telegoLogger) Debugf(format string, args ...any) {
	l.log.Debug("telego", "message", l.redact(formatMessage(format, args...)))
}

func (l telegoLogger) Errorf(format string, args ...any) {
	l.log.Error("telego", "message", l.redact(formatMessage(format, args...)))
}

func (l telegoLogger) redact(message string) string {
	if l.token == "" {
		return message
	}
	return strings.ReplaceAll(message, l.token, "BOT_TOKEN")
}

func formatMessage(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
