package push

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"diet-notify/internal/adapters/telegram"
	"diet-notify/internal/domain"
	"diet-notify/internal/infra/metrics"
)

// TelegramSender доставляет напоминания сообщением в чат пользователя.
type TelegramSender struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramSender создаёт отправителя поверх Bot API.
func NewTelegramSender(bot *tgbotapi.BotAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

// Send отправляет одно напоминание. Текст длиннее лимита Telegram уходит
// несколькими сообщениями.
func (s *TelegramSender) Send(ctx context.Context, job domain.DispatchJob) error {
	if job.ChatID == 0 {
		return fmt.Errorf("у пользователя %s нет чата для доставки", job.UserExtID)
	}
	for _, part := range telegram.SplitMessage("⏰ " + job.Message) {
		msg := tgbotapi.NewMessage(job.ChatID, part)
		start := time.Now()
		_, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_reminder", strconv.FormatInt(job.ChatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("send reminder: %w", err)
		}
	}
	return nil
}

var _ domain.ReminderSender = (*TelegramSender)(nil)
