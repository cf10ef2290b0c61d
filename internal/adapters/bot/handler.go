package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"diet-notify/internal/adapters/telegram"
	"diet-notify/internal/domain"
	"diet-notify/internal/infra/metrics"
)

// Handler обслуживает вебхук Telegram-бота. Бот привязывает чат к профилю
// приложения: после привязки серверные напоминания приходят сообщениями
// в этот чат вместо push-провайдера.
type Handler struct {
	bot     *tgbotapi.BotAPI
	log     zerolog.Logger
	users   domain.UserRepo
	records domain.NotificationRepo
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, users domain.UserRepo, records domain.NotificationRepo) *Handler {
	return &Handler{bot: bot, log: log, users: users, records: records}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID
	switch {
	case strings.HasPrefix(text, "/start"):
		h.reply(chatID, h.buildStartMessage(chatID), h.mainKeyboard())
	case strings.HasPrefix(text, "/help"):
		h.reply(chatID, h.buildHelpMessage(), h.mainKeyboard())
	case strings.HasPrefix(text, "/link"):
		extID := strings.TrimSpace(strings.TrimPrefix(text, "/link"))
		h.handleLink(chatID, extID)
	case strings.HasPrefix(text, "/unlink"):
		h.handleUnlink(chatID)
	case strings.HasPrefix(text, "/list"):
		h.handleList(chatID)
	case strings.HasPrefix(text, "/id"):
		h.reply(chatID, fmt.Sprintf("ID этого чата: %d", chatID), nil)
	default:
		h.reply(chatID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleLink(chatID int64, extID string) {
	if extID == "" {
		h.reply(chatID, "Отправьте /link и идентификатор профиля из приложения, например: /link user-1042", nil)
		return
	}
	user, err := h.users.GetByExtID(extID)
	if errors.Is(err, domain.ErrUserNotFound) {
		h.reply(chatID, "Профиль не найден. Проверьте идентификатор в настройках приложения.", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("ext_id", extID).Msg("bot: не удалось найти профиль")
		h.reply(chatID, "Не удалось проверить профиль, попробуйте позже.", nil)
		return
	}
	if _, err := h.users.UpdateChannel(user.ID, domain.ChannelTelegram, chatID, user.PushTarget); err != nil {
		h.log.Error().Err(err).Int64("user_id", user.ID).Msg("bot: не удалось привязать чат")
		h.reply(chatID, "Не удалось привязать чат, попробуйте позже.", nil)
		return
	}
	lines := []string{"Чат привязан. Серверные напоминания теперь приходят сюда."}
	if records, err := h.records.ListActive(user.ID); err == nil {
		lines = append(lines, fmt.Sprintf("Активных напоминаний: %d.", len(records)))
	}
	h.reply(chatID, strings.Join(lines, "\n"), h.mainKeyboard())
}

func (h *Handler) handleUnlink(chatID int64) {
	user, err := h.users.GetByChatID(chatID)
	if errors.Is(err, domain.ErrUserNotFound) {
		h.reply(chatID, "Этот чат не привязан к профилю.", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("chat_id", chatID).Msg("bot: не удалось найти привязку чата")
		h.reply(chatID, "Не удалось проверить привязку, попробуйте позже.", nil)
		return
	}
	if _, err := h.users.UpdateChannel(user.ID, domain.ChannelPush, 0, user.PushTarget); err != nil {
		h.log.Error().Err(err).Int64("user_id", user.ID).Msg("bot: не удалось отвязать чат")
		h.reply(chatID, "Не удалось отвязать чат, попробуйте позже.", nil)
		return
	}
	if user.PushTarget == "" {
		h.reply(chatID, "Чат отвязан. Push-адрес не задан, поэтому серверная доставка приостановлена до настройки в приложении.", nil)
		return
	}
	h.reply(chatID, "Чат отвязан. Напоминания продолжат приходить через push.", nil)
}

func (h *Handler) handleList(chatID int64) {
	user, err := h.users.GetByChatID(chatID)
	if errors.Is(err, domain.ErrUserNotFound) {
		h.reply(chatID, "Этот чат не привязан. Отправьте /link и идентификатор профиля.", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("chat_id", chatID).Msg("bot: не удалось найти привязку чата")
		h.reply(chatID, "Не удалось проверить привязку, попробуйте позже.", nil)
		return
	}
	records, err := h.records.ListActive(user.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", user.ID).Msg("bot: не удалось получить напоминания")
		h.reply(chatID, "Не удалось получить список напоминаний, попробуйте позже.", nil)
		return
	}
	if len(records) == 0 {
		h.reply(chatID, "Активных напоминаний нет.", nil)
		return
	}
	h.reply(chatID, buildRecordsList(records, user.Timezone), nil)
}

func (h *Handler) handleCallback(cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	switch cb.Data {
	case "my_reminders":
		h.handleList(chatID)
	case "unlink_chat":
		h.handleUnlink(chatID)
	case "chat_id":
		h.reply(chatID, fmt.Sprintf("ID этого чата: %d", chatID), nil)
	case "help_menu":
		h.reply(chatID, h.buildHelpMessage(), h.mainKeyboard())
	}
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(cb.From.ID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("bot: не удалось ответить на callback")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("bot: не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 Мои напоминания", "my_reminders"),
			tgbotapi.NewInlineKeyboardButtonData("🆔 ID чата", "chat_id"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔌 Отвязать чат", "unlink_chat"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help_menu"),
		),
	)
	return &buttons
}

func (h *Handler) buildStartMessage(chatID int64) string {
	lines := []string{
		"👋 Это бот напоминаний о приёмах пищи.",
		"",
		"Привяжите чат к профилю приложения, и серверные напоминания будут приходить сюда:",
		"1. Откройте настройки приложения и скопируйте идентификатор профиля.",
		fmt.Sprintf("2. Отправьте команду /link <идентификатор> в этот чат (ID чата: %d).", chatID),
		"",
		"После привязки доступны /list и /unlink, полный список — в /help.",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"📖 Команды бота:",
		"",
		"• /link user-1042 — привязать чат к профилю приложения.",
		"• /list — показать активные напоминания.",
		"• /unlink — отвязать чат и вернуть доставку через push.",
		"• /id — показать ID этого чата.",
		"",
		"Канал доставки также можно переключить в настройках приложения.",
	}
	return strings.Join(lines, "\n")
}

var weekdayShort = [...]string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}

func formatDays(rec domain.NotificationRecord) string {
	if len(rec.SelectedDays) == len(domain.AllWeekdays()) {
		return "ежедневно"
	}
	parts := make([]string, 0, len(rec.SelectedDays))
	for _, d := range domain.AllWeekdays() {
		if rec.HasDay(d) {
			parts = append(parts, weekdayShort[d])
		}
	}
	return strings.Join(parts, ", ")
}

func recordLine(idx int, rec domain.NotificationRecord) string {
	line := fmt.Sprintf("%d. %s — %s (%s)", idx, rec.Time, rec.Message, formatDays(rec))
	if rec.Origin == domain.OriginExtractionUndetermined {
		line += " ⚠️ день не распознан"
	}
	return line
}

func buildRecordsList(records []domain.NotificationRecord, tz string) string {
	var b strings.Builder
	b.WriteString("Ваши активные напоминания:\n")
	for i, rec := range records {
		b.WriteString(recordLine(i+1, rec) + "\n")
	}
	if tz != "" {
		b.WriteString(fmt.Sprintf("\nВремя указано в поясе %s.", tz))
	}
	return b.String()
}
