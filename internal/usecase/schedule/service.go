package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// ErrUnknownChannel возвращается при неизвестном канале доставки.
var ErrUnknownChannel = errors.New("неизвестный канал доставки")

// Service вычисляет срабатывания напоминаний и хранит настройки расписания
// пользователя: часовой пояс и канал доставки.
type Service struct {
	users      domain.UserRepo
	defaultLoc *time.Location
	log        zerolog.Logger
}

// NewService создаёт сервис. defaultTZ используется, когда у пользователя
// пояс не задан или не загружается.
func NewService(users domain.UserRepo, defaultTZ string, log zerolog.Logger) *Service {
	loc, err := time.LoadLocation(defaultTZ)
	if err != nil {
		log.Error().Err(err).Str("timezone", defaultTZ).Msg("schedule: пояс по умолчанию не загрузился, используем UTC")
		loc = time.UTC
	}
	return &Service{users: users, defaultLoc: loc, log: log}
}

// NextOccurrence возвращает ближайшее срабатывание записи после now.
// Для каждого выбранного дня недели вычисляется кандидат; если слот
// сегодняшнего дня уже прошёл, он переносится на неделю вперёд. Из
// кандидатов берётся самый ранний. Перевод в UTC делается через сам
// кандидат, то есть со смещением его календарной даты, а не даты now:
// переходы на летнее время между now и срабатыванием учитываются.
func (s *Service) NextOccurrence(rec domain.NotificationRecord, now time.Time, loc *time.Location) (domain.Occurrence, error) {
	if len(rec.SelectedDays) == 0 {
		return domain.Occurrence{}, domain.ErrNoDaysSelected
	}
	hour, minute, err := rec.Clock()
	if err != nil {
		return domain.Occurrence{}, err
	}

	localNow := now.In(loc)
	nowWeekday := domain.WeekdayOf(localNow.Weekday())
	nowMinutes := localNow.Hour()*60 + localNow.Minute()
	targetMinutes := hour*60 + minute

	var best time.Time
	for _, day := range rec.SelectedDays {
		if !day.Valid() {
			return domain.Occurrence{}, fmt.Errorf("%w: %d", domain.ErrNoDaysSelected, day)
		}
		daysAhead := (int(day) - int(nowWeekday) + 7) % 7
		if daysAhead == 0 && nowMinutes >= targetMinutes {
			daysAhead = 7
		}
		candidate := time.Date(localNow.Year(), localNow.Month(), localNow.Day()+daysAhead, hour, minute, 0, 0, loc)
		if candidate.Weekday() != day.Std() {
			// Несуществующее локальное время: нормализация time.Date
			// перенесла кандидата через разрыв перехода на летнее время.
			s.log.Warn().
				Str("record_id", rec.ID).
				Time("candidate", candidate).
				Msg("schedule: локальное время попало в разрыв перехода, используем ближайший существующий момент")
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}

	return domain.Occurrence{Local: best, UTC: best.UTC()}, nil
}

// Location возвращает часовой пояс пользователя. Пустой или некорректный
// пояс не останавливает доставку: берётся пояс по умолчанию, а проблема
// уходит в лог.
func (s *Service) Location(user domain.User) *time.Location {
	if user.Timezone == "" {
		return s.defaultLoc
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		s.log.Warn().Err(err).
			Str("timezone", user.Timezone).
			Str("user", user.ExtID).
			Msg("schedule: не удалось загрузить часовой пояс пользователя, используем пояс по умолчанию")
		return s.defaultLoc
	}
	return loc
}

// UpdateTimezone сохраняет часовой пояс пользователя.
func (s *Service) UpdateTimezone(ctx context.Context, extID, timezone string) (domain.User, error) {
	normalized, err := normalizeTimezone(timezone)
	if err != nil {
		return domain.User{}, err
	}
	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return domain.User{}, fmt.Errorf("получение пользователя: %w", err)
	}
	updated, err := s.users.UpdateTimezone(user.ID, normalized)
	if err != nil {
		return domain.User{}, fmt.Errorf("обновление часового пояса: %w", err)
	}
	return updated, nil
}

// UpdateChannel сохраняет канал доставки напоминаний.
func (s *Service) UpdateChannel(ctx context.Context, extID string, channel domain.DeliveryChannel, chatID int64, pushTarget string) (domain.User, error) {
	switch channel {
	case domain.ChannelPush, domain.ChannelTelegram:
	default:
		return domain.User{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return domain.User{}, fmt.Errorf("получение пользователя: %w", err)
	}
	updated, err := s.users.UpdateChannel(user.ID, channel, chatID, pushTarget)
	if err != nil {
		return domain.User{}, fmt.Errorf("обновление канала доставки: %w", err)
	}
	return updated, nil
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
