package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
)

type stubUserRepo struct {
	user        domain.User
	getErr      error
	savedTZ     string
	savedChan   domain.DeliveryChannel
	savedChatID int64
	savedPush   string
}

func (s *stubUserRepo) UpsertByExtID(extID string) (domain.User, error) {
	return s.user, nil
}

func (s *stubUserRepo) GetByExtID(extID string) (domain.User, error) {
	if s.getErr != nil {
		return domain.User{}, s.getErr
	}
	return s.user, nil
}

func (s *stubUserRepo) GetByChatID(chatID int64) (domain.User, error) {
	if s.user.ChatID == chatID {
		return s.user, nil
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (s *stubUserRepo) UpdateTimezone(userID int64, tz string) (domain.User, error) {
	s.savedTZ = tz
	u := s.user
	u.Timezone = tz
	return u, nil
}

func (s *stubUserRepo) UpdateChannel(userID int64, channel domain.DeliveryChannel, chatID int64, pushTarget string) (domain.User, error) {
	s.savedChan, s.savedChatID, s.savedPush = channel, chatID, pushTarget
	u := s.user
	u.Channel = channel
	return u, nil
}

func newTestService(repo domain.UserRepo) *Service {
	return NewService(repo, "Asia/Kolkata", zerolog.Nop())
}

func record(time string, days ...domain.Weekday) domain.NotificationRecord {
	return domain.NotificationRecord{
		ID:           "rec-test",
		Message:      "jeera water",
		Time:         time,
		SelectedDays: days,
		IsActive:     true,
		Origin:       domain.OriginExtraction,
		Authority:    domain.AuthorityServer,
	}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("не удалось загрузить пояс %s: %v", name, err)
	}
	return loc
}

func TestNextOccurrenceTomorrow(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	// Среда 10:00, цель — четверг 05:30.
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, loc)
	occ, err := svc.NextOccurrence(record("05:30", domain.Thursday), now, loc)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	want := time.Date(2026, 8, 20, 5, 30, 0, 0, loc)
	if !occ.Local.Equal(want) {
		t.Fatalf("ожидали %v, получили %v", want, occ.Local)
	}
	if !occ.UTC.Equal(want.UTC()) {
		t.Fatalf("UTC-момент не совпадает: %v != %v", occ.UTC, want.UTC())
	}
}

func TestNextOccurrenceSameDayPassedRollsWeek(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	// Четверг 22:30, цель — четверг 05:30: слот уже прошёл.
	now := time.Date(2026, 8, 20, 22, 30, 0, 0, loc)
	occ, err := svc.NextOccurrence(record("05:30", domain.Thursday), now, loc)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	want := time.Date(2026, 8, 27, 5, 30, 0, 0, loc)
	if !occ.Local.Equal(want) {
		t.Fatalf("ожидали перенос на неделю, получили %v", occ.Local)
	}
}

func TestNextOccurrenceEarlyMorningRollsWeek(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	// Четверг 06:00, цель — четверг 05:30: ровно семь дней вперёд, не ноль.
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, loc)
	occ, err := svc.NextOccurrence(record("05:30", domain.Thursday), now, loc)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if got := occ.Local.Sub(time.Date(2026, 8, 20, 5, 30, 0, 0, loc)); got != 7*24*time.Hour {
		t.Fatalf("ожидали ровно 7 суток, получили %v", got)
	}
}

func TestNextOccurrenceSameDayUpcomingSlot(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	// Четверг 05:00, цель — четверг 05:30: слот ещё впереди.
	now := time.Date(2026, 8, 20, 5, 0, 0, 0, loc)
	occ, err := svc.NextOccurrence(record("05:30", domain.Thursday), now, loc)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	want := time.Date(2026, 8, 20, 5, 30, 0, 0, loc)
	if !occ.Local.Equal(want) {
		t.Fatalf("ожидали сегодняшний слот %v, получили %v", want, occ.Local)
	}
}

func TestNextOccurrencePicksEarliestDay(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	// Среда 10:00, дни — понедельник и четверг: четверг ближе.
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, loc)
	occ, err := svc.NextOccurrence(record("05:30", domain.Monday, domain.Thursday), now, loc)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if got := domain.WeekdayOf(occ.Local.Weekday()); got != domain.Thursday {
		t.Fatalf("ожидали четверг, получили %v", got)
	}
}

func TestNextOccurrenceWeekdayRoundTrip(t *testing.T) {
	svc := newTestService(&stubUserRepo{})

	zones := []string{"Asia/Kolkata", "Europe/Amsterdam", "America/New_York"}
	nows := []time.Time{
		time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 27, 23, 30, 0, 0, time.UTC),
		time.Date(2026, 10, 24, 0, 5, 0, 0, time.UTC),
	}
	times := []string{"00:05", "05:30", "23:55"}

	for _, zone := range zones {
		loc := mustLoad(t, zone)
		for _, now := range nows {
			for _, hhmm := range times {
				for _, day := range domain.AllWeekdays() {
					occ, err := svc.NextOccurrence(record(hhmm, day), now, loc)
					if err != nil {
						t.Fatalf("не ожидали ошибку (%s %s %v): %v", zone, hhmm, day, err)
					}
					if occ.Local.Weekday() != day.Std() {
						t.Fatalf("локальный день не совпал: %s %s ожидали %v, получили %v",
							zone, hhmm, day.Std(), occ.Local.Weekday())
					}
					roundTrip := occ.UTC.In(loc)
					if roundTrip.Weekday() != day.Std() {
						t.Fatalf("день потерялся на пути local->UTC->local: %s %s ожидали %v, получили %v",
							zone, hhmm, day.Std(), roundTrip.Weekday())
					}
					if !roundTrip.Equal(occ.Local) {
						t.Fatalf("UTC и локальный моменты разошлись: %v != %v", roundTrip, occ.Local)
					}
				}
			}
		}
	}
}

func TestNextOccurrenceUsesOffsetOfTargetDate(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Europe/Amsterdam")

	// Пятница 27 марта 2026, CET (+01). Переход на летнее время — в ночь на
	// воскресенье 29 марта. Цель — воскресенье 09:00: корректный UTC = 07:00,
	// перенос смещения "сейчас" дал бы 08:00.
	now := time.Date(2026, 3, 27, 10, 0, 0, 0, loc)
	occ, err := svc.NextOccurrence(record("09:00", domain.Sunday), now, loc)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	wantLocal := time.Date(2026, 3, 29, 9, 0, 0, 0, loc)
	if !occ.Local.Equal(wantLocal) {
		t.Fatalf("ожидали %v, получили %v", wantLocal, occ.Local)
	}
	if occ.UTC.Hour() != 7 {
		t.Fatalf("смещение должно браться у даты срабатывания: ожидали 07:00 UTC, получили %02d:%02d",
			occ.UTC.Hour(), occ.UTC.Minute())
	}
}

func TestNextOccurrenceRejectsEmptyDays(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	_, err := svc.NextOccurrence(record("05:30"), time.Now(), loc)
	if !errors.Is(err, domain.ErrNoDaysSelected) {
		t.Fatalf("ожидали ErrNoDaysSelected, получили %v", err)
	}
}

func TestNextOccurrenceRejectsBadTime(t *testing.T) {
	svc := newTestService(&stubUserRepo{})
	loc := mustLoad(t, "Asia/Kolkata")

	_, err := svc.NextOccurrence(record("25:99", domain.Monday), time.Now(), loc)
	if !errors.Is(err, domain.ErrInvalidTime) {
		t.Fatalf("ожидали ErrInvalidTime, получили %v", err)
	}
}

func TestLocationFallsBackToDefault(t *testing.T) {
	svc := newTestService(&stubUserRepo{})

	def := svc.Location(domain.User{Timezone: ""})
	if def.String() != "Asia/Kolkata" {
		t.Fatalf("ожидали пояс по умолчанию, получили %s", def)
	}
	broken := svc.Location(domain.User{Timezone: "Mars/Olympus"})
	if broken.String() != "Asia/Kolkata" {
		t.Fatalf("некорректный пояс должен падать в пояс по умолчанию, получили %s", broken)
	}
	amsterdam := svc.Location(domain.User{Timezone: "Europe/Amsterdam"})
	if amsterdam.String() != "Europe/Amsterdam" {
		t.Fatalf("ожидали Europe/Amsterdam, получили %s", amsterdam)
	}
}

func TestUpdateTimezoneNormalizesName(t *testing.T) {
	repo := &stubUserRepo{user: domain.User{ID: 1, ExtID: "u-1"}}
	svc := newTestService(repo)

	user, err := svc.UpdateTimezone(context.Background(), "u-1", "europe/amsterdam")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.savedTZ != "Europe/Amsterdam" {
		t.Fatalf("ожидали нормализованный пояс, получили %q", repo.savedTZ)
	}
	if user.Timezone != "Europe/Amsterdam" {
		t.Fatalf("ответ должен содержать новый пояс, получили %q", user.Timezone)
	}
}

func TestUpdateTimezoneRejectsGarbage(t *testing.T) {
	svc := newTestService(&stubUserRepo{user: domain.User{ID: 1, ExtID: "u-1"}})

	if _, err := svc.UpdateTimezone(context.Background(), "u-1", "nowhere/special"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("ожидали ErrInvalidTimezone, получили %v", err)
	}
	if _, err := svc.UpdateTimezone(context.Background(), "u-1", "  "); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("ожидали ErrInvalidTimezone для пустого значения, получили %v", err)
	}
}

func TestUpdateChannel(t *testing.T) {
	repo := &stubUserRepo{user: domain.User{ID: 1, ExtID: "u-1"}}
	svc := newTestService(repo)

	user, err := svc.UpdateChannel(context.Background(), "u-1", domain.ChannelTelegram, 42, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.savedChan != domain.ChannelTelegram || repo.savedChatID != 42 {
		t.Fatalf("канал не сохранился: %q, chat_id=%d", repo.savedChan, repo.savedChatID)
	}
	if user.Channel != domain.ChannelTelegram {
		t.Fatalf("ответ должен содержать новый канал, получили %q", user.Channel)
	}

	if _, err := svc.UpdateChannel(context.Background(), "u-1", "pigeon", 0, ""); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("ожидали ErrUnknownChannel, получили %v", err)
	}
}
