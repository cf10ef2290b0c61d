package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Weekday нумерует дни недели с понедельника: 0 — понедельник, 6 — воскресенье.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// WeekdayOf переводит стандартную нумерацию time.Weekday (воскресенье = 0)
// в нумерацию с понедельника.
func WeekdayOf(w time.Weekday) Weekday {
	return Weekday((int(w) + 6) % 7)
}

// Std возвращает стандартный time.Weekday для дня.
func (w Weekday) Std() time.Weekday {
	return time.Weekday((int(w) + 1) % 7)
}

// Valid сообщает, входит ли значение в диапазон 0..6.
func (w Weekday) Valid() bool {
	return w >= Monday && w <= Sunday
}

// AllWeekdays возвращает все семь дней по порядку, начиная с понедельника.
func AllWeekdays() []Weekday {
	return []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
}

// DeliveryChannel определяет, каким транспортом доставляется напоминание.
type DeliveryChannel string

const (
	// ChannelPush — доставка через внешнего push-провайдера.
	ChannelPush DeliveryChannel = "push"
	// ChannelTelegram — доставка сообщением Telegram-бота.
	ChannelTelegram DeliveryChannel = "telegram"
)

// RecordOrigin описывает происхождение записи напоминания.
type RecordOrigin string

const (
	// OriginExtraction — запись построена из текста рациона с явным днём недели.
	OriginExtraction RecordOrigin = "extraction"
	// OriginExtractionUndetermined — время найдено без дня недели; до уточнения
	// пользователем запись срабатывает ежедневно.
	OriginExtractionUndetermined RecordOrigin = "extraction_undetermined"
	// OriginManual — запись создана пользователем вручную и не затирается
	// повторным разбором рациона.
	OriginManual RecordOrigin = "manual"
)

// Extracted сообщает, получена ли запись из разбора текста рациона.
func (o RecordOrigin) Extracted() bool {
	return o == OriginExtraction || o == OriginExtractionUndetermined
}

// RecordAuthority указывает, чей планировщик владеет будильниками записи.
type RecordAuthority string

const (
	// AuthorityServer — будильники взводит серверный планировщик.
	AuthorityServer RecordAuthority = "server"
	// AuthorityDevice — будильники живут на устройстве, сервер их не трогает.
	AuthorityDevice RecordAuthority = "device"
)

// User хранит настройки пользователя, нужные движку напоминаний.
type User struct {
	ID         int64
	ExtID      string
	Timezone   string
	Channel    DeliveryChannel
	ChatID     int64
	PushTarget string
	Generation int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Activity — одна строка рациона с распознанным временем приёма.
// SourceLine хранит исходную строку для диагностики разбора.
type Activity struct {
	Day        *Weekday
	Hour       int
	Minute     int
	Text       string
	SourceLine string
}

// NotificationRecord описывает повторяющееся напоминание пользователя.
type NotificationRecord struct {
	ID           string
	UserID       int64
	Message      string
	Time         string
	SelectedDays []Weekday
	IsActive     bool
	Origin       RecordOrigin
	Authority    RecordAuthority
	Generation   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clock разбирает поле Time формата "HH:MM".
func (r NotificationRecord) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", r.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, r.Time)
	}
	return t.Hour(), t.Minute(), nil
}

// HasDay сообщает, выбран ли день в записи.
func (r NotificationRecord) HasDay(d Weekday) bool {
	for _, sel := range r.SelectedDays {
		if sel == d {
			return true
		}
	}
	return false
}

// FormatTime собирает поле Time из часа и минуты.
func FormatTime(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// SlotID детерминированно выводит идентификатор записи из времени и текста.
// Повторный разбор того же рациона даёт те же идентификаторы.
func SlotID(hour, minute int, text string) string {
	sum := sha256.Sum256([]byte(FormatTime(hour, minute) + "|" + text))
	return hex.EncodeToString(sum[:])[:16]
}

// Occurrence — ближайшее срабатывание напоминания в двух системах отсчёта.
type Occurrence struct {
	Local time.Time
	UTC   time.Time
}
