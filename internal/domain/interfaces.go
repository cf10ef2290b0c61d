package domain

import (
	"errors"
	"time"
)

// ErrUserNotFound возвращается, когда пользователь не зарегистрирован в движке.
var ErrUserNotFound = errors.New("пользователь не найден")

// ErrRecordNotFound возвращается, когда запись напоминания не найдена.
var ErrRecordNotFound = errors.New("запись напоминания не найдена")

// ErrRecordExists возвращается при создании записи с уже занятым слотом.
var ErrRecordExists = errors.New("запись для этого слота уже существует")

// ErrGenerationConflict возвращается, когда установка поколения проиграла
// гонку параллельному разбору рациона того же пользователя.
var ErrGenerationConflict = errors.New("конфликт поколения расписания")

// ErrInvalidTime возвращается при разборе некорректного поля времени.
var ErrInvalidTime = errors.New("некорректное время напоминания")

// ErrNoDaysSelected возвращается, когда у записи пустой набор дней.
var ErrNoDaysSelected = errors.New("у записи не выбраны дни недели")

// ActivityExtractor разбирает текст рациона в последовательность активностей.
type ActivityExtractor interface {
	Extract(text string) []Activity
}

// NotificationBuilder сворачивает активности в записи напоминаний.
type NotificationBuilder interface {
	Build(activities []Activity) []NotificationRecord
}

// OccurrenceScheduler вычисляет ближайшее срабатывание записи и определяет
// часовой пояс пользователя.
type OccurrenceScheduler interface {
	NextOccurrence(rec NotificationRecord, now time.Time, loc *time.Location) (Occurrence, error)
	Location(user User) *time.Location
}

// DeliveryAdapter управляет будильниками записи во внешнем планировщике.
// Schedule взводит не более одного будильника на пару (запись, срабатывание),
// Cancel снимает невыстрелившие будильники и молча игнорирует неизвестные записи.
type DeliveryAdapter interface {
	Schedule(rec NotificationRecord, occ Occurrence) error
	Cancel(userID int64, recordID string) error
}

// UserRepo управляет пользователями движка.
type UserRepo interface {
	UpsertByExtID(extID string) (User, error)
	GetByExtID(extID string) (User, error)
	// GetByChatID возвращает пользователя, привязавшего Telegram-чат.
	GetByChatID(chatID int64) (User, error)
	UpdateTimezone(userID int64, tz string) (User, error)
	UpdateChannel(userID int64, channel DeliveryChannel, chatID int64, pushTarget string) (User, error)
}

// NotificationRepo управляет записями напоминаний.
type NotificationRepo interface {
	ListByUser(userID int64) ([]NotificationRecord, error)
	ListActive(userID int64) ([]NotificationRecord, error)
	Get(userID int64, recordID string) (NotificationRecord, error)
	Create(rec NotificationRecord) (NotificationRecord, error)
	Update(rec NotificationRecord) (NotificationRecord, error)
	Delete(userID int64, recordID string) error
	// InstallGeneration атомарно ставит новый набор извлечённых записей:
	// сверяет поколение пользователя с expectedGen, деактивирует извлечённые
	// записи вне нового набора, записывает новый набор активным с поколением
	// expectedGen+1 и возвращает деактивированные записи. При несовпадении
	// поколения возвращает ErrGenerationConflict.
	InstallGeneration(userID int64, expectedGen int64, records []NotificationRecord) ([]NotificationRecord, error)
}

// DispatchRepo хранит взведённые будильники серверного планировщика.
type DispatchRepo interface {
	// Arm взводит будильник на срабатывание и возвращает true, если запись
	// была создана. Повторное взведение той же пары молча даёт false.
	Arm(rec NotificationRecord, occurrenceUTC time.Time) (bool, error)
	// DisarmPending снимает невыстрелившие будильники записи.
	DisarmPending(userID int64, recordID string) (int64, error)
	ListDue(now time.Time) ([]DueDispatch, error)
	// MarkFired атомарно помечает будильник выстрелившим; false — будильник
	// уже забрал другой экземпляр планировщика.
	MarkFired(userID int64, recordID string, occurrenceUTC, firedAt time.Time) (bool, error)
	MarkSkipped(userID int64, recordID string, occurrenceUTC time.Time) (bool, error)
}

// DueDispatch — выстреливший будильник вместе с данными для доставки.
type DueDispatch struct {
	Record     NotificationRecord
	User       User
	Occurrence time.Time
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
