package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
)

// ErrConcurrentModification возвращается, когда установка нового поколения
// не удалась из-за параллельных обновлений даже после повторных попыток.
var ErrConcurrentModification = errors.New("параллельное изменение расписания")

// ErrEmptyMessage возвращается при создании записи без текста.
var ErrEmptyMessage = errors.New("пустой текст напоминания")

// ErrInvalidDays возвращается при некорректном наборе дней недели.
var ErrInvalidDays = errors.New("некорректный набор дней недели")

// ErrInvalidAuthority возвращается при неизвестном владельце будильников.
var ErrInvalidAuthority = errors.New("неизвестный владелец будильников записи")

// maxInstallAttempts ограничивает повторы установки при конфликте поколения.
const maxInstallAttempts = 3

// Service управляет жизненным циклом записей напоминаний: разбор рациона,
// сравнение с текущим поколением, снятие устаревших будильников и установка
// нового поколения. Операции одного пользователя сериализуются, разные
// пользователи друг друга не ждут.
type Service struct {
	users     domain.UserRepo
	records   domain.NotificationRepo
	extractor domain.ActivityExtractor
	builder   domain.NotificationBuilder
	scheduler domain.OccurrenceScheduler
	delivery  domain.DeliveryAdapter
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService создаёт сервис жизненного цикла.
func NewService(
	users domain.UserRepo,
	records domain.NotificationRepo,
	extractor domain.ActivityExtractor,
	builder domain.NotificationBuilder,
	scheduler domain.OccurrenceScheduler,
	delivery domain.DeliveryAdapter,
	log zerolog.Logger,
) *Service {
	return &Service{
		users:     users,
		records:   records,
		extractor: extractor,
		builder:   builder,
		scheduler: scheduler,
		delivery:  delivery,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Service) userLock(extID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[extID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[extID] = lock
	}
	return lock
}

// ReExtract разбирает текст рациона и устанавливает новое поколение записей.
// Повторный вызов с тем же текстом безопасен: набор активных записей
// сходится к тому же содержимому. Записи с origin = manual не затрагиваются.
func (s *Service) ReExtract(ctx context.Context, extID, dietText string) ([]domain.NotificationRecord, error) {
	lock := s.userLock(extID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.UpsertByExtID(extID)
	if err != nil {
		return nil, fmt.Errorf("регистрация пользователя: %w", err)
	}

	built := s.builder.Build(s.extractor.Extract(dietText))

	var installed, deactivated []domain.NotificationRecord
	for attempt := 1; ; attempt++ {
		fresh, err := s.users.GetByExtID(extID)
		if err != nil {
			return nil, fmt.Errorf("чтение поколения: %w", err)
		}

		prepared := make([]domain.NotificationRecord, len(built))
		for i, rec := range built {
			rec.UserID = fresh.ID
			rec.Generation = fresh.Generation + 1
			prepared[i] = rec
		}

		deactivated, err = s.records.InstallGeneration(fresh.ID, fresh.Generation, prepared)
		if err == nil {
			installed = prepared
			break
		}
		if !errors.Is(err, domain.ErrGenerationConflict) {
			return nil, fmt.Errorf("установка поколения: %w", err)
		}
		if attempt >= maxInstallAttempts {
			return nil, fmt.Errorf("%w: исчерпаны попытки установки", ErrConcurrentModification)
		}
		s.log.Warn().
			Str("user", extID).
			Int("attempt", attempt).
			Msg("lifecycle: конфликт поколения, повторяем установку")
	}

	// Будильники устаревших записей снимаются до взведения новых, чтобы у
	// одного слота не оказалось двух живых будильников.
	for _, rec := range deactivated {
		if err := s.delivery.Cancel(user.ID, rec.ID); err != nil {
			s.log.Error().Err(err).
				Str("user", extID).
				Str("record_id", rec.ID).
				Msg("lifecycle: не удалось снять будильник устаревшей записи")
		}
	}

	loc := s.scheduler.Location(user)
	now := time.Now()
	for _, rec := range installed {
		s.arm(rec, now, loc, extID)
	}

	s.log.Info().
		Str("user", extID).
		Int("installed", len(installed)).
		Int("deactivated", len(deactivated)).
		Msg("lifecycle: поколение установлено")
	return installed, nil
}

// List возвращает пользователя и все его записи.
func (s *Service) List(ctx context.Context, extID string) (domain.User, []domain.NotificationRecord, error) {
	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return domain.User{}, nil, fmt.Errorf("получение пользователя: %w", err)
	}
	records, err := s.records.ListByUser(user.ID)
	if err != nil {
		return domain.User{}, nil, fmt.Errorf("список записей: %w", err)
	}
	return user, records, nil
}

// RecordUpdate описывает частичное обновление записи; nil-поля не меняются.
type RecordUpdate struct {
	Message      *string
	Time         *string
	SelectedDays []domain.Weekday
	IsActive     *bool
	Authority    *domain.RecordAuthority
}

// UpdateRecord меняет запись пользователя и перевзводит её будильники.
// Идентификатор записи при изменении текста или времени сохраняется: id —
// это ручка записи для клиента, а не контрольная сумма текущего содержимого.
func (s *Service) UpdateRecord(ctx context.Context, extID, recordID string, upd RecordUpdate) (domain.NotificationRecord, error) {
	lock := s.userLock(extID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("получение пользователя: %w", err)
	}
	rec, err := s.records.Get(user.ID, recordID)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("получение записи: %w", err)
	}

	if upd.Message != nil {
		msg := strings.TrimSpace(*upd.Message)
		if msg == "" {
			return domain.NotificationRecord{}, ErrEmptyMessage
		}
		rec.Message = msg
	}
	if upd.Time != nil {
		rec.Time = *upd.Time
		if _, _, err := rec.Clock(); err != nil {
			return domain.NotificationRecord{}, err
		}
	}
	if upd.SelectedDays != nil {
		days, err := normalizeDays(upd.SelectedDays)
		if err != nil {
			return domain.NotificationRecord{}, err
		}
		rec.SelectedDays = days
	}
	if upd.IsActive != nil {
		rec.IsActive = *upd.IsActive
	}
	if upd.Authority != nil {
		switch *upd.Authority {
		case domain.AuthorityServer, domain.AuthorityDevice:
			rec.Authority = *upd.Authority
		default:
			return domain.NotificationRecord{}, fmt.Errorf("%w: %q", ErrInvalidAuthority, *upd.Authority)
		}
	}

	if err := s.delivery.Cancel(user.ID, rec.ID); err != nil {
		s.log.Error().Err(err).
			Str("user", extID).
			Str("record_id", rec.ID).
			Msg("lifecycle: не удалось снять будильник перед обновлением")
	}

	updated, err := s.records.Update(rec)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("обновление записи: %w", err)
	}
	if updated.IsActive {
		s.arm(updated, time.Now(), s.scheduler.Location(user), extID)
	}
	return updated, nil
}

// CreateManual создаёт запись вручную. Такие записи живут вне поколений
// разбора: повторный разбор рациона их не деактивирует.
func (s *Service) CreateManual(ctx context.Context, extID, message, timeOfDay string, days []domain.Weekday, authority domain.RecordAuthority) (domain.NotificationRecord, error) {
	lock := s.userLock(extID)
	lock.Lock()
	defer lock.Unlock()

	message = strings.TrimSpace(message)
	if message == "" {
		return domain.NotificationRecord{}, ErrEmptyMessage
	}
	normalizedDays, err := normalizeDays(days)
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	if authority == "" {
		authority = domain.AuthorityDevice
	}

	user, err := s.users.UpsertByExtID(extID)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("регистрация пользователя: %w", err)
	}

	rec := domain.NotificationRecord{
		UserID:       user.ID,
		Message:      message,
		Time:         timeOfDay,
		SelectedDays: normalizedDays,
		IsActive:     true,
		Origin:       domain.OriginManual,
		Authority:    authority,
		Generation:   user.Generation,
	}
	hour, minute, err := rec.Clock()
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	rec.ID = domain.SlotID(hour, minute, message)

	created, err := s.records.Create(rec)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("создание записи: %w", err)
	}
	s.arm(created, time.Now(), s.scheduler.Location(user), extID)
	return created, nil
}

// Remove удаляет запись пользователя насовсем. Деактивация при повторном
// разборе записи не удаляет; это делает только явное действие пользователя.
func (s *Service) Remove(ctx context.Context, extID, recordID string) error {
	lock := s.userLock(extID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if err := s.delivery.Cancel(user.ID, recordID); err != nil {
		s.log.Error().Err(err).
			Str("user", extID).
			Str("record_id", recordID).
			Msg("lifecycle: не удалось снять будильник удаляемой записи")
	}
	if err := s.records.Delete(user.ID, recordID); err != nil {
		return fmt.Errorf("удаление записи: %w", err)
	}
	return nil
}

// CancelAll снимает все серверные будильники пользователя и деактивирует
// извлечённые записи. Ручные записи остаются активными: их будильниками
// владеет устройство. Возвращает число снятых записей.
func (s *Service) CancelAll(ctx context.Context, extID string) (int, error) {
	lock := s.userLock(extID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return 0, fmt.Errorf("получение пользователя: %w", err)
	}
	records, err := s.records.ListByUser(user.ID)
	if err != nil {
		return 0, fmt.Errorf("список записей: %w", err)
	}

	cancelled := 0
	for _, rec := range records {
		if rec.Authority != domain.AuthorityServer {
			continue
		}
		if err := s.delivery.Cancel(user.ID, rec.ID); err != nil {
			s.log.Error().Err(err).
				Str("user", extID).
				Str("record_id", rec.ID).
				Msg("lifecycle: не удалось снять будильник")
			continue
		}
		cancelled++
		if rec.Origin.Extracted() && rec.IsActive {
			rec.IsActive = false
			if _, err := s.records.Update(rec); err != nil {
				s.log.Error().Err(err).
					Str("user", extID).
					Str("record_id", rec.ID).
					Msg("lifecycle: не удалось деактивировать запись")
			}
		}
	}
	return cancelled, nil
}

// ScheduleAll взводит будильники всех активных серверных записей
// пользователя. Операция идемпотентна: повторный вызов не создаёт
// дубликатов — арсенал будильников хранится по паре (запись, срабатывание).
func (s *Service) ScheduleAll(ctx context.Context, extID string) (int, error) {
	lock := s.userLock(extID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.GetByExtID(extID)
	if err != nil {
		return 0, fmt.Errorf("получение пользователя: %w", err)
	}
	records, err := s.records.ListActive(user.ID)
	if err != nil {
		return 0, fmt.Errorf("список активных записей: %w", err)
	}

	loc := s.scheduler.Location(user)
	now := time.Now()
	scheduled := 0
	for _, rec := range records {
		if rec.Authority != domain.AuthorityServer {
			continue
		}
		occ, err := s.scheduler.NextOccurrence(rec, now, loc)
		if err != nil {
			s.log.Error().Err(err).
				Str("user", extID).
				Str("record_id", rec.ID).
				Msg("lifecycle: не удалось вычислить срабатывание")
			continue
		}
		if err := s.delivery.Schedule(rec, occ); err != nil {
			s.log.Error().Err(err).
				Str("user", extID).
				Str("record_id", rec.ID).
				Msg("lifecycle: не удалось взвести будильник")
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// arm вычисляет ближайшее срабатывание и взводит будильник. Ошибки доставки
// не откатывают состояние записей: неудачное взведение чинится повторным
// ScheduleAll или очередным проходом планировщика.
func (s *Service) arm(rec domain.NotificationRecord, now time.Time, loc *time.Location, extID string) {
	occ, err := s.scheduler.NextOccurrence(rec, now, loc)
	if err != nil {
		s.log.Error().Err(err).
			Str("user", extID).
			Str("record_id", rec.ID).
			Msg("lifecycle: не удалось вычислить срабатывание")
		return
	}
	if err := s.delivery.Schedule(rec, occ); err != nil {
		s.log.Error().Err(err).
			Str("user", extID).
			Str("record_id", rec.ID).
			Msg("lifecycle: не удалось взвести будильник")
	}
}

// normalizeDays проверяет дни, убирает повторы и сортирует набор.
func normalizeDays(days []domain.Weekday) ([]domain.Weekday, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("%w: пустой набор", ErrInvalidDays)
	}
	seen := make(map[domain.Weekday]struct{}, len(days))
	out := make([]domain.Weekday, 0, len(days))
	for _, d := range days {
		if !d.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidDays, d)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
