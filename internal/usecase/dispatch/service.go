package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
)

// defaultLateWindow ограничивает опоздание, с которым напоминание ещё имеет
// смысл отправлять. Более старые срабатывания помечаются пропущенными.
const defaultLateWindow = 10 * time.Minute

// Service выполняет один проход планировщика: выбирает созревшие будильники,
// атомарно забирает каждый из них, ставит задачу доставки в очередь и
// взводит следующее срабатывание записи. Проход можно запускать в нескольких
// экземплярах: забор будильника — единственная точка записи состояния
// "уже отправлено", и она атомарна.
type Service struct {
	dispatches domain.DispatchRepo
	queue      domain.DispatchQueue
	scheduler  domain.OccurrenceScheduler
	delivery   domain.DeliveryAdapter
	lateWindow time.Duration
	log        zerolog.Logger
}

// NewService создаёт сервис прохода. lateWindow <= 0 включает значение по умолчанию.
func NewService(
	dispatches domain.DispatchRepo,
	queue domain.DispatchQueue,
	scheduler domain.OccurrenceScheduler,
	delivery domain.DeliveryAdapter,
	lateWindow time.Duration,
	log zerolog.Logger,
) *Service {
	if lateWindow <= 0 {
		lateWindow = defaultLateWindow
	}
	return &Service{
		dispatches: dispatches,
		queue:      queue,
		scheduler:  scheduler,
		delivery:   delivery,
		lateWindow: lateWindow,
		log:        log,
	}
}

// Tick обрабатывает все созревшие будильники. Начатый проход доводится до
// конца даже при остановке службы: ctx используется только для постановки в
// очередь. Возвращает число отправленных в доставку и пропущенных будильников.
func (s *Service) Tick(ctx context.Context) (enqueued, skipped int, err error) {
	now := time.Now().UTC()
	due, err := s.dispatches.ListDue(now)
	if err != nil {
		return 0, 0, fmt.Errorf("выборка созревших будильников: %w", err)
	}

	for _, item := range due {
		if now.Sub(item.Occurrence) > s.lateWindow {
			if s.markSkipped(item) {
				skipped++
				s.rearm(item, now)
			}
			continue
		}

		taken, err := s.dispatches.MarkFired(item.User.ID, item.Record.ID, item.Occurrence, now)
		if err != nil {
			s.log.Error().Err(err).
				Str("record_id", item.Record.ID).
				Time("occurrence", item.Occurrence).
				Msg("dispatch: не удалось забрать будильник")
			continue
		}
		if !taken {
			// Будильник уже забрал другой экземпляр планировщика.
			continue
		}

		job := domain.DispatchJob{
			ID:            uuid.NewString(),
			UserExtID:     item.User.ExtID,
			RecordID:      item.Record.ID,
			Message:       item.Record.Message,
			Channel:       item.User.Channel,
			ChatID:        item.User.ChatID,
			PushTarget:    item.User.PushTarget,
			OccurrenceUTC: item.Occurrence,
			RequestedAt:   now,
			Cause:         domain.DispatchCauseScheduled,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).
				Str("record_id", item.Record.ID).
				Str("job_id", job.ID).
				Msg("dispatch: не удалось поставить задачу доставки в очередь")
		} else {
			enqueued++
		}

		s.rearm(item, now)
	}
	return enqueued, skipped, nil
}

func (s *Service) markSkipped(item domain.DueDispatch) bool {
	ok, err := s.dispatches.MarkSkipped(item.User.ID, item.Record.ID, item.Occurrence)
	if err != nil {
		s.log.Error().Err(err).
			Str("record_id", item.Record.ID).
			Time("occurrence", item.Occurrence).
			Msg("dispatch: не удалось пометить будильник пропущенным")
		return false
	}
	if ok {
		s.log.Warn().
			Str("record_id", item.Record.ID).
			Time("occurrence", item.Occurrence).
			Msg("dispatch: срабатывание слишком старое, пропускаем")
	}
	return ok
}

// rearm взводит следующее срабатывание записи после только что обработанного.
func (s *Service) rearm(item domain.DueDispatch, now time.Time) {
	after := now
	if item.Occurrence.After(after) {
		after = item.Occurrence
	}
	loc := s.scheduler.Location(item.User)
	occ, err := s.scheduler.NextOccurrence(item.Record, after, loc)
	if err != nil {
		s.log.Error().Err(err).
			Str("record_id", item.Record.ID).
			Msg("dispatch: не удалось вычислить следующее срабатывание")
		return
	}
	if err := s.delivery.Schedule(item.Record, occ); err != nil {
		s.log.Error().Err(err).
			Str("record_id", item.Record.ID).
			Msg("dispatch: не удалось взвести следующий будильник")
	}
}
