package delivery

import (
	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
)

// ServerAdapter взводит будильники в таблице dispatches. Забирает их оттуда
// уже планировщик.
type ServerAdapter struct {
	dispatches domain.DispatchRepo
	log        zerolog.Logger
}

// NewServerAdapter создаёт серверную полосу доставки.
func NewServerAdapter(dispatches domain.DispatchRepo, log zerolog.Logger) *ServerAdapter {
	return &ServerAdapter{dispatches: dispatches, log: log}
}

// Schedule взводит будильник на ближайшее срабатывание записи. Повторное
// взведение той же пары ничего не меняет.
func (a *ServerAdapter) Schedule(rec domain.NotificationRecord, occ domain.Occurrence) error {
	if rec.Authority != domain.AuthorityServer {
		a.log.Warn().Str("record_id", rec.ID).Msg("запись устройства попала в серверную полосу")
		return nil
	}
	armed, err := a.dispatches.Arm(rec, occ.UTC)
	if err != nil {
		return err
	}
	if !armed {
		a.log.Debug().Str("record_id", rec.ID).Time("occurrence_utc", occ.UTC).Msg("будильник уже взведён")
		return nil
	}
	a.log.Debug().Str("record_id", rec.ID).Time("occurrence_utc", occ.UTC).Msg("будильник взведён")
	return nil
}

// Cancel снимает невыстрелившие будильники записи. Неизвестная запись не
// считается ошибкой.
func (a *ServerAdapter) Cancel(userID int64, recordID string) error {
	removed, err := a.dispatches.DisarmPending(userID, recordID)
	if err != nil {
		return err
	}
	if removed > 0 {
		a.log.Debug().Str("record_id", recordID).Int64("removed", removed).Msg("будильники сняты")
	}
	return nil
}

var _ domain.DeliveryAdapter = (*ServerAdapter)(nil)
