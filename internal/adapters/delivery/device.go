package delivery

import (
	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
)

// DeviceAdapter представляет будильники, которыми владеет клиентское
// приложение. Сервер их не взводит и не хранит, обе операции проходят
// без ошибок.
type DeviceAdapter struct {
	log zerolog.Logger
}

// NewDeviceAdapter создаёт полосу доставки устройства.
func NewDeviceAdapter(log zerolog.Logger) *DeviceAdapter {
	return &DeviceAdapter{log: log}
}

// Schedule ничего не взводит: срабатывание обслуживает само устройство.
func (a *DeviceAdapter) Schedule(rec domain.NotificationRecord, occ domain.Occurrence) error {
	a.log.Debug().Str("record_id", rec.ID).Time("occurrence_local", occ.Local).Msg("запись обслуживается устройством")
	return nil
}

// Cancel ничего не снимает.
func (a *DeviceAdapter) Cancel(userID int64, recordID string) error {
	a.log.Debug().Str("record_id", recordID).Msg("снятие записи устройства пропущено")
	return nil
}

var _ domain.DeliveryAdapter = (*DeviceAdapter)(nil)
