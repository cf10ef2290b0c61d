package delivery

import (
	"diet-notify/internal/domain"
)

// Router выбирает полосу доставки по авторитету записи.
type Router struct {
	server domain.DeliveryAdapter
	device domain.DeliveryAdapter
}

// NewRouter создаёт маршрутизатор доставки.
func NewRouter(server, device domain.DeliveryAdapter) *Router {
	return &Router{server: server, device: device}
}

// Schedule передаёт запись её полосе.
func (r *Router) Schedule(rec domain.NotificationRecord, occ domain.Occurrence) error {
	if rec.Authority == domain.AuthorityDevice {
		return r.device.Schedule(rec, occ)
	}
	return r.server.Schedule(rec, occ)
}

// Cancel снимает будильники в обеих полосах: по одному идентификатору
// авторитет записи уже не восстановить.
func (r *Router) Cancel(userID int64, recordID string) error {
	if err := r.device.Cancel(userID, recordID); err != nil {
		return err
	}
	return r.server.Cancel(userID, recordID)
}

var _ domain.DeliveryAdapter = (*Router)(nil)
