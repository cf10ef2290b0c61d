package push

import (
	"context"
	"fmt"

	"diet-notify/internal/domain"
)

// Mux выбирает отправителя по каналу доставки пользователя.
type Mux struct {
	senders map[domain.DeliveryChannel]domain.ReminderSender
}

// NewMux создаёт пустой маршрутизатор отправителей.
func NewMux() *Mux {
	return &Mux{senders: make(map[domain.DeliveryChannel]domain.ReminderSender)}
}

// Register привязывает отправителя к каналу.
func (m *Mux) Register(channel domain.DeliveryChannel, sender domain.ReminderSender) {
	m.senders[channel] = sender
}

// Send передаёт задачу отправителю её канала.
func (m *Mux) Send(ctx context.Context, job domain.DispatchJob) error {
	sender, ok := m.senders[job.Channel]
	if !ok {
		return fmt.Errorf("канал доставки %q не поддерживается", job.Channel)
	}
	return sender.Send(ctx, job)
}

var _ domain.ReminderSender = (*Mux)(nil)
