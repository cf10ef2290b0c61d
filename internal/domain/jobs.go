package domain

import (
	"context"
	"time"
)

// DispatchJobCause описывает происхождение задачи доставки.
type DispatchJobCause string

const (
	// DispatchCauseScheduled — будильник выстрелил по расписанию.
	DispatchCauseScheduled DispatchJobCause = "scheduled"
	// DispatchCauseRecovery — задача создана при восстановлении расписания.
	DispatchCauseRecovery DispatchJobCause = "recovery"
)

// DispatchJob содержит всё необходимое для отправки одного напоминания.
type DispatchJob struct {
	ID            string           `json:"job_id"`
	UserExtID     string           `json:"user_ext_id"`
	RecordID      string           `json:"record_id"`
	Message       string           `json:"message"`
	Channel       DeliveryChannel  `json:"channel"`
	ChatID        int64            `json:"chat_id,omitempty"`
	PushTarget    string           `json:"push_target,omitempty"`
	OccurrenceUTC time.Time        `json:"occurrence_utc"`
	RequestedAt   time.Time        `json:"requested_at"`
	Cause         DispatchJobCause `json:"cause"`
}

// DispatchQueue описывает очередь задач доставки напоминаний.
type DispatchQueue interface {
	Enqueue(ctx context.Context, job DispatchJob) error
	Receive(ctx context.Context) (DispatchJob, DispatchAckFunc, error)
}

// DispatchAckFunc подтверждает успешную обработку или возвращает задачу в очередь.
type DispatchAckFunc func(success bool) error

// DispatchStatusRepo отслеживает статус доставки задач.
type DispatchStatusRepo interface {
	// EnsureDispatchJob регистрирует попытку обработки и возвращает признак
	// успешной доставки и номер текущей попытки.
	EnsureDispatchJob(jobID string) (delivered bool, attempt int, err error)
	// MarkDispatchJobDelivered помечает задачу как окончательно доставленную.
	MarkDispatchJobDelivered(jobID string) error
}

// ReminderSender доставляет готовое сообщение одним из каналов доставки.
type ReminderSender interface {
	Send(ctx context.Context, job DispatchJob) error
}
