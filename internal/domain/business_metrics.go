package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *int64
	RecordID   *string
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventUserRegistered фиксирует регистрацию нового пользователя.
	BusinessMetricEventUserRegistered = "user_registered"
	// BusinessMetricEventExtractionCompleted фиксирует разбор текста рациона.
	BusinessMetricEventExtractionCompleted = "extraction_completed"
	// BusinessMetricEventReminderDelivered фиксирует успешную доставку напоминания.
	BusinessMetricEventReminderDelivered = "reminder_delivered"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
