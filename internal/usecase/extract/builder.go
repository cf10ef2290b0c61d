package extract

import (
	"sort"

	"diet-notify/internal/domain"
)

// Builder сворачивает активности в записи напоминаний. Повторы одной и той же
// пары (время, текст) на разных днях объединяются в одну запись с объединённым
// набором дней.
type Builder struct{}

// NewBuilder создаёт построитель записей.
func NewBuilder() *Builder {
	return &Builder{}
}

type slotKey struct {
	hour   int
	minute int
	text   string
}

// Build строит записи напоминаний. Активности без контекста дня не получают
// молчаливый ежедневный дефолт: запись помечается происхождением
// "extraction_undetermined" и срабатывает ежедневно до уточнения пользователем.
// Результат отсортирован, поэтому одинаковый вход даёт побайтно одинаковый выход.
func (b *Builder) Build(activities []domain.Activity) []domain.NotificationRecord {
	daySets := make(map[slotKey]map[domain.Weekday]struct{})
	determined := make(map[slotKey]bool)

	for _, act := range activities {
		key := slotKey{hour: act.Hour, minute: act.Minute, text: act.Text}
		if _, ok := daySets[key]; !ok {
			daySets[key] = make(map[domain.Weekday]struct{})
		}
		if act.Day != nil {
			daySets[key][*act.Day] = struct{}{}
			determined[key] = true
		}
	}

	records := make([]domain.NotificationRecord, 0, len(daySets))
	for key, days := range daySets {
		rec := domain.NotificationRecord{
			ID:        domain.SlotID(key.hour, key.minute, key.text),
			Message:   key.text,
			Time:      domain.FormatTime(key.hour, key.minute),
			IsActive:  true,
			Authority: domain.AuthorityServer,
		}
		if determined[key] {
			rec.Origin = domain.OriginExtraction
			rec.SelectedDays = sortedDays(days)
		} else {
			rec.Origin = domain.OriginExtractionUndetermined
			rec.SelectedDays = domain.AllWeekdays()
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Time != records[j].Time {
			return records[i].Time < records[j].Time
		}
		return records[i].Message < records[j].Message
	})
	return records
}

func sortedDays(days map[domain.Weekday]struct{}) []domain.Weekday {
	out := make([]domain.Weekday, 0, len(days))
	for d := range days {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
