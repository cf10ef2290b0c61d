package extract

import (
	"strings"
	"unicode/utf8"

	"diet-notify/internal/domain"
)

// defaultMinTextRunes — минимальная длина текста активности; всё короче
// считается мусором разбора.
const defaultMinTextRunes = 3

// separatorCutset — знаки, которыми в рационах отделяют время от текста.
const separatorCutset = " \t-–—:;,.*•"

// Service извлекает активности из свободного текста рациона.
// Разбор построчный и без состояния между вызовами: одинаковый текст
// всегда даёт одинаковый список активностей.
type Service struct {
	minTextRunes int
}

// NewService создаёт извлекатель. minTextRunes <= 0 включает значение по умолчанию.
func NewService(minTextRunes int) *Service {
	if minTextRunes <= 0 {
		minTextRunes = defaultMinTextRunes
	}
	return &Service{minTextRunes: minTextRunes}
}

// Extract разбирает текст рациона. Строка-заголовок дня недели задаёт
// контекст дня для последующих строк до следующего заголовка; строка с
// токеном времени порождает активность; остальные строки — проза и
// пропускаются молча.
func (s *Service) Extract(text string) []domain.Activity {
	var activities []domain.Activity
	var currentDay *domain.Weekday

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if day, ok := matchDayHeader(trimmed); ok {
			d := day
			currentDay = &d
			continue
		}

		hour, minute, start, end, ok := matchTimeToken(trimmed)
		if !ok {
			continue
		}

		remainder := spliceRemainder(trimmed, start, end)
		if utf8.RuneCountInString(remainder) < s.minTextRunes {
			continue
		}

		act := domain.Activity{
			Hour:       hour,
			Minute:     minute,
			Text:       remainder,
			SourceLine: line,
		}
		if currentDay != nil {
			d := *currentDay
			act.Day = &d
		}
		activities = append(activities, act)
	}
	return activities
}

// spliceRemainder склеивает части строки вокруг токена времени и снимает
// разделители по краям.
func spliceRemainder(line string, start, end int) string {
	before := strings.Trim(line[:start], separatorCutset)
	after := strings.Trim(line[end:], separatorCutset)
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + " " + after
	}
}
