package extract

import (
	"regexp"
	"strconv"
	"strings"

	"diet-notify/internal/domain"
)

// dayRule распознаёт строку-заголовок дня недели.
type dayRule struct {
	day domain.Weekday
	re  *regexp.Regexp
}

// timeRule распознаёт токен времени и переводит его в 24-часовую форму.
// convert возвращает ok = false, если числа вне допустимых диапазонов, —
// тогда правило считается несработавшим и строка пробуется дальше.
type timeRule struct {
	name    string
	re      *regexp.Regexp
	convert func(m []string) (hour, minute int, ok bool)
}

// dayRules перечисляет заголовки дней: полное или сокращённое английское
// название в начале строки, после него допускается фрагмент даты
// ("THURSDAY- 14 AUG", "Fri, 15 august"). Новые форматы добавляются
// строкой таблицы, а не ветвлением в коде разбора.
var dayRules = []dayRule{
	{domain.Monday, headerPattern(`monday|mon`)},
	{domain.Tuesday, headerPattern(`tuesday|tues|tue`)},
	{domain.Wednesday, headerPattern(`wednesday|wed`)},
	{domain.Thursday, headerPattern(`thursday|thurs|thur|thu`)},
	{domain.Friday, headerPattern(`friday|fri`)},
	{domain.Saturday, headerPattern(`saturday|sat`)},
	{domain.Sunday, headerPattern(`sunday|sun`)},
}

func headerPattern(names string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^[^a-z0-9]*(?:` + names + `)\b`)
}

// timeRules перечисляет поддерживаемые формы токена времени. Порядок важен:
// срабатывает первое подошедшее правило.
var timeRules = []timeRule{
	{
		name: "clock",
		re:   regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?:\s*(am|pm)\b)?`),
		convert: func(m []string) (int, int, bool) {
			hour, _ := strconv.Atoi(m[1])
			minute, _ := strconv.Atoi(m[2])
			if minute > 59 {
				return 0, 0, false
			}
			if m[3] != "" {
				h, ok := meridiemHour(hour, m[3])
				return h, minute, ok
			}
			if hour > 23 {
				return 0, 0, false
			}
			return hour, minute, true
		},
	},
	{
		name: "bare_meridiem",
		re:   regexp.MustCompile(`(?i)\b(\d{1,2})\s*(am|pm)\b`),
		convert: func(m []string) (int, int, bool) {
			hour, _ := strconv.Atoi(m[1])
			h, ok := meridiemHour(hour, m[2])
			return h, 0, ok
		},
	},
}

// meridiemHour нормализует 12-часовой час: 12 AM — полночь, 12 PM — полдень.
func meridiemHour(hour int, meridiem string) (int, bool) {
	if hour < 1 || hour > 12 {
		return 0, false
	}
	switch strings.ToLower(meridiem) {
	case "am":
		if hour == 12 {
			return 0, true
		}
		return hour, true
	case "pm":
		if hour == 12 {
			return 12, true
		}
		return hour + 12, true
	}
	return 0, false
}

// matchDayHeader возвращает день недели, если строка — заголовок дня.
func matchDayHeader(line string) (domain.Weekday, bool) {
	for _, rule := range dayRules {
		if rule.re.MatchString(line) {
			return rule.day, true
		}
	}
	return 0, false
}

// matchTimeToken ищет токен времени в строке и возвращает нормализованные
// час и минуту вместе с позицией токена.
func matchTimeToken(line string) (hour, minute, start, end int, ok bool) {
	for _, rule := range timeRules {
		loc := rule.re.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		m := make([]string, 0, len(loc)/2)
		for i := 0; i < len(loc); i += 2 {
			if loc[i] < 0 {
				m = append(m, "")
				continue
			}
			m = append(m, line[loc[i]:loc[i+1]])
		}
		h, min, convOK := rule.convert(m)
		if !convOK {
			continue
		}
		return h, min, loc[0], loc[1], true
	}
	return 0, 0, 0, 0, false
}
