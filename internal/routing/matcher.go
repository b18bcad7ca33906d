package routing

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/untibullet/pr-router/internal/models"
)

// regexPrefix помечает шаблон как регулярное выражение вместо glob
const regexPrefix = "re:"

// Matches проверяет все условия правила против события (логическое И).
// Пустой список условий подходит всегда.
func Matches(conditions []models.Condition, event models.PullRequestEvent, loc *time.Location) bool {
	for _, cond := range conditions {
		if !MatchCondition(cond, event, loc) {
			return false
		}
	}
	return true
}

// MatchCondition проверяет одно условие. Неизвестный тип или битые данные условия
// считаются несовпадением.
func MatchCondition(cond models.Condition, event models.PullRequestEvent, loc *time.Location) bool {
	switch cond.Type {
	case models.ConditionFilePattern:
		return matchAnyPath(cond.Patterns, event.Files)
	case models.ConditionAuthor:
		return containsFold(cond.Values, event.Author)
	case models.ConditionBranch:
		return matchAnyPath(cond.Patterns, []string{event.SourceBranch, event.TargetBranch})
	case models.ConditionLabel:
		for _, label := range event.Labels {
			if containsFold(cond.Values, label) {
				return true
			}
		}
		return false
	case models.ConditionTimeWindow:
		return matchWindow(cond.Window, event.Timestamp(), loc)
	default:
		return false
	}
}

func matchAnyPath(patterns, subjects []string) bool {
	for _, pattern := range patterns {
		for _, subject := range subjects {
			if subject == "" {
				continue
			}
			ok, err := matchPattern(pattern, subject)
			if err != nil {
				// Битый шаблон не должен совпасть ни с чем
				break
			}
			if ok {
				return true
			}
		}
	}
	return false
}

func matchPattern(pattern, subject string) (bool, error) {
	if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return false, err
		}
		return re.MatchString(subject), nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return false, doublestar.ErrBadPattern
	}
	return doublestar.Match(pattern, subject)
}

func containsFold(values []string, s string) bool {
	return slices.ContainsFunc(values, func(v string) bool {
		return strings.EqualFold(v, s)
	})
}

func matchWindow(w *models.TimeWindow, ts time.Time, loc *time.Location) bool {
	if w == nil || ts.IsZero() {
		return false
	}
	if w.StartHour < 0 || w.StartHour > 24 || w.EndHour < 0 || w.EndHour > 24 || w.StartHour == w.EndHour {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}

	local := ts.In(loc)
	if len(w.Days) > 0 && !slices.Contains(w.Days, local.Weekday()) {
		return false
	}

	hour := local.Hour()
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// Окно через полночь, например 22-6
	return hour >= w.StartHour || hour < w.EndHour
}
