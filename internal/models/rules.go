package models

import (
	"slices"
	"time"
)

// ConditionType вид условия правила маршрутизации
type ConditionType string

const (
	ConditionFilePattern ConditionType = "file_pattern"
	ConditionAuthor      ConditionType = "author"
	ConditionBranch      ConditionType = "branch"
	ConditionLabel       ConditionType = "label"
	ConditionTimeWindow  ConditionType = "time_window"
)

// TimeWindow окно по дням недели и часам в часовом поясе организации.
// StartHour включается, EndHour нет; StartHour > EndHour означает окно через полночь.
type TimeWindow struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
}

// Condition одно условие правила. Какие поля используются, определяет Type:
// file_pattern и branch читают Patterns, author и label читают Values,
// time_window читает Window.
type Condition struct {
	Type     ConditionType `json:"type"`
	Patterns []string      `json:"patterns,omitempty"`
	Values   []string      `json:"values,omitempty"`
	Window   *TimeWindow   `json:"window,omitempty"`
}

// Strategy способ выбора ревьюера
type Strategy string

const (
	StrategyExplicit   Strategy = "explicit"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastBusy  Strategy = "least_busy"
)

// ReviewerRef ссылка на ревьюера в правиле.
// Weight задает число слотов в ротации round_robin, Backup помечает
// запасных ревьюеров для стратегии explicit.
type ReviewerRef struct {
	ReviewerID string `json:"reviewer_id"`
	Weight     int    `json:"weight,omitempty"`
	Backup     bool   `json:"backup,omitempty"`
}

// RoutingRule правило маршрутизации организации
type RoutingRule struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Name           string        `json:"name"`
	Conditions     []Condition   `json:"conditions"`
	Targets        []ReviewerRef `json:"targets"`
	Strategy       Strategy      `json:"strategy"`
	ReviewerCount  int           `json:"reviewer_count"`
	Priority       int           `json:"priority"`
	Enabled        bool          `json:"enabled"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Directive возвращает директиву выбора ревьюера для правила
func (r RoutingRule) Directive() Directive {
	return buildDirective(r.Strategy, r.Targets, r.ReviewerCount, "rule:"+r.ID)
}

// FallbackMode поведение, когда ни одно правило не подошло
type FallbackMode string

const (
	FallbackNone FallbackMode = "none"
	FallbackPool FallbackMode = "pool"
)

// FallbackPolicy настройка маршрутизации по умолчанию
type FallbackPolicy struct {
	Mode     FallbackMode  `json:"mode"`
	Strategy Strategy      `json:"strategy,omitempty"`
	Pool     []ReviewerRef `json:"pool,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// Directive возвращает директиву для пула по умолчанию или nil, если назначать никого не нужно
func (f FallbackPolicy) Directive(orgID string) Directive {
	if f.Mode != FallbackPool || len(f.Pool) == 0 {
		return nil
	}
	strategy := f.Strategy
	if strategy == "" {
		strategy = StrategyLeastBusy
	}
	return buildDirective(strategy, f.Pool, f.Count, "fallback:"+orgID)
}

// OrgSettings настройки организации, которые нужны маршрутизации
type OrgSettings struct {
	Timezone string         `json:"timezone"`
	Fallback FallbackPolicy `json:"fallback"`
}

// Directive закрытый набор стратегий выбора ревьюера:
// *ExplicitDirective, *RoundRobinDirective, *LeastBusyDirective.
type Directive interface {
	Strategy() Strategy
	isDirective()
}

// ExplicitDirective назначает перечисленных ревьюеров.
// Если кто-то из них неактивен, выбор переходит к least_busy по Pool.
type ExplicitDirective struct {
	ReviewerIDs []string
	Pool        []string
}

// RoundRobinDirective ротация по пулу с курсором, который хранится в сторе
type RoundRobinDirective struct {
	CursorKey string
	Pool      []string
	Count     int
}

// LeastBusyDirective выбирает наименее загруженных ревьюеров пула
type LeastBusyDirective struct {
	Pool  []string
	Count int
}

func (*ExplicitDirective) Strategy() Strategy   { return StrategyExplicit }
func (*RoundRobinDirective) Strategy() Strategy { return StrategyRoundRobin }
func (*LeastBusyDirective) Strategy() Strategy  { return StrategyLeastBusy }

func (*ExplicitDirective) isDirective()   {}
func (*RoundRobinDirective) isDirective() {}
func (*LeastBusyDirective) isDirective()  {}

func buildDirective(strategy Strategy, refs []ReviewerRef, count int, cursorKey string) Directive {
	if count <= 0 {
		count = 1
	}

	switch strategy {
	case StrategyExplicit:
		d := &ExplicitDirective{}
		for _, ref := range refs {
			if !slices.Contains(d.Pool, ref.ReviewerID) {
				d.Pool = append(d.Pool, ref.ReviewerID)
			}
			if !ref.Backup && !slices.Contains(d.ReviewerIDs, ref.ReviewerID) {
				d.ReviewerIDs = append(d.ReviewerIDs, ref.ReviewerID)
			}
		}
		return d
	case StrategyRoundRobin:
		// Вес раскрывается в несколько слотов ротации
		pool := make([]string, 0, len(refs))
		for _, ref := range refs {
			weight := max(ref.Weight, 1)
			for range weight {
				pool = append(pool, ref.ReviewerID)
			}
		}
		return &RoundRobinDirective{CursorKey: cursorKey, Pool: pool, Count: count}
	case StrategyLeastBusy:
		pool := make([]string, 0, len(refs))
		for _, ref := range refs {
			if !slices.Contains(pool, ref.ReviewerID) {
				pool = append(pool, ref.ReviewerID)
			}
		}
		return &LeastBusyDirective{Pool: pool, Count: count}
	default:
		return nil
	}
}

// RoutingDecision результат работы движка правил.
// Matched=false означает, что использован fallback; Directive=nil означает,
// что назначать ревьюера не нужно.
type RoutingDecision struct {
	Matched   bool
	RuleID    *string
	RuleName  string
	Directive Directive
}
