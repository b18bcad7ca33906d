package selector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// ErrNoEligibleReviewer в пуле директивы не осталось активных ревьюеров
var ErrNoEligibleReviewer = errors.New("no eligible reviewer")

// ErrUnknownDirective директива не относится ни к одной известной стратегии
var ErrUnknownDirective = errors.New("unknown directive")

// Store данные стора, которые нужны для выбора ревьюера
type Store interface {
	GetReviewers(ctx context.Context, orgID string, ids []string) ([]models.Reviewer, error)
	GetReviewerWorkload(ctx context.Context, orgID string) (map[string]int, error)
	AdvanceRotationCursor(ctx context.Context, key string, poolSize int) (int, error)
}

// Request запрос на выбор ревьюеров
type Request struct {
	OrganizationID string
	Author         string
	Directive      models.Directive
}

type Selector struct {
	store  Store
	logger *zap.Logger
}

// New создает селектор ревьюеров
func New(store Store, logger *zap.Logger) *Selector {
	return &Selector{
		store:  store,
		logger: logger,
	}
}

// Select превращает директиву в конкретных ревьюеров.
// Автор PR и неактивные участники в выбор не попадают.
func (s *Selector) Select(ctx context.Context, req Request) ([]string, error) {
	switch d := req.Directive.(type) {
	case *models.ExplicitDirective:
		return s.selectExplicit(ctx, req, d)
	case *models.RoundRobinDirective:
		return s.selectRoundRobin(ctx, req, d)
	case *models.LeastBusyDirective:
		eligible, err := s.eligible(ctx, req, d.Pool)
		if err != nil {
			return nil, err
		}
		return s.leastBusy(ctx, req.OrganizationID, distinct(d.Pool, eligible), d.Count)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownDirective, req.Directive)
	}
}

func (s *Selector) selectExplicit(ctx context.Context, req Request, d *models.ExplicitDirective) ([]string, error) {
	ids := append(slices.Clone(d.ReviewerIDs), d.Pool...)
	eligible, err := s.eligible(ctx, req, ids)
	if err != nil {
		return nil, err
	}

	selected := make([]string, 0, len(d.ReviewerIDs))
	vacancies := 0
	for _, id := range d.ReviewerIDs {
		if eligible[id] {
			selected = append(selected, id)
		} else {
			vacancies++
		}
	}
	if len(d.ReviewerIDs) == 0 {
		vacancies = 1
	}
	if vacancies == 0 {
		return selected, nil
	}

	s.logger.Info("explicit reviewers unavailable, falling back to least busy",
		zap.String("organization_id", req.OrganizationID),
		zap.Int("vacancies", vacancies))

	pool := make([]string, 0, len(d.Pool))
	for _, id := range distinct(d.Pool, eligible) {
		if !slices.Contains(selected, id) {
			pool = append(pool, id)
		}
	}

	extra, err := s.leastBusy(ctx, req.OrganizationID, pool, vacancies)
	if err != nil {
		if errors.Is(err, ErrNoEligibleReviewer) && len(selected) > 0 {
			return selected, nil
		}
		return nil, err
	}

	return append(selected, extra...), nil
}

func (s *Selector) selectRoundRobin(ctx context.Context, req Request, d *models.RoundRobinDirective) ([]string, error) {
	eligible, err := s.eligible(ctx, req, d.Pool)
	if err != nil {
		return nil, err
	}

	// Курсор ходит по всему пулу с учетом весов и сдвигается один раз на выбор.
	// Очередь неподходящего слота переходит к следующему подходящему.
	candidates := distinct(d.Pool, eligible)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleReviewer
	}

	want := min(max(d.Count, 1), len(candidates))
	selected := make([]string, 0, want)
	for len(selected) < want {
		pos, err := s.store.AdvanceRotationCursor(ctx, d.CursorKey, len(d.Pool))
		if err != nil {
			return nil, fmt.Errorf("failed to advance rotation cursor: %w", err)
		}
		for i := range len(d.Pool) {
			id := d.Pool[(pos+i)%len(d.Pool)]
			if eligible[id] && !slices.Contains(selected, id) {
				selected = append(selected, id)
				break
			}
		}
	}

	return selected, nil
}

// leastBusy выбирает count кандидатов с минимальным числом незакрытых назначений,
// при равенстве по возрастанию id
func (s *Selector) leastBusy(ctx context.Context, orgID string, candidates []string, count int) ([]string, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleReviewer
	}

	workload, err := s.store.GetReviewerWorkload(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewer workload: %w", err)
	}

	ordered := slices.Clone(candidates)
	slices.SortFunc(ordered, func(a, b string) int {
		return cmp.Or(
			cmp.Compare(workload[a], workload[b]),
			cmp.Compare(a, b),
		)
	})

	count = min(max(count, 1), len(ordered))
	return ordered[:count], nil
}

// eligible возвращает множество id, которые существуют в организации, активны и не являются автором
func (s *Selector) eligible(ctx context.Context, req Request, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	reviewers, err := s.store.GetReviewers(ctx, req.OrganizationID, distinct(ids, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewers: %w", err)
	}

	for _, r := range reviewers {
		if !r.IsActive {
			continue
		}
		if req.Author != "" && (strings.EqualFold(r.Username, req.Author) || strings.EqualFold(r.ID, req.Author)) {
			continue
		}
		result[r.ID] = true
	}

	return result, nil
}

// distinct убирает повторы, сохраняя порядок; при keep != nil оставляет только id из keep
func distinct(ids []string, keep map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if keep != nil && !keep[id] {
			continue
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
