package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
	"github.com/untibullet/pr-router/internal/selector"
)

// fakeStore хранит назначения в памяти. WithTx сериализует транзакции,
// как advisory-блокировка PR в PostgreSQL.
type fakeStore struct {
	txMu sync.Mutex

	mu          sync.Mutex
	assignments []models.ReviewAssignment
	failures    []models.RoutingFailure
	// inactive ревьюеры, снятые с ревью; остальные считаются активными
	inactive map[string]bool

	// beforeInsert вызывается перед первой вставкой, имитирует параллельную доставку
	beforeInsert func(s *fakeStore)
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx)
}

func (s *fakeStore) LockPullRequest(ctx context.Context, orgID, pullRequestID string) error {
	return nil
}

func (s *fakeStore) ListAssignmentsByPR(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ReviewAssignment
	for _, a := range s.assignments {
		if a.PullRequestID == pullRequestID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertAssignment(ctx context.Context, a models.ReviewAssignment) error {
	if hook := s.beforeInsert; hook != nil {
		s.beforeInsert = nil
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.assignments {
		if existing.PullRequestID == a.PullRequestID && existing.ReviewerID == a.ReviewerID && existing.Status.IsActive() {
			return repository.ErrAlreadyExists
		}
	}
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *fakeStore) SupersedeAssignments(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.assignments {
		if slices.Contains(ids, a.ID) && a.Status.IsActive() {
			s.assignments[i].Status = models.StatusSuperseded
			s.assignments[i].ReviewedAt = &at
		}
	}
	return nil
}

func (s *fakeStore) GetReviewers(ctx context.Context, orgID string, ids []string) ([]models.Reviewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Reviewer, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Reviewer{ID: id, OrganizationID: orgID, Username: id, IsActive: !s.inactive[id]})
	}
	return out, nil
}

func (s *fakeStore) deactivate(reviewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive == nil {
		s.inactive = make(map[string]bool)
	}
	s.inactive[reviewerID] = true
}

func (s *fakeStore) byID(id string) models.ReviewAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.ID == id {
			return a
		}
	}
	return models.ReviewAssignment{}
}

func (s *fakeStore) RecordRoutingFailure(ctx context.Context, f models.RoutingFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *fakeStore) add(a models.ReviewAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, a)
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assignments)
}

type fakeEngine struct {
	decision models.RoutingDecision
	err      error
}

func (e *fakeEngine) Route(ctx context.Context, event models.PullRequestEvent) (models.RoutingDecision, error) {
	return e.decision, e.err
}

type fakeSelector struct {
	mu        sync.Mutex
	reviewers []string
	err       error
	calls     int
}

func (s *fakeSelector) Select(ctx context.Context, req selector.Request) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.reviewers), nil
}

type fakeRuleStore struct {
	rules     map[string]models.RoutingRule
	settings  map[string]models.OrgSettings
	reordered []string
	err       error
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{
		rules:    make(map[string]models.RoutingRule),
		settings: make(map[string]models.OrgSettings),
	}
}

func (s *fakeRuleStore) ListRules(ctx context.Context, orgID string) ([]models.RoutingRule, error) {
	var out []models.RoutingRule
	for _, r := range s.rules {
		if r.OrganizationID == orgID {
			out = append(out, r)
		}
	}
	return out, s.err
}

func (s *fakeRuleStore) CreateRule(ctx context.Context, rule models.RoutingRule) error {
	if s.err != nil {
		return s.err
	}
	for _, r := range s.rules {
		if r.OrganizationID == rule.OrganizationID && r.Priority == rule.Priority {
			return repository.ErrDuplicatePriority
		}
	}
	s.rules[rule.ID] = rule
	return nil
}

func (s *fakeRuleStore) UpdateRule(ctx context.Context, rule models.RoutingRule) error {
	if _, ok := s.rules[rule.ID]; !ok {
		return repository.ErrNotFound
	}
	s.rules[rule.ID] = rule
	return s.err
}

func (s *fakeRuleStore) DeleteRule(ctx context.Context, orgID, ruleID string) error {
	if _, ok := s.rules[ruleID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.rules, ruleID)
	return s.err
}

func (s *fakeRuleStore) ReorderRules(ctx context.Context, orgID string, ruleIDs []string) error {
	s.reordered = ruleIDs
	return s.err
}

func (s *fakeRuleStore) SetOrganizationSettings(ctx context.Context, orgID string, settings models.OrgSettings) error {
	s.settings[orgID] = settings
	return s.err
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingInvalidator) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[orgID]++
}

func (c *countingInvalidator) count(orgID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[orgID]
}

type fakeReviewStore struct {
	assignments map[string]models.ReviewAssignment
}

func (s *fakeReviewStore) ListAssignmentsByPR(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error) {
	var out []models.ReviewAssignment
	for _, a := range s.assignments {
		if a.PullRequestID == pullRequestID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeReviewStore) CompleteAssignment(ctx context.Context, id string, status models.AssignmentStatus, reviewedAt time.Time) (*models.ReviewAssignment, error) {
	a, ok := s.assignments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !a.Status.IsActive() {
		return &a, repository.ErrStatusConflict
	}
	a.Status = status
	a.ReviewedAt = &reviewedAt
	s.assignments[id] = a
	return &a, nil
}
