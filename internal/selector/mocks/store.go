package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/untibullet/pr-router/internal/models"
)

// Store мок selector.Store
type Store struct {
	mock.Mock
}

// NewStore создает мок и проверяет ожидания по завершении теста
func NewStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *Store {
	m := &Store{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

func (m *Store) GetReviewers(ctx context.Context, orgID string, ids []string) ([]models.Reviewer, error) {
	ret := m.Called(ctx, orgID, ids)

	var r0 []models.Reviewer
	if rf, ok := ret.Get(0).(func(context.Context, string, []string) []models.Reviewer); ok {
		r0 = rf(ctx, orgID, ids)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]models.Reviewer)
	}

	return r0, ret.Error(1)
}

func (m *Store) GetReviewerWorkload(ctx context.Context, orgID string) (map[string]int, error) {
	ret := m.Called(ctx, orgID)

	var r0 map[string]int
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(map[string]int)
	}

	return r0, ret.Error(1)
}

func (m *Store) AdvanceRotationCursor(ctx context.Context, key string, poolSize int) (int, error) {
	ret := m.Called(ctx, key, poolSize)

	var r0 int
	if rf, ok := ret.Get(0).(func(context.Context, string, int) int); ok {
		r0 = rf(ctx, key, poolSize)
	} else {
		r0 = ret.Int(0)
	}

	return r0, ret.Error(1)
}
