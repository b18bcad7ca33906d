package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	reviewers map[string]models.Reviewer
	leads     []models.Reviewer
	err       error
}

func (d *fakeDirectory) GetReviewer(ctx context.Context, orgID, reviewerID string) (*models.Reviewer, error) {
	if d.err != nil {
		return nil, d.err
	}
	r, ok := d.reviewers[reviewerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (d *fakeDirectory) GetTeamLeads(ctx context.Context, orgID string) ([]models.Reviewer, error) {
	return d.leads, d.err
}

// fakeChannel отказывает первые failures попыток
type fakeChannel struct {
	name     string
	failures int

	mu    sync.Mutex
	calls int
	sent  []string
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, to models.Reviewer, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures < 0 || c.calls <= c.failures {
		return errors.New(c.name + " unavailable")
	}
	c.sent = append(c.sent, to.ID)
	return nil
}

func testAssignment() models.ReviewAssignment {
	return models.ReviewAssignment{
		ID:             "a1",
		OrganizationID: "org-1",
		PullRequestID:  "pr-1",
		ReviewerID:     "bob",
		RuleName:       "backend",
		Status:         models.StatusReminded,
		AssignedAt:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		reviewers: map[string]models.Reviewer{
			"bob": {ID: "bob", OrganizationID: "org-1", Username: "bob", Email: "bob@example.com", IsActive: true},
		},
		leads: []models.Reviewer{
			{ID: "lead-1", OrganizationID: "org-1", Username: "lead1", IsActive: true, IsLead: true},
			{ID: "lead-2", OrganizationID: "org-1", Username: "lead2", IsActive: true, IsLead: true},
		},
	}
}

func testOptions() Options {
	return Options{Attempts: 3, RetryDelay: time.Millisecond, Timeout: time.Second}
}

func TestDispatcher_NotifyReviewer_RetriesTransientFailure(t *testing.T) {
	ch := &fakeChannel{name: "email", failures: 2}
	d := NewDispatcher(testDirectory(), []Channel{ch}, testOptions(), nil, zap.NewNop())

	err := d.NotifyReviewer(context.Background(), "bob", testAssignment())
	require.NoError(t, err)
	assert.Equal(t, 3, ch.calls)
	assert.Equal(t, []string{"bob"}, ch.sent)
}

func TestDispatcher_NotifyReviewer_ExhaustedRetries(t *testing.T) {
	ch := &fakeChannel{name: "email", failures: -1}
	d := NewDispatcher(testDirectory(), []Channel{ch}, testOptions(), nil, zap.NewNop())

	err := d.NotifyReviewer(context.Background(), "bob", testAssignment())
	require.ErrorIs(t, err, ErrNotificationFailed)
	assert.Equal(t, 3, ch.calls)
}

func TestDispatcher_NotifyReviewer_UnknownReviewer(t *testing.T) {
	ch := &fakeChannel{name: "log"}
	d := NewDispatcher(testDirectory(), []Channel{ch}, testOptions(), nil, zap.NewNop())

	err := d.NotifyReviewer(context.Background(), "ghost", testAssignment())
	require.ErrorIs(t, err, ErrNotificationFailed)
	assert.Zero(t, ch.calls)
}

func TestDispatcher_PartialDeliverySucceeds(t *testing.T) {
	broken := &fakeChannel{name: "slack", failures: -1}
	working := &fakeChannel{name: "email"}
	d := NewDispatcher(testDirectory(), []Channel{broken, working}, testOptions(), nil, zap.NewNop())

	err := d.NotifyTeamLeads(context.Background(), "org-1", testAssignment())
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-1", "lead-2"}, working.sent)
	assert.Empty(t, broken.sent)
}

func TestDispatcher_NotifyTeamLeads_NoLeads(t *testing.T) {
	dir := testDirectory()
	dir.leads = nil
	ch := &fakeChannel{name: "log"}
	d := NewDispatcher(dir, []Channel{ch}, testOptions(), nil, zap.NewNop())

	err := d.NotifyTeamLeads(context.Background(), "org-1", testAssignment())
	require.ErrorIs(t, err, ErrNotificationFailed)
	assert.Zero(t, ch.calls)
}

func TestDispatcher_NoChannels(t *testing.T) {
	d := NewDispatcher(testDirectory(), nil, testOptions(), nil, zap.NewNop())

	err := d.NotifyReviewer(context.Background(), "bob", testAssignment())
	require.ErrorIs(t, err, ErrNotificationFailed)
}

func TestEscalationMessage(t *testing.T) {
	msg := escalationMessage(testAssignment())
	assert.Equal(t, KindEscalation, msg.Kind)
	assert.Contains(t, msg.Subject, "pr-1")
	assert.Contains(t, msg.Body, "rule: backend")

	a := testAssignment()
	a.RuleName = ""
	assert.Contains(t, escalationMessage(a).Body, "rule: fallback")
}

func TestSlackChannel_Send(t *testing.T) {
	var payload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, time.Second)
	err := ch.Send(context.Background(), models.Reviewer{ID: "bob", Username: "bob", SlackID: "U123"}, reminderMessage(testAssignment()))
	require.NoError(t, err)
	assert.Contains(t, payload["text"], "<@U123>")
	assert.Contains(t, payload["text"], "Review reminder: pr-1")
}

func TestSlackChannel_SendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, time.Second)
	err := ch.Send(context.Background(), models.Reviewer{ID: "bob", Username: "bob"}, reminderMessage(testAssignment()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestEmailChannel_RequiresAddress(t *testing.T) {
	ch := NewEmailChannel(SMTPConfig{Host: "localhost", Port: 2525, From: "router@example.com"})

	err := ch.Send(context.Background(), models.Reviewer{ID: "bob"}, reminderMessage(testAssignment()))
	require.ErrorIs(t, err, errNoAddress)
}
