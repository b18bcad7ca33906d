package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/pr-router/internal/models"
)

func testEvent() models.PullRequestEvent {
	return models.NewPullRequestEvent(models.PullRequestEvent{
		PullRequestID:  "pr-1",
		OrganizationID: "org-1",
		Repo:           "backend",
		Author:         "Alice",
		Files:          []string{"services/billing/invoice.go", "README.md"},
		SourceBranch:   "feature/invoices",
		TargetBranch:   "main",
		Labels:         []string{"backend", "needs-review"},
		// Среда, 10:30 UTC
		OpenedAt: time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC),
	})
}

func TestMatchCondition_FilePattern(t *testing.T) {
	event := testEvent()

	tests := []struct {
		name     string
		patterns []string
		want     bool
	}{
		{"double star glob", []string{"services/**/*.go"}, true},
		{"single star does not cross directories", []string{"services/*.go"}, false},
		{"any pattern matches", []string{"docs/**", "*.md"}, true},
		{"regex pattern", []string{"re:^services/billing/"}, true},
		{"no match", []string{"frontend/**"}, false},
		{"malformed glob never matches", []string{"services/[billing/**"}, false},
		{"malformed regex never matches", []string{"re:(unclosed"}, false},
		{"empty pattern list", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := models.Condition{Type: models.ConditionFilePattern, Patterns: tt.patterns}
			assert.Equal(t, tt.want, MatchCondition(cond, event, time.UTC))
		})
	}
}

func TestMatchCondition_FilePatternEmptyFiles(t *testing.T) {
	event := testEvent()
	event.Files = nil

	cond := models.Condition{Type: models.ConditionFilePattern, Patterns: []string{"**"}}
	assert.False(t, MatchCondition(cond, event, time.UTC))
}

func TestMatchCondition_AuthorCaseInsensitive(t *testing.T) {
	event := testEvent()

	assert.True(t, MatchCondition(models.Condition{Type: models.ConditionAuthor, Values: []string{"alice"}}, event, time.UTC))
	assert.False(t, MatchCondition(models.Condition{Type: models.ConditionAuthor, Values: []string{"bob"}}, event, time.UTC))
}

func TestMatchCondition_Branch(t *testing.T) {
	event := testEvent()

	assert.True(t, MatchCondition(models.Condition{Type: models.ConditionBranch, Patterns: []string{"feature/*"}}, event, time.UTC))
	assert.True(t, MatchCondition(models.Condition{Type: models.ConditionBranch, Patterns: []string{"main"}}, event, time.UTC))
	assert.False(t, MatchCondition(models.Condition{Type: models.ConditionBranch, Patterns: []string{"release/*"}}, event, time.UTC))
}

func TestMatchCondition_Label(t *testing.T) {
	event := testEvent()

	assert.True(t, MatchCondition(models.Condition{Type: models.ConditionLabel, Values: []string{"Backend"}}, event, time.UTC))
	assert.False(t, MatchCondition(models.Condition{Type: models.ConditionLabel, Values: []string{"frontend"}}, event, time.UTC))
}

func TestMatchCondition_TimeWindow(t *testing.T) {
	event := testEvent()

	tests := []struct {
		name   string
		window *models.TimeWindow
		loc    string
		want   bool
	}{
		{"inside working hours", &models.TimeWindow{StartHour: 9, EndHour: 18}, "UTC", true},
		{"end hour is exclusive", &models.TimeWindow{StartHour: 9, EndHour: 10}, "UTC", false},
		{"day filter matches", &models.TimeWindow{Days: []time.Weekday{time.Wednesday}, StartHour: 0, EndHour: 24}, "UTC", true},
		{"day filter excludes", &models.TimeWindow{Days: []time.Weekday{time.Saturday, time.Sunday}, StartHour: 0, EndHour: 24}, "UTC", false},
		{"organization timezone shifts the hour", &models.TimeWindow{StartHour: 9, EndHour: 12}, "Asia/Tokyo", false},
		{"overnight window", &models.TimeWindow{StartHour: 18, EndHour: 2}, "Asia/Tokyo", true},
		{"missing window", nil, "UTC", false},
		{"empty window", &models.TimeWindow{StartHour: 5, EndHour: 5}, "UTC", false},
		{"out of range hours", &models.TimeWindow{StartHour: -1, EndHour: 30}, "UTC", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := time.LoadLocation(tt.loc)
			require.NoError(t, err)

			cond := models.Condition{Type: models.ConditionTimeWindow, Window: tt.window}
			assert.Equal(t, tt.want, MatchCondition(cond, event, loc))
		})
	}
}

func TestMatchCondition_UnknownTypeNeverMatches(t *testing.T) {
	assert.False(t, MatchCondition(models.Condition{Type: "repo_size", Values: []string{"big"}}, testEvent(), time.UTC))
}

func TestMatches_AllConditionsRequired(t *testing.T) {
	event := testEvent()

	matching := models.Condition{Type: models.ConditionFilePattern, Patterns: []string{"services/**"}}
	failing := models.Condition{Type: models.ConditionAuthor, Values: []string{"bob"}}

	assert.True(t, Matches(nil, event, time.UTC), "empty condition list matches every event")
	assert.True(t, Matches([]models.Condition{matching}, event, time.UTC))
	assert.False(t, Matches([]models.Condition{matching, failing}, event, time.UTC))
}
