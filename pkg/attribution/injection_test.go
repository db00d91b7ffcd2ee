package attribution

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/models"
)

func TestFormatInjection_Sections(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := FormatInjection(Injection{
		Now: now,
		Alerts: []*models.ProvisionalAlert{
			{Message: "Watch for unbounded queries", ExpiresAt: now.Add(5 * 24 * time.Hour)},
		},
		Patterns: []*models.Pattern{
			{
				FindingCategory: "security",
				FailureMode:     models.FailureIncomplete,
				SeverityMax:     "high",
				PatternContent:  "Guidance omitted input validation",
				Alternative:     "Validate at the boundary",
				Touches:         []models.Touch{models.TouchDatabase, models.TouchNetwork},
			},
		},
		Principles: []Principle{
			{Text: "Prefer parameterized queries", Origin: PrincipleBaseline},
		},
	})

	alerts := strings.Index(out, "## Provisional Alerts")
	warnings := strings.Index(out, "## Warnings")
	principles := strings.Index(out, "## Principles")
	require.True(t, alerts >= 0 && warnings >= 0 && principles >= 0)
	assert.Less(t, alerts, warnings)
	assert.Less(t, warnings, principles)

	assert.Contains(t, out, "Expires in 5 days.")
	assert.Contains(t, out, "### [SECURITY][incomplete][high] Guidance omitted input validation")
	assert.Contains(t, out, "Bad guidance: Guidance omitted input validation")
	assert.Contains(t, out, "Do instead: Validate at the boundary")
	assert.Contains(t, out, "Applies when touching: database, network")
	assert.Contains(t, out, "- [BASELINE] Prefer parameterized queries")
}

func TestFormatInjection_PatternOrdering(t *testing.T) {
	patterns := []*models.Pattern{
		{PatternContent: "low one", SeverityMax: "low", Confidence: 0.9},
		{PatternContent: "critical one", SeverityMax: "critical", Confidence: 0.5},
		{PatternContent: "high confident", SeverityMax: "high", Confidence: 0.9},
		{PatternContent: "high hesitant", SeverityMax: "high", Confidence: 0.6},
	}
	out := FormatInjection(Injection{Patterns: patterns})

	posCritical := strings.Index(out, "critical one")
	posHighConfident := strings.Index(out, "high confident")
	posHighHesitant := strings.Index(out, "high hesitant")
	posLow := strings.Index(out, "low one")
	assert.Less(t, posCritical, posHighConfident)
	assert.Less(t, posHighConfident, posHighHesitant)
	assert.Less(t, posHighHesitant, posLow)
}

func TestFormatInjection_AlertsSortBySoonestExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := FormatInjection(Injection{
		Now: now,
		Alerts: []*models.ProvisionalAlert{
			{Message: "later alert", ExpiresAt: now.Add(20 * 24 * time.Hour)},
			{Message: "urgent alert", ExpiresAt: now.Add(2 * 24 * time.Hour)},
		},
	})
	assert.Less(t, strings.Index(out, "urgent alert"), strings.Index(out, "later alert"))
}

func TestFormatInjection_TruncatesLongTitles(t *testing.T) {
	long := strings.Repeat("x", 200)
	out := FormatInjection(Injection{
		Patterns: []*models.Pattern{{PatternContent: long, SeverityMax: "low"}},
	})
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "### ") {
			assert.LessOrEqual(t, len(line), len("### [GENERAL][][low] ")+titleLimit)
		}
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 50)
	got := truncate(s, 7)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 3), got)

	assert.Equal(t, "ascii", truncate("ascii", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
}

func TestFormatInjection_EmptyInput(t *testing.T) {
	assert.Empty(t, FormatInjection(Injection{}))
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, severityRank("critical"), severityRank("high"))
	assert.Greater(t, severityRank("high"), severityRank("medium"))
	assert.Greater(t, severityRank("medium"), severityRank("low"))
	assert.Greater(t, severityRank("low"), severityRank("unheard-of"))
}
