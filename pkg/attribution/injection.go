package attribution

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/falcon-pm/falcon/pkg/models"
)

// PrincipleOrigin distinguishes seeded principles from ones derived out of
// promoted patterns.
type PrincipleOrigin string

// Principle origins.
const (
	PrincipleBaseline PrincipleOrigin = "BASELINE"
	PrincipleDerived  PrincipleOrigin = "DERIVED"
)

// Principle is a standing rule injected into every downstream prompt.
type Principle struct {
	Text     string          `json:"text"`
	Origin   PrincipleOrigin `json:"origin"`
	Priority int             `json:"priority"`
}

// Injection is the material to prepend to a downstream agent prompt.
type Injection struct {
	Alerts     []*models.ProvisionalAlert
	Patterns   []*models.Pattern
	Principles []Principle
	Now        time.Time
}

const titleLimit = 80

// severityRank orders patterns for injection; unknown severities sort last.
func severityRank(severity string) int {
	switch strings.ToLower(severity) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}

// FormatInjection renders the prompt-injection markdown: provisional
// alerts first, then promoted pattern warnings, then principles. Each
// section is sorted by descending priority.
func FormatInjection(inj Injection) string {
	now := inj.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var b strings.Builder
	if len(inj.Alerts) > 0 {
		b.WriteString("## Provisional Alerts\n\n")
		alerts := append([]*models.ProvisionalAlert(nil), inj.Alerts...)
		sort.SliceStable(alerts, func(i, j int) bool {
			return alerts[i].ExpiresAt.Before(alerts[j].ExpiresAt)
		})
		for _, a := range alerts {
			days := int(a.ExpiresAt.Sub(now).Hours() / 24)
			if days < 0 {
				days = 0
			}
			fmt.Fprintf(&b, "- %s\n  Expires in %d days.\n", truncate(a.Message, titleLimit), days)
		}
		b.WriteString("\n")
	}

	if len(inj.Patterns) > 0 {
		b.WriteString("## Warnings\n\n")
		patterns := append([]*models.Pattern(nil), inj.Patterns...)
		sort.SliceStable(patterns, func(i, j int) bool {
			ri, rj := severityRank(patterns[i].SeverityMax), severityRank(patterns[j].SeverityMax)
			if ri != rj {
				return ri > rj
			}
			return patterns[i].Confidence > patterns[j].Confidence
		})
		for _, p := range patterns {
			writePattern(&b, p)
		}
	}

	if len(inj.Principles) > 0 {
		b.WriteString("## Principles\n\n")
		principles := append([]Principle(nil), inj.Principles...)
		sort.SliceStable(principles, func(i, j int) bool {
			return principles[i].Priority > principles[j].Priority
		})
		for _, p := range principles {
			fmt.Fprintf(&b, "- [%s] %s\n", p.Origin, p.Text)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writePattern(b *strings.Builder, p *models.Pattern) {
	category := p.FindingCategory
	if category == "" {
		category = "GENERAL"
	}
	fmt.Fprintf(b, "### [%s][%s][%s] %s\n",
		strings.ToUpper(category), p.FailureMode, p.SeverityMax,
		truncate(firstLine(p.PatternContent), titleLimit))
	fmt.Fprintf(b, "Bad guidance: %s\n", p.PatternContent)
	if p.Alternative != "" {
		fmt.Fprintf(b, "Do instead: %s\n", p.Alternative)
	}
	if len(p.Touches) > 0 {
		tags := make([]string, len(p.Touches))
		for i, t := range p.Touches {
			tags[i] = string(t)
		}
		fmt.Fprintf(b, "Applies when touching: %s\n", strings.Join(tags, ", "))
	}
	b.WriteString("\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate caps s at limit bytes, backing off to a rune boundary so a
// multibyte character is never split.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
