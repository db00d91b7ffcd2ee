package attribution

import (
	"fmt"
	"strings"

	"github.com/falcon-pm/falcon/pkg/models"
)

const (
	windowLines    = 5
	minWindowScore = 2
	minRelevance   = 0.3
	excerptLimit   = 500
)

// stopWords are dropped during keyword extraction. The set is fixed;
// tuning it would silently change which findings count as noncompliance.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "was": true,
	"were": true, "has": true, "have": true, "had": true, "been": true,
	"not": true, "but": true, "can": true, "could": true, "should": true,
	"would": true, "will": true, "its": true, "all": true, "any": true,
	"when": true, "then": true, "than": true, "there": true, "their": true,
	"they": true, "them": true, "these": true, "those": true, "your": true,
	"you": true, "use": true, "used": true, "using": true, "without": true,
}

// extractKeywords lowercases the text, strips non-alphanumerics, splits on
// whitespace, drops stop words and tokens of two characters or fewer, and
// de-duplicates preserving first-seen order.
func extractKeywords(text string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) <= 2 || stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// windowMatch is the best-scoring 5-line window found in one document.
type windowMatch struct {
	stage     models.CarrierStage
	startLine int // 1-based
	score     int
	relevance float64
	excerpt   string
}

// bestWindow slides a 5-line window over the document and returns the
// best window with at least minWindowScore unique keyword matches.
func bestWindow(stage models.CarrierStage, content string, keywords []string) *windowMatch {
	if len(keywords) == 0 || content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")

	var best *windowMatch
	for i := 0; i < len(lines); i++ {
		end := i + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		window := strings.ToLower(strings.Join(lines[i:end], "\n"))

		score := 0
		for _, kw := range keywords {
			if strings.Contains(window, kw) {
				score++
			}
		}
		if score < minWindowScore {
			continue
		}
		if best == nil || score > best.score {
			excerpt := truncate(strings.Join(lines[i:end], "\n"), excerptLimit)
			best = &windowMatch{
				stage:     stage,
				startLine: i + 1,
				score:     score,
				relevance: float64(score) / float64(len(keywords)),
				excerpt:   excerpt,
			}
		}
	}
	return best
}

// CheckNoncompliance looks for evidence that guidance relevant to the
// finding already existed in the context pack or spec. Returns nil when no
// window is relevant enough. The context pack wins when both documents
// match.
//
// Only called for incomplete and missing_reference resolutions; for other
// failure modes the guidance itself was at fault, not the execution.
func CheckNoncompliance(finding *models.Finding, evidence models.EvidenceBundle,
	contextPack, spec string) *models.ExecutionNoncompliance {

	keywords := extractKeywords(finding.Title + " " + finding.Description)
	if len(keywords) == 0 {
		return nil
	}

	// The context pack takes precedence whenever both documents match,
	// regardless of score.
	best := bestWindow(models.CarrierContextPack, contextPack, keywords)
	if best == nil || best.relevance < minRelevance {
		best = bestWindow(models.CarrierSpec, spec, keywords)
	}
	if best == nil || best.relevance < minRelevance {
		return nil
	}

	location := fmt.Sprintf("Lines %d..%d", best.startLine, best.startLine+windowLines-1)

	var causes []models.NoncomplianceCause
	if !strings.Contains(evidence.CarrierLocation, location) {
		causes = append(causes, models.CauseSalience)
	}
	if len(causes) == 0 {
		causes = append(causes, models.CauseFormatting)
	}

	return &models.ExecutionNoncompliance{
		ViolatedGuidanceStage:    best.stage,
		ViolatedGuidanceLocation: location,
		ViolatedGuidanceExcerpt:  best.excerpt,
		PossibleCauses:           causes,
	}
}
