// Package attribution turns confirmed review findings into failure-mode
// classifications, noncompliance reports, provisional alerts, and promoted
// patterns.
package attribution

import (
	"fmt"

	"github.com/falcon-pm/falcon/pkg/models"
)

// Resolution is the resolver's verdict on one evidence bundle.
type Resolution struct {
	FailureMode             models.FailureMode `json:"failure_mode"`
	ConfidenceModifier      float64            `json:"confidence_modifier"`
	SuspectedSynthesisDrift bool               `json:"suspected_synthesis_drift"`
	Reasoning               string             `json:"reasoning"`
}

// suspectedDriftPenalty is applied when a citation exists but its source
// cannot be retrieved for verification.
const suspectedDriftPenalty = -0.15

// ResolveFailureMode classifies an evidence bundle. The function is pure:
// equal bundles always resolve to equal results. Checks run in a fixed
// order and the first match wins.
func ResolveFailureMode(e models.EvidenceBundle) Resolution {
	// Drift proven: the carrier cites a source that disagrees with it.
	if e.HasCitation && e.SourceRetrievable && e.SourceAgreesWith == models.TristateFalse {
		return Resolution{
			FailureMode: models.FailureSynthesisDrift,
			Reasoning:   "cited source retrieved and contradicts the carrier",
		}
	}

	// Drift suspected: citation present but unverifiable.
	if e.HasCitation && !e.SourceRetrievable {
		return Resolution{
			FailureMode:             models.FailureIncorrect,
			ConfidenceModifier:      suspectedDriftPenalty,
			SuspectedSynthesisDrift: true,
			Reasoning:               "citation present but source not retrievable",
		}
	}

	if e.MandatoryDocMissing {
		return Resolution{
			FailureMode: models.FailureMissingReference,
			Reasoning:   fmt.Sprintf("mandatory document missing: %s", e.MissingDocID),
		}
	}

	if len(e.ConflictSignals) > 0 {
		return Resolution{
			FailureMode: models.FailureConflictUnresolved,
			Reasoning:   fmt.Sprintf("%d unresolved conflict signals between documents", len(e.ConflictSignals)),
		}
	}

	ambiguity := ambiguityScore(e)
	incompleteness := incompletenessScore(e)
	switch {
	case ambiguity > incompleteness && ambiguity >= 2:
		return Resolution{
			FailureMode: models.FailureAmbiguous,
			Reasoning:   fmt.Sprintf("ambiguity score %d exceeds incompleteness %d", ambiguity, incompleteness),
		}
	case incompleteness > ambiguity && incompleteness >= 2:
		return Resolution{
			FailureMode: models.FailureIncomplete,
			Reasoning:   fmt.Sprintf("incompleteness score %d exceeds ambiguity %d", incompleteness, ambiguity),
		}
	}

	// Ties and sub-threshold scores fall through to the instruction-kind
	// default.
	return defaultOnCarrierKind(e)
}

// ambiguityScore buckets vagueness signals and adds one when acceptance
// criteria are not testable.
func ambiguityScore(e models.EvidenceBundle) int {
	var score int
	switch n := len(e.VaguenessSignals); {
	case n >= 3:
		score = 3
	case n == 2:
		score = 2
	case n == 1:
		score = 1
	}
	if !e.HasTestableCriteria {
		score++
	}
	return score
}

func incompletenessScore(e models.EvidenceBundle) int {
	var score int
	if e.CarrierQuoteType == models.QuoteInferred {
		score += 3
	}
	if e.HasCitation && len(e.CitedSources) > 0 {
		score++
	}
	if len(e.VaguenessSignals) == 0 && e.CarrierQuoteType != models.QuoteInferred {
		score++
	}
	return score
}

func defaultOnCarrierKind(e models.EvidenceBundle) Resolution {
	if e.CarrierQuoteType == models.QuoteVerbatim || e.CarrierQuoteType == models.QuoteParaphrase {
		switch e.CarrierInstruction {
		case models.InstructionExplicitlyHarmful:
			return Resolution{
				FailureMode: models.FailureIncorrect,
				Reasoning:   "explicit carrier instruction is itself harmful",
			}
		default:
			// benign_but_missing_guardrails, descriptive, unknown
			return Resolution{
				FailureMode: models.FailureIncomplete,
				Reasoning:   fmt.Sprintf("explicit %s instruction lacked the needed guidance", e.CarrierInstruction),
			}
		}
	}
	return Resolution{
		FailureMode: models.FailureIncomplete,
		Reasoning:   "no explicit carrier instruction found",
	}
}
