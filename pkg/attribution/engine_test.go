package attribution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

func newTestEngine(extractor Extractor) (*Engine, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewEngine(st, extractor, NewPromoter(st, DefaultGate(), nil)), st
}

func driftEvidence() *models.EvidenceBundle {
	return &models.EvidenceBundle{
		CarrierStage:      models.CarrierContextPack,
		CarrierQuote:      "retries are optional",
		CarrierQuoteType:  models.QuoteVerbatim,
		HasCitation:       true,
		SourceRetrievable: true,
		SourceAgreesWith:  models.TristateFalse,
	}
}

func TestEngine_ProcessFinding(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(&MockExtractor{Default: driftEvidence()})

	out, err := engine.ProcessFinding(ctx, FindingInput{
		Finding: &models.Finding{ID: "f-1", IssueID: "issue-1", Title: "Missing retry",
			Category: "RELIABILITY", Severity: "high"},
		ProjectID: "p-1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.FailureSynthesisDrift, out.Resolution.FailureMode)
	assert.Nil(t, out.Noncompliance, "noncompliance only checked for incomplete/missing_reference")
	require.NotNil(t, out.Alert)
	assert.Equal(t, "retries are optional", out.Alert.Message)
	assert.Equal(t, models.AlertPending, out.Alert.Status)

	// The fresh alert captures the evidence seed for later sweeps.
	assert.Equal(t, models.CarrierContextPack, out.Alert.CarrierStage)
	assert.Equal(t, models.FailureSynthesisDrift, out.Alert.FailureMode)
	assert.Equal(t, "RELIABILITY", out.Alert.FindingCategory)
	assert.Equal(t, "high", out.Alert.SeverityMax)
	assert.Equal(t, models.QuoteVerbatim, out.Alert.QuoteType)
	require.NotNil(t, out.Occurrence)
	assert.Equal(t, out.Alert.ID, out.Occurrence.AlertID)
	assert.Nil(t, out.Pattern)

	metrics, err := st.Attributions().Metrics(ctx, "p-1", DefaultGate().MaxAge)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.AttributionCounts[string(models.FailureSynthesisDrift)])
}

func TestEngine_DeduplicatesAlertsByCarrierQuote(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(&MockExtractor{Default: driftEvidence()})

	first, err := engine.ProcessFinding(ctx, FindingInput{
		Finding: &models.Finding{ID: "f-1", IssueID: "issue-1", Title: "A"}, ProjectID: "p-1",
	})
	require.NoError(t, err)
	second, err := engine.ProcessFinding(ctx, FindingInput{
		Finding: &models.Finding{ID: "f-2", IssueID: "issue-2", Title: "B"}, ProjectID: "p-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.Alert.ID, second.Alert.ID)
	pending, err := st.Alerts().ListPending(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEngine_PromotesAfterGateClears(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(&MockExtractor{Default: driftEvidence()})

	issues := []string{"issue-1", "issue-1", "issue-2"}
	var last *Outcome
	for i, issue := range issues {
		var err error
		last, err = engine.ProcessFinding(ctx, FindingInput{
			Finding:   &models.Finding{ID: fmt.Sprintf("f-%d", i), IssueID: issue, Title: "T"},
			ProjectID: "p-1",
		})
		require.NoError(t, err)
	}

	require.NotNil(t, last.Pattern)
	assert.InDelta(t, 0.9, last.Pattern.Confidence, 1e-9)

	promoted, err := st.Alerts().Get(ctx, last.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertPromoted, promoted.Status)
	assert.Equal(t, last.Pattern.ID, promoted.PromotedPatternID)
}

func TestEngine_NoncomplianceForIncomplete(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(&MockExtractor{Default: &models.EvidenceBundle{
		CarrierStage:        models.CarrierContextPack,
		CarrierQuoteType:    models.QuoteInferred,
		CarrierLocation:     "Lines 400..404",
		HasTestableCriteria: true,
	}})

	out, err := engine.ProcessFinding(ctx, FindingInput{
		Finding:     sqlFinding(),
		ProjectID:   "p-1",
		ContextPack: sqlContextPack,
	})
	require.NoError(t, err)

	assert.Equal(t, models.FailureIncomplete, out.Resolution.FailureMode)
	require.NotNil(t, out.Noncompliance)
	assert.Equal(t, models.CarrierContextPack, out.Noncompliance.ViolatedGuidanceStage)
	assert.Contains(t, out.Noncompliance.PossibleCauses, models.CauseSalience)
}

func TestEngine_ExtractionFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("llm unavailable")
	engine, st := newTestEngine(&MockExtractor{Err: boom})

	_, err := engine.ProcessFinding(ctx, FindingInput{
		Finding: &models.Finding{ID: "f-1", IssueID: "issue-1"}, ProjectID: "p-1",
	})
	assert.ErrorIs(t, err, boom)

	pending, err := st.Alerts().ListPending(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
