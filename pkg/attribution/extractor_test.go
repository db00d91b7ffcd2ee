package attribution

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/models"
)

func validEvidenceJSON() []byte {
	return []byte(`{
		"carrierStage": "context-pack",
		"carrierQuote": "use string concatenation for queries",
		"carrierQuoteType": "verbatim",
		"carrierInstructionKind": "explicitly_harmful",
		"carrierLocation": "Lines 10..14",
		"hasCitation": false,
		"citedSources": [],
		"sourceRetrievable": false,
		"sourceAgreesWithCarrier": "unknown",
		"mandatoryDocMissing": false,
		"vaguenessSignals": [],
		"hasTestableAcceptanceCriteria": true,
		"conflictSignals": []
	}`)
}

func TestParseEvidence_Valid(t *testing.T) {
	bundle, err := ParseEvidence(validEvidenceJSON())
	require.NoError(t, err)
	assert.Equal(t, models.CarrierContextPack, bundle.CarrierStage)
	assert.Equal(t, models.QuoteVerbatim, bundle.CarrierQuoteType)
	assert.Equal(t, models.InstructionExplicitlyHarmful, bundle.CarrierInstruction)
	assert.Equal(t, models.TristateUnknown, bundle.SourceAgreesWith)
}

func TestParseEvidence_RoundTrip(t *testing.T) {
	bundle, err := ParseEvidence(validEvidenceJSON())
	require.NoError(t, err)

	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	again, err := ParseEvidence(raw)
	require.NoError(t, err)
	assert.Equal(t, bundle, again)
}

func TestParseEvidence_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"carrierStage":`},
		{"missing required field", `{"carrierStage": "spec"}`},
		{"bad enum value", `{
			"carrierStage": "prototype",
			"carrierQuote": "", "carrierQuoteType": "verbatim",
			"carrierInstructionKind": "unknown", "carrierLocation": "",
			"hasCitation": false, "citedSources": [], "sourceRetrievable": false,
			"sourceAgreesWithCarrier": "unknown", "mandatoryDocMissing": false,
			"vaguenessSignals": [], "hasTestableAcceptanceCriteria": true,
			"conflictSignals": []
		}`},
		{"unexpected extra field", `{
			"carrierStage": "spec", "surprise": 1,
			"carrierQuote": "", "carrierQuoteType": "verbatim",
			"carrierInstructionKind": "unknown", "carrierLocation": "",
			"hasCitation": false, "citedSources": [], "sourceRetrievable": false,
			"sourceAgreesWithCarrier": "unknown", "mandatoryDocMissing": false,
			"vaguenessSignals": [], "hasTestableAcceptanceCriteria": true,
			"conflictSignals": []
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvidence([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidEvidence)
		})
	}
}

func TestMockExtractor(t *testing.T) {
	canned := &models.EvidenceBundle{CarrierStage: models.CarrierSpec, CarrierQuoteType: models.QuoteInferred}
	fallback := &models.EvidenceBundle{CarrierStage: models.CarrierContextPack, CarrierQuoteType: models.QuoteVerbatim}
	mock := &MockExtractor{
		Responses: map[string]*models.EvidenceBundle{"f-known": canned},
		Default:   fallback,
	}

	got, err := mock.Extract(context.Background(), &models.Finding{ID: "f-known"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, *canned, *got)
	assert.NotSame(t, canned, got, "mock must hand out copies")

	got, err = mock.Extract(context.Background(), &models.Finding{ID: "f-other"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, *fallback, *got)

	assert.Equal(t, []string{"f-known", "f-other"}, mock.Calls)
}

func TestMockExtractor_NoResponse(t *testing.T) {
	mock := &MockExtractor{}
	_, err := mock.Extract(context.Background(), &models.Finding{ID: "f-x"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidEvidence)
}
