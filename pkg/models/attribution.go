package models

import "time"

// FailureMode classifies why a confirmed finding slipped past its guidance.
type FailureMode string

// Failure modes produced by the deterministic resolver.
const (
	FailureSynthesisDrift     FailureMode = "synthesis_drift"
	FailureIncorrect          FailureMode = "incorrect"
	FailureIncomplete         FailureMode = "incomplete"
	FailureAmbiguous          FailureMode = "ambiguous"
	FailureMissingReference   FailureMode = "missing_reference"
	FailureConflictUnresolved FailureMode = "conflict_unresolved"
)

// Touch is a coarse task-effect tag used to match patterns to tasks.
type Touch string

// Touch values.
const (
	TouchDatabase   Touch = "database"
	TouchAuthz      Touch = "authz"
	TouchNetwork    Touch = "network"
	TouchFilesystem Touch = "filesystem"
	TouchOther      Touch = "other"
)

// CarrierStage identifies which guidance document carried (or should have
// carried) the instruction behind a finding.
type CarrierStage string

// Carrier stages.
const (
	CarrierContextPack CarrierStage = "context-pack"
	CarrierSpec        CarrierStage = "spec"
)

// QuoteType describes how directly the evidence extractor located the
// carrier instruction.
type QuoteType string

// Quote types, strongest first.
const (
	QuoteVerbatim   QuoteType = "verbatim"
	QuoteParaphrase QuoteType = "paraphrase"
	QuoteInferred   QuoteType = "inferred"
)

// InstructionKind classifies the nature of the carrier instruction.
type InstructionKind string

// Instruction kinds.
const (
	InstructionExplicitlyHarmful InstructionKind = "explicitly_harmful"
	InstructionMissingGuardrails InstructionKind = "benign_but_missing_guardrails"
	InstructionDescriptive       InstructionKind = "descriptive"
	InstructionUnknown           InstructionKind = "unknown"
)

// Tristate is a three-valued boolean for source agreement checks.
type Tristate string

// Tristate values.
const (
	TristateTrue    Tristate = "true"
	TristateFalse   Tristate = "false"
	TristateUnknown Tristate = "unknown"
)

// ConflictSignal records two documents giving contradictory guidance on the
// same topic.
type ConflictSignal struct {
	DocA     string `json:"docA"`
	DocB     string `json:"docB"`
	Topic    string `json:"topic"`
	ExcerptA string `json:"excerptA"`
	ExcerptB string `json:"excerptB"`
}

// EvidenceBundle is the structured output of the attribution evidence
// extractor. It is the sole input of the failure-mode resolver.
type EvidenceBundle struct {
	CarrierStage          CarrierStage     `json:"carrierStage"`
	CarrierQuote          string           `json:"carrierQuote"`
	CarrierQuoteType      QuoteType        `json:"carrierQuoteType"`
	CarrierInstruction    InstructionKind  `json:"carrierInstructionKind"`
	CarrierLocation       string           `json:"carrierLocation"`
	HasCitation           bool             `json:"hasCitation"`
	CitedSources          []string         `json:"citedSources"`
	SourceRetrievable     bool             `json:"sourceRetrievable"`
	SourceAgreesWith      Tristate         `json:"sourceAgreesWithCarrier"`
	MandatoryDocMissing   bool             `json:"mandatoryDocMissing"`
	MissingDocID          string           `json:"missingDocId,omitempty"`
	VaguenessSignals      []string         `json:"vaguenessSignals"`
	HasTestableCriteria   bool             `json:"hasTestableAcceptanceCriteria"`
	ConflictSignals       []ConflictSignal `json:"conflictSignals"`
}

// NoncomplianceCause is a possible reason guidance was ignored. Ambiguity is
// deliberately absent: ambiguous guidance is routed to a pattern definition
// instead of a compliance cause.
type NoncomplianceCause string

// Noncompliance causes.
const (
	CauseSalience   NoncomplianceCause = "salience"
	CauseFormatting NoncomplianceCause = "formatting"
)

// ExecutionNoncompliance records that guidance existed but the implementing
// agent did not follow it.
type ExecutionNoncompliance struct {
	ViolatedGuidanceStage    CarrierStage         `json:"violatedGuidanceStage"`
	ViolatedGuidanceLocation string               `json:"violatedGuidanceLocation"`
	ViolatedGuidanceExcerpt  string               `json:"violatedGuidanceExcerpt"`
	PossibleCauses           []NoncomplianceCause `json:"possibleCauses"`
}

// AlertStatus is the lifecycle of a provisional alert.
type AlertStatus string

// Alert statuses.
const (
	AlertPending  AlertStatus = "pending"
	AlertPromoted AlertStatus = "promoted"
	AlertExpired  AlertStatus = "expired"
)

// ProvisionalAlert is a candidate warning awaiting enough corroborating
// occurrences to be promoted into a durable pattern. The carrier stage,
// failure mode, category, severity, and quote type are captured from the
// evidence at creation so a later sweep can promote with the same seed an
// in-band promotion would use.
type ProvisionalAlert struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"project_id"`
	Message           string       `json:"message"`
	FindingID         string       `json:"finding_id"`
	IssueID           string       `json:"issue_id"`
	Touches           []Touch      `json:"touches"`
	FilePatterns      []string     `json:"file_patterns"`
	CarrierStage      CarrierStage `json:"carrier_stage,omitempty"`
	FailureMode       FailureMode  `json:"failure_mode,omitempty"`
	FindingCategory   string       `json:"finding_category,omitempty"`
	SeverityMax       string       `json:"severity_max,omitempty"`
	QuoteType         QuoteType    `json:"quote_type,omitempty"`
	Status            AlertStatus  `json:"status"`
	PromotedPatternID string       `json:"promoted_pattern_id,omitempty"`
	ExpiresAt         time.Time    `json:"expires_at"`
	CreatedAt         time.Time    `json:"created_at"`
}

// PatternStatus is the lifecycle of a pattern definition.
type PatternStatus string

// Pattern statuses.
const (
	PatternActive   PatternStatus = "active"
	PatternArchived PatternStatus = "archived"
)

// Pattern is a durable, reusable warning injected into downstream agent
// prompts. Confidence decays over time unless the pattern is permanent.
type Pattern struct {
	ID              string        `json:"id"`
	ProjectID       string        `json:"project_id"`
	CarrierStage    CarrierStage  `json:"carrier_stage"`
	PatternContent  string        `json:"pattern_content"`
	Alternative     string        `json:"alternative"`
	FindingCategory string        `json:"finding_category"`
	FailureMode     FailureMode   `json:"failure_mode"`
	SeverityMax     string        `json:"severity_max"`
	Touches         []Touch       `json:"touches"`
	Technologies    []string      `json:"technologies"`
	Confidence      float64       `json:"confidence"` // [0,1]
	Permanent       bool          `json:"permanent"`
	Status          PatternStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// DocumentFingerprint identifies the exact revision of a source document an
// occurrence was attributed against.
type DocumentFingerprint struct {
	Kind       string `json:"kind"` // git | external-tracker | web | external
	Identifier string `json:"identifier"`
	Hash       string `json:"hash"`
}

// OccurrenceStatus is the lifecycle of an occurrence.
type OccurrenceStatus string

// Occurrence statuses.
const (
	OccurrenceActive   OccurrenceStatus = "active"
	OccurrenceInactive OccurrenceStatus = "inactive"
)

// InactiveReasonSupersededDoc marks occurrences invalidated because their
// source document changed.
const InactiveReasonSupersededDoc = "superseded_doc"

// Occurrence links a confirmed finding to either a provisional alert or a
// promoted pattern (never both at once; promotion relinks).
type Occurrence struct {
	ID             string              `json:"id"`
	ProjectID      string              `json:"project_id"`
	AlertID        string              `json:"alert_id,omitempty"`
	PatternID      string              `json:"pattern_id,omitempty"`
	IssueID        string              `json:"issue_id"`
	FindingID      string              `json:"finding_id"`
	QuoteType      QuoteType           `json:"quote_type"`
	Fingerprint    DocumentFingerprint `json:"fingerprint"`
	WasInjected    bool                `json:"was_injected"`
	WasAdheredTo   bool                `json:"was_adhered_to"`
	Status         OccurrenceStatus    `json:"status"`
	InactiveReason string              `json:"inactive_reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// occurrenceConfidence maps quote types to the per-occurrence confidence
// used when averaging for the promotion gate. Occurrences store no
// confidence of their own; this derivation is the whole policy.
var occurrenceConfidence = map[QuoteType]float64{
	QuoteVerbatim:   0.9,
	QuoteParaphrase: 0.7,
	QuoteInferred:   0.5,
}

// ConfidenceFor returns the derived confidence for a quote type. Unknown
// quote types get the inferred floor of 0.5.
func ConfidenceFor(q QuoteType) float64 {
	if c, ok := occurrenceConfidence[q]; ok {
		return c
	}
	return 0.5
}

// SalienceIssue flags a pattern whose warnings are being repeatedly ignored.
// Key is a stable hash of (carrier stage, first 100 chars, full content) so
// repeated detection upserts rather than duplicates.
type SalienceIssue struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	PatternID    string    `json:"pattern_id"`
	Key          string    `json:"key"`
	IgnoredCount int       `json:"ignored_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
