package attribution

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// evidenceSchemaJSON constrains the extractor's response. Enum values here
// and the model constants must stay in lockstep.
const evidenceSchemaJSON = `{
  "type": "object",
  "required": [
    "carrierStage", "carrierQuote", "carrierQuoteType", "carrierInstructionKind",
    "carrierLocation", "hasCitation", "citedSources", "sourceRetrievable",
    "sourceAgreesWithCarrier", "mandatoryDocMissing", "vaguenessSignals",
    "hasTestableAcceptanceCriteria", "conflictSignals"
  ],
  "additionalProperties": false,
  "properties": {
    "carrierStage": {"type": "string", "enum": ["context-pack", "spec"]},
    "carrierQuote": {"type": "string"},
    "carrierQuoteType": {"type": "string", "enum": ["verbatim", "paraphrase", "inferred"]},
    "carrierInstructionKind": {
      "type": "string",
      "enum": ["explicitly_harmful", "benign_but_missing_guardrails", "descriptive", "unknown"]
    },
    "carrierLocation": {"type": "string"},
    "hasCitation": {"type": "boolean"},
    "citedSources": {"type": "array", "items": {"type": "string"}},
    "sourceRetrievable": {"type": "boolean"},
    "sourceAgreesWithCarrier": {"type": "string", "enum": ["true", "false", "unknown"]},
    "mandatoryDocMissing": {"type": "boolean"},
    "missingDocId": {"type": "string"},
    "vaguenessSignals": {"type": "array", "items": {"type": "string"}},
    "hasTestableAcceptanceCriteria": {"type": "boolean"},
    "conflictSignals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["docA", "docB", "topic"],
        "properties": {
          "docA": {"type": "string"},
          "docB": {"type": "string"},
          "topic": {"type": "string"},
          "excerptA": {"type": "string"},
          "excerptB": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
)

// evidenceSchema compiles the bundle schema once. The schema is a build
// constant, so compilation failure is a programming error.
func evidenceSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(evidenceSchemaJSON), &doc); err != nil {
			panic(fmt.Sprintf("evidence schema is not valid JSON: %v", err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("evidence.json", doc); err != nil {
			panic(fmt.Sprintf("add evidence schema resource: %v", err))
		}
		s, err := c.Compile("evidence.json")
		if err != nil {
			panic(fmt.Sprintf("compile evidence schema: %v", err))
		}
		compiledSchema = s
	})
	return compiledSchema
}
