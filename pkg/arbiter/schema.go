package arbiter

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// verdictSchema constrains the oracle's JSON output. A response that fails
// validation is indistinguishable from no response at all: the caller gets
// Unavailable and the conflict escalates.
const verdictSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["winning_item_id", "strategy", "rationale", "confidence"],
  "properties": {
    "winning_item_id": {"type": "string", "minLength": 1},
    "strategy": {"enum": ["hierarchy", "temporal", "specificity", "conservative"]},
    "rationale": {"type": "string", "minLength": 1},
    "rationale_bg": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "requires_human_review": {"type": "boolean"},
    "review_reason": {"type": "string"}
  }
}`

var compiledVerdictSchema = jsonschema.MustCompileString("verdict.schema.json", verdictSchema)

// validateVerdict checks a decoded JSON document against the verdict schema.
func validateVerdict(doc any) error {
	return compiledVerdictSchema.Validate(doc)
}
