package llm

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BatchEntry is one analyzed item in a batch response. WeightScore is a
// pointer so a missing score can be told apart from zero.
type BatchEntry struct {
	Time        string `json:"time"`
	Category    string `json:"category"`
	WeightScore *int   `json:"weight_score"`
	Summary     string `json:"summary"`
	Source      string `json:"source"`
}

// BatchResponse is the full structured output for one batch.
type BatchResponse struct {
	Results []BatchEntry `json:"results"`
}

// batchSchemaJSON is the lax schema every response is validated against
// locally, regardless of provider. weight_score may be absent or null; such
// entries pass validation and are dropped downstream.
const batchSchemaJSON = `{
  "type": "object",
  "properties": {
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "time": {"type": "string"},
          "category": {"type": "string"},
          "weight_score": {"type": ["integer", "null"]},
          "summary": {"type": "string"},
          "source": {"type": "string"}
        },
        "required": ["time", "category", "summary", "source"],
        "additionalProperties": false
      }
    }
  },
  "required": ["results"],
  "additionalProperties": false
}`

// nativeBatchSchemaJSON is the schema sent as the strict response_format.
// Strict structured outputs demand every property in required, so
// weight_score is required but nullable; null decodes to a nil pointer and
// the entry is dropped downstream like a missing score.
const nativeBatchSchemaJSON = `{
  "type": "object",
  "properties": {
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "time": {"type": "string"},
          "category": {"type": "string"},
          "weight_score": {"type": ["integer", "null"]},
          "summary": {"type": "string"},
          "source": {"type": "string"}
        },
        "required": ["time", "category", "weight_score", "summary", "source"],
        "additionalProperties": false
      }
    }
  },
  "required": ["results"],
  "additionalProperties": false
}`

// batchSchema is compiled once at init; the schema is a package constant so
// a compile failure is a programming error.
var batchSchema = jsonschema.MustCompileString("batch_analysis.json", batchSchemaJSON)

// validateBatch checks a decoded response against the schema.
func validateBatch(v any) error {
	return batchSchema.Validate(v)
}

// schemaInstruction is appended to the user prompt for providers without
// native structured outputs.
const schemaInstruction = "\n\nRespond with a single JSON object and nothing else. " +
	"The object must have a \"results\" array where each element has: " +
	"\"time\" (string), \"category\" (string), \"weight_score\" (integer 0-100), " +
	"\"summary\" (string), \"source\" (string). One element per item, in input order."

// repairInstruction asks the model to fix an invalid response, echoing the
// validator's complaint.
func repairInstruction(previous string, validationErr error) string {
	var sb strings.Builder
	sb.WriteString("Your previous response did not match the required JSON schema.\n")
	sb.WriteString("Validation error: ")
	sb.WriteString(validationErr.Error())
	sb.WriteString("\n\nPrevious response:\n")
	sb.WriteString(previous)
	sb.WriteString("\n\nReturn the corrected JSON object only.")

	return sb.String()
}
