package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

// findingsSchema constrains the model's response to the shape the system
// prompt asks for. Severity values outside the graded set are tolerated
// here and bucketed as "unknown" downstream.
const findingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary", "issues"],
  "properties": {
    "summary": {"type": "string"},
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["file", "start_line", "severity", "title"],
        "properties": {
          "file": {"type": "string", "minLength": 1},
          "start_line": {"type": "integer"},
          "severity": {"type": "string"},
          "title": {"type": "string", "minLength": 1},
          "suggestion": {"type": "string"},
          "confidence_score": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "notes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["file", "line", "note"],
        "properties": {
          "file": {"type": "string"},
          "line": {"type": "integer"},
          "note": {"type": "string"}
        }
      }
    }
  }
}`

var findingsSchemaLoader = gojsonschema.NewStringLoader(findingsSchema)

// SchemaError reports a model response that failed findings validation.
// Raw preserves the full response so callers can persist it for debugging.
type SchemaError struct {
	Raw        string
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response failed findings schema: %s", strings.Join(e.Violations, "; "))
}

// ParseFindings extracts and validates the findings object from a raw model
// response. Markdown fences and surrounding prose are tolerated; the JSON
// itself must satisfy the findings schema.
func ParseFindings(raw string) (domain.Findings, error) {
	doc := types.ExtractJSONObject(raw)
	if doc == "" {
		return domain.Findings{}, &SchemaError{Raw: raw, Violations: []string{"no JSON object found in response"}}
	}

	result, err := gojsonschema.Validate(findingsSchemaLoader, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return domain.Findings{}, &SchemaError{Raw: raw, Violations: []string{err.Error()}}
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			violations = append(violations, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
		}
		return domain.Findings{}, &SchemaError{Raw: raw, Violations: violations}
	}

	var findings domain.Findings
	if err := json.Unmarshal([]byte(doc), &findings); err != nil {
		return domain.Findings{}, &SchemaError{Raw: raw, Violations: []string{err.Error()}}
	}
	return findings, nil
}
