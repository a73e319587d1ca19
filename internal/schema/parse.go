package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxDiagnosticLen caps how much raw response text is carried inside a
// ParseError or ValidationError for diagnostics.
const maxDiagnosticLen = 240

// ParseError reports that no JSON object could be recovered from an
// annotation response, neither directly nor from a fenced block.
type ParseError struct {
	Raw string // truncated offending text
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schema: parse annotation response: %v (raw: %q)", e.Err, e.Raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports that a parsed annotation response does not satisfy
// the schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

// Parse recovers a JSON object from raw annotation text. It first attempts a
// direct parse; if that fails, it extracts a single fenced block (```json or
// bare ``` fences, then the outermost brace pair) and retries on its
// contents. Failure of both stages yields a *ParseError.
func Parse(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)

	// A literal "null" unmarshals into a nil map; treat it as no object.
	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil && doc != nil {
		return doc, nil
	}

	candidate := extractCandidate(trimmed)
	if candidate != trimmed {
		doc = nil
		if err := json.Unmarshal([]byte(candidate), &doc); err == nil && doc != nil {
			return doc, nil
		}
	}

	return nil, &ParseError{
		Raw: truncate(trimmed),
		Err: fmt.Errorf("no JSON object found"),
	}
}

// extractCandidate strips markdown code fences and narrows to the outermost
// JSON object.
func extractCandidate(text string) string {
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func truncate(s string) string {
	if len(s) <= maxDiagnosticLen {
		return s
	}
	return s[:maxDiagnosticLen] + "..."
}

// ParseAndValidate composes Parse and Validate.
func ParseAndValidate(raw string, s Schema) (map[string]any, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Validate(doc, s)
}
