// file: validator.go
package wskit

// Issue describes one validation failure at a specific location.
type Issue struct {
	// Path locates the failing field ("" for the instance root),
	// e.g. "/payload/text".
	Path string `json:"path"`
	// Message describes why the location failed validation.
	Message string `json:"message"`
}

// ParseResult is the discriminated result of Validator.SafeParse.
type ParseResult struct {
	// OK is true when the data conforms to the schema.
	OK bool
	// Issues lists per-field failures when OK is false.
	Issues []Issue
}

// Validator is the adapter contract over a schema library. Schemas are
// opaque to the router; only the adapter knows how to read them. A Validator
// must be safe for concurrent use.
type Validator interface {
	// MessageType derives the type discriminant from an opaque schema.
	// It returns an error when the schema carries no type constant.
	MessageType(schema any) (string, error)

	// SafeParse validates raw JSON data against the schema. It never
	// returns an error; failures are reported through the result.
	SafeParse(schema any, data []byte) ParseResult
}

// issueDetails converts issues to the details shape embedded in
// INVALID_ARGUMENT / OUTBOUND_VALIDATION_ERROR frames.
func issueDetails(issues []Issue) map[string]any {
	if len(issues) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		out = append(out, map[string]any{"path": issue.Path, "message": issue.Message})
	}
	return map[string]any{"issues": out}
}
