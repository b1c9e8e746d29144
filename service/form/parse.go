package form

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	msgInvalidJSON   = "Invalid JSON: %s. Please provide a valid JSON object with 'name', 'description', and 'schema' properties."
	msgNotObject     = "Parsed content is not a valid JSON object"
	msgMissingSchema = "JSON must contain a 'schema' property."
)

// ParseError carries the message shown to the user when pasted JSON is
// rejected.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseFullForm decodes pasted text into a FullForm. The text must be a JSON
// object whose "schema" is not null, false, 0 or ""; "name" and "description"
// are optional strings and fall back to UntitledName and "".
func ParseFullForm(text string) (FullForm, error) {
	var probe any
	if err := sonic.UnmarshalString(text, &probe); err != nil {
		return FullForm{}, &ParseError{
			Message: fmt.Sprintf(msgInvalidJSON, firstLine(err.Error())),
			Err:     err,
		}
	}
	var fields map[string]any
	switch v := probe.(type) {
	case map[string]any:
		fields = v
	case []any:
		// an array is an object without a schema property
		return FullForm{}, &ParseError{Message: msgMissingSchema}
	default:
		return FullForm{}, &ParseError{Message: fmt.Sprintf(msgInvalidJSON, msgNotObject)}
	}
	if !truthy(fields["schema"]) {
		return FullForm{}, &ParseError{Message: msgMissingSchema}
	}

	var doc struct {
		Schema Schema `json:"schema"`
	}
	if err := sonic.UnmarshalString(text, &doc); err != nil {
		return FullForm{}, &ParseError{
			Message: fmt.Sprintf(msgInvalidJSON, firstLine(err.Error())),
			Err:     err,
		}
	}
	if doc.Schema.IsZero() {
		return FullForm{}, &ParseError{Message: msgMissingSchema}
	}

	return FullForm{
		Name:        stringOr(fields["name"], UntitledName),
		Description: stringOr(fields["description"], ""),
		Schema:      doc.Schema,
	}, nil
}

// truthy reports whether v counts as present: null, false, 0 and "" do not.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
