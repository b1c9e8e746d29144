package form

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const UntitledName = "Untitled Form"

var ErrNameRequired = errors.New("form name is required")

type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (m Meta) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return ErrNameRequired
	}
	return nil
}

// Schema is the form definition owned by the builder/renderer widget. It is
// carried verbatim and never inspected. A nil Schema means "no schema yet".
type Schema []byte

func (s Schema) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	return s, nil
}

func (s *Schema) UnmarshalJSON(b []byte) error {
	if s == nil {
		return errors.New("form.Schema: UnmarshalJSON on nil pointer")
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}
	*s = append((*s)[0:0], trimmed...)
	return nil
}

// IsZero reports whether s holds no schema. A literal JSON null counts as
// none.
func (s Schema) IsZero() bool {
	trimmed := bytes.TrimSpace(s)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (s Schema) Equal(other Schema) bool {
	return bytes.Equal(s, other)
}

func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	return append(Schema(nil), s...)
}

// Result is what the user sees after submit/save/export: exactly one of
// Success or Error is set.
type Result struct {
	Success json.RawMessage `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (r *Result) Failed() bool {
	return r != nil && r.Error != ""
}

func Failure(msg string) *Result {
	return &Result{Error: msg}
}

// SuccessText wraps a plain message as a JSON string success value.
func SuccessText(msg string) *Result {
	quoted, _ := sonic.Marshal(msg)
	return &Result{Success: quoted}
}

func SuccessValue(body []byte) *Result {
	return &Result{Success: append(json.RawMessage(nil), body...)}
}

// Payload is the merged object sent to the sink and saved locally.
type Payload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
	CreatedAt   string `json:"createdAt"`
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func NewPayload(meta Meta, schema Schema, now time.Time) Payload {
	return Payload{
		Name:        meta.Name,
		Description: meta.Description,
		Schema:      schema.Clone(),
		CreatedAt:   now.UTC().Format(isoMillis),
	}
}

// FullForm is the pasted/exported shape: meta plus schema in one object.
type FullForm struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
}

func Export(meta *Meta, schema Schema) FullForm {
	ff := FullForm{Name: UntitledName, Schema: schema.Clone()}
	if meta != nil {
		if meta.Name != "" {
			ff.Name = meta.Name
		}
		ff.Description = meta.Description
	}
	return ff
}
