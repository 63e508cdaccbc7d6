package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Shape describes how a job record was found in the backing store.
type Shape int

const (
	// ShapeAbsent means no record exists for the ID.
	ShapeAbsent Shape = iota
	// ShapeFields is the current field-map form (one field per attribute).
	ShapeFields
	// ShapeBlob is the legacy form: the whole record serialized as one JSON
	// value. It is rewritten as ShapeFields on the next status update.
	ShapeBlob
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeFields:
		return "fields"
	case ShapeBlob:
		return "blob"
	default:
		return "absent"
	}
}

// Raw is a record exactly as the store holds it.
type Raw struct {
	Shape  Shape
	Fields map[string]string
	Blob   []byte
}

// Decode converts r into a Record. Absent yields (nil, nil).
func (r Raw) Decode(id string) (*Record, error) {
	switch r.Shape {
	case ShapeFields:
		return DecodeFields(id, r.Fields)
	case ShapeBlob:
		return DecodeBlob(id, r.Blob)
	default:
		return nil, nil //nolint:nilnil // absent record is not an error
	}
}

// Field names of the field-map shape.
const (
	FieldID          = "id"
	FieldType        = "type"
	FieldTask        = "task"
	FieldState       = "state"
	FieldProgress    = "progress"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldStartedAt   = "started_at"
	FieldFinishedAt  = "finished_at"
	FieldParams      = "params"
	FieldResult      = "result"
	FieldError       = "error"
	FieldCurrentStep = "current_step"
	FieldMessage     = "message"
)

var knownFields = map[string]struct{}{
	FieldID: {}, FieldType: {}, FieldTask: {}, FieldState: {}, FieldProgress: {},
	FieldCreatedAt: {}, FieldUpdatedAt: {}, FieldStartedAt: {}, FieldFinishedAt: {},
	FieldParams: {}, FieldResult: {}, FieldError: {}, FieldCurrentStep: {}, FieldMessage: {},
}

// EncodeFields returns the set fields of r in field-map form. Structured
// values (params, result, error) are JSON text; timestamps are RFC 3339.
func EncodeFields(r *Record) (map[string]string, error) {
	f := make(map[string]string, 14+len(r.Extra))
	for k, v := range r.Extra {
		f[k] = v
	}
	f[FieldID] = r.ID
	if r.Type != "" {
		f[FieldType] = r.Type
	}
	if r.Task != "" {
		f[FieldTask] = r.Task
	}
	if r.State != "" {
		f[FieldState] = string(r.State)
	}
	if r.Progress != nil {
		f[FieldProgress] = strconv.FormatFloat(*r.Progress, 'f', -1, 64)
	}
	putTime(f, FieldCreatedAt, r.CreatedAt)
	putTime(f, FieldUpdatedAt, r.UpdatedAt)
	putTime(f, FieldStartedAt, r.StartedAt)
	putTime(f, FieldFinishedAt, r.FinishedAt)
	if len(r.Params) > 0 {
		f[FieldParams] = string(r.Params)
	}
	if len(r.Result) > 0 {
		f[FieldResult] = string(r.Result)
	}
	if r.Error != nil {
		data, err := json.Marshal(r.Error)
		if err != nil {
			return nil, fmt.Errorf("job: encode error field: %w", err)
		}
		f[FieldError] = string(data)
	}
	if r.CurrentStep != "" {
		f[FieldCurrentStep] = r.CurrentStep
	}
	if r.Message != "" {
		f[FieldMessage] = r.Message
	}
	return f, nil
}

func putTime(f map[string]string, key string, t *time.Time) {
	if t != nil {
		f[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

// DecodeFields builds a Record from field-map form. Unparseable optional
// values are dropped rather than failing the whole record.
func DecodeFields(id string, f map[string]string) (*Record, error) {
	r := &Record{ID: id}
	if v := f[FieldID]; v != "" {
		r.ID = v
	}
	r.Type = f[FieldType]
	r.Task = f[FieldTask]
	r.State = State(strings.ToUpper(f[FieldState]))
	if v, ok := f[FieldProgress]; ok && v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			r.Progress = &p
		}
	}
	r.CreatedAt = parseTime(f[FieldCreatedAt])
	r.UpdatedAt = parseTime(f[FieldUpdatedAt])
	r.StartedAt = parseTime(f[FieldStartedAt])
	r.FinishedAt = parseTime(f[FieldFinishedAt])
	r.Params = rawJSON(f[FieldParams])
	r.Result = rawJSON(f[FieldResult])
	if v := f[FieldError]; v != "" {
		r.Error = decodeError(v)
	}
	r.CurrentStep = f[FieldCurrentStep]
	r.Message = f[FieldMessage]

	for k, v := range f {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[k] = v
	}
	return r, nil
}

// DecodeBlob builds a Record from the legacy single-value form.
func DecodeBlob(id string, blob []byte) (*Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(blob, &obj); err != nil {
		return nil, fmt.Errorf("job: decode blob record %q: %w", id, err)
	}
	f := make(map[string]string, len(obj))
	for k, v := range obj {
		v = bytes.TrimSpace(v)
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			continue
		}
		if v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				f[k] = s
				continue
			}
		}
		f[k] = string(v)
	}
	return DecodeFields(id, f)
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	// Plain text from an older writer; keep it as a JSON string.
	data, _ := json.Marshal(s) //nolint:errcheck // marshaling a string cannot fail
	return data
}

func decodeError(s string) *ErrorInfo {
	var wire struct {
		Type      string `json:"error_type"`
		Message   string `json:"error_message"`
		Timestamp string `json:"timestamp"`
		Path      string `json:"error_path"`
	}
	if err := json.Unmarshal([]byte(s), &wire); err == nil && (wire.Type != "" || wire.Message != "") {
		e := &ErrorInfo{Type: wire.Type, Message: wire.Message, Path: wire.Path}
		if ts := parseTime(wire.Timestamp); ts != nil {
			e.Timestamp = *ts
		}
		return e
	}
	return &ErrorInfo{Type: "Error", Message: s}
}
