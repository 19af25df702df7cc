package docstore

import (
	"errors"
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"
)

// Store-managed field names.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

var errNotObject = errors.New("value does not encode to a JSON object")

// Document is one record of a collection.
//
// Values are the types produced by decoding JSON: string, float64, bool, nil,
// []any and map[string]any.
type Document map[string]any

// ID returns the document id or "" when absent.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// CreatedAt returns the creation timestamp or "" when absent.
func (d Document) CreatedAt() string {
	s, _ := d[FieldCreatedAt].(string)
	return s
}

// UpdatedAt returns the last update timestamp or "" when the document was
// never updated.
func (d Document) UpdatedAt() string {
	s, _ := d[FieldUpdatedAt].(string)
	return s
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, e := range t {
			c[k] = cloneValue(e)
		}
		return c
	case Document:
		return t.Clone()
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

// Decode maps the document onto v, typically a pointer to a struct with json
// tags.
func (d Document) Decode(v any) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// Encode converts v, typically a struct with json tags, into a Document.
func Encode(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", errNotObject, err)
	}
	if d == nil {
		return nil, errNotObject
	}
	return d, nil
}

// Filter selects documents whose top-level fields equal every given value.
//
// An empty filter matches every document. A field absent from a document
// never matches, even against a nil value.
type Filter map[string]any

// normalize round-trips the filter values through the JSON codec so they
// compare equal to decoded document values.
func (f Filter) normalize() (Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(f))
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	var n Filter
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return n, nil
}

func (f Filter) matches(d Document) bool {
	for k, want := range f {
		got, ok := d[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
