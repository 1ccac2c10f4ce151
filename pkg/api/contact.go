package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Contact is the engine's read-mostly view of a messaging contact.
// Identity is owned elsewhere; the engine reads fields for interpolation
// and conditions and writes only the attribute bag.
type Contact struct {
	ID          string         `json:"id"`
	PhoneNumber string         `json:"phone_number"`
	FirstName   string         `json:"first_name,omitempty"`
	LastName    string         `json:"last_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Field resolves a contact field by name for interpolation and condition
// variables. Unknown names fall back to the metadata map.
func (c *Contact) Field(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	switch name {
	case "id":
		return c.ID, true
	case "phone", "phone_number":
		return c.PhoneNumber, true
	case "first_name":
		return c.FirstName, true
	case "last_name":
		return c.LastName, true
	}
	if v, ok := c.Metadata[name]; ok {
		return v, true
	}
	return nil, false
}

// ValueType declares how an attribute value should be interpreted.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueJSON    ValueType = "json"
)

func (t ValueType) Valid() bool {
	switch t {
	case ValueString, ValueNumber, ValueBoolean, ValueJSON:
		return true
	}
	return false
}

// CoerceValue converts a raw string into the declared type. It returns
// ErrInvalidValueType (wrapped) when the string does not parse.
func CoerceValue(raw string, t ValueType) (any, error) {
	switch t {
	case "", ValueString:
		return raw, nil
	case ValueNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValueType, raw)
		}
		return f, nil
	case ValueBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValueType, raw)
		}
		return b, nil
	case ValueJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("%w: %q is not valid JSON", ErrInvalidValueType, raw)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unknown value_type %q", ErrInvalidValueType, t)
	}
}

// ContactAttribute is one entry of a contact's persistent key/value bag.
// The bag outlives any single execution. The raw value is stored as a
// string together with its declared type.
type ContactAttribute struct {
	ContactID string    `json:"contact_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Type      ValueType `json:"value_type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TypedValue returns the value coerced to its declared type, falling
// back to the raw string if coercion fails.
func (a ContactAttribute) TypedValue() any {
	v, err := CoerceValue(a.Value, a.Type)
	if err != nil {
		return a.Value
	}
	return v
}
