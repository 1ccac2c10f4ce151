// Package interp resolves {{...}} placeholders against execution state,
// contact fields and the contact attribute bag.
//
// Resolution is total: an unresolvable path renders as the empty string
// and never fails the node. The resolver works over a closed set of
// root namespaces (state, contact, contact.attribute) rather than
// generic reflection, so it stays cheap to test exhaustively.
package interp

import (
	"regexp"
	"strings"

	"github.com/petrijr/botflow/pkg/api"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Context carries everything a path can resolve against.
type Context struct {
	State      map[string]any
	Contact    *api.Contact
	Attributes map[string]api.ContactAttribute
}

// Resolve looks up a dotted path. Namespaces, in resolution order:
//
//	state.<key>              execution state
//	contact.attribute.<key>  attribute bag
//	contact.<field>          contact record fields
//	<key>                    bare key, treated as state
//
// The second return value reports whether the path resolved.
func (c Context) Resolve(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	switch {
	case strings.HasPrefix(path, "state."):
		return c.stateLookup(strings.TrimPrefix(path, "state."))
	case strings.HasPrefix(path, "contact.attribute."):
		key := strings.TrimPrefix(path, "contact.attribute.")
		attr, ok := c.Attributes[key]
		if !ok {
			return nil, false
		}
		return attr.TypedValue(), true
	case strings.HasPrefix(path, "contact."):
		return c.Contact.Field(strings.TrimPrefix(path, "contact."))
	default:
		return c.stateLookup(path)
	}
}

// stateLookup walks dotted keys through nested state maps, so
// "state.order.total" reaches into a map stored under "order".
func (c Context) stateLookup(key string) (any, bool) {
	if v, ok := c.State[key]; ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = c.State
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Interpolate substitutes every {{path}} token in s. Unresolvable paths
// become the empty string.
func (c Context) Interpolate(s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		path := placeholderRe.FindStringSubmatch(tok)[1]
		v, ok := c.Resolve(path)
		if !ok {
			return ""
		}
		return api.Stringify(v)
	})
}

// InterpolateValue applies Interpolate recursively to strings inside
// maps and slices. Map keys are never interpolated. Non-string leaves
// pass through unchanged.
func (c Context) InterpolateValue(v any) any {
	switch t := v.(type) {
	case string:
		return c.Interpolate(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = c.InterpolateValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = c.InterpolateValue(inner)
		}
		return out
	default:
		return v
	}
}

// InterpolateMap is InterpolateValue specialised for config maps.
func (c Context) InterpolateMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return c.InterpolateValue(m).(map[string]any)
}

// InterpolateStringMap interpolates the values of a string-valued map,
// e.g. webhook headers.
func (c Context) InterpolateStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = c.Interpolate(v)
	}
	return out
}
