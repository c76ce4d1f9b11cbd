// Package params declares parameter schemas and walks free-form maps into typed values.
//
// Every configurable record (model deploy parameters today) is described by a Schema: an
// ordered list of Fields carrying name, label, help text, type, default, valid values,
// required flag and extra metadata. Schema.Walk is the only place that interprets raw maps,
// so config files in YAML, JSON and TOML all behave the same.
package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldType enumerates the value kinds a Field may hold.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeBool    FieldType = "bool"
	TypeStrings FieldType = "strings"
)

// Field declares one parameter.
type Field struct {
	Name        string
	Label       string
	Help        string
	Type        FieldType
	Default     any
	ValidValues []any
	Required    bool
	Ext         map[string]any
}

// Schema is a named, ordered set of fields.
type Schema struct {
	Name   string
	Fields []Field
}

// Values holds walked parameters keyed by field name.
type Values map[string]any

// FieldError reports a problem with a single field.
type FieldError struct {
	Schema string
	Field  string
	Msg    string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Schema, e.Field, e.Msg)
}

// Field returns the declaration for name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Describe returns a copy of the field declarations.
func (s Schema) Describe() []Field {
	out := make([]Field, len(s.Fields))
	copy(out, s.Fields)
	return out
}

// Walk validates raw against the schema. Defaults fill missing fields, values are
// coerced to the declared type, and unknown keys are rejected.
func (s Schema) Walk(raw map[string]any) (Values, error) {
	known := make(map[string]struct{}, len(s.Fields))
	out := make(Values, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = struct{}{}
		v, present := raw[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, &FieldError{Schema: s.Name, Field: f.Name, Msg: "required"}
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		cv, err := coerce(f.Type, v)
		if err != nil {
			return nil, &FieldError{Schema: s.Name, Field: f.Name, Msg: err.Error()}
		}
		if f.Required && isZero(cv) {
			return nil, &FieldError{Schema: s.Name, Field: f.Name, Msg: "required"}
		}
		if len(f.ValidValues) > 0 && f.Type != TypeStrings && !contains(f.ValidValues, cv) {
			return nil, &FieldError{Schema: s.Name, Field: f.Name, Msg: fmt.Sprintf("invalid value %v (valid: %v)", cv, f.ValidValues)}
		}
		out[f.Name] = cv
	}
	var unknown []string
	for k := range raw {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &FieldError{Schema: s.Name, Field: strings.Join(unknown, ","), Msg: "unknown parameter"}
	}
	return out, nil
}

func coerce(t FieldType, v any) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return strings.TrimSpace(x), nil
		case fmt.Stringer:
			return x.String(), nil
		case int, int64, float64, bool:
			return fmt.Sprint(x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x != float64(int(x)) {
				return nil, fmt.Errorf("expected integer, got %v", x)
			}
			return int(x), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return n, nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", x)
			}
			return f, nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", x)
			}
			return b, nil
		}
	case TypeStrings:
		switch x := v.(type) {
		case []string:
			return append([]string(nil), x...), nil
		case []any:
			out := make([]string, 0, len(x))
			for _, e := range x {
				out = append(out, fmt.Sprint(e))
			}
			return out, nil
		case string:
			var out []string
			for _, p := range strings.Split(x, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out, nil
		}
	default:
		return nil, fmt.Errorf("unsupported field type %q", t)
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

func isZero(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	}
	return false
}

func contains(valid []any, v any) bool {
	for _, c := range valid {
		if c == v {
			return true
		}
	}
	return false
}

// String returns the string value of name or "".
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Int returns the int value of name or 0.
func (v Values) Int(name string) int {
	n, _ := v[name].(int)
	return n
}

// Float returns the float value of name or 0.
func (v Values) Float(name string) float64 {
	f, _ := v[name].(float64)
	return f
}

// Bool returns the bool value of name or false.
func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

// Strings returns the string-list value of name.
func (v Values) Strings(name string) []string {
	s, _ := v[name].([]string)
	return s
}

// Has reports whether name was set, either explicitly or by default.
func (v Values) Has(name string) bool {
	_, ok := v[name]
	return ok
}
