package capability

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// InputSchema is the simplified structural contract advertised for a
// capability's arguments. Only object schemas are supported at the top level.
type InputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// SchemaProperty describes one argument field.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
}

// reflectInputSchema reflects a Go argument struct A into an InputSchema
// using invopop/jsonschema, inlining definitions and hoisting the struct to
// the schema root.
func reflectInputSchema[A any](allowAdditional bool) InputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return InputSchema{
			Type:                 "object",
			Properties:           map[string]SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return InputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toProperty recursively maps a jsonschema.Schema to a SchemaProperty.
func toProperty(s *jsonschema.Schema) SchemaProperty {
	if s == nil {
		return SchemaProperty{}
	}
	p := SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// coerceArguments validates raw arguments against schema and returns the
// coerced arguments ready for strict decoding into the handler's typed
// struct. Numeric fields accept a JSON number or a string representation of
// one; the coerced value must be finite.
func coerceArguments(schema InputSchema, raw json.RawMessage) (json.RawMessage, error) {
	fields := map[string]string{}

	var args map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			fields[""] = "arguments must be a JSON object"
			return nil, &InvalidArgumentsError{Fields: fields}
		}
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			fields[name] = "required field is missing"
		}
	}

	coerced := make(map[string]any, len(args))
	for name, val := range args {
		prop, declared := schema.Properties[name]
		if !declared {
			if !schema.AdditionalProperties {
				fields[name] = "unknown field"
				continue
			}
			var v any
			if err := json.Unmarshal(val, &v); err != nil {
				fields[name] = "invalid JSON value"
				continue
			}
			coerced[name] = v
			continue
		}

		v, diag := coerceField(prop, val)
		if diag != "" {
			fields[name] = diag
			continue
		}
		coerced[name] = v
	}

	if len(fields) > 0 {
		return nil, &InvalidArgumentsError{Fields: fields}
	}

	// encoding/json marshals map keys in sorted order, keeping the coerced
	// form deterministic.
	out, err := json.Marshal(coerced)
	if err != nil {
		return nil, &InvalidArgumentsError{Fields: map[string]string{"": "arguments are not encodable"}}
	}
	return out, nil
}

// coerceField coerces one field value per its declared type. It returns the
// coerced value or a diagnostic string.
func coerceField(prop SchemaProperty, val json.RawMessage) (any, string) {
	switch prop.Type {
	case "number", "integer":
		f, diag := coerceNumber(val)
		if diag != "" {
			return nil, diag
		}
		if prop.Type == "integer" && f != math.Trunc(f) {
			return nil, "expected an integer"
		}
		return f, ""
	case "string":
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return nil, "expected a string"
		}
		return s, ""
	case "boolean":
		var b bool
		if err := json.Unmarshal(val, &b); err != nil {
			return nil, "expected a boolean"
		}
		return b, ""
	default:
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return nil, "invalid JSON value"
		}
		return v, ""
	}
}

// coerceNumber accepts a JSON number or a string holding one and returns a
// finite float64.
func coerceNumber(val json.RawMessage) (float64, string) {
	trimmed := strings.TrimSpace(string(val))
	if len(trimmed) == 0 {
		return 0, "expected a number"
	}

	var text string
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return 0, "expected a number"
		}
		text = strings.TrimSpace(s)
	} else {
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			return 0, "expected a number or a numeric string"
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, "value must be finite"
		}
		return f, ""
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, "value is not a number"
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "value must be finite"
	}
	return f, ""
}
