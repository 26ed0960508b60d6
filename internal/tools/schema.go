package tools

import (
	"fmt"
	"regexp"

	"github.com/A2gent/bpchat/internal/llm"
)

// Property describes one tool argument. Arguments travel as strings on the
// wire, so every property is advertised with JSON type "string". Format
// narrows what the string must look like ("number", "integer" or
// "boolean") and is advertised as a pattern.
type Property struct {
	Format      string
	Description string
}

var formatPatterns = map[string]string{
	"number":  `^[0-9]+(\.[0-9]+)?$`,
	"integer": `^[0-9]+$`,
	"boolean": `^(true|false)$`,
}

// ObjectSchema builds an input_schema object.
func ObjectSchema(props map[string]Property, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, p := range props {
		def := map[string]any{"type": "string"}
		if pattern, ok := formatPatterns[p.Format]; ok {
			def["pattern"] = pattern
		}
		if p.Description != "" {
			def["description"] = p.Description
		}
		properties[name] = def
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateInput checks input against the required list and the property
// patterns of desc's schema.
func ValidateInput(desc llm.ToolDescriptor, input map[string]string) error {
	schema := desc.InputSchema
	if schema == nil {
		return nil
	}

	for _, field := range requiredFields(schema["required"]) {
		if _, ok := input[field]; !ok {
			return llm.ToolFailed(desc.Name, fmt.Sprintf("missing required field: %s", field))
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for key, value := range input {
		def, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		pattern, _ := def["pattern"].(string)
		if err := checkPattern(value, pattern); err != nil {
			return llm.ToolFailed(desc.Name, fmt.Sprintf("field %s: %v", key, err))
		}
	}
	return nil
}

func requiredFields(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func checkPattern(value, pattern string) error {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	if !re.MatchString(value) {
		return fmt.Errorf("expected %s but got %q", patternName(pattern), value)
	}
	return nil
}

func patternName(pattern string) string {
	for format, p := range formatPatterns {
		if p == pattern {
			return format
		}
	}
	return "value matching " + pattern
}
