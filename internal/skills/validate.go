package skills

import (
	"fmt"
	"strings"

	"github.com/kestrelhq/conclave/pkg/models"
)

// DefaultMaxStringLength caps any string field lacking an explicit
// MaxLength, so a malformed or adversarial tool call can't smuggle an
// unbounded payload through an otherwise-permissive schema.
const DefaultMaxStringLength = 10_000

// ValidateToolInput checks decoded tool-call input against a ToolDefinition's
// InputSchema. It implements a deliberately small JSON-Schema subset
// (required/type/enum/minimum/maximum/minItems/maxItems/maxLength) and is
// permissive about fields the schema doesn't mention, matching the spirit of
// a tool-call shape that LLMs do not always produce byte-perfectly.
//
// Every problem is collected rather than returned on first failure, so the
// LLM sees all offending fields in one round trip and can correct them
// together.
func ValidateToolInput(schema models.InputSchema, input map[string]any) error {
	var problems []string

	for _, name := range schema.Required {
		if _, ok := input[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required field %q", name))
		}
	}

	for name, value := range input {
		field, ok := schema.Properties[name]
		if !ok {
			continue // permissive on unknown fields
		}
		problems = append(problems, validateField(name, field, value)...)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}

func validateField(name string, field models.SchemaField, value any) []string {
	if value == nil {
		return nil
	}

	var problems []string
	switch field.Type {
	case models.SchemaString:
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("field %q must be a string", name)}
		}
		maxLen := DefaultMaxStringLength
		if field.MaxLength != nil {
			maxLen = *field.MaxLength
		}
		if len(s) > maxLen {
			problems = append(problems, fmt.Sprintf("field %q exceeds maximum length of %d characters", name, maxLen))
		}
		if len(field.Enum) > 0 && !containsString(field.Enum, s) {
			problems = append(problems, fmt.Sprintf("field %q must be one of %v", name, field.Enum))
		}

	case models.SchemaNumber:
		n, ok := asFloat(value)
		if !ok {
			return []string{fmt.Sprintf("field %q must be a number", name)}
		}
		if field.Minimum != nil && n < *field.Minimum {
			problems = append(problems, fmt.Sprintf("field %q must be >= %v", name, *field.Minimum))
		}
		if field.Maximum != nil && n > *field.Maximum {
			problems = append(problems, fmt.Sprintf("field %q must be <= %v", name, *field.Maximum))
		}

	case models.SchemaBoolean:
		if _, ok := value.(bool); !ok {
			problems = append(problems, fmt.Sprintf("field %q must be a boolean", name))
		}

	case models.SchemaArray:
		arr, ok := value.([]any)
		if !ok {
			return []string{fmt.Sprintf("field %q must be an array", name)}
		}
		if field.MinItems != nil && len(arr) < *field.MinItems {
			problems = append(problems, fmt.Sprintf("field %q must have at least %d items", name, *field.MinItems))
		}
		if field.MaxItems != nil && len(arr) > *field.MaxItems {
			problems = append(problems, fmt.Sprintf("field %q must have at most %d items", name, *field.MaxItems))
		}
		if field.Items != nil {
			for i, elem := range arr {
				problems = append(problems, validateField(fmt.Sprintf("%s[%d]", name, i), *field.Items, elem)...)
			}
		}

	case models.SchemaObject:
		if _, ok := value.(map[string]any); !ok {
			problems = append(problems, fmt.Sprintf("field %q must be an object", name))
		}
	}

	return problems
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
