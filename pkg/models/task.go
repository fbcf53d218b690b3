package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParameterType is the declared type of a task parameter.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamInteger ParameterType = "integer"
	ParamFloat   ParameterType = "float"
	ParamBoolean ParameterType = "boolean"
	ParamList    ParameterType = "list"
	ParamDict    ParameterType = "dict"
)

// Parameter describes one input or output of a task definition.
type Parameter struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Type        ParameterType `json:"type"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
}

// TaskDefinition is a reusable, parameterized task. Instructions may contain
// {param} placeholders that are filled from execution inputs.
type TaskDefinition struct {
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Instructions string      `json:"instructions"`
	InputSchema  []Parameter `json:"input_schema,omitempty"`
	OutputSchema []Parameter `json:"output_schema,omitempty"`
	TaskType     string      `json:"task_type,omitempty"`
}

// TaskConfig is a stored TaskDefinition addressable by id and name.
type TaskConfig struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Definition TaskDefinition `json:"definition"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// MissingInputs returns the names of required input parameters absent from
// values, in schema order.
func (d TaskDefinition) MissingInputs(values map[string]any) []string {
	var missing []string
	for _, p := range d.InputSchema {
		if !p.Required {
			continue
		}
		if _, ok := values[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// ApplyDefaults returns a copy of values with defaults filled in for optional
// inputs that were not provided. The input map is not modified.
func (d TaskDefinition) ApplyDefaults(values map[string]any) map[string]any {
	filled := make(map[string]any, len(values))
	for k, v := range values {
		filled[k] = v
	}
	for _, p := range d.InputSchema {
		if p.Required || p.Default == nil {
			continue
		}
		if _, ok := filled[p.Name]; !ok {
			filled[p.Name] = p.Default
		}
	}
	return filled
}

// RenderInstructions substitutes {param} placeholders in the instructions
// template with the given values. Scalars render with their natural string
// form; lists and dicts render as JSON.
func (d TaskDefinition) RenderInstructions(values map[string]any) string {
	rendered := d.Instructions
	for name, value := range values {
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", formatParamValue(value))
	}
	return rendered
}

func formatParamValue(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case nil:
		return ""
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(encoded)
	}
}
