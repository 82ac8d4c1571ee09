package types

import (
	"encoding/json"
)

// ToolSchema defines a tool's interface for LLM function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	// OutputType is the declared type of the tool's result, e.g. "string".
	OutputType string `json:"output_type,omitempty"`
}

// NewToolSchema builds a ToolSchema from a JSONSchema parameter definition.
func NewToolSchema(name, description string, params *JSONSchema, outputType string) ToolSchema {
	if params == nil {
		params = NewObjectSchema()
	}
	raw, _ := params.ToJSON()
	return ToolSchema{
		Name:        name,
		Description: description,
		Parameters:  raw,
		OutputType:  outputType,
	}
}
