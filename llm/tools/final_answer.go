package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pminervini/open-deep-research/types"
)

// FinalAnswerToolName is the action that ends a loop.
const FinalAnswerToolName = "final_answer"

// FinalAnswer is the decoded argument set of a final_answer action.
type FinalAnswer struct {
	Answer             string `json:"answer"`
	NeedsClarification bool   `json:"needs_clarification,omitempty"`
}

// ParseFinalAnswer decodes final_answer arguments. Non-string answers (numbers,
// objects) are kept in their JSON text form.
func ParseFinalAnswer(args json.RawMessage) (FinalAnswer, error) {
	var raw struct {
		Answer             json.RawMessage `json:"answer"`
		NeedsClarification *bool           `json:"needs_clarification"`
	}
	if err := json.Unmarshal(args, &raw); err != nil {
		return FinalAnswer{}, types.NewInvalidArgumentError("arguments", "final_answer arguments must be an object")
	}
	var fa FinalAnswer
	if len(raw.Answer) == 0 || string(raw.Answer) == "null" {
		return fa, types.NewInvalidArgumentError("answer", "missing required argument")
	}
	if err := json.Unmarshal(raw.Answer, &fa.Answer); err != nil {
		fa.Answer = string(raw.Answer)
	}
	if raw.NeedsClarification != nil {
		fa.NeedsClarification = *raw.NeedsClarification
	}
	return fa, nil
}

// NewFinalAnswerTool returns the final_answer tool. The loop intercepts the
// action before execution, so the function only echoes the answer back.
func NewFinalAnswerTool() (ToolFunc, ToolMetadata) {
	params := types.NewObjectSchema().
		AddProperty("answer", types.NewAnySchema().WithDescription("The final answer to the problem.")).
		AddProperty("needs_clarification", types.NewBooleanSchema().AsNullable().
			WithDescription("Set to true when the task cannot be answered without more details from the requester.")).
		AddRequired("answer")

	fn := func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		fa, err := ParseFinalAnswer(args)
		if err != nil {
			return nil, err
		}
		return StringResult(fa.Answer), nil
	}
	return fn, ToolMetadata{
		Schema: types.NewToolSchema(FinalAnswerToolName, "Provides a final answer to the given problem.", params, "any"),
	}
}

// RegisterFinalAnswerTool registers final_answer into registry.
func RegisterFinalAnswerTool(registry ToolRegistry) error {
	fn, meta := NewFinalAnswerTool()
	if err := registry.Register(FinalAnswerToolName, fn, meta); err != nil {
		return fmt.Errorf("register %s: %w", FinalAnswerToolName, err)
	}
	return nil
}
