package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
)

var fencedBlockRE = regexp.MustCompile("(?s)```(?:json|tool)?[ \t]*\n?(.*?)```")

// ParseActions turns one model message into the ordered actions it requests.
// Native tool calls win; otherwise a JSON action blob is looked for in the
// text, inside a fenced block or after an "Action:" prefix. Every returned
// action names a tool in available. Failures are PARSE_ERROR errors.
func ParseActions(msg types.Message, available []string) ([]types.ToolCall, error) {
	known := make(map[string]bool, len(available))
	for _, n := range available {
		known[n] = true
	}

	var calls []types.ToolCall
	if len(msg.ToolCalls) > 0 {
		calls = make([]types.ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			calls = append(calls, types.ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Name),
				Arguments: normalizeArguments(tc.Arguments),
			})
		}
	} else {
		var err error
		if calls, err = parseTextActions(msg.Content); err != nil {
			return nil, err
		}
	}

	for i := range calls {
		c := &calls[i]
		if c.Name == "" {
			return nil, types.NewParseError("action is missing a tool name", nil)
		}
		if !known[c.Name] {
			return nil, types.NewParseError(fmt.Sprintf("unknown action %q", c.Name),
				types.NewUnknownActionError(c.Name, available))
		}
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if c.Name == tools.FinalAnswerToolName {
			c.Arguments = wrapFinalAnswer(c.Arguments)
		}
	}
	return calls, nil
}

func parseTextActions(content string) ([]types.ToolCall, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, types.NewParseError("the model output is empty", nil)
	}

	var candidates []string
	if i := strings.LastIndex(content, "Action:"); i >= 0 {
		candidates = append(candidates, content[i+len("Action:"):])
	}
	matches := fencedBlockRE.FindAllStringSubmatch(content, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		candidates = append(candidates, matches[i][1])
	}
	candidates = append(candidates, content)

	var lastErr error
	for _, c := range candidates {
		calls, err := decodeActionBlob(c)
		if err != nil {
			lastErr = err
			continue
		}
		if len(calls) > 0 {
			return calls, nil
		}
	}
	if lastErr != nil {
		return nil, types.NewParseError("malformed action JSON", lastErr)
	}
	return nil, types.NewParseError("no action found in the model output", nil)
}

// decodeActionBlob decodes the first JSON value in s. Trailing prose after the
// value is ignored. A nil slice with nil error means s holds no JSON at all.
func decodeActionBlob(s string) ([]types.ToolCall, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "```json"))
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}

	switch v := payload.(type) {
	case []any:
		calls := make([]types.ToolCall, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("action list entries must be objects")
			}
			calls = append(calls, callFromMap(m))
		}
		return calls, nil
	case map[string]any:
		if raw, ok := v["tool_calls"].([]any); ok {
			calls := make([]types.ToolCall, 0, len(raw))
			for _, item := range raw {
				if m, ok := item.(map[string]any); ok {
					calls = append(calls, callFromMap(m))
				}
			}
			return calls, nil
		}
		return []types.ToolCall{callFromMap(v)}, nil
	}
	return nil, fmt.Errorf("expected an action object, got %T", payload)
}

// callFromMap accepts {"name","arguments"}, {"action","action_input"} and the
// OpenAI {"function":{"name","arguments"}} shapes.
func callFromMap(m map[string]any) types.ToolCall {
	if fn, ok := m["function"].(map[string]any); ok {
		m = fn
	}
	var call types.ToolCall
	for _, key := range []string{"name", "tool_name", "action", "tool"} {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			call.Name = strings.TrimSpace(s)
			break
		}
	}
	if id, ok := m["id"].(string); ok {
		call.ID = id
	}
	for _, key := range []string{"arguments", "action_input", "input", "args", "parameters"} {
		if v, ok := m[key]; ok && v != nil {
			raw, _ := json.Marshal(v)
			call.Arguments = normalizeArguments(raw)
			break
		}
	}
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage("{}")
	}
	return call
}

// normalizeArguments unwraps arguments that arrive JSON-encoded inside a JSON
// string, which some providers do.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		inner := strings.TrimSpace(s)
		if strings.HasPrefix(inner, "{") && json.Valid([]byte(inner)) {
			return json.RawMessage(inner)
		}
	}
	return raw
}

// wrapFinalAnswer turns a bare final answer value into {"answer": value}.
func wrapFinalAnswer(args json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err == nil {
		if _, ok := obj["answer"]; ok {
			return args
		}
		if len(obj) == 0 {
			return args
		}
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"answer": args})
	return out
}
