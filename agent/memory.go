package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
)

// Step is one recorded iteration of the loop. Steps are never modified
// after they are appended to Memory.
type Step struct {
	Index        int                `json:"index"`
	Plan         string             `json:"plan,omitempty"`
	ModelOutput  string             `json:"model_output,omitempty"`
	Actions      []types.ToolCall   `json:"actions,omitempty"`
	Observations []tools.ToolResult `json:"observations,omitempty"`
	ParseError   string             `json:"parse_error,omitempty"`
	// Skipped counts actions requested after final_answer in the same step.
	Skipped   int           `json:"skipped,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Usage     llm.ChatUsage `json:"usage"`
}

// Memory is the append-only record of one run. It is replayed into every
// model call of that run.
type Memory struct {
	mu    sync.RWMutex
	task  string
	steps []Step
}

// NewMemory starts an empty memory for task.
func NewMemory(task string) *Memory {
	return &Memory{task: task}
}

// Task returns the task the run was started with.
func (m *Memory) Task() string { return m.task }

// Append records a finished step.
func (m *Memory) Append(s Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, s)
}

// Steps returns a copy of the recorded steps.
func (m *Memory) Steps() []Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Step(nil), m.steps...)
}

// Len returns the number of recorded steps.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.steps)
}

// LastPlan returns the most recent plan, or "".
func (m *Memory) LastPlan() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.steps) - 1; i >= 0; i-- {
		if m.steps[i].Plan != "" {
			return m.steps[i].Plan
		}
	}
	return ""
}

// Messages rebuilds the conversation for the next model call. With native
// action calls, observations are tool messages tied to their call IDs;
// otherwise they are replayed as user turns starting with "Observation:".
func (m *Memory) Messages(systemPrompt string, native bool) []types.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]types.Message, 0, 2+3*len(m.steps))
	msgs = append(msgs, types.NewSystemMessage(systemPrompt), types.NewUserMessage(taskMessage(m.task)))
	for _, s := range m.steps {
		msgs = append(msgs, stepMessages(s, native)...)
	}
	return msgs
}

func stepMessages(s Step, native bool) []types.Message {
	var out []types.Message
	if s.Plan != "" {
		out = append(out, types.NewAssistantMessage(s.Plan))
	}

	if s.ParseError != "" {
		if s.ModelOutput != "" {
			out = append(out, types.NewAssistantMessage(s.ModelOutput))
		}
		return append(out, types.NewUserMessage(fmt.Sprintf(parseErrorFeedback, s.ParseError)))
	}

	if native {
		// every call must be answered, so only executed ones are replayed
		executed := s.Actions[:min(len(s.Actions), len(s.Observations))]
		out = append(out, types.NewAssistantMessage(s.ModelOutput).WithToolCalls(executed))
		for _, r := range s.Observations {
			out = append(out, r.ToMessage())
		}
		return out
	}

	content := s.ModelOutput
	if content == "" && len(s.Actions) > 0 {
		content = "Action:\n" + renderCalls(s.Actions)
	}
	out = append(out, types.NewAssistantMessage(content))
	if len(s.Observations) > 0 {
		var b strings.Builder
		b.WriteString("Observation:\n")
		for i, r := range s.Observations {
			if i > 0 {
				b.WriteString("\n\n")
			}
			if len(s.Observations) > 1 {
				fmt.Fprintf(&b, "[%s]\n", r.Name)
			}
			b.WriteString(r.Observation())
		}
		out = append(out, types.NewUserMessage(b.String()))
	}
	return out
}

// Summary condenses the run into the actions taken and what they returned.
// It is the only part of a managed run that crosses back to the delegator.
func (m *Memory) Summary(maxObservationChars int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	for _, s := range m.steps {
		fmt.Fprintf(&b, "Step %d:", s.Index)
		if s.ParseError != "" {
			fmt.Fprintf(&b, " the output could not be parsed (%s)\n", s.ParseError)
			continue
		}
		b.WriteString("\n")
		if thought := strings.TrimSpace(s.ModelOutput); thought != "" {
			t, _ := tools.TruncateText(thought, maxObservationChars)
			fmt.Fprintf(&b, "Thought: %s\n", t)
		}
		for i, call := range s.Actions {
			fmt.Fprintf(&b, "Action: %s %s\n", call.Name, compactJSON(call.Arguments))
			if i < len(s.Observations) {
				obs, _ := tools.TruncateText(s.Observations[i].Observation(), maxObservationChars)
				fmt.Fprintf(&b, "Observation: %s\n", obs)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func renderCalls(calls []types.ToolCall) string {
	blobs := make([]string, 0, len(calls))
	for _, c := range calls {
		compact := compactJSON(c.Arguments)
		var args any = json.RawMessage(compact)
		if !json.Valid([]byte(compact)) {
			args = compact
		}
		blob, _ := json.Marshal(map[string]any{"name": c.Name, "arguments": args})
		blobs = append(blobs, string(blob))
	}
	return strings.Join(blobs, "\n")
}

func compactJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
