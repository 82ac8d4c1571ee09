package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/research"
	"github.com/pminervini/open-deep-research/search"
	"github.com/pminervini/open-deep-research/types"
)

type fixedModel struct{ reply string }

func (m fixedModel) Name() string                        { return "fixed" }
func (m fixedModel) SupportsNativeFunctionCalling() bool { return false }
func (m fixedModel) Completion(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(m.reply)}}}, nil
}

type noSearch struct{}

func (noSearch) Name() string { return "none" }
func (noSearch) Search(context.Context, string, search.Options) ([]search.Result, error) {
	return nil, nil
}

// useModel points the CLI at a scripted model and an isolated workspace.
func useModel(t *testing.T, reply string) {
	t.Helper()
	runtimeOptions = []research.Option{research.WithModel(fixedModel{reply: reply}), research.WithSearch(noSearch{})}
	t.Cleanup(func() { runtimeOptions = nil })
	t.Setenv("ODR_WORKSPACE_DIR", t.TempDir())
	t.Setenv("ODR_AGENT_MANAGER_PLANNING_INTERVAL", "0")
	t.Setenv("ODR_LOG_LEVEL", "error")
}

const answerFour = "Action:\n{\"name\": \"final_answer\", \"arguments\": {\"answer\": \"4\"}}"

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExecute_PrintsAnswer(t *testing.T) {
	useModel(t, answerFour)
	code, out, errOut := run(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "What is 2+2?")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "Got this answer: 4\n", out)
}

func TestExecute_BudgetExhaustedExitsOne(t *testing.T) {
	useModel(t, "Thought: I keep thinking.\nAction:\n{\"name\": \"inspect_file_as_text\", \"arguments\": {\"file_path\": \"missing.txt\"}}")
	t.Setenv("ODR_AGENT_MANAGER_MAX_STEPS", "1")

	code, out, errOut := run(t, "What is 2+2?")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, "not final")
	assert.Contains(t, errOut, "Error:")
}

func TestExecute_StartupErrorsExitTwo(t *testing.T) {
	useModel(t, answerFour)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agent: [oops"), 0o644))

	tests := []struct {
		name string
		args []string
	}{
		{name: "no question", args: nil},
		{name: "blank question", args: []string{"  "}},
		{name: "bad config", args: []string{"--config", bad, "What?"}},
		{name: "unknown search tool", args: []string{"-s", "altavista", "What?"}},
		{name: "unknown flag", args: []string{"--frobnicate", "What?"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := run(t, tt.args...)
			assert.Equal(t, exitStartup, code)
		})
	}
}

func TestExecute_Batch(t *testing.T) {
	useModel(t, answerFour)
	dir := t.TempDir()
	input := filepath.Join(dir, "questions.jsonl")
	output := filepath.Join(dir, "answers.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(
		"{\"id\": \"a\", \"question\": \"What is 2+2?\"}\n{\"id\": \"b\", \"question\": \"And 2+2 again?\"}\n"), 0o644))

	code, out, errOut := run(t, "batch", "--input", input, "--output", output, "--concurrency", "2")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Wrote 2 answers")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var first research.Answer
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "4", first.Answer)
}

func TestExecute_BatchMissingInput(t *testing.T) {
	useModel(t, answerFour)
	code, _, _ := run(t, "batch", "--input", filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Equal(t, exitStartup, code)
}
