package research

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pminervini/open-deep-research/agent"
)

func decodeAnswers(t *testing.T, data []byte) []Answer {
	t.Helper()
	var out []Answer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var a Answer
		require.NoError(t, json.Unmarshal(sc.Bytes(), &a))
		out = append(out, a)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestReadQuestions(t *testing.T) {
	t.Parallel()
	input := `{"id": "q1", "question": "How many studio albums did Mercedes Sosa release before 2007?"}

{"question": "What is 2+2?", "file": "data/sheet.xlsx"}
`
	qs, err := ReadQuestions(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "q1", qs[0].ID)
	assert.Equal(t, "3", qs[1].ID, "missing ids become line numbers")
	assert.Equal(t, "data/sheet.xlsx", qs[1].File)
}

func TestReadQuestions_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bad json", input: "{\"question\": \n", want: "line 1"},
		{name: "missing question", input: "{\"id\": \"x\"}\n{\"id\": \"y\", \"question\": \"\"}", want: "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadQuestions(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunBatch_PreservesInputOrder(t *testing.T) {
	t.Parallel()
	var questions []Question
	for i := 0; i < 20; i++ {
		questions = append(questions, Question{ID: strconv.Itoa(i), Question: "q" + strconv.Itoa(i)})
	}

	var inFlight, peak atomic.Int32
	answer := func(ctx context.Context, q Question) Answer {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		inFlight.Add(-1)
		return Answer{ID: q.ID, Question: q.Question, Answer: "a" + q.ID, Status: agent.StatusSuccess}
	}

	var buf bytes.Buffer
	require.NoError(t, RunBatch(context.Background(), questions, &buf, 3, answer, zap.NewNop()))

	answers := decodeAnswers(t, buf.Bytes())
	require.Len(t, answers, len(questions))
	for i, a := range answers {
		assert.Equal(t, strconv.Itoa(i), a.ID)
		assert.Equal(t, "a"+a.ID, a.Answer)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunBatch_CanceledStillWritesEveryQuestion(t *testing.T) {
	t.Parallel()
	questions := []Question{{ID: "1", Question: "a"}, {ID: "2", Question: "b"}, {ID: "3", Question: "c"}}

	ctx, cancel := context.WithCancel(context.Background())
	answer := func(ctx context.Context, q Question) Answer {
		if q.ID == "1" {
			cancel()
		}
		return Answer{ID: q.ID, Question: q.Question, Status: agent.StatusSuccess}
	}

	var buf bytes.Buffer
	require.NoError(t, RunBatch(ctx, questions, &buf, 1, answer, nil))

	answers := decodeAnswers(t, buf.Bytes())
	require.Len(t, answers, 3)
	assert.Equal(t, agent.StatusSuccess, answers[0].Status)
	for _, a := range answers[1:] {
		assert.Equal(t, agent.StatusCanceled, a.Status)
		assert.Contains(t, a.Error, "canceled")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRunBatch_WriteFailure(t *testing.T) {
	t.Parallel()
	questions := []Question{{ID: "1", Question: "a"}, {ID: "2", Question: "b"}}
	answer := func(ctx context.Context, q Question) Answer {
		return Answer{ID: q.ID, Status: agent.StatusSuccess}
	}

	err := RunBatch(context.Background(), questions, failingWriter{}, 2, answer, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunBatch_Empty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, RunBatch(context.Background(), nil, &buf, 2, nil, nil))
	assert.Zero(t, buf.Len())
}
