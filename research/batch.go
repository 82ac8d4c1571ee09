package research

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pminervini/open-deep-research/agent"
	"github.com/pminervini/open-deep-research/internal/pool"
)

// Question is one line of a batch input file.
type Question struct {
	ID       string `json:"id"`
	Question string `json:"question" validate:"required"`
	// File is an optional local attachment.
	File string `json:"file,omitempty"`
}

// Answer is one line of a batch output file.
type Answer struct {
	ID                 string       `json:"id"`
	Question           string       `json:"question"`
	Answer             string       `json:"answer"`
	RunID              string       `json:"run_id,omitempty"`
	Status             agent.Status `json:"status"`
	NeedsClarification bool         `json:"needs_clarification,omitempty"`
	Steps              int          `json:"steps"`
	PromptTokens       int          `json:"prompt_tokens"`
	CompletionTokens   int          `json:"completion_tokens"`
	Error              string       `json:"error,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
}

// AnswerFunc answers one question.
type AnswerFunc func(ctx context.Context, q Question) Answer

var questionValidator = validator.New()

// ReadQuestions parses JSONL questions. Blank lines are skipped and a
// missing id becomes the 1-based line number.
func ReadQuestions(r io.Reader) ([]Question, error) {
	var out []Question
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var q Question
		if err := json.Unmarshal([]byte(text), &q); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := questionValidator.Struct(q); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if q.ID == "" {
			q.ID = strconv.Itoa(line)
		}
		out = append(out, q)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	return out, nil
}

// orderedWriter emits answers as JSON lines in input order, holding back
// answers that finish before their predecessors.
type orderedWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	pending []*Answer
	next    int
	err     error
}

func newOrderedWriter(w io.Writer, n int) *orderedWriter {
	return &orderedWriter{enc: json.NewEncoder(w), pending: make([]*Answer, n)}
}

func (o *orderedWriter) put(i int, a Answer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[i] != nil || i < o.next {
		return nil
	}
	o.pending[i] = &a
	for o.err == nil && o.next < len(o.pending) && o.pending[o.next] != nil {
		if err := o.enc.Encode(o.pending[o.next]); err != nil {
			o.err = fmt.Errorf("write answer %s: %w", o.pending[o.next].ID, err)
			break
		}
		o.pending[o.next] = nil
		o.next++
	}
	return o.err
}

func (o *orderedWriter) has(i int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return i < o.next || o.pending[i] != nil
}

// RunBatch answers questions with at most concurrency runs in flight and
// writes every answer to w in input order. A canceled context still yields
// one line per question. It fails only when writing fails.
func RunBatch(ctx context.Context, questions []Question, w io.Writer, concurrency int, answer AnswerFunc, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "batch"))
	if len(questions) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := newOrderedWriter(w, len(questions))
	p := pool.New(pool.Config{Workers: concurrency, QueueSize: len(questions)}, logger)
	for i, q := range questions {
		err := p.Submit(ctx, func(ctx context.Context) error {
			if err := out.put(i, answer(ctx, q)); err != nil {
				cancel()
				return err
			}
			return nil
		})
		if err != nil {
			_ = out.put(i, skipped(q, err))
		}
	}
	p.Close()

	// tasks the pool dropped after cancellation
	for i, q := range questions {
		if !out.has(i) {
			cause := ctx.Err()
			if cause == nil {
				cause = errors.New("not run")
			}
			_ = out.put(i, skipped(q, cause))
		}
	}

	stats := p.Stats()
	logger.Info("batch finished",
		zap.Int("questions", len(questions)),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed))

	out.mu.Lock()
	defer out.mu.Unlock()
	return out.err
}

func skipped(q Question, err error) Answer {
	now := time.Now()
	return Answer{ID: q.ID, Question: q.Question, Status: agent.StatusCanceled, Error: err.Error(), StartedAt: now, FinishedAt: now}
}

// Answer runs q through the team and converts the outcome.
func (r *Runtime) Answer(ctx context.Context, q Question) Answer {
	a := Answer{ID: q.ID, Question: q.Question, StartedAt: time.Now()}
	res, err := r.Run(ctx, q.Question, q.File)
	a.FinishedAt = time.Now()
	if res != nil {
		a.Answer = res.Answer
		a.RunID = res.RunID
		a.Status = res.Status
		a.NeedsClarification = res.NeedsClarification
		a.Steps = len(res.Steps)
		a.PromptTokens = res.Usage.PromptTokens
		a.CompletionTokens = res.Usage.CompletionTokens
	}
	if err != nil {
		a.Error = err.Error()
		if res == nil {
			a.Status = agent.StatusFailed
		}
	}
	return a
}

// Batch answers questions with the configured concurrency.
func (r *Runtime) Batch(ctx context.Context, questions []Question, w io.Writer) error {
	return RunBatch(ctx, questions, w, r.cfg.Batch.Concurrency, r.Answer, r.logger)
}
