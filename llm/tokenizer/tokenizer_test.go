package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_CountTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short ascii rounds up to one", "hi", 1},
		{"ascii", "sixteen chars!!!", 4},
		{"cjk", "你好世", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimator{}.CountTokens(tt.text))
		})
	}
}

func TestForModel_UnknownModelUsesEstimator(t *testing.T) {
	t.Parallel()

	c := ForModel("qwen3-coder-30b")
	assert.Equal(t, "estimator", c.Name())
}
