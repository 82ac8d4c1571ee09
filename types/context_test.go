package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := RunID(ctx)
	assert.False(t, ok)

	ctx = WithAgentName(WithRunID(ctx, "run-1"), "search_agent")
	id, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", id)

	name, ok := AgentName(ctx)
	assert.True(t, ok)
	assert.Equal(t, "search_agent", name)
}

func TestContextValues_EmptyIsAbsent(t *testing.T) {
	t.Parallel()

	_, ok := RunID(WithRunID(context.Background(), ""))
	assert.False(t, ok)
}

func TestContextValues_ParentRun(t *testing.T) {
	t.Parallel()

	ctx := WithParentRunID(WithRunID(context.Background(), "child"), "parent")
	parent, ok := ParentRunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "parent", parent)

	id, _ := RunID(ctx)
	assert.Equal(t, "child", id)
}
