package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithUserID(ctx, "user-1")

	v, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "trace-1", v)

	v, ok = SessionID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", v)

	v, ok = UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "user-1", v)
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := WithSessionID(context.Background(), "")

	_, ok := SessionID(ctx)
	assert.False(t, ok)
	_, ok = UserID(ctx)
	assert.False(t, ok)
}
