package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	t.Cleanup(func() { SetLogger(prev) })

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	ctx = ContextWithJobID(ctx, "job-1")
	Ctx(ctx).Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"correlation_id":"abc12345"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestGenerateCorrelationID(t *testing.T) {
	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	require.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
