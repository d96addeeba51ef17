// ABOUTME: Tests for the built-in clock, echo, and sum tools
// ABOUTME: Verifies JSON contracts and input validation

package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(r))

	for _, name := range []string{"clock", "echo", "sum"} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, "builtin %s not registered", name)
	}
}

func TestClockTool(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tool := &clockTool{now: func() time.Time { return fixed }}

	out, err := tool.Invoke(context.Background(), "")
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "2025-06-01T12:00:00Z", result["time"])
}

func TestEchoTool(t *testing.T) {
	tool := &echoTool{}

	out, err := tool.Invoke(context.Background(), `{"text":"hello"}`)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "hello", result["text"])
}

func TestEchoToolInvalidInput(t *testing.T) {
	tool := &echoTool{}
	_, err := tool.Invoke(context.Background(), "not json")
	assert.Error(t, err)
}

func TestSumTool(t *testing.T) {
	tool := &sumTool{}

	out, err := tool.Invoke(context.Background(), `{"values":[1.5,2,3]}`)
	require.NoError(t, err)

	var result map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 6.5, result["total"])
}

func TestSumToolEmpty(t *testing.T) {
	tool := &sumTool{}

	out, err := tool.Invoke(context.Background(), `{"values":[]}`)
	require.NoError(t, err)

	var result map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, float64(0), result["total"])
}
