// ABOUTME: Built-in tool implementations shipped with the gateway
// ABOUTME: Small deterministic capabilities: clock, echo, sum

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins adds the built-in tools to a registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		&clockTool{now: time.Now},
		&echoTool{},
		&sumTool{},
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return fmt.Errorf("registering builtin %s: %w", tool.Definition().Name, err)
		}
	}
	return nil
}

// clockTool returns the current UTC time.
type clockTool struct {
	now func() time.Time
}

func (t *clockTool) Definition() Definition {
	return Definition{
		Name:        "clock",
		Description: "Returns the current UTC time in RFC 3339 format.",
		OutputType:  "string",
	}
}

func (t *clockTool) Invoke(_ context.Context, _ string) (string, error) {
	out, err := json.Marshal(map[string]string{"time": t.now().UTC().Format(time.RFC3339)})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// echoTool returns its input text unchanged.
type echoTool struct{}

func (t *echoTool) Definition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Returns the given text unchanged.",
		Params: []Param{
			{Name: "text", Type: "string", Description: "Text to return.", Required: true},
		},
		OutputType: "string",
	}
}

func (t *echoTool) Invoke(_ context.Context, inputJSON string) (string, error) {
	var input struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return "", fmt.Errorf("parsing echo input: %w", err)
	}
	out, err := json.Marshal(map[string]string{"text": input.Text})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sumTool adds a list of numbers.
type sumTool struct{}

func (t *sumTool) Definition() Definition {
	return Definition{
		Name:        "sum",
		Description: "Adds a list of numbers and returns the total.",
		Params: []Param{
			{Name: "values", Type: "number", Description: "Numbers to add.", Required: true},
		},
		OutputType: "number",
	}
}

func (t *sumTool) Invoke(_ context.Context, inputJSON string) (string, error) {
	var input struct {
		Values []float64 `json:"values"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return "", fmt.Errorf("parsing sum input: %w", err)
	}

	var total float64
	for _, v := range input.Values {
		total += v
	}
	out, err := json.Marshal(map[string]float64{"total": total})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
