// ABOUTME: Planner capability interface and deterministic local implementations
// ABOUTME: The language model is opaque behind Plan and Synthesize

package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/parley-gateway/internal/tools"
)

// EmitFunc delivers one increment of synthesized response text. Returning
// an error (typically the consumer's cancellation) stops synthesis.
type EmitFunc func(text string) error

// PlanRequest is everything the planner sees when deciding the next step.
type PlanRequest struct {
	History []Message
	Message string
	Steps   []StepRecord
	Notices []string
	Tools   []tools.Definition
}

// SynthesizeRequest is the accumulated state the final response is
// produced from. Draft carries the plan's direct response, if any.
type SynthesizeRequest struct {
	History []Message
	Message string
	Steps   []StepRecord
	Notices []string
	Draft   string
}

// Planner is the opaque model capability behind the workflow engine.
// Plan decides whether to answer directly or invoke tools; Synthesize
// produces the final user-facing response incrementally via emit.
// Both may suspend on I/O and must honor ctx cancellation.
type Planner interface {
	Plan(ctx context.Context, req *PlanRequest) (*Plan, error)
	Synthesize(ctx context.Context, req *SynthesizeRequest, emit EmitFunc) error
}

// FuncPlanner adapts plain functions to the Planner interface.
type FuncPlanner struct {
	PlanFn       func(ctx context.Context, req *PlanRequest) (*Plan, error)
	SynthesizeFn func(ctx context.Context, req *SynthesizeRequest, emit EmitFunc) error
}

func (p *FuncPlanner) Plan(ctx context.Context, req *PlanRequest) (*Plan, error) {
	return p.PlanFn(ctx, req)
}

func (p *FuncPlanner) Synthesize(ctx context.Context, req *SynthesizeRequest, emit EmitFunc) error {
	return p.SynthesizeFn(ctx, req, emit)
}

// EchoPlanner is a deterministic planner for local runs without a model
// backend. It proposes a direct response restating the user message and
// synthesizes it word by word.
type EchoPlanner struct{}

func (p *EchoPlanner) Plan(_ context.Context, req *PlanRequest) (*Plan, error) {
	return &Plan{Response: fmt.Sprintf("You said: %s", req.Message)}, nil
}

func (p *EchoPlanner) Synthesize(ctx context.Context, req *SynthesizeRequest, emit EmitFunc) error {
	words := strings.Fields(req.Draft)
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}
