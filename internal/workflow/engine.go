// ABOUTME: Workflow engine driving the agent state machine for one turn
// ABOUTME: Explicit step loop with a hard step ceiling, per-step timeouts, and cooperative cancellation

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/stream"
	"github.com/2389/parley-gateway/internal/tools"
)

// ToolSet defines what the engine needs from the tool registry.
type ToolSet interface {
	Lookup(name string) (tools.Tool, bool)
	Definitions() []tools.Definition
}

// Config holds engine policy knobs.
type Config struct {
	// MaxSteps is the hard ceiling on planning/tool rounds. Reaching it
	// forces a transition to Synthesizing instead of looping further.
	MaxSteps int
	// StepTimeout bounds every external capability call (planning, tool
	// invocation, synthesis). Exceeding it fails the step rather than
	// hanging the run.
	StepTimeout time.Duration
}

// Engine executes workflow runs. Plan logic itself is computation-only;
// the only suspension points are the planner and tool invocations.
type Engine struct {
	planner Planner
	tools   ToolSet
	cfg     Config
	logger  *slog.Logger
}

// NewEngine creates an engine. Pass nil logger for default.
func NewEngine(planner Planner, toolset ToolSet, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		planner: planner,
		tools:   toolset,
		cfg:     cfg,
		logger:  logger.With("component", "workflow"),
	}
}

// Execute drives the run from Planning to a terminal state, publishing
// chunks to run.Out as they are produced. It always closes the stream
// after the terminal chunk and never returns a nil outcome.
//
// Cancellation (ctx) is checked between steps and threaded into every
// capability call; it yields a Cancelled outcome, which is a normal
// terminal result, not an error.
func (e *Engine) Execute(ctx context.Context, run *Run) *Outcome {
	logger := e.logger.With("run_id", run.ID, "session_id", run.SessionID)

	var synthesized strings.Builder
	var draft string
	rounds := 0

	for {
		if ctx.Err() != nil {
			return e.finishCancelled(run, &synthesized, logger)
		}

		if rounds >= e.cfg.MaxSteps {
			notice := fmt.Sprintf("step limit of %d reached; respond using the results gathered so far", e.cfg.MaxSteps)
			run.notices = append(run.notices, notice)
			logger.Warn("step limit reached, forcing synthesis", "max_steps", e.cfg.MaxSteps)
			break
		}

		run.state = StatePlanning
		plan, err := e.plan(ctx, run)
		if err != nil {
			if ctx.Err() != nil {
				return e.finishCancelled(run, &synthesized, logger)
			}
			return e.finishError(ctx, run, &CapabilityError{Capability: "planner", Err: err}, &synthesized, logger)
		}

		if len(plan.ToolCalls) == 0 {
			if plan.Response == "" {
				return e.finishError(ctx, run, ErrMalformedPlan, &synthesized, logger)
			}
			draft = plan.Response
			break
		}

		run.state = StateToolInvocation
		for _, call := range plan.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.New().String()
			}

			if err := run.Out.Publish(ctx, &stream.Chunk{
				Type:      stream.ChunkToolUse,
				ToolID:    call.ID,
				ToolName:  call.Name,
				InputJSON: call.InputJSON,
			}); err != nil {
				return e.finishCancelled(run, &synthesized, logger)
			}

			result, err := e.invoke(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					return e.finishCancelled(run, &synthesized, logger)
				}
				return e.finishError(ctx, run, &CapabilityError{Capability: call.Name, Err: err}, &synthesized, logger)
			}

			if err := run.Out.Publish(ctx, &stream.Chunk{
				Type:    stream.ChunkToolResult,
				ToolID:  result.ID,
				Output:  result.Output,
				IsError: result.IsError,
			}); err != nil {
				return e.finishCancelled(run, &synthesized, logger)
			}

			run.steps = append(run.steps, StepRecord{Call: call, Result: result})
		}
		rounds++
	}

	run.state = StateSynthesizing
	emit := func(text string) error {
		if err := run.Out.Publish(ctx, &stream.Chunk{Type: stream.ChunkText, Text: text}); err != nil {
			return err
		}
		synthesized.WriteString(text)
		return nil
	}

	if err := e.synthesize(ctx, run, draft, emit); err != nil {
		if ctx.Err() != nil {
			return e.finishCancelled(run, &synthesized, logger)
		}
		return e.finishError(ctx, run, &CapabilityError{Capability: "synthesizer", Err: err}, &synthesized, logger)
	}

	// A synthesizer that swallows cancellation must not turn a cancelled
	// run into Done.
	if ctx.Err() != nil {
		return e.finishCancelled(run, &synthesized, logger)
	}

	run.state = StateDone
	if err := run.Out.Publish(ctx, &stream.Chunk{Type: stream.ChunkDone, Text: synthesized.String()}); err != nil {
		return e.finishCancelled(run, &synthesized, logger)
	}
	run.Out.Close()

	logger.Debug("run done", "steps", len(run.steps), "response_len", synthesized.Len())
	return &Outcome{
		State:    StateDone,
		Response: synthesized.String(),
		Steps:    run.steps,
	}
}

// plan calls the planner under the step timeout.
func (e *Engine) plan(ctx context.Context, run *Run) (*Plan, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	return e.planner.Plan(stepCtx, &PlanRequest{
		History: run.History,
		Message: run.Message,
		Steps:   run.steps,
		Notices: run.notices,
		Tools:   e.tools.Definitions(),
	})
}

// invoke executes one tool call under the step timeout.
func (e *Engine) invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	tool, ok := e.tools.Lookup(call.Name)
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool %q", call.Name)
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	output, err := tool.Invoke(stepCtx, call.InputJSON)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{ID: call.ID, Output: output}, nil
}

// synthesize produces the final response under the step timeout.
func (e *Engine) synthesize(ctx context.Context, run *Run, draft string, emit EmitFunc) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	return e.planner.Synthesize(stepCtx, &SynthesizeRequest{
		History: run.History,
		Message: run.Message,
		Steps:   run.steps,
		Notices: run.notices,
		Draft:   draft,
	}, emit)
}

// finishError moves the run to Error, delivers the error chunk as the
// last chunk, and closes the stream.
func (e *Engine) finishError(ctx context.Context, run *Run, runErr error, synthesized *strings.Builder, logger *slog.Logger) *Outcome {
	run.state = StateError
	logger.Error("run failed", "error", runErr)

	chunk := &stream.Chunk{Type: stream.ChunkError, Err: runErr.Error()}
	if err := run.Out.Publish(ctx, chunk); err != nil {
		run.Out.TryPublish(chunk)
	}
	run.Out.Close()

	return &Outcome{
		State:    StateError,
		Response: synthesized.String(),
		Steps:    run.steps,
		Err:      runErr,
	}
}

// finishCancelled moves the run to Cancelled and closes the stream. The
// consumer may already be gone, so the terminal chunk is best-effort.
func (e *Engine) finishCancelled(run *Run, synthesized *strings.Builder, logger *slog.Logger) *Outcome {
	run.state = StateCancelled
	logger.Info("run cancelled", "steps", len(run.steps))

	run.Out.TryPublish(&stream.Chunk{Type: stream.ChunkCancelled})
	run.Out.Close()

	return &Outcome{
		State:    StateCancelled,
		Response: synthesized.String(),
		Steps:    run.steps,
	}
}
