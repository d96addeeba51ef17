// ABOUTME: State machine types for agent workflow runs
// ABOUTME: Defines states, plans, tool call records, and run outcomes

package workflow

import (
	"errors"
	"fmt"

	"github.com/2389/parley-gateway/internal/stream"
)

// State is the workflow run state. Transitions:
// Planning → ToolInvocation* → Synthesizing → Done, with Error and
// Cancelled terminal from any non-terminal state.
type State string

const (
	StatePlanning       State = "planning"
	StateToolInvocation State = "tool_invocation"
	StateSynthesizing   State = "synthesizing"
	StateDone           State = "done"
	StateError          State = "error"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateCancelled:
		return true
	}
	return false
}

// ErrMalformedPlan is returned when a plan proposes zero tool calls and
// zero response. Such a plan is never silently treated as success.
var ErrMalformedPlan = errors.New("malformed plan: no tool calls and no response")

// CapabilityError wraps a failed external capability invocation
// (model inference or a tool call).
type CapabilityError struct {
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Message is one unit of conversation history handed to the planner.
type Message struct {
	Role    string
	Content string
}

// ToolCall is a proposed invocation of a named capability.
type ToolCall struct {
	ID        string
	Name      string
	InputJSON string
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ID      string
	Output  string
	IsError bool
}

// StepRecord pairs a tool call with its result in run state.
type StepRecord struct {
	Call   ToolCall
	Result ToolResult
}

// Plan is what the planner produces from history plus the new message:
// either a direct response, or tool calls to make before planning again.
type Plan struct {
	Response  string
	ToolCalls []ToolCall
}

// Run is the transient state of one in-flight turn-processing request.
// It references the session it mutates but does not own it; the
// conversation layer holds the per-session lock for the run's duration.
type Run struct {
	ID        string
	SessionID string
	History   []Message
	Message   string
	Out       *stream.Stream

	state   State
	steps   []StepRecord
	notices []string
}

// NewRun creates a run in the Planning state.
func NewRun(id, sessionID string, history []Message, message string, out *stream.Stream) *Run {
	return &Run{
		ID:        id,
		SessionID: sessionID,
		History:   history,
		Message:   message,
		Out:       out,
		state:     StatePlanning,
	}
}

// State returns the run's current state.
func (r *Run) State() State { return r.state }

// Steps returns the accumulated tool call records.
func (r *Run) Steps() []StepRecord { return r.steps }

// Outcome is the final result of executing a run.
type Outcome struct {
	// State is Done, Error, or Cancelled.
	State State
	// Response is the synthesized text produced before the run ended.
	// Partial on Error/Cancelled.
	Response string
	// Steps are the tool calls made during the run.
	Steps []StepRecord
	// Err is set when State is Error.
	Err error
}
