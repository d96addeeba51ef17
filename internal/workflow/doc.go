// Package workflow implements the agent state machine that turns a user
// message into a sequence of reasoning and tool steps and a final
// response.
//
// # States
//
//	Planning → ToolInvocation* → Synthesizing → Done
//
// Error and Cancelled are terminal states reachable from any non-terminal
// state. The engine drives an explicit step loop with a hard step-count
// ceiling rather than unbounded recursive dispatch, so a misbehaving plan
// cannot consume unbounded resources: hitting the ceiling folds a notice
// into context and force-transitions to Synthesizing.
//
// # Capabilities
//
// The language model is opaque behind the Planner interface; tools are
// named capabilities looked up in a ToolSet. Every capability call runs
// under a per-step timeout and the run's cancellation context.
//
// # Output
//
// Runs publish chunks (text, tool_use, tool_result, and a terminal
// done/error/cancelled) into a stream.Stream consumed by the response
// streamer.
package workflow
