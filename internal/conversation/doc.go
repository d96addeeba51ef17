// Package conversation is the central layer between the HTTP gateway and
// the workflow engine.
//
// It owns sessions and their turn ordering: concurrent turns for the
// same session are serialized by a per-session lock acquired before
// planning begins and released only after the run's final turn is
// persisted. Turns are recorded before acting (user message), as they
// complete (tool results), and at the terminal state (agent response
// with an ok/error/cancelled status marker).
package conversation
