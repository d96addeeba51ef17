// Package stream delivers workflow output incrementally to the caller.
//
// A Stream is a bounded channel between the workflow engine's
// synthesizing state (single producer) and the waiting request (single
// consumer). Chunks arrive in production order, are never duplicated,
// and every stream ends with exactly one terminal chunk (done, error, or
// cancelled) delivered last. Collect buffers a whole stream for
// non-streaming callers.
package stream
