// ABOUTME: Bounded single-producer single-consumer chunk stream between workflow and caller
// ABOUTME: Guarantees production order, no duplication, and a terminal chunk delivered last

package stream

import (
	"context"
	"strings"
	"sync"
)

// chunkBufferSize is the channel buffer between producer and consumer.
const chunkBufferSize = 64

// ChunkType identifies what a chunk carries.
type ChunkType string

// Chunk types. Done, Error, and Cancelled are terminal: exactly one of
// them ends every stream, always delivered last.
const (
	ChunkText       ChunkType = "text"
	ChunkToolUse    ChunkType = "tool_use"
	ChunkToolResult ChunkType = "tool_result"
	ChunkDone       ChunkType = "done"
	ChunkError      ChunkType = "error"
	ChunkCancelled  ChunkType = "cancelled"
)

// Chunk is one increment of workflow output.
type Chunk struct {
	Type ChunkType

	// Text carries response text for ChunkText, and the full concatenated
	// response for ChunkDone.
	Text string

	// Tool invocation fields (ChunkToolUse / ChunkToolResult)
	ToolID    string
	ToolName  string
	InputJSON string
	Output    string
	IsError   bool

	// Error message (ChunkError)
	Err string
}

// Terminal reports whether the chunk ends the stream.
func (c *Chunk) Terminal() bool {
	switch c.Type {
	case ChunkDone, ChunkError, ChunkCancelled:
		return true
	}
	return false
}

// Stream is a bounded pipe of chunks from the workflow engine (single
// producer) to the waiting request (single consumer).
type Stream struct {
	ch        chan *Chunk
	closeOnce sync.Once
}

// New creates a stream with the default buffer.
func New() *Stream {
	return &Stream{ch: make(chan *Chunk, chunkBufferSize)}
}

// Publish delivers a chunk to the consumer, blocking while the buffer is
// full. Returns ctx.Err() if the context is cancelled first, which is how
// a consumer disconnect propagates back into the producer. An
// already-cancelled context always fails, even when the buffer has room;
// a bare select would pick the send at random and let output slip past
// the cancel signal.
func (s *Stream) Publish(ctx context.Context, c *Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish delivers a chunk without blocking. Used for the terminal
// chunk after cancellation, when the consumer may already be gone.
// Returns false if the buffer is full.
func (s *Stream) TryPublish(c *Chunk) bool {
	select {
	case s.ch <- c:
		return true
	default:
		return false
	}
}

// Chunks returns the consumer side of the stream. The channel is closed
// after the terminal chunk.
func (s *Stream) Chunks() <-chan *Chunk {
	return s.ch
}

// Close closes the stream. The producer calls it exactly once, after the
// terminal chunk. Safe to call multiple times.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Result is the buffered outcome of a fully consumed stream.
type Result struct {
	// Text is the concatenation of all text chunks.
	Text string
	// Terminal is the chunk that ended the stream (done, error, or
	// cancelled), nil if the stream closed without one.
	Terminal *Chunk
	// Chunks holds every chunk in production order.
	Chunks []*Chunk
}

// Collect buffers an entire stream for non-streaming callers. It returns
// once a terminal chunk arrives, the stream closes, or ctx is cancelled.
func Collect(ctx context.Context, s *Stream) *Result {
	res := &Result{}
	var text strings.Builder

	for {
		select {
		case <-ctx.Done():
			res.Text = text.String()
			return res
		case c, ok := <-s.Chunks():
			if !ok {
				res.Text = text.String()
				return res
			}
			res.Chunks = append(res.Chunks, c)
			if c.Type == ChunkText {
				text.WriteString(c.Text)
			}
			if c.Terminal() {
				res.Terminal = c
				res.Text = text.String()
				return res
			}
		}
	}
}
