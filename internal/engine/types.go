// Package engine defines the contract between the service and a speech
// synthesis engine, plus the subprocess and mock engines.
//
// An engine turns text and a voice identifier into an ordered stream of
// float32 mono sample chunks. Engines are assumed not to be safe for
// unbounded concurrent use; callers bound access with a gate.
package engine

import "context"

// Request contains parameters to synthesize speech.
type Request struct {
	Text  string
	Voice string
}

// Chunk is one incremental unit of audio. Graphemes and Phonemes carry the
// engine's alignment for the chunk and are informational only.
type Chunk struct {
	Sequence  int
	Graphemes string
	Phonemes  string
	Samples   []float32
}

// Info describes a loaded pipeline.
type Info struct {
	Name        string
	LangCode    string
	Accelerated bool
}

// Pipeline is the contract for producing audio.
//
// Synthesize returns a chunk channel and an error channel. The chunk channel
// is closed first, then the error channel, which carries at most one error.
// Implementations stop producing once ctx is done.
type Pipeline interface {
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
	Info() Info
	Close() error
}

func send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
