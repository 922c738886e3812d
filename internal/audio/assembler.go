// Package audio turns an engine's chunk stream into a WAV byte stream.
package audio

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

// ErrNoAudio is returned when the engine finished without producing samples.
var ErrNoAudio = errors.New("no audio generated")

// Stats summarises one assembled utterance.
type Stats struct {
	Chunks   int
	Samples  int
	Duration time.Duration
}

// Assembler runs a pipeline and encodes its output at a fixed sample rate.
type Assembler struct {
	SampleRate int
}

func NewAssembler(sampleRate int) *Assembler {
	return &Assembler{SampleRate: sampleRate}
}

// Synthesize invokes p and returns the encoded WAV. It blocks until the
// engine finishes; the engine stream is cancelled if Synthesize returns early.
func (a *Assembler) Synthesize(ctx context.Context, p engine.Pipeline, text, voice string) ([]byte, Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, Stats{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := p.Synthesize(ctx, engine.Request{Text: text, Voice: voice})
	samples, count, err := collect(ctx, chunks, errs)
	if err != nil {
		return nil, Stats{}, err
	}
	wav, err := WAVBytes(samples, a.SampleRate)
	if err != nil {
		return nil, Stats{}, err
	}
	stats := Stats{
		Chunks:   count,
		Samples:  len(samples),
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(a.SampleRate),
	}
	return wav, stats, nil
}

// Collect concatenates chunk samples in arrival order. It returns the first
// engine error, ctx.Err() on cancellation, or ErrNoAudio when nothing was
// produced. On cancellation it waits for the producer to close both channels
// so the engine call has finished when Collect returns.
func Collect(ctx context.Context, chunks <-chan engine.Chunk, errs <-chan error) ([]float32, error) {
	samples, _, err := collect(ctx, chunks, errs)
	return samples, err
}

func collect(ctx context.Context, chunks <-chan engine.Chunk, errs <-chan error) ([]float32, int, error) {
	var (
		buf   []float32
		count int
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			buf = append(buf, chunk.Samples...)
			count++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				drain(chunks, errs)
				return nil, 0, err
			}
		case <-ctx.Done():
			drain(chunks, errs)
			return nil, 0, ctx.Err()
		}
	}
	if len(buf) == 0 {
		return nil, 0, ErrNoAudio
	}
	return buf, count, nil
}

func drain(chunks <-chan engine.Chunk, errs <-chan error) {
	if chunks != nil {
		for range chunks {
		}
	}
	if errs != nil {
		for range errs {
		}
	}
}
