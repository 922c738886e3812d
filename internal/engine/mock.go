package engine

import (
	"context"
	"math"
	"time"
)

type mockPipeline struct {
	langCode      string
	sampleRate    int
	chunkDuration time.Duration
}

// NewMock returns a deterministic engine emitting one short tone per
// sentence. It never touches hardware.
func NewMock(langCode string, sampleRate, chunkDurationMS int) Pipeline {
	return &mockPipeline{
		langCode:      langCode,
		sampleRate:    sampleRate,
		chunkDuration: time.Duration(chunkDurationMS) * time.Millisecond,
	}
}

func (m *mockPipeline) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		n := int(int64(m.sampleRate) * m.chunkDuration.Milliseconds() / 1000)
		for i, sentence := range SplitSentences(req.Text) {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			freq := 220.0 + 20.0*float64(i%8)
			samples := make([]float32, n)
			for j := range samples {
				samples[j] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(j)/float64(m.sampleRate)))
			}
			if !send(ctx, chunks, Chunk{Sequence: i, Graphemes: sentence, Samples: samples}) {
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (m *mockPipeline) Info() Info {
	return Info{Name: "mock", LangCode: m.langCode}
}

func (m *mockPipeline) Close() error { return nil }
