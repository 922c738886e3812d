// Package tts validates synthesis requests and runs them against the loaded
// engine under the per-worker concurrency gate.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/gate"
	"github.com/loqalabs/loqa-tts/internal/observe"
	"github.com/loqalabs/loqa-tts/internal/worker"
)

// ErrNotReady is returned while no engine pipeline is loaded.
var ErrNotReady = errors.New("pipeline not loaded")

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Request is a synthesis request as received from a transport. A nil or
// empty Voice selects the configured default.
type Request struct {
	Text  string
	Voice *string
}

type Result struct {
	WAV        []byte
	SampleRate int
	Voice      string
	Stats      audio.Stats
}

type pipelineSlot struct {
	p engine.Pipeline
}

type Service struct {
	kokoro    config.KokoroConfig
	timeout   time.Duration
	gate      *gate.Gate
	pool      *worker.Pool
	assembler *audio.Assembler
	metrics   *observe.Metrics
	pipeline  atomic.Pointer[pipelineSlot]
	logger    *slog.Logger
}

func NewService(cfg config.Config, g *gate.Gate, pool *worker.Pool, assembler *audio.Assembler, metrics *observe.Metrics, log *slog.Logger) *Service {
	return &Service{
		kokoro:    cfg.Kokoro,
		timeout:   time.Duration(cfg.Concurrency.RequestTimeoutMS) * time.Millisecond,
		gate:      g,
		pool:      pool,
		assembler: assembler,
		metrics:   metrics,
		logger:    log.With(slog.String("component", "tts-service")),
	}
}

// SetPipeline installs the engine; nil unloads it.
func (s *Service) SetPipeline(p engine.Pipeline) {
	if p == nil {
		s.pipeline.Store(nil)
		return
	}
	s.pipeline.Store(&pipelineSlot{p: p})
}

func (s *Service) loaded() engine.Pipeline {
	if slot := s.pipeline.Load(); slot != nil {
		return slot.p
	}
	return nil
}

func (s *Service) Ready() bool { return s.loaded() != nil }

// Accelerated reports whether the loaded engine runs on a GPU.
func (s *Service) Accelerated() bool {
	if p := s.loaded(); p != nil {
		return p.Info().Accelerated
	}
	return false
}

func (s *Service) Gate() *gate.Gate { return s.gate }

type outcome struct {
	wav   []byte
	stats audio.Stats
	err   error
}

// awaitOutcome waits for the job result. A result that is ready when ctx ends
// still wins.
func awaitOutcome(ctx context.Context, done <-chan outcome) (outcome, error) {
	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		select {
		case out := <-done:
			return out, nil
		default:
			return outcome{}, ctx.Err()
		}
	}
}

// Synthesize validates req, waits for a gate permit, and runs the engine on
// the worker pool. The permit is held until the engine call returns, even if
// ctx ends first.
func (s *Service) Synthesize(ctx context.Context, req Request) (Result, error) {
	if n := utf8.RuneCountInString(req.Text); n < 1 || n > s.kokoro.MaxTextLength {
		return Result{}, &ValidationError{
			Field:  "text",
			Reason: fmt.Sprintf("text must be between 1 and %d characters", s.kokoro.MaxTextLength),
		}
	}
	p := s.loaded()
	if p == nil {
		return Result{}, ErrNotReady
	}
	voice := s.kokoro.Voice
	if req.Voice != nil && *req.Voice != "" {
		voice = *req.Voice
	}
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return Result{}, &ValidationError{Field: "voice", Reason: "voice is empty"}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "tts.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.voice", voice),
		attribute.Int("tts.text_length", utf8.RuneCountInString(req.Text)),
	)

	start := time.Now()
	if err := s.gate.Acquire(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	done := make(chan outcome, 1)
	job := func() {
		defer s.gate.Release()
		wav, stats, err := s.assembler.Synthesize(ctx, p, req.Text, voice)
		done <- outcome{wav: wav, stats: stats, err: err}
	}
	if err := s.pool.Submit(ctx, job); err != nil {
		s.gate.Release()
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	out, err := awaitOutcome(ctx, done)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
		return Result{}, out.err
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordSynthesis(ctx, elapsed.Seconds(), out.stats.Samples)
	}
	span.SetAttributes(attribute.Int("tts.samples", out.stats.Samples))
	s.logger.Debug("synthesis complete",
		slog.String("voice", voice),
		slog.Int("chunks", out.stats.Chunks),
		slog.Int("samples", out.stats.Samples),
		slog.Duration("audio", out.stats.Duration),
		slog.Duration("elapsed", elapsed),
	)
	return Result{
		WAV:        out.wav,
		SampleRate: s.assembler.SampleRate,
		Voice:      voice,
		Stats:      out.stats,
	}, nil
}
