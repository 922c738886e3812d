package tts

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/gate"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/worker"
)

type stubPipeline struct {
	samples     int
	err         error
	delay       time.Duration
	block       chan struct{}
	accelerated bool

	mu     sync.Mutex
	voices []string
	active atomic.Int64
	peak   atomic.Int64
	calls  atomic.Int64
}

func (s *stubPipeline) Synthesize(ctx context.Context, req engine.Request) (<-chan engine.Chunk, <-chan error) {
	out := make(chan engine.Chunk)
	errs := make(chan error, 1)
	s.mu.Lock()
	s.voices = append(s.voices, req.Voice)
	s.mu.Unlock()
	s.calls.Add(1)

	go func() {
		defer close(errs)
		defer close(out)
		n := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
		if s.block != nil {
			<-s.block
		}
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if s.err != nil {
			errs <- s.err
			return
		}
		if s.samples == 0 {
			return
		}
		select {
		case out <- engine.Chunk{Samples: make([]float32, s.samples)}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return out, errs
}

func (s *stubPipeline) Info() engine.Info {
	return engine.Info{Name: "stub", Accelerated: s.accelerated}
}

func (s *stubPipeline) Close() error { return nil }

func (s *stubPipeline) lastVoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.voices) == 0 {
		return ""
	}
	return s.voices[len(s.voices)-1]
}

func newTestService(t *testing.T, mutate func(*config.Config), p engine.Pipeline) *Service {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	pool := worker.New(cfg.Concurrency.PoolSize)
	t.Cleanup(pool.Close)
	svc := NewService(cfg,
		gate.New(cfg.Concurrency.MaxInflight, cfg.Concurrency.MaxQueue),
		pool,
		audio.NewAssembler(cfg.Kokoro.SampleRate),
		nil,
		logging.Discard(),
	)
	if p != nil {
		svc.SetPipeline(p)
	}
	return svc
}

func strPtr(s string) *string { return &s }

func TestSynthesizeValidatesText(t *testing.T) {
	stub := &stubPipeline{samples: 10}
	svc := newTestService(t, nil, stub)

	for _, text := range []string{"", strings.Repeat("a", 5001)} {
		_, err := svc.Synthesize(context.Background(), Request{Text: text})
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "text" {
			t.Fatalf("expected text validation error for len %d, got %v", len(text), err)
		}
		if status, _ := Status(err); status != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", status)
		}
	}
	if n := stub.calls.Load(); n != 0 {
		t.Fatalf("engine invoked %d times for rejected text", n)
	}

	if _, err := svc.Synthesize(context.Background(), Request{Text: strings.Repeat("é", 5000)}); err != nil {
		t.Fatalf("expected 5000 code points to be accepted, got %v", err)
	}
	if _, err := svc.Synthesize(context.Background(), Request{Text: "   "}); err != nil {
		t.Fatalf("expected whitespace text to be passed through, got %v", err)
	}
}

func TestSynthesizeNotReady(t *testing.T) {
	svc := newTestService(t, nil, nil)
	if svc.Ready() {
		t.Fatal("expected service without pipeline to be unready")
	}

	_, err := svc.Synthesize(context.Background(), Request{Text: "hello", Voice: strPtr("   ")})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before voice validation, got %v", err)
	}
	status, detail := Status(err)
	if status != http.StatusInternalServerError || detail != "Pipeline not loaded" {
		t.Fatalf("unexpected mapping %d %q", status, detail)
	}

	_, err = svc.Synthesize(context.Background(), Request{Text: ""})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected text validation to run first, got %v", err)
	}
}

func TestSynthesizeResolvesVoice(t *testing.T) {
	stub := &stubPipeline{samples: 10}
	svc := newTestService(t, nil, stub)
	ctx := context.Background()

	cases := []struct {
		voice *string
		want  string
	}{
		{nil, "af_heart"},
		{strPtr(""), "af_heart"},
		{strPtr("  am_adam "), "am_adam"},
	}
	for _, tc := range cases {
		res, err := svc.Synthesize(ctx, Request{Text: "Hello world.", Voice: tc.voice})
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if got := stub.lastVoice(); got != tc.want {
			t.Fatalf("engine received voice %q, want %q", got, tc.want)
		}
		if res.Voice != tc.want {
			t.Fatalf("result voice %q, want %q", res.Voice, tc.want)
		}
	}

	calls := stub.calls.Load()
	_, err := svc.Synthesize(ctx, Request{Text: "Hello", Voice: strPtr(" \t ")})
	status, detail := Status(err)
	if status != http.StatusBadRequest || detail != "voice is empty" {
		t.Fatalf("expected 400 voice is empty, got %d %q", status, detail)
	}
	if stub.calls.Load() != calls {
		t.Fatal("engine must not be invoked for an empty voice")
	}
}

func TestSynthesizeReturnsWAV(t *testing.T) {
	svc := newTestService(t, nil, &stubPipeline{samples: 2400})
	res, err := svc.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(res.WAV[:4]) != "RIFF" {
		t.Fatalf("expected WAV output")
	}
	if res.SampleRate != 24000 || res.Stats.Samples != 2400 {
		t.Fatalf("unexpected result %+v", res.Stats)
	}
	if res.Stats.Duration != 100*time.Millisecond {
		t.Fatalf("expected 100ms of audio, got %s", res.Stats.Duration)
	}
}

func TestSynthesizeNoAudio(t *testing.T) {
	svc := newTestService(t, nil, &stubPipeline{})
	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})
	if !errors.Is(err, audio.ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	status, detail := Status(err)
	if status != http.StatusInternalServerError || detail != "no audio generated" {
		t.Fatalf("unexpected mapping %d %q", status, detail)
	}
}

func TestSynthesizeEngineError(t *testing.T) {
	svc := newTestService(t, nil, &stubPipeline{err: errors.New("voice file missing")})
	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})
	status, detail := Status(err)
	if status != http.StatusInternalServerError || detail != "voice file missing" {
		t.Fatalf("unexpected mapping %d %q", status, detail)
	}
	if stats := svc.Gate().Stats(); stats.InFlight != 0 {
		t.Fatalf("permit leaked after engine error: %+v", stats)
	}
}

func TestSynthesizeBoundsConcurrency(t *testing.T) {
	stub := &stubPipeline{samples: 10, delay: 10 * time.Millisecond}
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Concurrency.MaxInflight = 2
		cfg.Concurrency.PoolSize = 8
	}, stub)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Synthesize(context.Background(), Request{Text: "Hello"}); err != nil {
				t.Errorf("synthesize: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := stub.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent engine calls, saw %d", peak)
	}
	if stub.calls.Load() != 12 {
		t.Fatalf("expected 12 engine calls, got %d", stub.calls.Load())
	}
}

func TestSynthesizeTimeoutKeepsPermitUntilEngineReturns(t *testing.T) {
	block := make(chan struct{})
	stub := &stubPipeline{samples: 10, block: block}
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Concurrency.RequestTimeoutMS = 30
	}, stub)

	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello"})
	if status, _ := Status(err); status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d (%v)", status, err)
	}
	if stats := svc.Gate().Stats(); stats.InFlight != 1 {
		t.Fatalf("expected permit to stay held while engine runs, got %+v", stats)
	}

	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for svc.Gate().Stats().InFlight != 0 {
		if time.Now().After(deadline) {
			t.Fatal("permit was never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSynthesizeQueueFull(t *testing.T) {
	block := make(chan struct{})
	stub := &stubPipeline{samples: 10, block: block}
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Concurrency.MaxQueue = 1
	}, stub)

	results := make(chan error, 2)
	go func() {
		_, err := svc.Synthesize(context.Background(), Request{Text: "first"})
		results <- err
	}()
	waitFor(t, func() bool { return svc.Gate().Stats().InFlight == 1 })
	go func() {
		_, err := svc.Synthesize(context.Background(), Request{Text: "second"})
		results <- err
	}()
	waitFor(t, func() bool { return svc.Gate().Stats().Waiting == 1 })

	_, err := svc.Synthesize(context.Background(), Request{Text: "third"})
	if status, _ := Status(err); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%v)", status, err)
	}

	close(block)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("queued request failed: %v", err)
		}
	}
}

func TestAcceleratedFollowsPipeline(t *testing.T) {
	svc := newTestService(t, nil, nil)
	if svc.Accelerated() {
		t.Fatal("expected false without a pipeline")
	}
	svc.SetPipeline(&stubPipeline{accelerated: true})
	if !svc.Accelerated() || !svc.Ready() {
		t.Fatal("expected accelerated ready service")
	}
	svc.SetPipeline(nil)
	if svc.Ready() {
		t.Fatal("expected unload to clear readiness")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAwaitOutcomePrefersReadyResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan outcome, 1)
	for i := 0; i < 200; i++ {
		done <- outcome{wav: []byte("RIFF")}
		out, err := awaitOutcome(ctx, done)
		if err != nil {
			t.Fatalf("iteration %d: expected ready result, got %v", i, err)
		}
		if string(out.wav) != "RIFF" {
			t.Fatalf("iteration %d: unexpected outcome %+v", i, out)
		}
	}

	if _, err := awaitOutcome(ctx, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled with no result, got %v", err)
	}
}
