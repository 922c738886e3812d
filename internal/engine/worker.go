package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkerOptions configures a pool of long-lived engine processes.
type WorkerOptions struct {
	Command      string
	Processes    int
	LangCode     string
	Voice        string
	WarmupText   string
	StartTimeout time.Duration
}

// workerPipeline keeps engine processes resident so the model is loaded
// once. Each process serves one request at a time.
type workerPipeline struct {
	opts        WorkerOptions
	argv        []string
	idle        chan *workerSlot
	slots       []*workerSlot
	accelerated bool
	closed      atomic.Bool
	log         *slog.Logger
}

type workerSlot struct {
	id   int
	proc *workerProc
}

type workerProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	stderr *tailWriter
	exited chan struct{}
	broken atomic.Bool
}

type workerRequest struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	LangCode string `json:"lang_code"`
}

// NewWorker starts opts.Processes engine processes and runs one warmup
// synthesis on each so model or dependency errors surface at startup.
func NewWorker(ctx context.Context, opts WorkerOptions, log *slog.Logger) (Pipeline, error) {
	argv, err := parseCommand(opts.Command)
	if err != nil {
		return nil, err
	}
	if opts.Processes <= 0 {
		opts.Processes = 1
	}
	w := &workerPipeline{
		opts:        opts,
		argv:        argv,
		idle:        make(chan *workerSlot, opts.Processes),
		accelerated: CUDAAvailable(),
		log:         log.With(slog.String("component", "engine-worker")),
	}
	for i := 0; i < opts.Processes; i++ {
		slot := &workerSlot{id: i}
		w.slots = append(w.slots, slot)
		if err := w.start(ctx, slot); err != nil {
			_ = w.Close()
			return nil, err
		}
		w.idle <- slot
	}
	return w, nil
}

func (w *workerPipeline) start(ctx context.Context, slot *workerSlot) error {
	proc, err := spawnWorker(w.argv)
	if err != nil {
		return err
	}
	slot.proc = proc
	if strings.TrimSpace(w.opts.WarmupText) == "" {
		return nil
	}

	timeout := w.opts.StartTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	warmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = proc.request(warmCtx, workerRequest{
		ID:       uuid.NewString(),
		Text:     w.opts.WarmupText,
		Voice:    w.opts.Voice,
		LangCode: w.opts.LangCode,
	}, func(Chunk) bool { return true })
	if err != nil {
		proc.stop()
		return fmt.Errorf("engine worker %d failed to start: %w", slot.id, err)
	}
	w.log.Info("engine worker ready", slog.Int("worker", slot.id), slog.Duration("warmup", time.Since(start)))
	return nil
}

func spawnWorker(argv []string) (*workerProc, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	setProcessGroup(cmd)
	stderr := &tailWriter{limit: 4096}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine worker: %w", err)
	}
	p := &workerProc{
		cmd:    cmd,
		stdin:  stdin,
		dec:    json.NewDecoder(stdout),
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (w *workerPipeline) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)

		var slot *workerSlot
		select {
		case slot = <-w.idle:
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}
		defer func() { w.idle <- slot }()

		if w.closed.Load() {
			errs <- errors.New("engine worker closed")
			return
		}
		if slot.proc == nil || !slot.proc.alive() {
			if slot.proc != nil {
				slot.proc.stop()
			}
			w.log.Warn("respawning engine worker", slog.Int("worker", slot.id))
			proc, err := spawnWorker(w.argv)
			if err != nil {
				slot.proc = nil
				errs <- err
				return
			}
			slot.proc = proc
		}

		sequence := 0
		err := slot.proc.request(ctx, workerRequest{
			ID:       uuid.NewString(),
			Text:     req.Text,
			Voice:    req.Voice,
			LangCode: w.opts.LangCode,
		}, func(c Chunk) bool {
			c.Sequence = sequence
			sequence++
			return send(ctx, chunks, c)
		})
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			errs <- err
		}
	}()
	return chunks, errs
}

// request writes one request line and streams chunk lines to emit until the
// process reports done or an error. Any transport failure or abandoned
// stream marks the process broken. Cancellation kills the whole process
// group so a wrapper script's children cannot hold stdout open.
func (p *workerProc) request(ctx context.Context, req workerRequest, emit func(Chunk) bool) error {
	stop := context.AfterFunc(ctx, func() {
		p.broken.Store(true)
		_ = killProcessGroup(p.cmd)
	})
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.broken.Store(true)
		return fmt.Errorf("write engine request: %w", p.describe(err))
	}

	for {
		var resp chunkLine
		if err := p.dec.Decode(&resp); err != nil {
			p.broken.Store(true)
			return fmt.Errorf("read engine response: %w", p.describe(err))
		}
		if resp.ID != "" && resp.ID != req.ID {
			p.broken.Store(true)
			return fmt.Errorf("engine response id %q does not match request %q", resp.ID, req.ID)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if resp.Done {
			return nil
		}
		samples, err := DecodeSamples(resp.AudioBase64, resp.Format)
		if err != nil {
			p.broken.Store(true)
			return err
		}
		if !emit(Chunk{Graphemes: resp.Graphemes, Phonemes: resp.Phonemes, Samples: samples}) {
			p.broken.Store(true)
			return ctx.Err()
		}
	}
}

func (p *workerProc) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return !p.broken.Load()
	}
}

func (p *workerProc) describe(err error) error {
	if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// stop closes stdin, interrupts the process and kills it if it does not exit
// promptly.
func (p *workerProc) stop() {
	_ = p.stdin.Close()
	_ = interruptProcessGroup(p.cmd)
	select {
	case <-p.exited:
	case <-time.After(1200 * time.Millisecond):
		_ = killProcessGroup(p.cmd)
		<-p.exited
	}
}

func (w *workerPipeline) Info() Info {
	return Info{Name: "worker", LangCode: w.opts.LangCode, Accelerated: w.accelerated}
}

// Close stops every process. Callers must not have synthesis in flight.
func (w *workerPipeline) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	var wg sync.WaitGroup
	for _, slot := range w.slots {
		if slot.proc == nil {
			continue
		}
		wg.Add(1)
		go func(p *workerProc) {
			defer wg.Done()
			p.stop()
		}(slot.proc)
	}
	wg.Wait()
	return nil
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
