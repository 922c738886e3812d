package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execWaitDelay bounds how long Wait blocks on output pipes after the
// process is gone.
const execWaitDelay = 2 * time.Second

// execPipeline runs one engine process per request.
type execPipeline struct {
	cmd         []string
	langCode    string
	sampleRate  int
	accelerated bool
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	LangCode   string `json:"lang_code"`
	SampleRate int    `json:"sample_rate"`
}

// chunkLine is one JSON line written by an engine process.
type chunkLine struct {
	ID          string `json:"id,omitempty"`
	Graphemes   string `json:"graphemes"`
	Phonemes    string `json:"phonemes"`
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	Done        bool   `json:"done,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewExec parses command and returns an engine that spawns it per request.
// The process receives one JSON request on stdin and streams chunk lines on
// stdout.
func NewExec(command, langCode string, sampleRate int) (Pipeline, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("tts command not found: %w", err)
	}
	return &execPipeline{
		cmd:         args,
		langCode:    langCode,
		sampleRate:  sampleRate,
		accelerated: CUDAAvailable(),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return args, nil
}

func (e *execPipeline) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execPipeline) run(ctx context.Context, req Request, chunks chan<- Chunk) error {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		LangCode:   e.langCode,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = execWaitDelay
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	streamErr := e.stream(runCtx, stdout, chunks)
	if streamErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return fmt.Errorf("tts command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (e *execPipeline) stream(ctx context.Context, stdout io.Reader, chunks chan<- Chunk) error {
	dec := json.NewDecoder(stdout)
	sequence := 0
	for {
		var line chunkLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode tts output: %w", err)
		}
		if line.Error != "" {
			return errors.New(line.Error)
		}
		if line.Done {
			return nil
		}
		samples, err := DecodeSamples(line.AudioBase64, line.Format)
		if err != nil {
			return err
		}
		if !send(ctx, chunks, Chunk{Sequence: sequence, Graphemes: line.Graphemes, Phonemes: line.Phonemes, Samples: samples}) {
			return ctx.Err()
		}
		sequence++
	}
}

func (e *execPipeline) Info() Info {
	return Info{Name: "exec", LangCode: e.langCode, Accelerated: e.accelerated}
}

func (e *execPipeline) Close() error { return nil }
