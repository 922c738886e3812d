// Package kokoro runs the Kokoro ONNX model in process through sherpa-onnx.
package kokoro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

type Options struct {
	ModelDir   string
	LangCode   string
	Provider   string
	NumThreads int
	Speed      float64
	SampleRate int
	Speakers   map[string]int
}

// Pipeline serialises Generate calls on a single OfflineTts instance.
type Pipeline struct {
	mu       sync.Mutex
	tts      *sherpa.OfflineTts
	voices   Voices
	speed    float32
	speakers int
	info     engine.Info
	log      *slog.Logger
}

// New loads the model files from opts.ModelDir. The directory must contain
// model.onnx, voices.bin and tokens.txt; espeak-ng-data, dict and lexicon
// files are picked up when present.
func New(opts Options, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := opts.ModelDir
	required := map[string]string{
		"model":  filepath.Join(dir, "model.onnx"),
		"voices": filepath.Join(dir, "voices.bin"),
		"tokens": filepath.Join(dir, "tokens.txt"),
	}
	for name, path := range required {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("kokoro %s file: %w", name, err)
		}
	}

	config := sherpa.OfflineTtsConfig{}
	config.Model.Kokoro.Model = required["model"]
	config.Model.Kokoro.Voices = required["voices"]
	config.Model.Kokoro.Tokens = required["tokens"]
	config.Model.Kokoro.LengthScale = 1.0
	if p := filepath.Join(dir, "espeak-ng-data"); exists(p) {
		config.Model.Kokoro.DataDir = p
	}
	if p := filepath.Join(dir, "dict"); exists(p) {
		config.Model.Kokoro.DictDir = p
	}
	if lexicons := findLexicons(dir); lexicons != "" {
		config.Model.Kokoro.Lexicon = lexicons
	}
	config.Model.NumThreads = max(opts.NumThreads, 1)
	config.Model.Provider = opts.Provider
	if config.Model.Provider == "" {
		config.Model.Provider = "cpu"
	}
	config.MaxNumSentences = 1

	tts := sherpa.NewOfflineTts(&config)
	if tts == nil {
		return nil, fmt.Errorf("create kokoro offline tts from %s", dir)
	}

	if rate := tts.SampleRate(); opts.SampleRate > 0 && rate != opts.SampleRate {
		log.Warn("model sample rate differs from configured rate; output is not resampled",
			slog.Int("model_rate", rate),
			slog.Int("configured_rate", opts.SampleRate),
		)
	}

	speed := float32(opts.Speed)
	if speed <= 0 {
		speed = 1.0
	}
	p := &Pipeline{
		tts:      tts,
		voices:   NewVoices(opts.Speakers),
		speed:    speed,
		speakers: tts.NumSpeakers(),
		info: engine.Info{
			Name:        "kokoro-sherpa",
			LangCode:    opts.LangCode,
			Accelerated: strings.EqualFold(config.Model.Provider, "cuda"),
		},
		log: log,
	}
	log.Info("kokoro model loaded",
		slog.String("model_dir", dir),
		slog.String("provider", config.Model.Provider),
		slog.Int("speakers", p.speakers),
		slog.Int("sample_rate", tts.SampleRate()),
	)
	return p, nil
}

func (p *Pipeline) Info() engine.Info { return p.info }

func (p *Pipeline) Synthesize(ctx context.Context, req engine.Request) (<-chan engine.Chunk, <-chan error) {
	out := make(chan engine.Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(out)

		sid, err := p.voices.Resolve(req.Voice, p.speakers)
		if err != nil {
			errs <- err
			return
		}
		seq := 0
		for _, sentence := range engine.SplitSentences(req.Text) {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			samples, err := p.generate(sentence, sid)
			if err != nil {
				errs <- err
				return
			}
			if len(samples) == 0 {
				continue
			}
			chunk := engine.Chunk{Sequence: seq, Graphemes: sentence, Samples: samples}
			select {
			case out <- chunk:
				seq++
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return out, errs
}

func (p *Pipeline) generate(text string, sid int) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tts == nil {
		return nil, errors.New("kokoro pipeline closed")
	}
	audio := p.tts.Generate(text, sid, p.speed)
	if audio == nil {
		return nil, fmt.Errorf("kokoro generate failed for speaker %d", sid)
	}
	return audio.Samples, nil
}

func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tts != nil {
		sherpa.DeleteOfflineTts(p.tts)
		p.tts = nil
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findLexicons(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "lexicon-*.txt"))
	return strings.Join(matches, ",")
}
