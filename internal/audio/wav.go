package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth      = 16
	numChannels   = 1
	wavFormatPCM  = 1
	pcm16MaxValue = 32767
)

// EncodeWAV writes samples as a mono 16-bit PCM WAV file. Samples are scaled
// by 32767, rounded, and clipped; no resampling or normalization happens.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(samples) == 0 {
		return ErrNoAudio
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: bitDepth,
	}
	for i, s := range samples {
		buf.Data[i] = toPCM16(s)
	}

	enc := wav.NewEncoder(w, sampleRate, bitDepth, numChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WAVBytes encodes samples into an in-memory WAV file.
func WAVBytes(samples []float32, sampleRate int) ([]byte, error) {
	var ws writeSeeker
	if err := EncodeWAV(&ws, samples, sampleRate); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

func toPCM16(s float32) int {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := math.Round(float64(s) * pcm16MaxValue)
	switch {
	case v > pcm16MaxValue:
		return pcm16MaxValue
	case v < -pcm16MaxValue-1:
		return -pcm16MaxValue - 1
	}
	return int(v)
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (ws *writeSeeker) Write(p []byte) (int, error) {
	if end := ws.pos + len(p); end > len(ws.buf) {
		if end > cap(ws.buf) {
			grown := make([]byte, len(ws.buf), 2*end)
			copy(grown, ws.buf)
			ws.buf = grown
		}
		ws.buf = ws.buf[:end]
	}
	n := copy(ws.buf[ws.pos:], p)
	ws.pos += n
	return n, nil
}

func (ws *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(ws.pos) + offset
	case io.SeekEnd:
		abs = int64(len(ws.buf)) + offset
	default:
		return 0, errors.New("writeSeeker: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("writeSeeker: negative position")
	}
	ws.pos = int(abs)
	return abs, nil
}
