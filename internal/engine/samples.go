package engine

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Payload formats accepted from subprocess engines.
const (
	FormatF32LE = "f32le"
	FormatS16LE = "s16le"
)

// DecodeSamples coerces a base64 little-endian payload into float32 samples.
// An empty format means f32le.
func DecodeSamples(payload, format string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return ToFloat32(raw, format)
}

// ToFloat32 converts raw little-endian bytes in the given format into float32
// samples. s16le values are scaled into [-1, 1).
func ToFloat32(raw []byte, format string) ([]float32, error) {
	switch format {
	case "", FormatF32LE:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("f32le payload not aligned: %d bytes", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case FormatS16LE:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("s16le payload not aligned: %d bytes", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}
}

// EncodeF32LE is the inverse of DecodeSamples for f32le payloads.
func EncodeF32LE(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
