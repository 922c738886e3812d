package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/protocol"
)

type synthOptions struct {
	Addr    string
	NATSURL string
	Subject string
	Text    string
	Voice   string
	Out     string
	Timeout time.Duration
}

func runHealth(addr string, timeout time.Duration) (string, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/health")
	if err != nil {
		return "", fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// runSynth requests audio and writes it to opts.Out, returning the byte count.
func runSynth(opts synthOptions) (int, error) {
	if opts.Text == "" {
		return 0, errors.New("-text is required")
	}
	var voice *string
	if opts.Voice != "" {
		voice = &opts.Voice
	}

	var (
		audio []byte
		err   error
	)
	if opts.NATSURL != "" {
		audio, err = synthNATS(opts, voice)
	} else {
		audio, err = synthHTTP(opts, voice)
	}
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(opts.Out, audio, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", opts.Out, err)
	}
	return len(audio), nil
}

func synthHTTP(opts synthOptions, voice *string) ([]byte, error) {
	payload, err := json.Marshal(map[string]*string{"text": &opts.Text, "voice": voice})
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Post(strings.TrimRight(opts.Addr, "/")+"/tts", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
			return nil, fmt.Errorf("tts returned %d: %s", resp.StatusCode, detail.Detail)
		}
		return nil, fmt.Errorf("tts returned %d", resp.StatusCode)
	}
	return body, nil
}

func synthNATS(opts synthOptions, voice *string) ([]byte, error) {
	nc, err := nats.Connect(opts.NATSURL, nats.Name("loqa-ttsctl"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	data, err := json.Marshal(protocol.TTSRequest{Text: opts.Text, Voice: voice})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	msg, err := nc.RequestWithContext(ctx, opts.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("tts bus request: %w", err)
	}
	var reply protocol.TTSReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode tts reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("tts returned %d: %s", reply.Status, reply.Detail)
	}
	return reply.Audio, nil
}
