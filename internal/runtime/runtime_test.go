package runtime

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Engine.ChunkDurationMS = 50
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, func() error) {
	t.Helper()
	rt := New(cfg, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("runtime did not start")
	}

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("runtime did not stop")
			return nil
		}
	}
	return rt, stop
}

func get(t *testing.T, url string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), resp.Header
}

func TestRuntimeServesHTTP(t *testing.T) {
	rt, stop := startRuntime(t, testConfig())
	base := "http://" + rt.Addr()

	if code, body, _ := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, body, _ := get(t, base+"/readyz"); code != http.StatusOK || body != "ready" {
		t.Fatalf("readyz: %d %q", code, body)
	}
	code, body, header := get(t, base+"/health")
	if code != http.StatusOK || !strings.Contains(body, `"default_voice":"af_heart"`) {
		t.Fatalf("health: %d %s", code, body)
	}
	if header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	resp, err := http.Post(base+"/tts", "application/json", strings.NewReader(`{"text":"Hello there."}`))
	if err != nil {
		t.Fatal(err)
	}
	audio, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(audio[:4]) != "RIFF" {
		t.Fatalf("tts: %d", resp.StatusCode)
	}

	code, body, _ = get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
	if !strings.Contains(body, "loqa_tts_requests") {
		t.Fatal("expected request counter in metrics output")
	}

	if err := stop(); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestRuntimeServesBus(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1

	rt, stop := startRuntime(t, cfg)
	defer func() { _ = stop() }()

	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	data, _ := json.Marshal(protocol.TTSRequest{Text: "Hello bus."})
	msg, err := nc.Request(protocol.SubjectTTSRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.TTSReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.OK || reply.SampleRate != 24000 || len(reply.Audio) == 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestRuntimeFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.HTTP.Port = ln.Addr().(*net.TCPAddr).Port
	err = New(cfg, logging.Discard()).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRuntimeFailsOnEngineLoad(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Mode = "exec"
	cfg.Engine.Command = "/nonexistent/kokoro-engine"
	err := New(cfg, logging.Discard()).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to load engine") {
		t.Fatalf("expected engine load error, got %v", err)
	}
}
