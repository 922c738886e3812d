// Package api exposes the synthesis service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/observe"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Handler serves /health and /tts.
type Handler struct {
	cfg     config.Config
	svc     *tts.Service
	metrics *observe.Metrics
	logger  *slog.Logger
}

func New(cfg config.Config, svc *tts.Service, metrics *observe.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics,
		logger:  log.With(slog.String("component", "http-api")),
	}
}

// Register adds the service routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /tts", h.handleTTS)
}

type healthResponse struct {
	OK                   bool   `json:"ok"`
	LangCode             string `json:"lang_code"`
	DefaultVoice         string `json:"default_voice"`
	SampleRate           int    `json:"sample_rate"`
	CUDA                 bool   `json:"cuda"`
	MaxInflightPerWorker int    `json:"max_inflight_per_worker"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:                   true,
		LangCode:             h.cfg.Kokoro.LangCode,
		DefaultVoice:         h.cfg.Kokoro.Voice,
		SampleRate:           h.cfg.Kokoro.SampleRate,
		CUDA:                 h.svc.Accelerated(),
		MaxInflightPerWorker: h.cfg.Concurrency.MaxInflight,
	})
}

// ttsRequest uses pointers so a missing text can be told apart from "".
type ttsRequest struct {
	Text  *string `json:"text"`
	Voice *string `json:"voice"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body ttsRequest
	limit := h.cfg.HTTP.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	if err := decodeBody(http.MaxBytesReader(w, r.Body, limit), &body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, http.StatusRequestEntityTooLarge, "request body too large", err)
			return
		}
		h.fail(w, r, http.StatusUnprocessableEntity, "invalid request body: "+err.Error(), err)
		return
	}
	if body.Text == nil {
		h.fail(w, r, http.StatusUnprocessableEntity, "text is required", nil)
		return
	}

	res, err := h.svc.Synthesize(ctx, tts.Request{Text: *body.Text, Voice: body.Voice})
	if err != nil {
		status, detail := tts.Status(err)
		h.fail(w, r, status, detail, err)
		return
	}

	h.record(r, http.StatusOK)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.WAV)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.WAV); err != nil {
		h.logger.Warn("failed to write audio response",
			slog.String("request_id", observe.RequestID(ctx)),
			slog.String("error", err.Error()),
		)
	}
}

// decodeBody decodes exactly one JSON value from r.
func decodeBody(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, detail string, err error) {
	h.record(r, status)
	attrs := []any{
		slog.String("request_id", observe.RequestID(r.Context())),
		slog.Int("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("tts request failed", attrs...)
	} else {
		h.logger.Warn("tts request rejected", attrs...)
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (h *Handler) record(r *http.Request, status int) {
	if h.metrics != nil {
		h.metrics.RecordRequest(r.Context(), "http", strconv.Itoa(status))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
