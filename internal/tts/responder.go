package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/observe"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// Responder serves synthesis requests arriving on the NATS bus.
type Responder struct {
	cfg     config.BusConfig
	bus     *bus.Client
	svc     *Service
	metrics *observe.Metrics
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
}

func NewResponder(parent context.Context, cfg config.BusConfig, busClient *bus.Client, svc *Service, metrics *observe.Metrics, log *slog.Logger) *Responder {
	ctx, cancel := context.WithCancel(parent)
	return &Responder{
		cfg:     cfg,
		bus:     busClient,
		svc:     svc,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-responder")),
	}
}

func (r *Responder) Start() error {
	subject := r.cfg.Subject
	if subject == "" {
		subject = protocol.SubjectTTSRequest
	}
	sub, err := r.bus.Conn().QueueSubscribe(subject, r.cfg.QueueGroup, r.handleRequest)
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("listening for bus requests",
		slog.String("subject", subject),
		slog.String("queue_group", r.cfg.QueueGroup),
	)
	return nil
}

// Close stops receiving, waits for in-flight requests, then cancels them if
// they are still blocked.
func (r *Responder) Close() {
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
	r.cancel()
}

func (r *Responder) Healthy() bool { return r.sub != nil && r.sub.IsValid() }

func (r *Responder) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("failed to decode tts request", slogError(err))
		r.reply(msg, protocol.TTSReply{
			Status: http.StatusUnprocessableEntity,
			Detail: "invalid request body",
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.reply(msg, protocol.TTSReply{
			RequestID: req.RequestID,
			Status:    http.StatusServiceUnavailable,
			Detail:    "service shutting down",
		})
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()

		start := time.Now()
		res, err := r.svc.Synthesize(r.ctx, Request{Text: req.Text, Voice: req.Voice})
		status, detail := Status(err)
		if r.metrics != nil {
			r.metrics.RecordRequest(r.ctx, "nats", strconv.Itoa(status))
		}
		if err != nil {
			r.logger.Warn("bus synthesis failed",
				slog.String("request_id", req.RequestID),
				slog.Int("status", status),
				slogError(err),
			)
		}

		reply := protocol.TTSReply{
			RequestID: req.RequestID,
			OK:        err == nil,
			Status:    status,
			Detail:    detail,
		}
		if err == nil {
			reply.SampleRate = res.SampleRate
			reply.Audio = res.WAV
		}
		r.reply(msg, reply)
		r.publishDone(protocol.TTSStatus{
			RequestID:  req.RequestID,
			Voice:      res.Voice,
			Completed:  err == nil,
			Status:     status,
			Samples:    res.Stats.Samples,
			DurationMS: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
	}()
}

func (r *Responder) reply(msg *nats.Msg, reply protocol.TTSReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Warn("failed to marshal tts reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send tts reply", slogError(err))
	}
}

func (r *Responder) publishDone(status protocol.TTSStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		r.logger.Warn("failed to marshal tts status", slogError(err))
		return
	}
	if err := r.bus.Conn().Publish(protocol.SubjectTTSDone, data); err != nil {
		r.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
