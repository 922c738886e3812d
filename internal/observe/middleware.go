package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the per-request id in both directions.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware extracts W3C trace context, starts a server span, assigns a
// request id, and records duration and a completion log line for every
// request.
func Middleware(m *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			ctx = WithRequestID(ctx, id)
			w.Header().Set(RequestIDHeader, id)
			span.SetAttributes(attribute.String("request.id", id))
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			if m != nil {
				m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("path", r.URL.Path),
						attribute.String("status", strconv.Itoa(rec.statusCode)),
					),
				)
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			logger.LogAttrs(ctx, slog.LevelInfo, "request completed",
				slog.String("request_id", id),
				slog.String("trace_id", TraceID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
