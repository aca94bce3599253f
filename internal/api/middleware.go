package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// AccountIDHeader carries the authenticated caller. Authentication
	// happens at the gateway in front of Kestrel.
	AccountIDHeader = "X-Account-ID"

	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

type ctxKey int

const (
	accountKey ctxKey = iota
	requestKey
)

// requestMeta identifies one request across logs, spans and responses.
type requestMeta struct {
	requestID string
	traceID   string
}

var tracer = otel.Tracer("kestrel-api")

// quietPaths are polled by orchestrators and logged at debug level only.
var quietPaths = map[string]bool{"/health": true, "/ready": true, "/metrics": true}

// AccountMiddleware requires X-Account-ID and binds the caller to the
// request context and span. Transfers are always sent by this account.
func AccountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.Header.Get(AccountIDHeader))
		if accountID == "" {
			writeError(w, http.StatusUnauthorized, AccountIDHeader+" header is required")
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("account.id", accountID))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, accountID)))
	})
}

// TracingMiddleware opens a span per request, named by route pattern once
// routing has run, and echoes the request and trace IDs to the client.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := requestMeta{requestID: r.Header.Get(RequestIDHeader)}
		if meta.requestID == "" {
			meta.requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("request.id", meta.requestID),
			),
		)
		defer span.End()

		// No provider means a no-op span; the request ID stands in.
		meta.traceID = meta.requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			meta.traceID = sc.TraceID().String()
		}

		w.Header().Set(RequestIDHeader, meta.requestID)
		w.Header().Set(TraceIDHeader, meta.traceID)

		rec := recordStatus(w)
		next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, requestKey, meta)))

		if pattern := routePattern(r); pattern != "" {
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(attribute.String("http.route", pattern))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// LoggingMiddleware writes one access line per request. Server errors log
// at error level and client errors at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := recordStatus(w)
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case rec.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[r.URL.Path]:
			level = slog.LevelDebug
		}

		// The caller comes from the header: AccountMiddleware binds it on a
		// context this frame never sees.
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"route", routePattern(r),
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"account_id", r.Header.Get(AccountIDHeader),
			"request_id", GetRequestID(r.Context()),
			"trace_id", GetTraceID(r.Context()),
		)
	})
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", AccountIDHeader, RequestIDHeader, TraceIDHeader}, ", ")
	corsExposed = strings.Join([]string{RequestIDHeader, TraceIDHeader, "Retry-After"}, ", ")
)

// CORSMiddleware lets browser consoles call the API. The caller travels in
// a header, not a cookie, so credentials are never allowed.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		} else {
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", corsExposed)

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	})
}

// RecoverMiddleware turns a handler panic into a 500 and logs its stack.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			slog.Error("handler panic",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()),
				"stack", string(debug.Stack()),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the first status written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func recordStatus(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// GetAccountID returns the caller bound by AccountMiddleware.
func GetAccountID(ctx context.Context) string {
	id, _ := ctx.Value(accountKey).(string)
	return id
}

func GetTraceID(ctx context.Context) string {
	meta, _ := ctx.Value(requestKey).(requestMeta)
	return meta.traceID
}

func GetRequestID(ctx context.Context) string {
	meta, _ := ctx.Value(requestKey).(requestMeta)
	return meta.requestID
}
