package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/ratelimit"
	"github.com/haasonsaas/autosage/pkg/models"
)

const requestIDHeader = "X-Request-ID"

// requestID propagates or assigns a request id.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := observability.AddRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog traces, logs and measures each request. The route label is the
// matched mux pattern so metrics stay low-cardinality.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(wrapped, req)

		route := req.Pattern
		if route == "" || route == "/" {
			route = "unmatched"
		}
		span.SetName(route)
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), elapsed.Seconds())

		level := s.logger.Debug
		if wrapped.status >= http.StatusInternalServerError {
			level = s.logger.Warn
		}
		level(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", wrapped.status,
			"duration", elapsed,
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoverer turns a handler panic into a 500 envelope. The panic value is
// only logged.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			s.logger.Error(r.Context(), "handler panic", "panic", rec, "stack", string(debug.Stack()))
			writeError(w, http.StatusInternalServerError, models.ErrInternal, "internal server error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-client limiter to /v1 routes.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	limited := ratelimit.Middleware(s.limiter, func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RecordAdmissionRejection()
		writeError(w, http.StatusTooManyRequests, models.ErrCapacityExceeded, "rate limit exceeded", map[string]any{
			"client": ratelimit.ClientKey(r),
		})
	})(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// denyAdmin renders auth failures on admin routes.
func (s *Server) denyAdmin(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="autosage-admin"`)
	writeError(w, http.StatusUnauthorized, models.ErrUnauthorized, err.Error(), nil)
}

// responseWriter captures the status code and keeps streaming and
// websocket upgrades working through the wrapper.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		if !rw.wroteHeader {
			rw.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	rw.wroteHeader = true
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
