package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/audit"
	"github.com/sthanfv/el-buen-corte--sub000/internal/auth"
	"github.com/sthanfv/el-buen-corte--sub000/internal/ratelimit"
)

type Auditor interface {
	Record(rec audit.Record)
}

// Authenticate verifies the bearer token and stores the identity in the request context.
func Authenticate(authn auth.Authenticator, auditor Auditor, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				reject(w, r, auditor, log, "missing bearer token")
				return
			}
			id, err := authn.Verify(r.Context(), token)
			if err != nil {
				reject(w, r, auditor, log, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, auditor Auditor, log *zap.Logger, reason string) {
	ip := ClientIP(r)
	log.Warn("authentication failed",
		zap.String("ip", ip),
		zap.String("path", r.URL.Path),
		zap.String("reason", reason),
	)
	auditor.Record(audit.Record{
		Timestamp: time.Now().UTC(),
		IP:        ip,
		Endpoint:  r.URL.Path,
		Outcome:   audit.OutcomeAuthFailure,
		Message:   reason,
	})
	WriteError(w, http.StatusUnauthorized, "unauthorized")
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(auditor Auditor, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := auth.IdentityFromContext(r.Context())
			if !id.IsAdmin() {
				log.Warn("admin endpoint denied",
					zap.String("uid", id.UID),
					zap.String("role", string(id.Role)),
					zap.String("path", r.URL.Path),
				)
				auditor.Record(audit.Record{
					Timestamp: time.Now().UTC(),
					Actor:     id.UID,
					Identity:  string(id.Role),
					IP:        ClientIP(r),
					Endpoint:  r.URL.Path,
					Outcome:   audit.OutcomeForbidden,
				})
				WriteError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit keys requests by client IP, falling back to the token uid.
func RateLimit(limiter ratelimit.Limiter, auditor Auditor, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := auth.IdentityFromContext(r.Context())
			key := ClientIP(r)
			if key == "" {
				key = "uid:" + id.UID
			}
			d := limiter.Allow(r.Context(), key)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			log.Warn("rate limit exceeded", zap.String("key", key), zap.Duration("retry_after", d.RetryAfter))
			auditor.Record(audit.Record{
				Timestamp: time.Now().UTC(),
				Actor:     id.UID,
				Identity:  string(id.Role),
				IP:        key,
				Endpoint:  r.URL.Path,
				Outcome:   audit.OutcomeRateLimited,
			})
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
			WriteError(w, http.StatusTooManyRequests, "too many requests, try again later")
		})
	}
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// RequestLog writes one line per request with its status and latency.
func RequestLog(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

// ClientIP returns the caller address without port. RealIP has already
// rewritten RemoteAddr when a trusted proxy forwarded the request.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func WriteError(w http.ResponseWriter, code int, msg string) {
	WriteJSON(w, code, errorBody{Error: msg})
}

func WriteJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
