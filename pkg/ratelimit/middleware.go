package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"

	apierrors "github.com/eduardc77/shopauth/pkg/errors"
)

// Middleware throttles requests per client IP. It sits in front of the
// credential endpoints to slow down guessing that spreads across many
// accounts, complementing the per-account lockout.
type Middleware struct {
	limiter *Limiter
}

type Option func(*Middleware)

// New builds a middleware allowing burst requests immediately and
// perMinute sustained requests per client IP.
func New(burst, perMinute int) *Middleware {
	return &Middleware{
		limiter: NewLimiter(burst, float64(perMinute)/60.0, 10*time.Minute),
	}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := m.limiter.Allow(clientIP(r))
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, apierrors.ErrorBody{Error: apierrors.ErrorDetail{
				Code:    apierrors.ErrCodeRateLimited,
				Message: "too many requests",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP trusts X-Forwarded-For only for its first hop; chi's RealIP
// middleware normally runs first and rewrites RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
