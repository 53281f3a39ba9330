package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/toko-pay/internal/common"
)

// Config selects the bucket for a request and the budget per window.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
	// RejectStatus answers throttled requests. Zero means 429; endpoints whose
	// callers only understand 200 set http.StatusOK.
	RejectStatus int
}

// ByClientIP buckets requests by caller address under prefix.
func ByClientIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string { return prefix + common.ClientIP(r) }
}

// Handler throttles requests with Limiter. Limiter failures let the request
// through and are reported to OnError.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Config.Key == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		h.annotate(w.Header(), remaining, resetAt)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(max(int(time.Until(resetAt).Seconds()), 0)))
		status := h.Config.RejectStatus
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		common.JSONError(w, status, "RATE_LIMITED", "too many requests, please retry later", nil)
	})
}

func (h Handler) annotate(hdr http.Header, remaining int, resetAt time.Time) {
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
