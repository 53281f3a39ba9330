package common_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/common"
)

func TestClientIPNormalisesLoopback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:5555"
	require.Equal(t, "127.0.0.1", common.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	require.Equal(t, "127.0.0.1", common.ClientIP(req))
}

func TestRealIPHonoursOnlyTrustedProxies(t *testing.T) {
	trusted, err := common.ParseTrustedProxies([]string{"10.0.0.0/8", "::1"})
	require.NoError(t, err)

	var seen string
	h := trusted.RealIP(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = common.ClientIP(r)
	}))
	serve := func(remote, xff, realIP string) string {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/vnpay", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		if realIP != "" {
			req.Header.Set("X-Real-IP", realIP)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		return seen
	}

	// Direct callers cannot pick their own address.
	require.Equal(t, "198.51.100.9", serve("198.51.100.9:4000", "203.0.113.7", ""))
	require.Equal(t, "198.51.100.9", serve("198.51.100.9:4000", "", "203.0.113.7"))

	// Behind the proxy the rightmost untrusted hop is the client, so a value
	// the client prepended is ignored.
	require.Equal(t, "203.0.113.7", serve("10.1.2.3:4000", "1.1.1.1, 203.0.113.7, 10.9.9.9", ""))
	require.Equal(t, "203.0.113.8", serve("[::1]:4000", "", "203.0.113.8"))
	require.Equal(t, "10.1.2.3", serve("10.1.2.3:4000", "not-an-ip", ""))

	_, err = common.ParseTrustedProxies([]string{"10.0.0.0/33"})
	require.Error(t, err)
}

func TestAsAppErrorHidesInternalErrors(t *testing.T) {
	appErr := common.AsAppError(errors.New("pq: connection refused"))
	require.Equal(t, "INTERNAL", appErr.Code)
	require.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)

	typed := common.NewAppError("INVALID_REQUEST", "bad", http.StatusBadRequest, nil)
	require.Same(t, typed, common.AsAppError(typed))
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var calls atomic.Int32
	handler := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		common.JSON(w, http.StatusOK, map[string]string{"paymentUrl": "https://pay.example/1"})
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/vnpay", nil)
	req.Header.Set("Idempotency-Key", "abc")
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/payments/vnpay", nil)
	req2.Header.Set("Idempotency-Key", "abc")
	handler.ServeHTTP(second, req2)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.EqualValues(t, 1, calls.Load())
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=500&page=3", nil)
	limit, offset := common.ParsePagination(req, 20, 100)
	require.Equal(t, 100, limit)
	require.Equal(t, 200, offset)
}

func TestIdempotencySkipsRetryableErrorsReportedAs200(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var calls atomic.Int32
	handler := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			common.JSONAppError(w, http.StatusOK, common.NewAppError("UPSTREAM_UNAVAILABLE", "try again", http.StatusServiceUnavailable, nil))
		case 2:
			common.JSONAppError(w, http.StatusOK, common.NewAppError("INVALID_REQUEST", "bad", http.StatusBadRequest, nil))
		default:
			common.JSON(w, http.StatusOK, map[string]string{"paymentUrl": "https://pay.example/1"})
		}
	}))
	send := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/vnpay", nil)
		req.Header.Set("Idempotency-Key", "retry-me")
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	require.Contains(t, first.Body.String(), "UPSTREAM_UNAVAILABLE")
	require.Empty(t, first.Header().Get(common.HeaderIdempotencyNoStore))

	second := send()
	require.Contains(t, second.Body.String(), "INVALID_REQUEST")
	require.Empty(t, second.Header().Get("Idempotent-Replayed"))

	third := send()
	require.Equal(t, "true", third.Header().Get("Idempotent-Replayed"))
	require.Equal(t, second.Body.String(), third.Body.String())
	require.EqualValues(t, 2, calls.Load())
}
