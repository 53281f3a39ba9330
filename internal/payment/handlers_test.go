package payment_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/common"
	"github.com/noah-isme/toko-pay/internal/payment"
)

func newHandler(store *memStore, cfg payment.Config) *payment.Handler {
	r, _, _ := newReconciler(store)
	b := newBuilder(store, cfg)
	var tick atomic.Int64
	b.Now = func() time.Time { return fixedNow.Add(time.Duration(tick.Add(1)) * time.Second) }
	return &payment.Handler{
		Config:     cfg,
		Orders:     store,
		Builder:    b,
		Reconciler: r,
		Logger:     zerolog.Nop(),
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func postCreate(t *testing.T, h *payment.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/vnpay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "[::1]:51234"
	rr := httptest.NewRecorder()
	h.Create(rr, req)
	return rr
}

func TestCreateHandler(t *testing.T) {
	store := newMemStore()
	store.addOrder("ORD-1", "10.00", "")
	h := newHandler(store, testConfig())

	rr := postCreate(t, h, `{"orderId":"ORD-1","amount":10}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		PaymentURL     string     `json:"paymentUrl"`
		QRToken        string     `json:"qrToken"`
		TransactionRef string     `json:"transactionRef"`
		ExpiresAt      *time.Time `json:"expiresAt"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.True(t, strings.HasPrefix(resp.PaymentURL, "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?"))
	require.Contains(t, resp.PaymentURL, "vnp_IpAddr=127.0.0.1")
	require.NotEmpty(t, resp.TransactionRef)
	require.Empty(t, resp.QRToken)
	require.Nil(t, resp.ExpiresAt)

	rr = postCreate(t, h, `{"orderId":"ORD-1","amount":"10.00","useQR":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.QRToken, payment.QRTokenLength)
	require.NotNil(t, resp.ExpiresAt)
}

func TestCreateHandlerErrors(t *testing.T) {
	store := newMemStore()
	store.addOrder("ORD-1", "10.00", "")

	cases := []struct {
		name string
		cfg  payment.Config
		body string
		code string
	}{
		{"zero amount", testConfig(), `{"orderId":"ORD-1","amount":0}`, "INVALID_REQUEST"},
		{"missing order id", testConfig(), `{"amount":10}`, "INVALID_REQUEST"},
		{"malformed body", testConfig(), `{"orderId":`, "INVALID_REQUEST"},
		{"unknown order", testConfig(), `{"orderId":"ORD-404","amount":10}`, "NOT_FOUND"},
		{"amount differs from order", testConfig(), `{"orderId":"ORD-1","amount":9.99}`, "AMOUNT_MISMATCH"},
		{"not configured", payment.Config{}, `{"orderId":"ORD-1","amount":10}`, "PAYMENT_NOT_CONFIGURED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postCreate(t, newHandler(store, tc.cfg), tc.body)
			require.Equal(t, http.StatusOK, rr.Code)
			var env errorEnvelope
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
			require.Equal(t, tc.code, env.Error.Code)
		})
	}
	require.Zero(t, store.recordCreates)
}

type returnBody struct {
	IsSuccess     bool   `json:"isSuccess"`
	Message       string `json:"message"`
	OrderID       string `json:"orderId"`
	ResponseCode  string `json:"responseCode"`
	TransactionID string `json:"transactionId"`
	Code          string `json:"code"`
}

func getReturn(t *testing.T, h *payment.Handler, values url.Values) (int, returnBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/vnpay/return?"+values.Encode(), nil)
	rr := httptest.NewRecorder()
	h.Return(rr, req)
	var body returnBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return rr.Code, body
}

func TestCreateBehindIdempotencyDoesNotReplayTransientErrors(t *testing.T) {
	_, client := newRedis(t)
	store := newMemStore()
	store.addOrder("ORD-1", "10.00", "")
	store.failOrderReads = 1
	h := newHandler(store, testConfig())
	create := common.Idem{R: client}.Middleware(http.HandlerFunc(h.Create))

	post := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/vnpay", strings.NewReader(`{"orderId":"ORD-1","amount":10}`))
		req.Header.Set("Idempotency-Key", key)
		req.RemoteAddr = "198.51.100.4:40000"
		rr := httptest.NewRecorder()
		create.ServeHTTP(rr, req)
		return rr
	}

	rr := post("k1")
	require.Equal(t, http.StatusOK, rr.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.Equal(t, "UPSTREAM_UNAVAILABLE", env.Error.Code)
	require.Empty(t, rr.Header().Get(common.HeaderIdempotencyNoStore))

	rr = post("k1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("Idempotent-Replayed"))
	var ok struct {
		PaymentURL string `json:"paymentUrl"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ok))
	require.NotEmpty(t, ok.PaymentURL)

	replayed := post("k1")
	require.Equal(t, "true", replayed.Header().Get("Idempotent-Replayed"))
	require.Equal(t, rr.Body.String(), replayed.Body.String())
}

func TestReturnHandlerEndToEnd(t *testing.T) {
	store := newMemStore()
	order := store.addOrder("ORD-1", "10.00", "")
	h := newHandler(store, testConfig())

	res, err := h.Builder.Build(t.Context(), order, payment.VariantStandard, "127.0.0.1")
	require.NoError(t, err)

	status, body := getReturn(t, h, signedCallback(testSecret, callbackParams(res.TransactionRef, res.Amount, "00")))
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.IsSuccess)
	require.Equal(t, "ORD-1", body.OrderID)
	require.Equal(t, "00", body.ResponseCode)
	require.Equal(t, "14012345", body.TransactionID)
	require.Equal(t, "Transaction successful", body.Message)
	require.Equal(t, payment.OrderPaid, store.order("ORD-1").PaymentStatus)
}

func TestReturnHandlerFailures(t *testing.T) {
	store := newMemStore()
	store.addOrder("ORD-2", "10.00", "")
	store.addRecord(pendingRecord("REF-2", "ORD-2", 25_000_000))
	store.addRecord(pendingRecord("REF-3", "ORD-2", 25_000_000))
	h := newHandler(store, testConfig())

	status, body := getReturn(t, h, signedCallback(testSecret, callbackParams("REF-2", 25_000_000, "24")))
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.IsSuccess)
	require.Equal(t, "24", body.ResponseCode)
	require.Equal(t, payment.OrderFailed, store.order("ORD-2").PaymentStatus)

	tampered := signedCallback(testSecret, callbackParams("REF-3", 25_000_000, "24"))
	tampered.Set(payment.ParamResponseCode, "00")
	status, body = getReturn(t, h, tampered)
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.IsSuccess)
	require.Equal(t, "SIGNATURE_MISMATCH", body.Code)
	require.Equal(t, payment.StatusPending, store.record("REF-3").Status)

	status, body = getReturn(t, h, signedCallback(testSecret, callbackParams("REF-404", 25_000_000, "00")))
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.IsSuccess)
	require.Equal(t, "NOT_FOUND", body.Code)

	status, body = getReturn(t, h, url.Values{payment.ParamResponseCode: {"00"}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "MISSING_REFERENCE", body.Code)
}

func TestIPNHandlerCodes(t *testing.T) {
	store := newMemStore()
	store.addOrder("ORD-9", "10.00", "")
	store.addRecord(pendingRecord("REF-9", "ORD-9", 25_000_000))
	store.addRecord(pendingRecord("REF-10", "ORD-9", 25_000_000))
	h := newHandler(store, testConfig())

	ipn := func(values url.Values) payment.IPNAck {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/vnpay/ipn?"+values.Encode(), nil)
		rr := httptest.NewRecorder()
		h.IPN(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		var ack payment.IPNAck
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&ack))
		return ack
	}

	valid := signedCallback(testSecret, callbackParams("REF-9", 25_000_000, "00"))
	require.Equal(t, payment.IPNConfirmed, ipn(valid).RspCode)
	require.Equal(t, payment.IPNAlreadyConfirmed, ipn(valid).RspCode)

	tampered := signedCallback(testSecret, callbackParams("REF-10", 25_000_000, "00"))
	tampered.Set(payment.ParamTransactionNo, "1")
	require.Equal(t, payment.IPNInvalidSignature, ipn(tampered).RspCode)

	require.Equal(t, payment.IPNInvalidAmount, ipn(signedCallback(testSecret, callbackParams("REF-10", 100, "00"))).RspCode)
	require.Equal(t, payment.IPNOrderNotFound, ipn(signedCallback(testSecret, callbackParams("REF-404", 100, "00"))).RspCode)
	require.Equal(t, payment.IPNOrderNotFound, ipn(url.Values{}).RspCode)

	misconfigured := newHandler(store, payment.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/vnpay/ipn?"+valid.Encode(), nil)
	rr := httptest.NewRecorder()
	misconfigured.IPN(rr, req)
	require.Contains(t, rr.Body.String(), `"RspCode":"99"`)
}
