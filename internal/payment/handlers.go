package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pay/internal/common"
	"github.com/noah-isme/toko-pay/internal/obs"
)

// Handler exposes the payment creation and provider callback endpoints.
type Handler struct {
	Config     Config
	Orders     OrderStore
	Builder    *Builder
	Reconciler *Reconciler
	Validate   *validator.Validate
	Logger     zerolog.Logger
}

type createPaymentReq struct {
	OrderID string          `json:"orderId" validate:"required,max=128"`
	Amount  decimal.Decimal `json:"amount"`
	UseQR   bool            `json:"useQR"`
}

type createPaymentResp struct {
	PaymentURL     string     `json:"paymentUrl,omitempty"`
	QRToken        string     `json:"qrToken,omitempty"`
	TransactionRef string     `json:"transactionRef"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type returnResp struct {
	IsSuccess     bool   `json:"isSuccess"`
	Message       string `json:"message"`
	OrderID       string `json:"orderId,omitempty"`
	ResponseCode  string `json:"responseCode,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Code          string `json:"code,omitempty"`
}

func (h *Handler) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &h.Logger
}

var defaultValidate = validator.New(validator.WithRequiredStructEnabled())

func (h *Handler) validate() *validator.Validate {
	if h.Validate != nil {
		return h.Validate
	}
	return defaultValidate
}

// Create builds a signed payment URL for an order. Errors are reported with
// HTTP 200 and an error body so the storefront can render them inline.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Builder == nil || h.Orders == nil {
		common.JSONError(w, http.StatusOK, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	if err := h.Config.Validate(); err != nil {
		h.logger(r.Context()).Error().Err(err).Msg("payment provider configuration incomplete")
		common.JSONAppError(w, http.StatusOK, AppError(err))
		return
	}
	var req createPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusOK, "INVALID_REQUEST", "invalid body", nil)
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if err := h.validate().Struct(req); err != nil {
		common.JSONError(w, http.StatusOK, "INVALID_REQUEST", "orderId is required", nil)
		return
	}
	if !req.Amount.IsPositive() {
		common.JSONError(w, http.StatusOK, "INVALID_REQUEST", "amount must be positive", nil)
		return
	}

	timeout := h.Config.WithDefaults().StoreTimeout
	octx, cancel := context.WithTimeout(r.Context(), timeout)
	order, err := h.Orders.GetOrder(octx, req.OrderID)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.logger(r.Context()).Error().Err(err).Str("order_id", req.OrderID).Msg("load order")
		}
		common.JSONAppError(w, http.StatusOK, AppError(storeErr("load order", err)))
		return
	}
	if !order.Amount.Equal(req.Amount) {
		common.JSONError(w, http.StatusOK, "AMOUNT_MISMATCH", "amount does not match the order total", nil)
		return
	}

	variant := VariantStandard
	if req.UseQR {
		variant = VariantQR
	}
	res, err := h.Builder.Build(r.Context(), order, variant, common.ClientIP(r))
	if err != nil {
		if !errors.Is(err, ErrInvalidRequest) {
			h.logger(r.Context()).Error().Err(err).Str("order_id", order.ID).Msg("build payment request")
		}
		common.JSONAppError(w, http.StatusOK, AppError(err))
		return
	}
	resp := createPaymentResp{
		PaymentURL:     res.RedirectURL,
		QRToken:        res.QRToken,
		TransactionRef: res.TransactionRef,
		ExpiresAt:      res.ExpiresAt,
	}
	common.JSON(w, http.StatusOK, resp)
}

// Return handles the browser redirect back from the provider.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r.Context())
	params, err := ParseCallback(r)
	if err != nil {
		obs.IncCounter(obs.PaymentCallbackTotal, "return", "invalid")
		common.JSON(w, http.StatusBadRequest, returnResp{Message: "invalid callback payload", Code: "INVALID_REQUEST"})
		return
	}
	outcome, err := Verifier{Config: h.Config}.Verify(params)
	switch {
	case errors.Is(err, ErrMissingReference):
		obs.IncCounter(obs.PaymentCallbackTotal, "return", "missing_reference")
		common.JSON(w, http.StatusBadRequest, returnResp{Message: "missing transaction reference", Code: "MISSING_REFERENCE"})
		return
	case err != nil:
		obs.IncCounter(obs.PaymentCallbackTotal, "return", "misconfigured")
		log.Error().Err(err).Msg("cannot verify payment callback")
		common.JSON(w, http.StatusOK, returnResp{Message: "payment verification unavailable", Code: "PAYMENT_NOT_CONFIGURED"})
		return
	}

	resp := returnResp{
		ResponseCode:  string(outcome.ResponseCode),
		TransactionID: outcome.ProviderTxnNo,
	}
	if !outcome.Valid {
		h.signatureFailure(r.Context(), "return", outcome)
		resp.Message = "invalid signature"
		resp.Code = "SIGNATURE_MISMATCH"
		common.JSON(w, http.StatusOK, resp)
		return
	}

	res, err := h.Reconciler.Reconcile(r.Context(), outcome.TransactionRef, outcome, RawParams(params))
	resp.OrderID = res.OrderID
	switch {
	case err == nil, errors.Is(err, ErrOrderSyncPending):
		if err != nil {
			log.Warn().Err(err).Str("txn_ref", outcome.TransactionRef).Msg("order status update deferred")
		}
		obs.IncCounter(obs.PaymentCallbackTotal, "return", strings.ToLower(string(res.Status)))
		resp.IsSuccess = res.Status == StatusSuccess
		resp.ResponseCode = string(res.ResponseCode)
		resp.Message = res.ResponseCode.Message()
	default:
		appErr := AppError(err)
		obs.IncCounter(obs.PaymentCallbackTotal, "return", strings.ToLower(appErr.Code))
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAmountMismatch) {
			log.Error().Err(err).Str("txn_ref", outcome.TransactionRef).Msg("reconcile payment callback")
		}
		resp.Code = appErr.Code
		resp.Message = appErr.Message
	}
	common.JSON(w, http.StatusOK, resp)
}

// IPN handles the provider's server-to-server notification and answers with
// the acknowledgement codes the provider expects.
func (h *Handler) IPN(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r.Context())
	ack := func(code, msg string) {
		obs.IncCounter(obs.PaymentCallbackTotal, "ipn", code)
		common.JSON(w, http.StatusOK, IPNAck{RspCode: code, Message: msg})
	}
	params, err := ParseCallback(r)
	if err != nil {
		ack(IPNUnknownError, "Invalid request")
		return
	}
	outcome, err := Verifier{Config: h.Config}.Verify(params)
	switch {
	case errors.Is(err, ErrMissingReference):
		ack(IPNOrderNotFound, "Order not found")
		return
	case err != nil:
		log.Error().Err(err).Msg("cannot verify payment notification")
		ack(IPNUnknownError, "Unknown error")
		return
	}
	if !outcome.Valid {
		h.signatureFailure(r.Context(), "ipn", outcome)
		ack(IPNInvalidSignature, "Invalid signature")
		return
	}

	res, err := h.Reconciler.Reconcile(r.Context(), outcome.TransactionRef, outcome, RawParams(params))
	switch {
	case errors.Is(err, ErrNotFound):
		ack(IPNOrderNotFound, "Order not found")
	case errors.Is(err, ErrAmountMismatch):
		ack(IPNInvalidAmount, "Invalid amount")
	case err != nil && !errors.Is(err, ErrOrderSyncPending):
		log.Error().Err(err).Str("txn_ref", outcome.TransactionRef).Msg("reconcile payment notification")
		ack(IPNUnknownError, "Unknown error")
	case res.Replayed:
		ack(IPNAlreadyConfirmed, "Order already confirmed")
	default:
		ack(IPNConfirmed, "Confirm Success")
	}
}

func (h *Handler) signatureFailure(ctx context.Context, source string, outcome VerifiedOutcome) {
	if obs.PaymentSignatureFailures != nil {
		obs.PaymentSignatureFailures.Inc()
	}
	obs.IncCounter(obs.PaymentCallbackTotal, source, "invalid_signature")
	h.logger(ctx).Warn().
		Str("event", "security").
		Str("source", source).
		Str("txn_ref", outcome.TransactionRef).
		Err(ErrSignatureMismatch).
		Msg("payment callback signature mismatch")
}
