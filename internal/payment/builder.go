package payment

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pay/internal/common"
	"github.com/noah-isme/toko-pay/internal/obs"
)

// Builder produces signed payment redirect URLs and records the pending attempt.
type Builder struct {
	Config  Config
	Records RecordStore
	Logger  zerolog.Logger
	Now     func() time.Time
}

// BuildResult is returned to the client to start the provider flow.
type BuildResult struct {
	TransactionRef string
	RedirectURL    string
	QRToken        string
	Amount         int64
	ExpiresAt      *time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build signs a payment request for order and persists a PENDING record.
func (b *Builder) Build(ctx context.Context, order Order, variant Variant, clientIP string) (BuildResult, error) {
	var zero BuildResult
	ctx, span := otel.Tracer("payment.Builder").Start(ctx, "PaymentBuilder.Build")
	defer span.End()

	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.variant", variant.String()),
			attribute.String("payment.build.result", result),
		)
		obs.IncCounter(obs.PaymentRequestTotal, variant.String(), result)
	}()

	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		result = "invalid"
		return zero, invalidf("orderId is required")
	}
	if !order.Amount.IsPositive() {
		result = "invalid"
		return zero, invalidf("amount must be positive")
	}
	if err := b.Config.Validate(); err != nil {
		result = "misconfigured"
		b.Logger.Error().Err(err).Msg("payment provider configuration incomplete")
		return zero, err
	}
	if b.Records == nil {
		return zero, configf("payment record store not set")
	}
	cfg := b.Config.WithDefaults()
	signer, err := NewSigner(cfg.HashSecret)
	if err != nil {
		result = "misconfigured"
		return zero, err
	}

	amount, err := ConvertAmount(order.Amount, cfg.ExchangeRate, cfg.MinAmount)
	if err != nil {
		result = "invalid"
		return zero, err
	}
	now := b.now()
	ref := NewTransactionRef(order.ID, now)
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("payment.txn_ref", ref))

	params := RequestParams{
		MerchantCode: cfg.MerchantCode,
		Amount:       amount,
		TxnRef:       ref,
		OrderInfo:    orderInfoText + order.ID,
		OrderType:    cfg.OrderType,
		Locale:       cfg.Locale,
		ReturnURL:    cfg.ReturnURL,
		IPAddr:       providerIP(clientIP),
		CreateDate:   now,
	}
	out := BuildResult{TransactionRef: ref, Amount: amount}
	if variant == VariantQR {
		expires := now.Add(cfg.QRTTL)
		params.QR = &QRParams{BankCode: BankCodeQR, ExpireDate: expires}
		out.ExpiresAt = &expires
	}

	canonical := Canonicalize(params.Encode())
	sig := signer.Sign(canonical)
	out.RedirectURL = cfg.Endpoint(variant) + "?" + canonical + "&" + ParamSecureHash + "=" + sig
	if variant == VariantQR {
		out.QRToken = sig[:QRTokenLength]
	}

	storeCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	rec := Record{
		TransactionRef: ref,
		OrderID:        order.ID,
		Variant:        variant,
		Amount:         amount,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := b.Records.CreatePaymentRecord(storeCtx, rec); err != nil {
		span.RecordError(err)
		return zero, storeErr("create payment record", err)
	}
	result = "success"
	b.Logger.Info().
		Str("order_id", order.ID).
		Str("txn_ref", ref).
		Str("variant", variant.String()).
		Int64("amount", amount).
		Msg("payment request created")
	return out, nil
}

func providerIP(clientIP string) string {
	ip := strings.TrimSpace(clientIP)
	if ip == "" {
		return "127.0.0.1"
	}
	return common.NormaliseIP(ip)
}
