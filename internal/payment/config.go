package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects the provider's default endpoints.
type Environment string

const (
	EnvSandbox Environment = "sandbox"
	EnvLive    Environment = "live"
)

const (
	sandboxPaymentURL = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
	sandboxQRURL      = "https://sandbox.vnpayment.vn/paymentv2/Transaction/PaymentMethod.html"
	livePaymentURL    = "https://pay.vnpay.vn/vpcpay.html"
	liveQRURL         = "https://pay.vnpay.vn/Transaction/PaymentMethod.html"

	DefaultQRTTL        = 15 * time.Minute
	DefaultStoreTimeout = 3 * time.Second
	DefaultLocale       = "vn"
	DefaultOrderType    = "other"

	// QRTokenLength is the number of signature hex characters exposed as the QR token.
	QRTokenLength = 32
)

// Config is the provider configuration handed explicitly to the builder,
// verifier and handlers.
type Config struct {
	MerchantCode string
	HashSecret   string
	PaymentURL   string
	QRURL        string
	ReturnURL    string
	Environment  Environment
	ExchangeRate decimal.Decimal
	MinAmount    int64
	QRTTL        time.Duration
	Locale       string
	OrderType    string
	StoreTimeout time.Duration
}

// Validate reports the missing keys required to sign requests.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.MerchantCode) == "" {
		missing = append(missing, "merchant code")
	}
	if strings.TrimSpace(c.HashSecret) == "" {
		missing = append(missing, "hash secret")
	}
	if strings.TrimSpace(c.ReturnURL) == "" {
		missing = append(missing, "return url")
	}
	if len(missing) > 0 {
		return configf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// WithDefaults fills zero values with the provider defaults.
func (c Config) WithDefaults() Config {
	if c.Environment != EnvLive {
		c.Environment = EnvSandbox
	}
	if c.PaymentURL == "" {
		c.PaymentURL = sandboxPaymentURL
		if c.Environment == EnvLive {
			c.PaymentURL = livePaymentURL
		}
	}
	if c.QRURL == "" {
		c.QRURL = sandboxQRURL
		if c.Environment == EnvLive {
			c.QRURL = liveQRURL
		}
	}
	if !c.ExchangeRate.IsPositive() {
		c.ExchangeRate = DefaultExchangeRate
	}
	if c.MinAmount <= 0 {
		c.MinAmount = DefaultMinAmount
	}
	if c.QRTTL <= 0 {
		c.QRTTL = DefaultQRTTL
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.OrderType == "" {
		c.OrderType = DefaultOrderType
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// Endpoint returns the provider page for variant.
func (c Config) Endpoint(v Variant) string {
	c = c.WithDefaults()
	if v == VariantQR {
		return c.QRURL
	}
	return c.PaymentURL
}
