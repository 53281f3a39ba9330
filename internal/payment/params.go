package payment

import (
	"time"
)

// Wire names of the provider parameters.
const (
	paramPrefix = "vnp_"

	ParamVersion           = "vnp_Version"
	ParamCommand           = "vnp_Command"
	ParamTmnCode           = "vnp_TmnCode"
	ParamAmount            = "vnp_Amount"
	ParamCurrCode          = "vnp_CurrCode"
	ParamTxnRef            = "vnp_TxnRef"
	ParamOrderInfo         = "vnp_OrderInfo"
	ParamOrderType         = "vnp_OrderType"
	ParamLocale            = "vnp_Locale"
	ParamReturnURL         = "vnp_ReturnUrl"
	ParamIPAddr            = "vnp_IpAddr"
	ParamCreateDate        = "vnp_CreateDate"
	ParamExpireDate        = "vnp_ExpireDate"
	ParamBankCode          = "vnp_BankCode"
	ParamSecureHash        = "vnp_SecureHash"
	ParamSecureHashType    = "vnp_SecureHashType"
	ParamResponseCode      = "vnp_ResponseCode"
	ParamTransactionStatus = "vnp_TransactionStatus"
	ParamTransactionNo     = "vnp_TransactionNo"
	ParamPayDate           = "vnp_PayDate"
)

const (
	APIVersion     = "2.1.0"
	CommandPay     = "pay"
	CurrencyVND    = "VND"
	BankCodeQR     = "VNPAYQR"
	orderInfoText  = "Thanh toan don hang "
	providerLayout = "20060102150405"
)

// ProviderZone is the fixed GMT+7 zone used for provider timestamps.
var ProviderZone = time.FixedZone("GMT+7", 7*60*60)

// FormatProviderTime renders t in the provider's timestamp layout.
func FormatProviderTime(t time.Time) string {
	return t.In(ProviderZone).Format(providerLayout)
}

// RequestParams is the typed parameter set of an outbound payment request.
type RequestParams struct {
	MerchantCode string
	Amount       int64
	TxnRef       string
	OrderInfo    string
	OrderType    string
	Locale       string
	ReturnURL    string
	IPAddr       string
	CreateDate   time.Time
	QR           *QRParams
}

// QRParams carries the fields only the QR variant sends.
type QRParams struct {
	BankCode   string
	ExpireDate time.Time
}

// Variant reports which flow the parameters describe.
func (p RequestParams) Variant() Variant {
	if p.QR != nil {
		return VariantQR
	}
	return VariantStandard
}

// Encode converts the typed parameters to their wire form.
func (p RequestParams) Encode() Params {
	out := Params{}
	out.Set(ParamVersion, APIVersion)
	out.Set(ParamCommand, CommandPay)
	out.Set(ParamTmnCode, p.MerchantCode)
	out.SetInt(ParamAmount, p.Amount)
	out.Set(ParamCurrCode, CurrencyVND)
	out.Set(ParamTxnRef, p.TxnRef)
	out.Set(ParamOrderInfo, p.OrderInfo)
	out.Set(ParamOrderType, p.OrderType)
	out.Set(ParamLocale, p.Locale)
	out.Set(ParamReturnURL, p.ReturnURL)
	out.Set(ParamIPAddr, p.IPAddr)
	out.Set(ParamCreateDate, FormatProviderTime(p.CreateDate))
	if p.QR != nil {
		out.Set(ParamBankCode, p.QR.BankCode)
		out.Set(ParamExpireDate, FormatProviderTime(p.QR.ExpireDate))
	}
	return out
}
