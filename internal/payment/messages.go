package payment

// ResponseCode is the provider's vnp_ResponseCode.
type ResponseCode string

const ResponseSuccess ResponseCode = "00"

var responseMessages = map[ResponseCode]string{
	"00": "Transaction successful",
	"07": "Amount deducted; transaction flagged as suspicious",
	"09": "Card or account is not registered for internet banking",
	"10": "Card or account authentication failed more than 3 times",
	"11": "Payment window expired",
	"12": "Card or account is locked",
	"13": "Incorrect OTP",
	"24": "Transaction cancelled by customer",
	"51": "Insufficient balance",
	"65": "Daily transaction limit exceeded",
	"75": "Issuing bank is under maintenance",
	"79": "Incorrect payment password entered too many times",
	"99": "Unknown error",
}

// Message returns a human readable description of the code.
func (c ResponseCode) Message() string {
	if msg, ok := responseMessages[c]; ok {
		return msg
	}
	if c == "" {
		return "No response code"
	}
	return "Transaction failed with code " + string(c)
}

// IPN acknowledgement codes expected by the provider.
const (
	IPNConfirmed        = "00"
	IPNOrderNotFound    = "01"
	IPNAlreadyConfirmed = "02"
	IPNInvalidAmount    = "04"
	IPNInvalidSignature = "97"
	IPNUnknownError     = "99"
)

// IPNAck is the body the provider expects from the IPN endpoint.
type IPNAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}
