package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const maxCallbackBody = 64 << 10

// VerifiedOutcome is the result of checking a provider callback.
type VerifiedOutcome struct {
	Valid             bool
	TransactionRef    string
	ResponseCode      ResponseCode
	TransactionStatus string
	Amount            int64
	ProviderTxnNo     string
	BankCode          string
	PayDate           string
	Status            Status
}

// Verifier checks callback signatures with the configured hash secret.
type Verifier struct {
	Config Config
}

// Verify recomputes the signature over the vnp_ parameters of values and
// derives the payment outcome. An invalid signature is reported through
// Valid=false with Status FAILED, not as an error.
func (v Verifier) Verify(values url.Values) (VerifiedOutcome, error) {
	var out VerifiedOutcome
	signer, err := NewSigner(v.Config.HashSecret)
	if err != nil {
		return out, err
	}
	out.TransactionRef = strings.TrimSpace(values.Get(ParamTxnRef))
	if out.TransactionRef == "" {
		return out, ErrMissingReference
	}
	out.ResponseCode = ResponseCode(values.Get(ParamResponseCode))
	out.TransactionStatus = values.Get(ParamTransactionStatus)
	out.ProviderTxnNo = values.Get(ParamTransactionNo)
	out.BankCode = values.Get(ParamBankCode)
	out.PayDate = values.Get(ParamPayDate)
	out.Status = StatusFailed

	amountOK := true
	if raw := values.Get(ParamAmount); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			amountOK = false
		} else {
			out.Amount = n
		}
	}

	canonical := Canonicalize(signedParams(values))
	out.Valid = signer.Verify(canonical, values.Get(ParamSecureHash))
	if !out.Valid {
		return out, nil
	}
	txnOK := out.TransactionStatus == "" || out.TransactionStatus == string(ResponseSuccess)
	if amountOK && txnOK && out.ResponseCode == ResponseSuccess {
		out.Status = StatusSuccess
	}
	return out, nil
}

// ParseCallback collects callback parameters from the query string and, for
// requests with a body, from a form or JSON payload. Query values take precedence.
func ParseCallback(r *http.Request) (url.Values, error) {
	values := url.Values{}
	for k, vs := range r.URL.Query() {
		values[k] = append([]string(nil), vs...)
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return values, nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrInvalidRequest, err)
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return values, nil
		}
		var payload map[string]any
		dec := json.NewDecoder(strings.NewReader(string(body)))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidRequest, err)
		}
		for k, raw := range payload {
			if _, exists := values[k]; exists {
				continue
			}
			if s, ok := jsonScalar(raw); ok {
				values.Set(k, s)
			}
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(nil, r.Body, maxCallbackBody)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: parse form: %v", ErrInvalidRequest, err)
		}
		for k, vs := range r.PostForm {
			if _, exists := values[k]; exists || len(vs) == 0 {
				continue
			}
			values[k] = append([]string(nil), vs...)
		}
	}
	return values, nil
}

func jsonScalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// RawParams flattens callback values for storage alongside the record.
func RawParams(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
