package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/noah-isme/toko-pay/internal/common"
)

var (
	// ErrInvalidRequest reports malformed or missing input to request building.
	ErrInvalidRequest = errors.New("payment: invalid request")
	// ErrConfiguration reports a missing merchant code, secret or return URL.
	ErrConfiguration = errors.New("payment: configuration error")
	// ErrMissingReference is returned when a callback carries no transaction reference.
	ErrMissingReference = errors.New("payment: missing transaction reference")
	// ErrNotFound is returned when an order or payment record does not exist.
	ErrNotFound = errors.New("payment: not found")
	// ErrSignatureMismatch marks a callback whose signature failed verification.
	ErrSignatureMismatch = errors.New("payment: signature mismatch")
	// ErrAmountMismatch marks a signed callback whose amount differs from the stored request.
	ErrAmountMismatch = errors.New("payment: amount mismatch")
	// ErrUpstreamUnavailable is returned when a datastore round-trip times out.
	ErrUpstreamUnavailable = errors.New("payment: upstream unavailable")
	// ErrOrderSyncPending means the payment record is terminal but the order
	// status could not be updated yet; a retry has been scheduled.
	ErrOrderSyncPending = errors.New("payment: order status sync pending")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// storeErr converts datastore deadline errors into ErrUpstreamUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AppError maps payment errors onto the API error envelope.
func AppError(err error) *common.AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidRequest):
		return common.NewAppError("INVALID_REQUEST", trimPrefix(err), http.StatusBadRequest, err)
	case errors.Is(err, ErrConfiguration):
		return common.NewAppError("PAYMENT_NOT_CONFIGURED", "payment gateway is not configured", http.StatusInternalServerError, err)
	case errors.Is(err, ErrMissingReference):
		return common.NewAppError("MISSING_REFERENCE", "transaction reference is required", http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", "transaction or order not found", http.StatusNotFound, err)
	case errors.Is(err, ErrSignatureMismatch):
		return common.NewAppError("SIGNATURE_MISMATCH", "invalid signature", http.StatusUnauthorized, err)
	case errors.Is(err, ErrAmountMismatch):
		return common.NewAppError("AMOUNT_MISMATCH", "amount does not match the payment request", http.StatusBadRequest, err)
	case errors.Is(err, ErrUpstreamUnavailable):
		return common.NewAppError("UPSTREAM_UNAVAILABLE", "payment store temporarily unavailable", http.StatusServiceUnavailable, err)
	default:
		return common.AsAppError(err)
	}
}

func trimPrefix(err error) string {
	msg := err.Error()
	prefix := ErrInvalidRequest.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
