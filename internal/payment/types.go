package payment

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// OrderPaymentStatus maps the record status onto the order's payment status.
func (s Status) OrderPaymentStatus() OrderPaymentStatus {
	switch s {
	case StatusSuccess:
		return OrderPaid
	case StatusFailed:
		return OrderFailed
	default:
		return OrderPending
	}
}

// OrderPaymentStatus is the payment status field owned by the external order store.
type OrderPaymentStatus string

const (
	OrderPending OrderPaymentStatus = "pending"
	OrderPaid    OrderPaymentStatus = "paid"
	OrderFailed  OrderPaymentStatus = "failed"
)

// Variant selects the provider flow.
type Variant int

const (
	VariantStandard Variant = iota
	VariantQR
)

func (v Variant) String() string {
	if v == VariantQR {
		return "qr"
	}
	return "standard"
}

// ParseVariant decodes the persisted variant label.
func ParseVariant(s string) Variant {
	if strings.EqualFold(strings.TrimSpace(s), "qr") {
		return VariantQR
	}
	return VariantStandard
}

// Order is the subset of the external order record the payment flow reads.
type Order struct {
	ID            string
	Amount        decimal.Decimal
	AnonymousID   string
	PaymentStatus OrderPaymentStatus
}

// Record is the persisted state of one payment attempt, keyed by transaction reference.
type Record struct {
	TransactionRef string
	OrderID        string
	Variant        Variant
	Amount         int64
	Status         Status
	ResponseCode   ResponseCode
	RawResponse    map[string]string
	VerifiedAt     *time.Time
	OrderSynced    bool
	// RelocationScheduled is set once the asset relocation task for a
	// successful payment has been queued.
	RelocationScheduled bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transition describes the terminal state applied to a pending record.
type Transition struct {
	Status       Status
	ResponseCode ResponseCode
	RawResponse  map[string]string
	VerifiedAt   time.Time
}

// OrderStore is the external order collaborator.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	UpdateOrderPaymentStatus(ctx context.Context, orderID string, status OrderPaymentStatus) error
}

// RecordStore persists payment records.
type RecordStore interface {
	CreatePaymentRecord(ctx context.Context, rec Record) error
	FindPaymentRecordByRef(ctx context.Context, ref string) (Record, error)
	// UpdatePaymentRecord applies t only when the record is still PENDING. It
	// returns the record as stored after the call and whether t was applied.
	UpdatePaymentRecord(ctx context.Context, ref string, t Transition) (Record, bool, error)
	MarkOrderSynced(ctx context.Context, ref string) error
	MarkRelocationScheduled(ctx context.Context, ref string) error
	// ListUnsyncedRecords returns terminal records last updated before
	// updatedBefore that still owe follow-up work: an order status update, or
	// for SUCCESS records the asset relocation task.
	ListUnsyncedRecords(ctx context.Context, updatedBefore time.Time, limit int) ([]Record, error)
}
