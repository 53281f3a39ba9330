package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pay/internal/events"
	"github.com/noah-isme/toko-pay/internal/obs"
)

// EventEmitter publishes domain events after a state transition.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// OrderSyncScheduler queues a later order status update for a payment record.
type OrderSyncScheduler interface {
	ScheduleOrderSync(ctx context.Context, transactionRef string) error
}

// RelocationScheduler queues the asset relocation for a paid order.
type RelocationScheduler interface {
	ScheduleAssetRelocation(ctx context.Context, orderID string) error
}

// Reconciler applies verified callback outcomes to payment records and orders.
type Reconciler struct {
	Records      RecordStore
	Orders       OrderStore
	Events       EventEmitter
	Retry        OrderSyncScheduler
	Relocation   RelocationScheduler
	StoreTimeout time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// ReconcileResult reports the stored state of the payment after reconciliation.
type ReconcileResult struct {
	TransactionRef string
	OrderID        string
	Status         Status
	ResponseCode   ResponseCode
	// Applied is true only for the call that moved the record out of PENDING.
	Applied bool
	// Replayed is true when the record was already terminal.
	Replayed    bool
	OrderSynced bool
}

// PaymentEvent is the payload of payment.succeeded and payment.failed.
type PaymentEvent struct {
	TransactionRef string       `json:"transactionRef"`
	OrderID        string       `json:"orderId"`
	Status         Status       `json:"status"`
	ResponseCode   ResponseCode `json:"responseCode"`
	Amount         int64        `json:"amount"`
}

func resultFromRecord(rec Record) ReconcileResult {
	return ReconcileResult{
		TransactionRef: rec.TransactionRef,
		OrderID:        rec.OrderID,
		Status:         rec.Status,
		ResponseCode:   rec.ResponseCode,
		OrderSynced:    rec.OrderSynced,
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Reconcile applies outcome to the record identified by ref. Repeated calls
// for a terminal record return the stored result without further writes.
func (r *Reconciler) Reconcile(ctx context.Context, ref string, outcome VerifiedOutcome, raw map[string]string) (ReconcileResult, error) {
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "PaymentReconciler.Reconcile")
	defer span.End()

	start := time.Now()
	status := "unknown"
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.txn_ref", ref),
			attribute.String("payment.reconcile.status", status),
			attribute.String("payment.reconcile.result", result),
		)
		obs.IncCounter(obs.PaymentReconcileTotal, status, result)
		if obs.PaymentReconcileLatency != nil {
			obs.PaymentReconcileLatency.Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	if ref == "" {
		return ReconcileResult{}, ErrMissingReference
	}
	log := r.Logger.With().Str("txn_ref", ref).Logger()
	if !outcome.Valid {
		result = "rejected"
		log.Warn().Str("event", "security").Msg("refusing to reconcile callback with invalid signature")
		return ReconcileResult{TransactionRef: ref, Status: StatusFailed, ResponseCode: outcome.ResponseCode}, ErrSignatureMismatch
	}

	sctx, cancel := r.storeCtx(ctx)
	rec, err := r.Records.FindPaymentRecordByRef(sctx, ref)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result = "not_found"
		}
		return ReconcileResult{TransactionRef: ref}, storeErr("find payment record", err)
	}

	if rec.Status.Terminal() {
		status = string(rec.Status)
		result = "replayed"
		res := resultFromRecord(rec)
		res.Replayed = true
		bg := context.WithoutCancel(ctx)
		_ = r.scheduleRelocation(bg, rec, "replay")
		if !rec.OrderSynced && r.syncSettled(rec) {
			if err := r.syncOrder(bg, rec, "replay"); err != nil {
				return res, err
			}
			res.OrderSynced = true
		}
		return res, nil
	}

	if rec.Amount > 0 && outcome.Amount > 0 && rec.Amount != outcome.Amount {
		result = "amount_mismatch"
		log.Warn().
			Str("event", "security").
			Int64("expected_amount", rec.Amount).
			Int64("callback_amount", outcome.Amount).
			Msg("callback amount differs from payment request")
		return resultFromRecord(rec), ErrAmountMismatch
	}

	transition := Transition{
		Status:       outcome.Status,
		ResponseCode: outcome.ResponseCode,
		RawResponse:  raw,
		VerifiedAt:   r.now(),
	}
	if transition.Status != StatusSuccess {
		transition.Status = StatusFailed
	}
	sctx, cancel = r.storeCtx(ctx)
	current, applied, err := r.Records.UpdatePaymentRecord(sctx, ref, transition)
	cancel()
	if err != nil {
		span.RecordError(err)
		return resultFromRecord(rec), storeErr("update payment record", err)
	}
	status = string(current.Status)
	res := resultFromRecord(current)
	if !applied {
		result = "replayed"
		res.Replayed = true
		return res, nil
	}
	res.Applied = true
	result = "applied"
	log.Info().Str("order_id", current.OrderID).Str("status", string(current.Status)).Msg("payment record reconciled")

	// The record is committed; the follow-up writes must not be abandoned
	// when the caller goes away. Each one is still bounded by StoreTimeout.
	bg := context.WithoutCancel(ctx)
	syncErr := r.syncOrder(bg, current, "callback")
	res.OrderSynced = syncErr == nil
	_ = r.scheduleRelocation(bg, current, "callback")
	r.emit(bg, current)
	return res, syncErr
}

// syncSettled reports whether the winning callback's own order update has
// had time to finish, so a replay does not race it.
func (r *Reconciler) syncSettled(rec Record) bool {
	if rec.VerifiedAt == nil {
		return true
	}
	timeout := r.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return r.now().Sub(*rec.VerifiedAt) >= timeout
}

// SyncOrder re-applies the order payment status for a terminal record that
// has not been synchronised yet. It is a no-op for pending or synced records.
func (r *Reconciler) SyncOrder(ctx context.Context, ref, source string) error {
	sctx, cancel := r.storeCtx(ctx)
	rec, err := r.Records.FindPaymentRecordByRef(sctx, ref)
	cancel()
	if err != nil {
		return storeErr("find payment record", err)
	}
	if !rec.Status.Terminal() || rec.OrderSynced {
		return nil
	}
	if err := r.updateOrder(ctx, rec); err != nil {
		obs.IncCounter(obs.OrderSyncTotal, source, "error")
		return err
	}
	obs.IncCounter(obs.OrderSyncTotal, source, "success")
	return nil
}

// Resume finishes the follow-up work a terminal record still owes: the order
// status update and, for successful payments, the asset relocation task.
func (r *Reconciler) Resume(ctx context.Context, ref, source string) error {
	sctx, cancel := r.storeCtx(ctx)
	rec, err := r.Records.FindPaymentRecordByRef(sctx, ref)
	cancel()
	if err != nil {
		return storeErr("find payment record", err)
	}
	if !rec.Status.Terminal() {
		return nil
	}
	var syncErr error
	if !rec.OrderSynced {
		if syncErr = r.updateOrder(ctx, rec); syncErr != nil {
			obs.IncCounter(obs.OrderSyncTotal, source, "error")
		} else {
			obs.IncCounter(obs.OrderSyncTotal, source, "success")
		}
	}
	if err := r.scheduleRelocation(ctx, rec, source); err != nil && syncErr == nil {
		return err
	}
	return syncErr
}

// scheduleRelocation queues the asset relocation for a successful payment
// and records that it was queued. Failures are logged and left for the sweep.
func (r *Reconciler) scheduleRelocation(ctx context.Context, rec Record, source string) error {
	if r.Relocation == nil || rec.Status != StatusSuccess || rec.RelocationScheduled {
		return nil
	}
	log := r.Logger.With().Str("txn_ref", rec.TransactionRef).Str("order_id", rec.OrderID).Str("source", source).Logger()
	if err := r.Relocation.ScheduleAssetRelocation(ctx, rec.OrderID); err != nil {
		log.Error().Err(err).Msg("schedule asset relocation")
		return fmt.Errorf("schedule asset relocation: %w", err)
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.Records.MarkRelocationScheduled(sctx, rec.TransactionRef); err != nil {
		log.Error().Err(err).Msg("mark asset relocation scheduled")
		return storeErr("mark relocation scheduled", err)
	}
	return nil
}

// syncOrder updates the order and, on failure, schedules a retry and returns
// ErrOrderSyncPending.
func (r *Reconciler) syncOrder(ctx context.Context, rec Record, source string) error {
	err := r.updateOrder(ctx, rec)
	if err == nil {
		obs.IncCounter(obs.OrderSyncTotal, source, "success")
		return nil
	}
	obs.IncCounter(obs.OrderSyncTotal, source, "error")
	r.Logger.Error().Err(err).
		Str("txn_ref", rec.TransactionRef).
		Str("order_id", rec.OrderID).
		Msg("order payment status update failed; scheduling retry")
	if r.Retry != nil {
		if serr := r.Retry.ScheduleOrderSync(ctx, rec.TransactionRef); serr != nil {
			r.Logger.Error().Err(serr).Str("txn_ref", rec.TransactionRef).Msg("schedule order sync")
		}
	}
	return fmt.Errorf("%w: %v", ErrOrderSyncPending, err)
}

func (r *Reconciler) updateOrder(ctx context.Context, rec Record) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.Orders.UpdateOrderPaymentStatus(sctx, rec.OrderID, rec.Status.OrderPaymentStatus()); err != nil {
		return storeErr("update order payment status", err)
	}
	if err := r.Records.MarkOrderSynced(sctx, rec.TransactionRef); err != nil {
		return storeErr("mark order synced", err)
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, rec Record) {
	if r.Events == nil {
		return
	}
	topic := events.TopicPaymentFailed
	if rec.Status == StatusSuccess {
		topic = events.TopicPaymentSucceeded
	}
	payload := PaymentEvent{
		TransactionRef: rec.TransactionRef,
		OrderID:        rec.OrderID,
		Status:         rec.Status,
		ResponseCode:   rec.ResponseCode,
		Amount:         rec.Amount,
	}
	if _, err := r.Events.Emit(ctx, topic, rec.OrderID, payload); err != nil {
		r.Logger.Warn().Err(err).Str("txn_ref", rec.TransactionRef).Str("topic", topic).Msg("emit payment event")
	}
}
