package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/toko-pay/internal/queue"
)

// Background task kinds.
const (
	TaskOrderSync       = "order-sync"
	TaskAssetRelocation = "asset-relocation"
)

type orderSyncPayload struct {
	TransactionRef string `json:"transactionRef"`
}

type assetRelocationPayload struct {
	OrderID string `json:"orderId"`
}

// enqueuer is satisfied by queue.Enqueuer.
type enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// TaskScheduler enqueues payment background work on the Redis queue.
type TaskScheduler struct {
	Queue enqueuer
}

// ScheduleOrderSync queues an order status retry keyed by the transaction reference.
func (s TaskScheduler) ScheduleOrderSync(ctx context.Context, ref string) error {
	if s.Queue == nil {
		return fmt.Errorf("payment: task queue not configured")
	}
	payload, err := json.Marshal(orderSyncPayload{TransactionRef: ref})
	if err != nil {
		return err
	}
	return s.Queue.Enqueue(ctx, queue.Task{Kind: TaskOrderSync, Payload: payload, IdempotencyKey: ref})
}

// ScheduleAssetRelocation queues the move of an order's uploaded assets.
func (s TaskScheduler) ScheduleAssetRelocation(ctx context.Context, orderID string) error {
	if s.Queue == nil {
		return fmt.Errorf("payment: task queue not configured")
	}
	payload, err := json.Marshal(assetRelocationPayload{OrderID: orderID})
	if err != nil {
		return err
	}
	return s.Queue.Enqueue(ctx, queue.Task{Kind: TaskAssetRelocation, Payload: payload, IdempotencyKey: orderID})
}

// OrderSyncTaskHandler returns the queue handler that retries order status updates.
func OrderSyncTaskHandler(r *Reconciler) queue.HandlerFunc {
	return func(ctx context.Context, task queue.Task) error {
		var payload orderSyncPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode order sync task: %w", err)
		}
		if payload.TransactionRef == "" {
			return fmt.Errorf("order sync task: %w", ErrMissingReference)
		}
		return r.SyncOrder(ctx, payload.TransactionRef, "queue")
	}
}

// AssetRelocationTaskHandler returns the queue handler that moves order assets.
func AssetRelocationTaskHandler(m *AssetMover) queue.HandlerFunc {
	return func(ctx context.Context, task queue.Task) error {
		var payload assetRelocationPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode asset relocation task: %w", err)
		}
		if payload.OrderID == "" {
			return invalidf("asset relocation task without order id")
		}
		_, err := m.Relocate(ctx, payload.OrderID)
		return err
	}
}
