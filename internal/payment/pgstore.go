package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PGStore implements OrderStore and RecordStore on Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a store backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const recordColumns = `transaction_ref, order_id, variant, amount, status, response_code, raw_response, verified_at, order_synced, relocation_scheduled, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		variant string
		status  string
		code    string
		raw     []byte
	)
	err := row.Scan(&rec.TransactionRef, &rec.OrderID, &variant, &rec.Amount, &status, &code, &raw,
		&rec.VerifiedAt, &rec.OrderSynced, &rec.RelocationScheduled, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Variant = ParseVariant(variant)
	rec.Status = Status(status)
	rec.ResponseCode = ResponseCode(code)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.RawResponse); err != nil {
			return Record{}, fmt.Errorf("decode raw response: %w", err)
		}
	}
	return rec, nil
}

// GetOrder loads the order amount and owner fields.
func (s *PGStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var (
		o      Order
		amount string
		status string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, amount::text, COALESCE(anonymous_id, ''), payment_status FROM orders WHERE id = $1`, orderID).
		Scan(&o.ID, &amount, &o.AnonymousID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Order{}, fmt.Errorf("parse order amount: %w", err)
	}
	o.PaymentStatus = OrderPaymentStatus(status)
	return o, nil
}

// UpdateOrderPaymentStatus sets the order's payment status.
func (s *PGStore) UpdateOrderPaymentStatus(ctx context.Context, orderID string, status OrderPaymentStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`, orderID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePaymentRecord inserts a PENDING record.
func (s *PGStore) CreatePaymentRecord(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO payment_records (transaction_ref, order_id, variant, amount, status)
VALUES ($1, $2, $3, $4, $5)`, rec.TransactionRef, rec.OrderID, rec.Variant.String(), rec.Amount, string(StatusPending))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("duplicate transaction reference %s: %w", rec.TransactionRef, err)
	}
	return err
}

// FindPaymentRecordByRef loads the record for ref.
func (s *PGStore) FindPaymentRecordByRef(ctx context.Context, ref string) (Record, error) {
	return scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE transaction_ref = $1`, ref))
}

// UpdatePaymentRecord moves a PENDING record to a terminal state. The status
// predicate makes concurrent callbacks race on the row lock; losers see zero
// rows and read back the winner's state.
func (s *PGStore) UpdatePaymentRecord(ctx context.Context, ref string, t Transition) (Record, bool, error) {
	raw, err := json.Marshal(t.RawResponse)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode raw response: %w", err)
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, `UPDATE payment_records
SET status = $2, response_code = $3, raw_response = $4, verified_at = $5, updated_at = now()
WHERE transaction_ref = $1 AND status = 'PENDING'
RETURNING `+recordColumns, ref, string(t.Status), string(t.ResponseCode), raw, t.VerifiedAt))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}
	current, err := s.FindPaymentRecordByRef(ctx, ref)
	if err != nil {
		return Record{}, false, err
	}
	return current, false, nil
}

// MarkOrderSynced records that the order status reflects the terminal record.
func (s *PGStore) MarkOrderSynced(ctx context.Context, ref string) error {
	return s.setFlag(ctx, `UPDATE payment_records SET order_synced = true, updated_at = now() WHERE transaction_ref = $1`, ref)
}

// MarkRelocationScheduled records that the asset relocation task was queued.
func (s *PGStore) MarkRelocationScheduled(ctx context.Context, ref string) error {
	return s.setFlag(ctx, `UPDATE payment_records SET relocation_scheduled = true, updated_at = now() WHERE transaction_ref = $1`, ref)
}

func (s *PGStore) setFlag(ctx context.Context, query, ref string) error {
	tag, err := s.pool.Exec(ctx, query, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnsyncedRecords returns terminal records with an outstanding order
// update or, for successful payments, an unscheduled asset relocation.
func (s *PGStore) ListUnsyncedRecords(ctx context.Context, updatedBefore time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM payment_records
WHERE status <> 'PENDING'
  AND (NOT order_synced OR (status = 'SUCCESS' AND NOT relocation_scheduled))
  AND updated_at < $1
ORDER BY updated_at
LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks database connectivity for readiness probes.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
