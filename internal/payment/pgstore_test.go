package payment_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/db"
	"github.com/noah-isme/toko-pay/internal/payment"
)

// newPGStore connects to DATABASE_URL and applies the migrations. Tests that
// need it are skipped when no database is configured.
func newPGStore(t *testing.T) (*payment.PGStore, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, db.Migrate(dsn, zerolog.Nop()))
	pool, err := pgxpool.New(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return payment.NewPGStore(pool), pool
}

func seedPending(t *testing.T, store *payment.PGStore, pool *pgxpool.Pool) (orderID, ref string) {
	t.Helper()
	orderID = "ORD-" + uuid.NewString()
	ref = "REF-" + uuid.NewString()[:8]
	_, err := pool.Exec(t.Context(), `INSERT INTO orders (id, amount) VALUES ($1, 10.00)`, orderID)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = pool.Exec(ctx, `DELETE FROM payment_records WHERE order_id = $1`, orderID)
		_, _ = pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	})
	require.NoError(t, store.CreatePaymentRecord(t.Context(), payment.Record{
		TransactionRef: ref,
		OrderID:        orderID,
		Variant:        payment.VariantStandard,
		Amount:         25_000_000,
	}))
	return orderID, ref
}

func TestPGStoreUpdatePaymentRecordAppliesOnce(t *testing.T) {
	store, pool := newPGStore(t)
	_, ref := seedPending(t, store, pool)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		seen    []payment.Status
		errs    []error
	)
	for i := range callers {
		status := payment.StatusSuccess
		if i%2 == 1 {
			status = payment.StatusFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := store.UpdatePaymentRecord(context.Background(), ref, payment.Transition{
				Status:       status,
				ResponseCode: payment.ResponseSuccess,
				RawResponse:  map[string]string{payment.ParamTxnRef: ref},
				VerifiedAt:   time.Now().UTC(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				applied++
			}
			seen = append(seen, rec.Status)
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, applied)
	stored, err := store.FindPaymentRecordByRef(t.Context(), ref)
	require.NoError(t, err)
	require.True(t, stored.Status.Terminal())
	require.NotNil(t, stored.VerifiedAt)
	require.Equal(t, ref, stored.RawResponse[payment.ParamTxnRef])
	for _, s := range seen {
		require.Equal(t, stored.Status, s)
	}

	_, ok, err := store.UpdatePaymentRecord(t.Context(), "REF-MISSING-"+uuid.NewString()[:8], payment.Transition{Status: payment.StatusSuccess, VerifiedAt: time.Now()})
	require.ErrorIs(t, err, payment.ErrNotFound)
	require.False(t, ok)
}

func TestPGStoreListsRecordsOwingFollowUp(t *testing.T) {
	store, pool := newPGStore(t)
	_, ref := seedPending(t, store, pool)

	_, ok, err := store.UpdatePaymentRecord(t.Context(), ref, payment.Transition{
		Status:       payment.StatusSuccess,
		ResponseCode: payment.ResponseSuccess,
		VerifiedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkOrderSynced(t.Context(), ref))

	owing := func() bool {
		recs, err := store.ListUnsyncedRecords(t.Context(), time.Now().Add(time.Minute), 1000)
		require.NoError(t, err)
		for _, rec := range recs {
			if rec.TransactionRef == ref {
				return true
			}
		}
		return false
	}
	require.True(t, owing(), "relocation not yet scheduled")

	require.NoError(t, store.MarkRelocationScheduled(t.Context(), ref))
	rec, err := store.FindPaymentRecordByRef(t.Context(), ref)
	require.NoError(t, err)
	require.True(t, rec.OrderSynced)
	require.True(t, rec.RelocationScheduled)
	require.False(t, owing())

	require.ErrorIs(t, store.MarkRelocationScheduled(t.Context(), "REF-MISSING"), payment.ErrNotFound)
}
