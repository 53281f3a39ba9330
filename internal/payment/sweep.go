package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pay/internal/common"
	"github.com/noah-isme/toko-pay/internal/lock"
)

const sweepLockName = "payment:order-sync-sweep"

// tryLocker is satisfied by lock.Locker.
type tryLocker interface {
	TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Sweeper finishes follow-up work that a terminal payment record still owes:
// an order status update that never landed, or an asset relocation that was
// never queued.
type Sweeper struct {
	Records    RecordStore
	Reconciler *Reconciler
	Locker     tryLocker
	LockTTL    time.Duration
	Grace      time.Duration
	BatchSize  int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Skipped bool     `json:"skipped"`
	Scanned int      `json:"scanned"`
	Synced  int      `json:"synced"`
	Failed  []string `json:"failed,omitempty"`
}

// Run performs one sweep. When another instance holds the sweep lock the
// result is marked Skipped.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	work := func(ctx context.Context) error {
		now := time.Now()
		if s.Now != nil {
			now = s.Now()
		}
		batch := s.BatchSize
		if batch <= 0 {
			batch = 100
		}
		records, err := s.Records.ListUnsyncedRecords(ctx, now.Add(-s.Grace), batch)
		if err != nil {
			return storeErr("list unsynced records", err)
		}
		res.Scanned = len(records)
		for _, rec := range records {
			if err := s.Reconciler.Resume(ctx, rec.TransactionRef, "sweep"); err != nil {
				s.Logger.Warn().Err(err).Str("txn_ref", rec.TransactionRef).Msg("order sync sweep failed")
				res.Failed = append(res.Failed, rec.TransactionRef)
				continue
			}
			res.Synced++
		}
		return nil
	}

	var err error
	if s.Locker == nil {
		err = work(ctx)
	} else {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		err = s.Locker.TryWithLock(ctx, sweepLockName, ttl, work)
		if errors.Is(err, lock.ErrNotAcquired) {
			res.Skipped = true
			return res, nil
		}
	}
	if err != nil {
		return res, err
	}
	if res.Scanned > 0 {
		s.Logger.Info().Int("scanned", res.Scanned).Int("synced", res.Synced).Int("failed", len(res.Failed)).Msg("order sync sweep finished")
	}
	return res, nil
}

// AdminHandler exposes operator endpoints for payment reconciliation.
type AdminHandler struct {
	Sweeper *Sweeper
}

// Reconcile runs an order-sync sweep on demand.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Sweeper == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "sweeper unavailable", nil)
		return
	}
	res, err := h.Sweeper.Run(r.Context())
	if err != nil {
		common.JSONAppError(w, 0, AppError(err))
		return
	}
	common.JSON(w, http.StatusOK, res)
}
