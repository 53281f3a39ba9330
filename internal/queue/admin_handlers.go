package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pay/internal/common"
)

// AdminHandler serves the operator endpoints for dead letters and queue depth.
type AdminHandler struct {
	Store             Store
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
}

type dlqView struct {
	ID             uuid.UUID   `json:"id"`
	Kind           string      `json:"kind"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Attempts       int         `json:"attempts"`
	LastError      *string     `json:"lastError,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Message        taskMessage `json:"message"`
}

type replayRequest struct {
	IDs   []string `json:"ids"`
	Kind  string   `json:"kind"`
	Limit int      `json:"limit"`
}

var errQueueUnavailable = errors.New("queue dependencies unavailable")

func internalError(w http.ResponseWriter, err error) {
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

// ListDLQ pages through dead letters, optionally narrowed to one kind.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		internalError(w, errQueueUnavailable)
		return
	}
	ctx := r.Context()
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	limit, offset := common.ParsePagination(r, h.pageSize(), 200)

	entries, err := h.Store.ListQueueDlq(ctx, kind, limit, offset)
	if err != nil {
		internalError(w, err)
		return
	}
	total, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		internalError(w, err)
		return
	}

	views := make([]dlqView, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeMessage(string(e.Payload))
		if err != nil {
			h.Logger.Warn().Err(err).Stringer("dlq_id", e.ID).Msg("skipping undecodable dlq entry")
			continue
		}
		views = append(views, dlqView{
			ID: e.ID, Kind: e.Kind, IdempotencyKey: e.IdempotencyKey,
			Attempts: e.Attempts, LastError: e.LastError, CreatedAt: e.CreatedAt,
			Message: msg,
		})
	}

	body := map[string]any{"data": views, "total": total}
	if kind != "" {
		body["kind"] = kind
	}
	common.JSON(w, http.StatusOK, body)
}

// ReplayDLQ puts dead letters back on their queue. Entries are selected by id,
// or by kind when no ids are given.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		internalError(w, errQueueUnavailable)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	req.Kind = sanitizeKind(strings.TrimSpace(req.Kind))
	req.IDs = distinct(req.IDs)
	if len(req.IDs) == 0 && req.Kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
		return
	}

	ctx := r.Context()
	failed := make(map[string]string)
	entries, err := h.selectEntries(ctx, req, failed)
	if err != nil {
		internalError(w, err)
		return
	}
	replayed := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if err := h.requeue(ctx, e); err != nil {
			failed[e.ID.String()] = err.Error()
			continue
		}
		replayed = append(replayed, e.ID)
	}

	h.Logger.Info().Int("replayed", len(replayed)).Int("failed", len(failed)).Msg("dlq replay")
	body := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		body["failed"] = failed
	}
	common.JSON(w, http.StatusOK, body)
}

func (h *AdminHandler) selectEntries(ctx context.Context, req replayRequest, failed map[string]string) ([]DLQEntry, error) {
	if len(req.IDs) == 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		return h.Store.ListQueueDlq(ctx, req.Kind, limit, 0)
	}
	out := make([]DLQEntry, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			failed[raw] = "invalid uuid"
			continue
		}
		e, err := h.Store.GetQueueDlq(ctx, id)
		if err != nil {
			failed[raw] = err.Error()
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats reports ready, in-flight and dead-lettered counts for one kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil || h.Store == nil {
		internalError(w, errQueueUnavailable)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	ctx := r.Context()
	k := keys{h.Queue.Prefix}

	pipe := h.Queue.R.Pipeline()
	readyCmd := pipe.ZCard(ctx, k.queue(kind))
	inflightCmd := pipe.ZCard(ctx, k.processing(kind))
	oldestCmd := pipe.ZRangeWithScores(ctx, k.queue(kind), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		internalError(w, err)
		return
	}
	dead, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		internalError(w, err)
		return
	}

	var lag time.Duration
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		lag = max(time.Since(time.Unix(0, int64(oldest[0].Score))), 0)
	}
	QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(readyCmd.Val()))
	QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(dead))

	visibility := h.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":               kind,
		"ready":              readyCmd.Val(),
		"processing":         inflightCmd.Val(),
		"dlq":                dead,
		"oldest_lag_ms":      lag.Milliseconds(),
		"visibility_timeout": visibility.Seconds(),
	})
}

// requeue enqueues the dead task with one attempt restored, then drops the entry.
func (h *AdminHandler) requeue(ctx context.Context, e DLQEntry) error {
	msg, err := decodeMessage(string(e.Payload))
	if err != nil {
		return err
	}
	err = h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        max(msg.Attempt-1, 0),
	})
	if err != nil {
		return err
	}
	if err := h.Store.DeleteQueueDlq(ctx, e.ID); err != nil {
		return err
	}
	if n, err := h.Store.CountQueueDlq(ctx, msg.Kind); err == nil {
		QueueDLQSize.WithLabelValues(queueLabel(msg.Kind)).Set(float64(n))
	}
	return nil
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func distinct(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
