package payment_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pay/internal/events"
	"github.com/noah-isme/toko-pay/internal/payment"
)

const testSecret = "SANDBOXSECRET0123456789"

var fixedNow = time.Date(2024, 5, 6, 3, 4, 5, 123456789, time.UTC)

func testConfig() payment.Config {
	return payment.Config{
		MerchantCode: "TOKO0001",
		HashSecret:   testSecret,
		ReturnURL:    "https://shop.example.com/payment/return",
		Environment:  payment.EnvSandbox,
		StoreTimeout: 200 * time.Millisecond,
	}
}

// memStore is an in-memory OrderStore and RecordStore.
type memStore struct {
	mu      sync.Mutex
	orders  map[string]payment.Order
	records map[string]payment.Record

	orderUpdates  int
	recordCreates int
	recordUpdates int

	failOrderUpdates int
	failOrderReads   int
	blockFind        bool
	// afterUpdate runs once a record leaves PENDING.
	afterUpdate func()
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]payment.Order{}, records: map[string]payment.Record{}}
}

func (m *memStore) addOrder(id, amount, anonymousID string) payment.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := payment.Order{ID: id, Amount: decimal.RequireFromString(amount), AnonymousID: anonymousID, PaymentStatus: payment.OrderPending}
	m.orders[id] = o
	return o
}

func (m *memStore) addRecord(rec payment.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.TransactionRef] = rec
}

func (m *memStore) order(id string) payment.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) record(ref string) payment.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[ref]
}

func (m *memStore) GetOrder(_ context.Context, id string) (payment.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOrderReads > 0 {
		m.failOrderReads--
		return payment.Order{}, context.DeadlineExceeded
	}
	o, ok := m.orders[id]
	if !ok {
		return payment.Order{}, payment.ErrNotFound
	}
	return o, nil
}

func (m *memStore) UpdateOrderPaymentStatus(ctx context.Context, id string, status payment.OrderPaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failOrderUpdates > 0 {
		m.failOrderUpdates--
		return errors.New("order store unavailable")
	}
	o, ok := m.orders[id]
	if !ok {
		return payment.ErrNotFound
	}
	o.PaymentStatus = status
	m.orders[id] = o
	m.orderUpdates++
	return nil
}

func (m *memStore) CreatePaymentRecord(ctx context.Context, rec payment.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := m.records[rec.TransactionRef]; exists {
		return errors.New("duplicate transaction reference")
	}
	m.records[rec.TransactionRef] = rec
	m.recordCreates++
	return nil
}

func (m *memStore) FindPaymentRecordByRef(ctx context.Context, ref string) (payment.Record, error) {
	m.mu.Lock()
	block := m.blockFind
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return payment.Record{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref]
	if !ok {
		return payment.Record{}, payment.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) UpdatePaymentRecord(_ context.Context, ref string, t payment.Transition) (payment.Record, bool, error) {
	m.mu.Lock()
	rec, ok := m.records[ref]
	if !ok {
		m.mu.Unlock()
		return payment.Record{}, false, payment.ErrNotFound
	}
	if rec.Status != payment.StatusPending {
		m.mu.Unlock()
		return rec, false, nil
	}
	verified := t.VerifiedAt
	rec.Status = t.Status
	rec.ResponseCode = t.ResponseCode
	rec.RawResponse = t.RawResponse
	rec.VerifiedAt = &verified
	rec.UpdatedAt = verified
	m.records[ref] = rec
	m.recordUpdates++
	hook := m.afterUpdate
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return rec, true, nil
}

func (m *memStore) MarkOrderSynced(ctx context.Context, ref string) error {
	return m.setFlag(ctx, ref, func(rec *payment.Record) { rec.OrderSynced = true })
}

func (m *memStore) MarkRelocationScheduled(ctx context.Context, ref string) error {
	return m.setFlag(ctx, ref, func(rec *payment.Record) { rec.RelocationScheduled = true })
}

func (m *memStore) setFlag(ctx context.Context, ref string, set func(*payment.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := m.records[ref]
	if !ok {
		return payment.ErrNotFound
	}
	set(&rec)
	m.records[ref] = rec
	return nil
}

func (m *memStore) ListUnsyncedRecords(_ context.Context, before time.Time, limit int) ([]payment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payment.Record
	for _, rec := range m.records {
		owes := !rec.OrderSynced || (rec.Status == payment.StatusSuccess && !rec.RelocationScheduled)
		if rec.Status.Terminal() && owes && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type emitted struct {
	topic       string
	aggregateID string
	payload     any
}

type captureEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (c *captureEmitter) Emit(_ context.Context, topic, aggregateID string, payload any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{topic: topic, aggregateID: aggregateID, payload: payload})
	return events.Event{Topic: topic, AggregateID: aggregateID}, nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type captureScheduler struct {
	mu   sync.Mutex
	refs []string
}

func (c *captureScheduler) ScheduleOrderSync(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, ref)
	return nil
}

// flakyRelocation fails the first fail calls, then records order ids.
type flakyRelocation struct {
	mu     sync.Mutex
	fail   int
	orders []string
}

func (f *flakyRelocation) ScheduleAssetRelocation(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("queue unavailable")
	}
	f.orders = append(f.orders, orderID)
	return nil
}

func newReconciler(store *memStore) (*payment.Reconciler, *captureEmitter, *captureScheduler) {
	em := &captureEmitter{}
	sched := &captureScheduler{}
	return &payment.Reconciler{
		Records:      store,
		Orders:       store,
		Events:       em,
		Retry:        sched,
		StoreTimeout: 100 * time.Millisecond,
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return fixedNow },
	}, em, sched
}

// signedCallback builds provider callback values signed with secret.
func signedCallback(secret string, params map[string]string) url.Values {
	signer, err := payment.NewSigner(secret)
	if err != nil {
		panic(err)
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set(payment.ParamSecureHash, signer.Sign(payment.Canonicalize(params)))
	return values
}

func callbackParams(ref string, amount int64, code string) map[string]string {
	p := payment.Params{}
	p.Set(payment.ParamTmnCode, "TOKO0001")
	p.SetInt(payment.ParamAmount, amount)
	p.Set(payment.ParamTxnRef, ref)
	p.Set(payment.ParamResponseCode, code)
	p.Set(payment.ParamTransactionStatus, code)
	p.Set(payment.ParamTransactionNo, "14012345")
	p.Set(payment.ParamBankCode, "NCB")
	p.Set(payment.ParamPayDate, "20240506100405")
	p.Set(payment.ParamOrderInfo, "Thanh toan don hang ORD1")
	return p
}

func pendingRecord(ref, orderID string, amount int64) payment.Record {
	return payment.Record{
		TransactionRef: ref,
		OrderID:        orderID,
		Amount:         amount,
		Status:         payment.StatusPending,
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
}
