package service_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/domains/fees/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/money"
)

// memStore keeps all fee state in memory and doubles as the Repository.
// Transact just runs fn; single-goroutine tests need no locking.
type memStore struct {
	assignments map[[2]uuid.UUID]service.Assignment
	payments    map[uuid.UUID]service.Payment
	refunds     []service.Refund
	receiptYear int
	receiptSeq  int
}

func newMemStore() *memStore {
	return &memStore{
		assignments: make(map[[2]uuid.UUID]service.Assignment),
		payments:    make(map[uuid.UUID]service.Payment),
	}
}

func (m *memStore) Transact(_ context.Context, fn func(s service.Store) error) error {
	return fn(m)
}

func (m *memStore) PaymentByID(_ context.Context, id uuid.UUID) (service.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return service.Payment{}, apperr.NotFound("payment")
	}
	return p, nil
}

func (m *memStore) ListPayments(_ context.Context, limit, offset int) ([]service.Payment, error) {
	var out []service.Payment
	for _, p := range m.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByStudent(_ context.Context, studentID uuid.UUID, limit, offset int) ([]service.Payment, error) {
	var out []service.Payment
	for _, p := range m.payments {
		if p.StudentID == studentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) RefundsForPayment(_ context.Context, paymentID uuid.UUID) ([]service.Refund, error) {
	var out []service.Refund
	for _, r := range m.refunds {
		if r.FeePaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) PaymentByIdempotencyKey(_ context.Context, key string) (service.Payment, bool, error) {
	for _, p := range m.payments {
		if p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			return p, true, nil
		}
	}
	return service.Payment{}, false, nil
}

func (m *memStore) AssignmentForUpdate(_ context.Context, studentID, structureID uuid.UUID) (service.Assignment, error) {
	a, ok := m.assignments[[2]uuid.UUID{studentID, structureID}]
	if !ok {
		return service.Assignment{}, apperr.NotFound("fee assignment")
	}
	return a, nil
}

func (m *memStore) PrincipalPaid(_ context.Context, studentID, structureID uuid.UUID) (money.Amount, error) {
	total := money.Zero
	for _, p := range m.payments {
		if p.StudentID == studentID && p.FeeStructureID == structureID && p.Status == service.StatusSuccess {
			total = total.Add(p.AmountPaid.Sub(p.LateFeeApplied))
		}
	}
	return total, nil
}

func (m *memStore) NextReceiptNumber(_ context.Context, _ uuid.UUID, year int) (int, error) {
	if m.receiptYear != year {
		m.receiptYear = year
		m.receiptSeq = 0
	}
	m.receiptSeq++
	return m.receiptSeq, nil
}

func (m *memStore) InsertPayment(_ context.Context, p service.Payment) error {
	m.payments[p.ID] = p
	return nil
}

func (m *memStore) PaymentForUpdate(_ context.Context, id uuid.UUID) (service.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return service.Payment{}, apperr.NotFound("payment")
	}
	return p, nil
}

func (m *memStore) MarkRefunded(_ context.Context, id uuid.UUID) error {
	p := m.payments[id]
	p.Status = service.StatusRefunded
	m.payments[id] = p
	return nil
}

func (m *memStore) InsertRefund(_ context.Context, r service.Refund) error {
	m.refunds = append(m.refunds, r)
	return nil
}

var (
	_ service.Repository = (*memStore)(nil)
	_ service.Store      = (*memStore)(nil)
)

type fixture struct {
	svc         *service.Service
	store       *memStore
	student     uuid.UUID
	structure   uuid.UUID
	institution uuid.UUID
	session     uuid.UUID
	now         time.Time
}

func newFixture(t *testing.T, netAmount, lateFeePerDay string, graceDays, dueDay int) *fixture {
	t.Helper()
	f := &fixture{
		store:       newMemStore(),
		student:     uuid.New(),
		structure:   uuid.New(),
		institution: uuid.New(),
		session:     uuid.New(),
		// A fixed mid-month reference date keeps late-fee math deterministic.
		now: time.Date(2026, time.April, 5, 10, 0, 0, 0, time.UTC),
	}
	f.store.assignments[[2]uuid.UUID{f.student, f.structure}] = service.Assignment{
		ID:               uuid.New(),
		StudentID:        f.student,
		FeeStructureID:   f.structure,
		NetAmount:        money.MustNew(netAmount),
		LateFeePerDay:    money.MustNew(lateFeePerDay),
		LateFeeGraceDays: graceDays,
		DueDay:           dueDay,
	}
	f.svc = service.NewService(f.store, zap.NewNop()).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) collect(t *testing.T, amount string, idemKey *string) (service.CollectResult, error) {
	t.Helper()
	return f.svc.Collect(context.Background(), service.CollectInput{
		InstitutionID:     f.institution,
		StudentID:         f.student,
		AcademicSessionID: f.session,
		FeeStructureID:    f.structure,
		AmountPaid:        amount,
		Mode:              "cash",
		IdempotencyKey:    idemKey,
	})
}

func TestCollectOnTime(t *testing.T) {
	f := newFixture(t, "10000.00", "50.00", 5, 10)

	result, err := f.collect(t, "4000.00", nil)
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, "RCP-2026-00001", result.Payment.ReceiptNumber)
	assert.Equal(t, "4000.00", result.Payment.AmountPaid.String())
	assert.True(t, result.Payment.LateFeeApplied.IsZero())
	assert.Equal(t, "6000.00", result.Payment.BalanceAfter.String())
	assert.Nil(t, result.Payment.Remarks)
	assert.Equal(t, service.StatusSuccess, result.Payment.Status)
}

func TestCollectIdempotentReplay(t *testing.T) {
	f := newFixture(t, "10000.00", "0", 0, 10)
	key := "collect-2026-apr-term1"

	first, err := f.collect(t, "4000.00", &key)
	require.NoError(t, err)
	second, err := f.collect(t, "4000.00", &key)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Payment.ReceiptNumber, second.Payment.ReceiptNumber)
	assert.Len(t, f.store.payments, 1)
}

func TestCollectOverpayRejected(t *testing.T) {
	f := newFixture(t, "10000.00", "0", 0, 10)

	_, err := f.collect(t, "6000.00", nil)
	require.NoError(t, err)

	_, err = f.collect(t, "4000.01", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, "AMOUNT_EXCEEDS_OUTSTANDING"))
	assert.Len(t, f.store.payments, 1)

	// Settling the exact remainder still works.
	result, err := f.collect(t, "4000.00", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.00", result.Payment.BalanceAfter.String())
}

func TestCollectLateFee(t *testing.T) {
	// Due on the 10th, 5 grace days, payment on the 25th: 10 late days.
	f := newFixture(t, "10000.00", "50.00", 5, 10)
	f.now = time.Date(2026, time.April, 25, 10, 0, 0, 0, time.UTC)

	result, err := f.collect(t, "10500.00", nil)
	require.NoError(t, err)

	assert.Equal(t, "500.00", result.Payment.LateFeeApplied.String())
	assert.Equal(t, "0.00", result.Payment.BalanceAfter.String())
	require.NotNil(t, result.Payment.Remarks)
	assert.Contains(t, *result.Payment.Remarks, "late fee of 500.00")
}

func TestCollectInvalidInputs(t *testing.T) {
	f := newFixture(t, "10000.00", "0", 0, 10)

	_, err := f.collect(t, "0", nil)
	assert.True(t, apperr.IsCode(err, "INVALID_AMOUNT"))

	_, err = f.collect(t, "not-a-number", nil)
	assert.True(t, apperr.IsCode(err, "INVALID_AMOUNT"))

	_, err = f.svc.Collect(context.Background(), service.CollectInput{
		InstitutionID: f.institution, StudentID: f.student,
		AcademicSessionID: f.session, FeeStructureID: f.structure,
		AmountPaid: "100.00", Mode: "barter",
	})
	assert.True(t, apperr.IsCode(err, "INVALID_MODE"))
}

func TestReceiptSequencePerYear(t *testing.T) {
	f := newFixture(t, "100000.00", "0", 0, 10)

	for i := 1; i <= 3; i++ {
		result, err := f.collect(t, "1000.00", nil)
		require.NoError(t, err)
		assert.Equal(t, service.FormatReceipt(2026, i), result.Payment.ReceiptNumber)
	}

	// Year rollover restarts the sequence at 1.
	f.now = time.Date(2027, time.January, 5, 10, 0, 0, 0, time.UTC)
	result, err := f.collect(t, "1000.00", nil)
	require.NoError(t, err)
	assert.Equal(t, "RCP-2027-00001", result.Payment.ReceiptNumber)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, "10000.00", "0", 0, 10)

	collected, err := f.collect(t, "4000.00", nil)
	require.NoError(t, err)

	refund, err := f.svc.Refund(context.Background(), collected.Payment.ID, service.RefundInput{Reason: "duplicate entry"})
	require.NoError(t, err)
	assert.Equal(t, "4000.00", refund.Amount.String())
	assert.Equal(t, service.StatusRefunded, f.store.payments[collected.Payment.ID].Status)

	// Refunding again is rejected but harmless.
	_, err = f.svc.Refund(context.Background(), collected.Payment.ID, service.RefundInput{Reason: "again"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeAlreadyRefunded))
	assert.Len(t, f.store.refunds, 1)
}

func TestRefundRestoresOutstanding(t *testing.T) {
	f := newFixture(t, "10000.00", "0", 0, 10)

	first, err := f.collect(t, "6000.00", nil)
	require.NoError(t, err)
	_, err = f.svc.Refund(context.Background(), first.Payment.ID, service.RefundInput{Reason: "wrong student"})
	require.NoError(t, err)

	// The refunded payment no longer counts against the dues.
	result, err := f.collect(t, "10000.00", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.00", result.Payment.BalanceAfter.String())
}

func TestPaymentsListing(t *testing.T) {
	f := newFixture(t, "100000.00", "0", 0, 10)

	for i := 0; i < 3; i++ {
		_, err := f.collect(t, "1000.00", nil)
		require.NoError(t, err)
		f.now = f.now.Add(time.Hour)
	}

	payments, err := f.svc.Payments(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	// Newest first.
	assert.True(t, payments[0].CreatedAt.After(payments[1].CreatedAt))

	rest, err := f.svc.Payments(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	// Out-of-range limits fall back to the default page size.
	all, err := f.svc.Payments(context.Background(), -1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLateFeeClampsDueDay(t *testing.T) {
	a := service.Assignment{
		LateFeePerDay:    money.MustNew("10.00"),
		LateFeeGraceDays: 0,
		DueDay:           31,
	}

	// February clamps day 31 to the 28th; paying March would be a different
	// month, so pay Feb 28 itself: zero days late.
	onDue := time.Date(2026, time.February, 28, 12, 0, 0, 0, time.UTC)
	assert.True(t, service.LateFee(a, onDue).IsZero())

	// April clamps 31 to the 30th; the 30th is the due day itself.
	april := time.Date(2026, time.April, 30, 12, 0, 0, 0, time.UTC)
	assert.True(t, service.LateFee(a, april).IsZero())

	a.DueDay = 10
	lateBy5 := time.Date(2026, time.April, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "50.00", service.LateFee(a, lateBy5).String())
}
