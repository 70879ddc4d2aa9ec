// Package service implements the fee collection core: idempotent payment
// capture, late-fee computation, receipt numbering and refunds. Every
// monetary figure is a money.Amount; floats never enter the pipeline.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/money"
)

// Payment statuses. A payment is recorded as success on insert and can only
// move to refunded; there is no pending state because collection is
// synchronous.
const (
	StatusSuccess  = "success"
	StatusRefunded = "refunded"
)

// PaymentModes allowed on the collect endpoint.
var PaymentModes = map[string]bool{
	"cash": true, "card": true, "upi": true,
	"bank_transfer": true, "cheque": true, "online": true,
}

// Payment is one captured fee payment inside a tenant schema.
type Payment struct {
	ID                uuid.UUID    `json:"id"`
	InstitutionID     uuid.UUID    `json:"institutionId"`
	StudentID         uuid.UUID    `json:"studentId"`
	AcademicSessionID uuid.UUID    `json:"academicSessionId"`
	FeeStructureID    uuid.UUID    `json:"feeStructureId"`
	AmountPaid        money.Amount `json:"amountPaid"`
	LateFeeApplied    money.Amount `json:"lateFeeApplied"`
	BalanceAfter      money.Amount `json:"balanceAfter"`
	Mode              string       `json:"mode"`
	Reference         *string      `json:"reference,omitempty"`
	ReceiptNumber     string       `json:"receiptNumber"`
	IdempotencyKey    *string      `json:"idempotencyKey,omitempty"`
	Status            string       `json:"status"`
	Remarks           *string      `json:"remarks,omitempty"`
	CollectedBy       *uuid.UUID   `json:"collectedBy,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// Refund is the audit record written when a payment is voided.
type Refund struct {
	ID           uuid.UUID    `json:"id"`
	FeePaymentID uuid.UUID    `json:"feePaymentId"`
	Amount       money.Amount `json:"amount"`
	Reason       string       `json:"reason"`
	ApprovedBy   *uuid.UUID   `json:"approvedBy,omitempty"`
	RefundedAt   time.Time    `json:"refundedAt"`
}

// Assignment is the student-to-structure fee binding loaded under a
// row-level lock during collection.
type Assignment struct {
	ID               uuid.UUID
	StudentID        uuid.UUID
	FeeStructureID   uuid.UUID
	NetAmount        money.Amount
	LateFeePerDay    money.Amount
	LateFeeGraceDays int
	DueDay           int
}

// Store is the transaction-scoped data access a single collect or refund
// flow runs against. All methods execute on the same transaction.
type Store interface {
	// PaymentByIdempotencyKey returns the prior payment for a key, if any.
	PaymentByIdempotencyKey(ctx context.Context, key string) (Payment, bool, error)
	// AssignmentForUpdate loads the student-structure binding with
	// SELECT ... FOR UPDATE so concurrent collections serialize.
	AssignmentForUpdate(ctx context.Context, studentID, structureID uuid.UUID) (Assignment, error)
	// PrincipalPaid sums amount_paid minus late_fee_applied over successful
	// payments for the assignment.
	PrincipalPaid(ctx context.Context, studentID, structureID uuid.UUID) (money.Amount, error)
	// NextReceiptNumber increments the per-institution counter under a row
	// lock on the global institutions record. The counter resets when the
	// year rolls over.
	NextReceiptNumber(ctx context.Context, institutionID uuid.UUID, year int) (int, error)
	InsertPayment(ctx context.Context, p Payment) error
	// PaymentForUpdate locks a payment row for the refund flow.
	PaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) error
	InsertRefund(ctx context.Context, r Refund) error
}

// Repository provides transactional execution plus read paths.
type Repository interface {
	// Transact runs fn inside one tenant-bound transaction.
	Transact(ctx context.Context, fn func(s Store) error) error
	PaymentByID(ctx context.Context, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, limit, offset int) ([]Payment, error)
	ListByStudent(ctx context.Context, studentID uuid.UUID, limit, offset int) ([]Payment, error)
	RefundsForPayment(ctx context.Context, paymentID uuid.UUID) ([]Refund, error)
}

// CollectInput is the collect request payload.
type CollectInput struct {
	InstitutionID     uuid.UUID  `json:"institutionId" validate:"required"`
	StudentID         uuid.UUID  `json:"studentId" validate:"required"`
	AcademicSessionID uuid.UUID  `json:"academicSessionId" validate:"required"`
	FeeStructureID    uuid.UUID  `json:"feeStructureId" validate:"required"`
	AmountPaid        string     `json:"amountPaid" validate:"required"`
	Mode              string     `json:"mode" validate:"required"`
	Reference         *string    `json:"reference,omitempty"`
	IdempotencyKey    *string    `json:"idempotencyKey,omitempty"`
	CollectedBy       *uuid.UUID `json:"-"`
}

// CollectResult distinguishes a fresh capture (201) from an idempotent
// replay (200).
type CollectResult struct {
	Payment  Payment
	Replayed bool
}

// RefundInput is the refund request payload.
type RefundInput struct {
	Reason     string     `json:"reason" validate:"required"`
	ApprovedBy *uuid.UUID `json:"-"`
}

// Service orchestrates the money flows.
type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithClock overrides the time source; used by tests for late-fee windows.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Collect captures a fee payment. The whole pipeline runs in a single
// transaction: idempotency replay, assignment lock, outstanding and
// late-fee computation, overpay rejection, receipt allocation and insert.
func (s *Service) Collect(ctx context.Context, in CollectInput) (CollectResult, error) {
	amount, err := money.New(in.AmountPaid)
	if err != nil {
		return CollectResult{}, apperr.Validation("INVALID_AMOUNT", "amountPaid is not a valid decimal")
	}
	if !amount.IsPositive() {
		return CollectResult{}, apperr.Validation("INVALID_AMOUNT", "amountPaid must be greater than zero")
	}
	if !PaymentModes[in.Mode] {
		return CollectResult{}, apperr.Validationf("INVALID_MODE", "unsupported payment mode %q", in.Mode)
	}

	var result CollectResult
	err = s.repo.Transact(ctx, func(store Store) error {
		if in.IdempotencyKey != nil && *in.IdempotencyKey != "" {
			existing, found, err := store.PaymentByIdempotencyKey(ctx, *in.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result = CollectResult{Payment: existing, Replayed: true}
				return nil
			}
		}

		assignment, err := store.AssignmentForUpdate(ctx, in.StudentID, in.FeeStructureID)
		if err != nil {
			return err
		}

		paid, err := store.PrincipalPaid(ctx, in.StudentID, in.FeeStructureID)
		if err != nil {
			return err
		}
		outstanding := assignment.NetAmount.Sub(paid)
		if outstanding.IsNegative() {
			outstanding = money.Zero
		}

		paymentDate := s.now()
		lateFee := LateFee(assignment, paymentDate)

		ceiling := outstanding.Add(lateFee)
		if amount.Cmp(ceiling) > 0 {
			return apperr.Validationf("AMOUNT_EXCEEDS_OUTSTANDING",
				"amount %s exceeds outstanding dues %s", amount, ceiling)
		}

		// The payment covers the late fee first; the remainder reduces
		// principal.
		lateFeeApplied := lateFee
		if amount.Cmp(lateFee) < 0 {
			lateFeeApplied = amount
		}
		principalPortion := amount.Sub(lateFeeApplied)
		balanceAfter := outstanding.Sub(principalPortion)

		year := paymentDate.Year()
		seq, err := store.NextReceiptNumber(ctx, in.InstitutionID, year)
		if err != nil {
			return err
		}

		payment := Payment{
			ID:                uuid.New(),
			InstitutionID:     in.InstitutionID,
			StudentID:         in.StudentID,
			AcademicSessionID: in.AcademicSessionID,
			FeeStructureID:    in.FeeStructureID,
			AmountPaid:        amount,
			LateFeeApplied:    lateFeeApplied,
			BalanceAfter:      balanceAfter,
			Mode:              in.Mode,
			Reference:         in.Reference,
			ReceiptNumber:     FormatReceipt(year, seq),
			IdempotencyKey:    in.IdempotencyKey,
			Status:            StatusSuccess,
			CollectedBy:       in.CollectedBy,
			CreatedAt:         paymentDate,
		}
		if lateFeeApplied.IsPositive() {
			remarks := fmt.Sprintf("includes late fee of %s", lateFeeApplied)
			payment.Remarks = &remarks
		}

		if err := store.InsertPayment(ctx, payment); err != nil {
			return err
		}
		result = CollectResult{Payment: payment}
		return nil
	})
	if err != nil {
		return CollectResult{}, err
	}

	s.logger.Info("fee payment captured",
		zap.String("receipt", result.Payment.ReceiptNumber),
		zap.String("student_id", in.StudentID.String()),
		zap.String("amount", result.Payment.AmountPaid.String()),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

// Refund voids a successful payment. Refunding an already-refunded payment
// is a validation failure so retried refund requests stay harmless.
func (s *Service) Refund(ctx context.Context, paymentID uuid.UUID, in RefundInput) (Refund, error) {
	var refund Refund
	err := s.repo.Transact(ctx, func(store Store) error {
		payment, err := store.PaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status == StatusRefunded {
			return apperr.Validation(apperr.CodeAlreadyRefunded, "payment is already refunded")
		}
		if payment.Status != StatusSuccess {
			return apperr.Validationf("NOT_REFUNDABLE", "payment in status %q cannot be refunded", payment.Status)
		}

		refund = Refund{
			ID:           uuid.New(),
			FeePaymentID: payment.ID,
			Amount:       payment.AmountPaid,
			Reason:       in.Reason,
			ApprovedBy:   in.ApprovedBy,
			RefundedAt:   s.now(),
		}
		if err := store.InsertRefund(ctx, refund); err != nil {
			return err
		}
		return store.MarkRefunded(ctx, payment.ID)
	})
	if err != nil {
		return Refund{}, err
	}

	s.logger.Info("fee payment refunded",
		zap.String("payment_id", paymentID.String()),
		zap.String("amount", refund.Amount.String()),
	)
	return refund, nil
}

// Payment returns a single payment by id.
func (s *Service) Payment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.repo.PaymentByID(ctx, id)
}

// Payments lists collected payments across the school, newest first.
func (s *Service) Payments(ctx context.Context, limit, offset int) ([]Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListPayments(ctx, limit, offset)
}

// StudentPayments lists a student's payment history, newest first.
func (s *Service) StudentPayments(ctx context.Context, studentID uuid.UUID, limit, offset int) ([]Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByStudent(ctx, studentID, limit, offset)
}

// LateFee computes the accrued late fee for a payment made at paymentDate.
// The due date is the assignment's due day in the payment month, clamped to
// the month length, plus the grace window. Days are whole calendar days.
func LateFee(a Assignment, paymentDate time.Time) money.Amount {
	if a.LateFeePerDay.IsZero() || a.DueDay <= 0 {
		return money.Zero
	}

	year, month, _ := paymentDate.Date()
	loc := paymentDate.Location()
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	dueDay := a.DueDay
	if dueDay > lastDay {
		dueDay = lastDay
	}
	due := time.Date(year, month, dueDay, 0, 0, 0, 0, loc)
	due = due.AddDate(0, 0, a.LateFeeGraceDays)

	payDay := time.Date(year, month, paymentDate.Day(), 0, 0, 0, 0, loc)
	daysLate := int64(payDay.Sub(due).Hours() / 24)
	if daysLate <= 0 {
		return money.Zero
	}
	return a.LateFeePerDay.MulInt(daysLate)
}

// FormatReceipt renders the per-tenant, per-year receipt number.
func FormatReceipt(year, seq int) string {
	return fmt.Sprintf("RCP-%d-%05d", year, seq)
}
