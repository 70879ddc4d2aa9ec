package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edumesh/edumesh-server/domains/fees/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/money"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
)

// PostgresRepository runs the fee flows against the bound tenant schema.
// The receipt counter lives on the global institutions row and is the only
// cross-schema touch in the collect transaction.
type PostgresRepository struct {
	db persistence.Runner
}

func NewPostgresRepository(db persistence.Runner) *PostgresRepository {
	if db == nil {
		panic("fees repo requires runner")
	}
	return &PostgresRepository{db: db}
}

// Transact implements service.Repository. The store it hands to fn is bound
// to a single transaction, so the assignment lock and the receipt lock are
// held together until commit. When the runner can audit, money mutations are
// reported post-commit.
func (r *PostgresRepository) Transact(ctx context.Context, fn func(s service.Store) error) error {
	if auditor, ok := r.db.(persistence.Auditor); ok {
		return auditor.WithTenantAudited(ctx, func(tx pgx.Tx, audit *persistence.Collector) error {
			return fn(&txStore{tx: tx, audit: audit})
		})
	}
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

const paymentColumns = `id, institution_id, student_id, academic_session_id, fee_structure_id,
	amount_paid, late_fee_applied, balance_after, mode, reference, receipt_number,
	idempotency_key, status, remarks, collected_by, created_at`

func (r *PostgresRepository) PaymentByID(ctx context.Context, id uuid.UUID) (service.Payment, error) {
	var p service.Payment
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM fee_payments WHERE id = $1`, id)
		return scanPayment(row, &p)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Payment{}, apperr.NotFound("payment")
		}
		return service.Payment{}, err
	}
	return p, nil
}

func (r *PostgresRepository) ListPayments(ctx context.Context, limit, offset int) ([]service.Payment, error) {
	var payments []service.Payment
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+paymentColumns+`
			FROM fee_payments
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p service.Payment
			if err := scanPayment(rows, &p); err != nil {
				return err
			}
			payments = append(payments, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *PostgresRepository) ListByStudent(ctx context.Context, studentID uuid.UUID, limit, offset int) ([]service.Payment, error) {
	var payments []service.Payment
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+paymentColumns+`
			FROM fee_payments
			WHERE student_id = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`, studentID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p service.Payment
			if err := scanPayment(rows, &p); err != nil {
				return err
			}
			payments = append(payments, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *PostgresRepository) RefundsForPayment(ctx context.Context, paymentID uuid.UUID) ([]service.Refund, error) {
	var refunds []service.Refund
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, fee_payment_id, amount, reason, approved_by, refunded_at
			FROM fee_refunds
			WHERE fee_payment_id = $1
			ORDER BY refunded_at DESC`, paymentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ref service.Refund
			if err := rows.Scan(&ref.ID, &ref.FeePaymentID, &ref.Amount, &ref.Reason, &ref.ApprovedBy, &ref.RefundedAt); err != nil {
				return err
			}
			refunds = append(refunds, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

// txStore implements service.Store on one open transaction. audit is nil
// when the runner cannot emit events.
type txStore struct {
	tx    pgx.Tx
	audit *persistence.Collector
}

func (s *txStore) record(event persistence.AuditEvent) {
	if s.audit != nil {
		s.audit.Append(event)
	}
}

func (s *txStore) PaymentByIdempotencyKey(ctx context.Context, key string) (service.Payment, bool, error) {
	var p service.Payment
	row := s.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM fee_payments WHERE idempotency_key = $1`, key)
	if err := scanPayment(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Payment{}, false, nil
		}
		return service.Payment{}, false, err
	}
	return p, true, nil
}

func (s *txStore) AssignmentForUpdate(ctx context.Context, studentID, structureID uuid.UUID) (service.Assignment, error) {
	var a service.Assignment
	err := s.tx.QueryRow(ctx, `
		SELECT sfa.id, sfa.student_id, sfa.fee_structure_id, sfa.net_amount,
		       fs.late_fee_per_day, fs.late_fee_grace_days, fs.due_day
		FROM student_fee_assignments sfa
		JOIN fee_structures fs ON fs.id = sfa.fee_structure_id
		WHERE sfa.student_id = $1 AND sfa.fee_structure_id = $2
		FOR UPDATE OF sfa`, studentID, structureID).Scan(
		&a.ID, &a.StudentID, &a.FeeStructureID, &a.NetAmount,
		&a.LateFeePerDay, &a.LateFeeGraceDays, &a.DueDay,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Assignment{}, apperr.NotFound("fee assignment")
		}
		return service.Assignment{}, err
	}
	return a, nil
}

func (s *txStore) PrincipalPaid(ctx context.Context, studentID, structureID uuid.UUID) (money.Amount, error) {
	var paid money.Amount
	err := s.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_paid - late_fee_applied), 0)
		FROM fee_payments
		WHERE student_id = $1 AND fee_structure_id = $2 AND status = 'success'`,
		studentID, structureID).Scan(&paid)
	if err != nil {
		return money.Zero, err
	}
	return paid, nil
}

// NextReceiptNumber serializes on the institution row. The counter resets
// when the requested year moves past the stored one.
func (s *txStore) NextReceiptNumber(ctx context.Context, institutionID uuid.UUID, year int) (int, error) {
	var storedYear, counter int
	err := s.tx.QueryRow(ctx, `
		SELECT receipt_year, receipt_counter
		FROM public.institutions
		WHERE id = $1
		FOR UPDATE`, institutionID).Scan(&storedYear, &counter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.NotFound("institution")
		}
		return 0, err
	}

	if storedYear != year {
		counter = 0
	}
	counter++

	_, err = s.tx.Exec(ctx, `
		UPDATE public.institutions
		SET receipt_year = $2, receipt_counter = $3
		WHERE id = $1`, institutionID, year, counter)
	if err != nil {
		return 0, err
	}
	return counter, nil
}

func (s *txStore) InsertPayment(ctx context.Context, p service.Payment) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO fee_payments (id, institution_id, student_id, academic_session_id,
			fee_structure_id, amount_paid, late_fee_applied, balance_after, mode,
			reference, receipt_number, idempotency_key, status, remarks, collected_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.InstitutionID, p.StudentID, p.AcademicSessionID,
		p.FeeStructureID, p.AmountPaid, p.LateFeeApplied, p.BalanceAfter, p.Mode,
		p.Reference, p.ReceiptNumber, p.IdempotencyKey, p.Status, p.Remarks, p.CollectedBy, p.CreatedAt)
	if err != nil {
		return mapUnique(err)
	}
	s.record(persistence.AuditEvent{
		Action:   "fee.collect",
		Entity:   "fee_payment",
		EntityID: p.ID.String(),
		Meta: map[string]any{
			"receipt": p.ReceiptNumber,
			"amount":  p.AmountPaid.String(),
		},
	})
	return nil
}

func (s *txStore) PaymentForUpdate(ctx context.Context, id uuid.UUID) (service.Payment, error) {
	var p service.Payment
	row := s.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM fee_payments WHERE id = $1 FOR UPDATE`, id)
	if err := scanPayment(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Payment{}, apperr.NotFound("payment")
		}
		return service.Payment{}, err
	}
	return p, nil
}

func (s *txStore) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE fee_payments SET status = 'refunded' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payment")
	}
	return nil
}

func (s *txStore) InsertRefund(ctx context.Context, ref service.Refund) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO fee_refunds (id, fee_payment_id, amount, reason, approved_by, refunded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ref.ID, ref.FeePaymentID, ref.Amount, ref.Reason, ref.ApprovedBy, ref.RefundedAt)
	if err != nil {
		return err
	}
	s.record(persistence.AuditEvent{
		Action:   "fee.refund",
		Entity:   "fee_payment",
		EntityID: ref.FeePaymentID.String(),
		Meta:     map[string]any{"amount": ref.Amount.String()},
	})
	return nil
}

func scanPayment(row pgx.Row, p *service.Payment) error {
	return row.Scan(
		&p.ID, &p.InstitutionID, &p.StudentID, &p.AcademicSessionID, &p.FeeStructureID,
		&p.AmountPaid, &p.LateFeeApplied, &p.BalanceAfter, &p.Mode, &p.Reference,
		&p.ReceiptNumber, &p.IdempotencyKey, &p.Status, &p.Remarks, &p.CollectedBy, &p.CreatedAt,
	)
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "receipt") {
			return apperr.Conflict(apperr.CodeReceiptCollision, "receipt number already issued")
		}
		return apperr.Conflict("DUPLICATE_PAYMENT", "a payment with this idempotency key already exists")
	}
	return err
}

var (
	_ service.Repository = (*PostgresRepository)(nil)
	_ service.Store      = (*txStore)(nil)
)
