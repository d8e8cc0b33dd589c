package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// ListDueSchedules returns Active auto-generating schedules with next_invoice_date on or before today.
func (r *Repository) ListDueSchedules(ctx context.Context, today time.Time) ([]domain.DuesSchedule, error) {
	query := `
		SELECT s.id, s.member_id, s.membership_type, s.billing_frequency, s.rate_cents, s.currency,
		       s.status, s.next_invoice_date, s.auto_generate, s.updated_at,
		       t.code, t.due_days, t.end_of_month
		FROM dues_schedules s
		LEFT JOIN payment_terms t ON t.code = s.payment_terms_code
		WHERE s.status = 'Active'
		  AND s.auto_generate
		  AND s.next_invoice_date <= $1::DATE
		ORDER BY s.next_invoice_date, s.id
	`
	rows, err := r.db.Query(ctx, query, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.DuesSchedule
	for rows.Next() {
		var (
			s          domain.DuesSchedule
			termsCode  *string
			dueDays    *int
			endOfMonth *bool
		)
		if err := rows.Scan(
			&s.ID,
			&s.MemberID,
			&s.MembershipType,
			&s.BillingFrequency,
			&s.RateCents,
			&s.Currency,
			&s.Status,
			&s.NextInvoiceDate,
			&s.AutoGenerate,
			&s.UpdatedAt,
			&termsCode,
			&dueDays,
			&endOfMonth,
		); err != nil {
			return nil, err
		}
		if termsCode != nil && dueDays != nil {
			s.PaymentTerms = &domain.PaymentTerms{Code: *termsCode, DueDays: *dueDays, EndOfMonth: endOfMonth != nil && *endOfMonth}
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// CreateSchedule registers a dues schedule.
func (r *Repository) CreateSchedule(ctx context.Context, s *domain.DuesSchedule) error {
	var termsCode *string
	if s.PaymentTerms != nil {
		termsCode = &s.PaymentTerms.Code
	}
	query := `
		INSERT INTO dues_schedules (
			id, member_id, membership_type, billing_frequency, rate_cents, currency,
			status, next_invoice_date, auto_generate, payment_terms_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING updated_at
	`
	return r.db.QueryRow(ctx, query,
		s.ID, s.MemberID, s.MembershipType, s.BillingFrequency, s.RateCents, s.Currency,
		s.Status, s.NextInvoiceDate, s.AutoGenerate, termsCode,
	).Scan(&s.UpdatedAt)
}

// RecordGeneratedInvoice stores the invoice for one period and advances the
// schedule. Advancing next_invoice_date is the commit point: it only happens
// when the schedule still points at the invoiced period, and both writes
// share a transaction.
func (r *Repository) RecordGeneratedInvoice(ctx context.Context, inv *domain.Invoice, expectedNext, newNext time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO invoices (
			id, ledger_ref, schedule_id, member_id, amount_cents, outstanding_cents, currency,
			posting_date, due_date, period_start, period_end, status, payment_terms_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (schedule_id, period_start) DO NOTHING
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, insert,
		inv.ID, inv.LedgerRef, inv.ScheduleID, inv.MemberID, inv.AmountCents, inv.OutstandingCents, inv.Currency,
		inv.PostingDate, inv.DueDate, inv.PeriodStart, inv.PeriodEnd, inv.Status, inv.PaymentTermsCode,
	).Scan(&inv.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("schedule %s period %s: %w", inv.ScheduleID, inv.PeriodStart.Format(time.DateOnly), ErrAlreadyInvoiced)
		}
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE dues_schedules
		SET next_invoice_date = $3, updated_at = NOW()
		WHERE id = $1 AND next_invoice_date = $2::DATE
	`, inv.ScheduleID, expectedNext, newNext)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleAdvanced
	}
	return tx.Commit(ctx)
}

const invoiceColumns = `
	id, ledger_ref, schedule_id, member_id, amount_cents, outstanding_cents, currency,
	posting_date, due_date, period_start, period_end, status, payment_terms_code, created_at`

func scanInvoice(row rowScanner, inv *domain.Invoice) error {
	return row.Scan(
		&inv.ID,
		&inv.LedgerRef,
		&inv.ScheduleID,
		&inv.MemberID,
		&inv.AmountCents,
		&inv.OutstandingCents,
		&inv.Currency,
		&inv.PostingDate,
		&inv.DueDate,
		&inv.PeriodStart,
		&inv.PeriodEnd,
		&inv.Status,
		&inv.PaymentTermsCode,
		&inv.CreatedAt,
	)
}

// GetInvoice returns an invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	if err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id), &inv); err != nil {
		return nil, notFound(err, ErrInvoiceNotFound)
	}
	return &inv, nil
}

// ListInvoicesBySchedule returns the invoices generated for a schedule, oldest period first.
func (r *Repository) ListInvoicesBySchedule(ctx context.Context, scheduleID string) ([]domain.Invoice, error) {
	rows, err := r.db.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE schedule_id = $1 ORDER BY period_start`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		var inv domain.Invoice
		if err := scanInvoice(rows, &inv); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// UpsertMember refreshes the billing projection of a member.
func (r *Repository) UpsertMember(ctx context.Context, m domain.Member) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO members (member_id, full_name, payment_method)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    payment_method = EXCLUDED.payment_method,
		    updated_at = NOW()
	`, m.ID, m.FullName, m.PaymentMethod)
	return err
}
