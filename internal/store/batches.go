package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// ListCollectionCandidates returns open invoices of SEPA Direct Debit members
// with nothing in flight. A member with a Pending item in an open batch is left
// out entirely, as are invoices held by a future, exhausted or
// action-required retry; due retries come back with their retry amount.
func (r *Repository) ListCollectionCandidates(ctx context.Context, collectionDate time.Time) ([]domain.CollectionCandidate, error) {
	query := `
		SELECT inv.id, inv.ledger_ref, inv.schedule_id, inv.member_id, inv.amount_cents, inv.outstanding_cents,
		       inv.currency, inv.posting_date, inv.due_date, inv.period_start, inv.period_end, inv.status,
		       inv.payment_terms_code, inv.created_at,
		       m.full_name, m.payment_method,
		       rs.id, rs.retry_amount_cents
		FROM invoices inv
		JOIN members m ON m.member_id = inv.member_id
		LEFT JOIN retry_schedules rs
		       ON rs.invoice_id = inv.id
		      AND rs.status = 'Scheduled'
		      AND rs.retry_date <= $1::DATE
		WHERE inv.status = 'Open'
		  AND inv.outstanding_cents > 0
		  AND m.payment_method = 'SEPA Direct Debit'
		  AND NOT EXISTS (
			SELECT 1
			FROM collection_batch_items i
			JOIN collection_batches b ON b.id = i.batch_id
			WHERE i.member_id = inv.member_id
			  AND i.status = 'Pending'
			  AND b.status IN ('Draft', 'Exported')
		  )
		  AND NOT EXISTS (
			SELECT 1
			FROM retry_schedules blocked
			WHERE blocked.invoice_id = inv.id
			  AND (blocked.status IN ('Exhausted', 'ActionRequired')
			       OR (blocked.status = 'Scheduled' AND blocked.retry_date > $1::DATE))
		  )
		ORDER BY inv.member_id, inv.due_date, inv.id
	`
	rows, err := r.db.Query(ctx, query, collectionDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.CollectionCandidate
	for rows.Next() {
		var (
			c           domain.CollectionCandidate
			retryAmount *int64
		)
		if err := rows.Scan(
			&c.Invoice.ID,
			&c.Invoice.LedgerRef,
			&c.Invoice.ScheduleID,
			&c.Invoice.MemberID,
			&c.Invoice.AmountCents,
			&c.Invoice.OutstandingCents,
			&c.Invoice.Currency,
			&c.Invoice.PostingDate,
			&c.Invoice.DueDate,
			&c.Invoice.PeriodStart,
			&c.Invoice.PeriodEnd,
			&c.Invoice.Status,
			&c.Invoice.PaymentTermsCode,
			&c.Invoice.CreatedAt,
			&c.MemberName,
			&c.PaymentMethod,
			&c.RetryScheduleID,
			&retryAmount,
		); err != nil {
			return nil, err
		}
		if retryAmount != nil {
			c.RetryAmountCents = *retryAmount
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// CreateBatch persists a batch and its items. The transaction takes an
// advisory lock so concurrent builds are serialized, then re-checks that no
// member of the batch got a Pending item in an open batch since the
// candidates were listed.
func (r *Repository) CreateBatch(ctx context.Context, b *domain.Batch) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, batchBuildLockKey); err != nil {
		return fmt.Errorf("acquire batch lock: %w", err)
	}

	memberIDs := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		memberIDs = append(memberIDs, item.MemberID)
	}
	var inFlight *string
	err = tx.QueryRow(ctx, `
		SELECT i.member_id
		FROM collection_batch_items i
		JOIN collection_batches cb ON cb.id = i.batch_id
		WHERE i.member_id = ANY($1)
		  AND i.status = 'Pending'
		  AND cb.status IN ('Draft', 'Exported')
		LIMIT 1
	`, memberIDs).Scan(&inFlight)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}
	if inFlight != nil {
		return fmt.Errorf("%w: %s", ErrMemberInOpenBatch, *inFlight)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO collection_batches (
			id, batch_date, collection_date, status, currency, total_cents, notice_exception_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, b.ID, b.BatchDate, b.CollectionDate, b.Status, b.Currency, b.TotalCents, b.NoticeExceptionRef,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return err
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"collection_batch_items"},
		[]string{
			"id", "batch_id", "position", "invoice_id", "member_id", "mandate_id", "mandate_sign_date",
			"debtor_name", "iban", "bic", "amount_cents", "sequence_type", "status", "retry_schedule_id",
			"remittance_info",
		},
		pgx.CopyFromSlice(len(b.Items), func(i int) ([]any, error) {
			item := b.Items[i]
			return []any{
				item.ID, b.ID, item.Position, item.InvoiceID, item.MemberID, item.MandateID, item.MandateSignDate,
				item.DebtorName, item.IBAN, item.BIC, item.AmountCents, string(item.SequenceType), string(item.Status),
				item.RetryScheduleID, item.RemittanceInfo,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert batch items: %w", err)
	}

	return tx.Commit(ctx)
}

// GetBatch returns a batch with its items ordered by position.
func (r *Repository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	err := r.db.QueryRow(ctx, `
		SELECT id, batch_date, collection_date, status, currency, total_cents, notice_exception_ref,
		       archive_key, exported_at, completed_at, created_at, updated_at
		FROM collection_batches
		WHERE id = $1
	`, id).Scan(
		&b.ID,
		&b.BatchDate,
		&b.CollectionDate,
		&b.Status,
		&b.Currency,
		&b.TotalCents,
		&b.NoticeExceptionRef,
		&b.ArchiveKey,
		&b.ExportedAt,
		&b.CompletedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, ErrBatchNotFound)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, batch_id, position, invoice_id, member_id, mandate_id, mandate_sign_date, debtor_name,
		       iban, bic, amount_cents, sequence_type, status, failure_reason, retry_schedule_id,
		       remittance_info, updated_at
		FROM collection_batch_items
		WHERE batch_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.BatchItem
		if err := rows.Scan(
			&item.ID,
			&item.BatchID,
			&item.Position,
			&item.InvoiceID,
			&item.MemberID,
			&item.MandateID,
			&item.MandateSignDate,
			&item.DebtorName,
			&item.IBAN,
			&item.BIC,
			&item.AmountCents,
			&item.SequenceType,
			&item.Status,
			&item.FailureReason,
			&item.RetryScheduleID,
			&item.RemittanceInfo,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		b.Items = append(b.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBatches returns recent batches without their items.
func (r *Repository) ListBatches(ctx context.Context, status *domain.BatchStatus, limit int) ([]domain.Batch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, batch_date, collection_date, status, currency, total_cents, notice_exception_ref,
		       archive_key, exported_at, completed_at, created_at, updated_at
		FROM collection_batches
		WHERE $1::TEXT IS NULL OR status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(
			&b.ID,
			&b.BatchDate,
			&b.CollectionDate,
			&b.Status,
			&b.Currency,
			&b.TotalCents,
			&b.NoticeExceptionRef,
			&b.ArchiveKey,
			&b.ExportedAt,
			&b.CompletedAt,
			&b.CreatedAt,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkBatchExported records the archive key and moves a Draft batch to Exported.
func (r *Repository) MarkBatchExported(ctx context.Context, id, archiveKey string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE collection_batches
		SET status = 'Exported', archive_key = $2, exported_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'Draft'
	`, id, archiveKey, at)
	return r.checkBatchMove(ctx, id, domain.BatchDraft, tag, err)
}

// CancelBatch releases a Draft batch.
func (r *Repository) CancelBatch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE collection_batches
		SET status = 'Cancelled', updated_at = $2
		WHERE id = $1 AND status = 'Draft'
	`, id, at)
	return r.checkBatchMove(ctx, id, domain.BatchDraft, tag, err)
}

// CompleteBatch closes an Exported batch once every item has an outcome.
func (r *Repository) CompleteBatch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE collection_batches
		SET status = 'Completed', completed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'Exported'
	`, id, at)
	return r.checkBatchMove(ctx, id, domain.BatchExported, tag, err)
}

func (r *Repository) checkBatchMove(ctx context.Context, id string, from domain.BatchStatus, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collection_batches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrBatchNotFound
	}
	return fmt.Errorf("%w: %s is not %s", ErrBatchStateChanged, id, from)
}

// SettleItem applies one bank outcome: the item status moves only from
// Pending, a history row is written, and for collections the invoice
// outstanding and the mandate's last collection are updated.
func (r *Repository) SettleItem(ctx context.Context, p SettleItemParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE collection_batch_items
		SET status = $3, failure_reason = $4, updated_at = $5
		WHERE batch_id = $1 AND id = $2 AND status = 'Pending'
	`, p.BatchID, p.ItemID, string(p.Status), p.ReasonCode, p.SettledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemAlreadyFinal
	}

	h := p.History
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_history (
			id, member_id, invoice_id, batch_id, item_id, mandate_id, amount_cents, status,
			reason_code, requires_customer_action, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.MemberID, h.InvoiceID, h.BatchID, h.ItemID, h.MandateID, h.AmountCents, string(h.Status),
		h.ReasonCode, h.RequiresCustomerAction, h.RecordedAt); err != nil {
		return fmt.Errorf("insert payment history: %w", err)
	}

	if p.Status == domain.ItemCollected {
		if _, err := tx.Exec(ctx, `
			UPDATE invoices
			SET outstanding_cents = GREATEST(outstanding_cents - $2, 0),
			    status = CASE WHEN outstanding_cents - $2 <= 0 THEN 'Paid' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1
		`, p.InvoiceID, p.AmountCents); err != nil {
			return fmt.Errorf("update invoice outstanding: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE mandates SET last_collected_at = $2 WHERE id = $1
		`, p.MandateID, p.SettledAt); err != nil {
			return fmt.Errorf("update mandate last collection: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListPaymentHistory returns the most recent outcomes recorded for a member.
func (r *Repository) ListPaymentHistory(ctx context.Context, memberID string, limit int) ([]domain.PaymentHistoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, member_id, invoice_id, batch_id, item_id, mandate_id, amount_cents, status,
		       reason_code, requires_customer_action, recorded_at
		FROM payment_history
		WHERE member_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.PaymentHistoryEntry
	for rows.Next() {
		var h domain.PaymentHistoryEntry
		if err := rows.Scan(
			&h.ID,
			&h.MemberID,
			&h.InvoiceID,
			&h.BatchID,
			&h.ItemID,
			&h.MandateID,
			&h.AmountCents,
			&h.Status,
			&h.ReasonCode,
			&h.RequiresCustomerAction,
			&h.RecordedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
