package store

import (
	"context"

	"github.com/verenigingen/sepa-service/internal/domain"
)

const retryColumns = `
	id, invoice_id, member_id, original_item_id, last_item_id, reason_code, retry_date,
	retry_amount_cents, attempt, max_attempts, status, created_at, updated_at`

func scanRetry(row rowScanner) (*domain.RetrySchedule, error) {
	var rs domain.RetrySchedule
	if err := row.Scan(
		&rs.ID,
		&rs.InvoiceID,
		&rs.MemberID,
		&rs.OriginalItemID,
		&rs.LastItemID,
		&rs.ReasonCode,
		&rs.RetryDate,
		&rs.RetryAmountCents,
		&rs.Attempt,
		&rs.MaxAttempts,
		&rs.Status,
		&rs.CreatedAt,
		&rs.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rs, nil
}

// CreateRetrySchedule inserts a retry schedule.
func (r *Repository) CreateRetrySchedule(ctx context.Context, rs *domain.RetrySchedule) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO retry_schedules (
			id, invoice_id, member_id, original_item_id, last_item_id, reason_code, retry_date,
			retry_amount_cents, attempt, max_attempts, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, rs.ID, rs.InvoiceID, rs.MemberID, rs.OriginalItemID, rs.LastItemID, rs.ReasonCode, rs.RetryDate,
		rs.RetryAmountCents, rs.Attempt, rs.MaxAttempts, string(rs.Status),
	).Scan(&rs.CreatedAt, &rs.UpdatedAt)
}

// GetRetrySchedule returns a retry schedule by id.
func (r *Repository) GetRetrySchedule(ctx context.Context, id string) (*domain.RetrySchedule, error) {
	rs, err := scanRetry(r.db.QueryRow(ctx, `SELECT `+retryColumns+` FROM retry_schedules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrRetryScheduleNotFound)
	}
	return rs, nil
}

// UpdateRetrySchedule writes the schedule when its stored status still equals expected.
func (r *Repository) UpdateRetrySchedule(ctx context.Context, rs *domain.RetrySchedule, expected domain.RetryStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE retry_schedules
		SET last_item_id = $3,
		    reason_code = $4,
		    retry_date = $5,
		    attempt = $6,
		    status = $7,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, rs.ID, string(expected), rs.LastItemID, rs.ReasonCode, rs.RetryDate, rs.Attempt, string(rs.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListRetrySchedules returns retry schedules in the given status, soonest first.
func (r *Repository) ListRetrySchedules(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetrySchedule, error) {
	rows, err := r.db.Query(ctx, `SELECT `+retryColumns+`
		FROM retry_schedules
		WHERE status = $1
		ORDER BY retry_date, id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.RetrySchedule
	for rows.Next() {
		rs, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *rs)
	}
	return schedules, rows.Err()
}
