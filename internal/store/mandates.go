package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/verenigingen/sepa-service/internal/domain"
)

const mandateColumns = `
	id, member_id, debtor_name, iban, bic, mandate_type, status, status_reason, status_changed_at,
	sign_date, first_collection_date, expiry_date, activated_at, last_collected_at,
	previous_mandate_id, replaced_by_id, version, created_at, updated_at`

func scanMandate(row rowScanner) (*domain.Mandate, error) {
	var m domain.Mandate
	if err := row.Scan(
		&m.ID,
		&m.MemberID,
		&m.DebtorName,
		&m.IBAN,
		&m.BIC,
		&m.Type,
		&m.Status,
		&m.StatusReason,
		&m.StatusChangedAt,
		&m.SignDate,
		&m.FirstCollectionDate,
		&m.ExpiryDate,
		&m.ActivatedAt,
		&m.LastCollectedAt,
		&m.PreviousMandateID,
		&m.ReplacedByID,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMandate inserts a new mandate at version 1.
func (r *Repository) CreateMandate(ctx context.Context, m *domain.Mandate) error {
	query := `
		INSERT INTO mandates (
			id, member_id, debtor_name, iban, bic, mandate_type, status,
			sign_date, expiry_date, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		m.ID, m.MemberID, m.DebtorName, m.IBAN, m.BIC, m.Type, m.Status, m.SignDate, m.ExpiryDate,
	).Scan(&m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "mandates_pkey") {
			return fmt.Errorf("%w: %s", ErrMandateIDTaken, m.ID)
		}
		return err
	}
	return nil
}

// GetMandate returns a mandate by id.
func (r *Repository) GetMandate(ctx context.Context, id string) (*domain.Mandate, error) {
	m, err := scanMandate(r.db.QueryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrMandateNotFound)
	}
	return m, nil
}

// HasOpenMandate reports whether the member has a non-terminal mandate for the IBAN.
func (r *Repository) HasOpenMandate(ctx context.Context, memberID, iban, excludeID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM mandates
			WHERE member_id = $1
			  AND iban = $2
			  AND id <> $3
			  AND status IN ('Draft', 'Pending', 'Active', 'Suspended')
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, memberID, iban, excludeID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// GetActiveMandateForMember returns the most recently activated Active mandate.
func (r *Repository) GetActiveMandateForMember(ctx context.Context, memberID string) (*domain.Mandate, error) {
	query := `SELECT ` + mandateColumns + `
		FROM mandates
		WHERE member_id = $1 AND status = 'Active'
		ORDER BY activated_at DESC NULLS LAST, created_at DESC
		LIMIT 1`
	m, err := scanMandate(r.db.QueryRow(ctx, query, memberID))
	if err != nil {
		return nil, notFound(err, ErrMandateNotFound)
	}
	return m, nil
}

// UpdateMandate writes the mandate when the stored version still equals expectedVersion.
func (r *Repository) UpdateMandate(ctx context.Context, m *domain.Mandate, expectedVersion int) error {
	return updateMandate(ctx, r.db, m, expectedVersion)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateMandate(ctx context.Context, q execQuerier, m *domain.Mandate, expectedVersion int) error {
	query := `
		UPDATE mandates SET
			debtor_name = $3,
			bic = $4,
			status = $5,
			status_reason = $6,
			status_changed_at = $7,
			first_collection_date = $8,
			expiry_date = $9,
			activated_at = $10,
			previous_mandate_id = $11,
			replaced_by_id = $12,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`
	err := q.QueryRow(ctx, query,
		m.ID,
		expectedVersion,
		m.DebtorName,
		m.BIC,
		m.Status,
		m.StatusReason,
		m.StatusChangedAt,
		m.FirstCollectionDate,
		m.ExpiryDate,
		m.ActivatedAt,
		m.PreviousMandateID,
		m.ReplacedByID,
	).Scan(&m.Version, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrVersionConflict
		}
		if isUniqueViolation(err, "mandates_one_active_per_account") {
			return ErrActiveMandateExists
		}
		return err
	}
	return nil
}

// ReplaceMandates persists both sides of a replacement in one transaction.
func (r *Repository) ReplaceMandates(ctx context.Context, old *domain.Mandate, oldVersion int, successor *domain.Mandate, successorVersion int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateMandate(ctx, tx, old, oldVersion); err != nil {
		return fmt.Errorf("update replaced mandate %s: %w", old.ID, err)
	}
	if err := updateMandate(ctx, tx, successor, successorVersion); err != nil {
		return fmt.Errorf("update successor mandate %s: %w", successor.ID, err)
	}
	return tx.Commit(ctx)
}

// ListExpirableMandates returns mandates past their expiry date and Active
// mandates with no collection since dormantBefore.
func (r *Repository) ListExpirableMandates(ctx context.Context, asOf, dormantBefore time.Time) ([]domain.Mandate, error) {
	query := `SELECT ` + mandateColumns + `
		FROM mandates
		WHERE (status IN ('Active', 'Suspended') AND expiry_date IS NOT NULL AND expiry_date < $1::DATE)
		   OR (status = 'Active' AND COALESCE(last_collected_at, activated_at, created_at) < $2)
		ORDER BY id`
	rows, err := r.db.Query(ctx, query, asOf, dormantBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mandates []domain.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		mandates = append(mandates, *m)
	}
	return mandates, rows.Err()
}

// GetMandateUsage counts collected and pending items for a mandate.
func (r *Repository) GetMandateUsage(ctx context.Context, mandateID string) (MandateUsage, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE i.status = 'Collected'),
			COUNT(*) FILTER (WHERE i.status = 'Pending' AND b.status IN ('Draft', 'Exported'))
		FROM collection_batch_items i
		JOIN collection_batches b ON b.id = i.batch_id
		WHERE i.mandate_id = $1
	`
	var usage MandateUsage
	if err := r.db.QueryRow(ctx, query, mandateID).Scan(&usage.Collected, &usage.Pending); err != nil {
		return MandateUsage{}, err
	}
	return usage, nil
}

// NextMandateCounter atomically increments the counter for a pattern prefix.
// The first call for a prefix returns start.
func (r *Repository) NextMandateCounter(ctx context.Context, prefix string, start int64) (int64, error) {
	query := `
		INSERT INTO mandate_id_counters (prefix, last_value)
		VALUES ($1, $2)
		ON CONFLICT (prefix) DO UPDATE
		SET last_value = mandate_id_counters.last_value + 1,
		    updated_at = NOW()
		RETURNING last_value
	`
	var value int64
	if err := r.db.QueryRow(ctx, query, prefix, start).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}
