/**
 * @description
 * Data access layer for the SEPA collection service.
 *
 * @notes
 * - Every multi-row write runs in one transaction; callers never see a
 *   half-persisted batch, invoice or settlement.
 * - Mandate writes carry the version read by the caller. A stale version
 *   returns ErrVersionConflict and nothing is written.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/verenigingen/sepa-service/internal/domain"
)

var (
	ErrMandateNotFound       = errors.New("mandate not found")
	ErrActiveMandateExists   = errors.New("member already has an active mandate for this IBAN")
	ErrMandateIDTaken        = errors.New("mandate id already taken")
	ErrVersionConflict       = errors.New("version conflict")
	ErrScheduleNotFound      = errors.New("dues schedule not found")
	ErrAlreadyInvoiced       = errors.New("period already invoiced")
	ErrScheduleAdvanced      = errors.New("schedule was advanced by another run")
	ErrInvoiceNotFound       = errors.New("invoice not found")
	ErrBatchNotFound         = errors.New("batch not found")
	ErrBatchStateChanged     = errors.New("batch is not in the expected status")
	ErrMemberInOpenBatch     = errors.New("member already has a pending item in an open batch")
	ErrItemAlreadyFinal      = errors.New("batch item already has a final status")
	ErrRetryScheduleNotFound = errors.New("retry schedule not found")
)

// batchBuildLockKey serializes batch creation across service instances.
const batchBuildLockKey int64 = 0x5345_5041_4444

// Repository handles database operations for mandates, dues, batches and retries.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Ping checks the database connection for health probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// MandateUsage counts the items collected or in flight under one mandate.
type MandateUsage struct {
	Collected int
	Pending   int
}

// SettleItemParams describes one bank outcome applied to a batch item.
type SettleItemParams struct {
	BatchID     string
	ItemID      string
	Status      domain.ItemStatus
	ReasonCode  *string
	History     domain.PaymentHistoryEntry
	InvoiceID   string
	MandateID   string
	AmountCents int64
	SettledAt   time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
