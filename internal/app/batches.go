/**
 * @description
 * Collection batch construction. Open invoices of direct debit members are
 * matched to their Active mandate, checked against the mandate's limits and
 * written as one Draft batch.
 *
 * @notes
 * - A build runs under the "batch-build" run lock and the store re-checks
 *   in-flight members inside the insert transaction, so two builds cannot
 *   put the same member in two open batches.
 * - A member gets one item per batch, for the oldest due invoice. Later
 *   invoices are deferred to the next run.
 * - Members without a usable mandate are excluded and reported; their
 *   invoices stay open.
 * - A notice exception batch only takes first collections; RCUR and OOFF
 *   items are excluded.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// ErrBuildInProgress is returned when another batch build holds the run lock.
var ErrBuildInProgress = errors.New("a batch build is already in progress")

// BuildRequest asks for a batch collecting on CollectionDate.
type BuildRequest struct {
	CollectionDate time.Time
	// NoticeExceptionRef documents a pre-notified first collection and
	// allows the shortened notice period.
	NoticeExceptionRef string
}

// Exclusion names an invoice left out of a batch and why.
type Exclusion struct {
	InvoiceID string `json:"invoice_id"`
	MemberID  string `json:"member_id"`
	Reason    string `json:"reason"`
}

// BuildResult is the outcome of a build. Batch is nil when nothing was collectable.
type BuildResult struct {
	Batch    *domain.Batch `json:"batch,omitempty"`
	Excluded []Exclusion   `json:"excluded"`
	Deferred []Exclusion   `json:"deferred"`
}

// BatchBuilder assembles collection batches.
type BatchBuilder struct {
	repo     BatchRepository
	mandates *MandateManager
	lock     RunLock
	ids      *snowflake.Node
	rt       Runtime
}

// NewBatchBuilder creates a new batch builder.
func NewBatchBuilder(repo BatchRepository, mandates *MandateManager, lock RunLock, ids *snowflake.Node, rt Runtime) *BatchBuilder {
	return &BatchBuilder{repo: repo, mandates: mandates, lock: lock, ids: ids, rt: rt.withDefaults()}
}

// Build selects the collectable invoices and persists them as a Draft batch.
func (b *BatchBuilder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	today := b.rt.today()
	if req.CollectionDate.IsZero() {
		return nil, &domain.ValidationError{Field: "collection_date", Message: "collection date is required"}
	}
	collectionDate := domain.DateOf(req.CollectionDate.In(today.Location()))
	exceptionRef := strings.TrimSpace(req.NoticeExceptionRef)

	earliest := b.rt.Settings.Notice().EarliestCollectionDate(today, exceptionRef != "")
	if collectionDate.Before(earliest) {
		return nil, &domain.ValidationError{
			Field: "collection_date",
			Message: fmt.Sprintf("collection date %s is before the earliest allowed date %s",
				collectionDate.Format(time.DateOnly), earliest.Format(time.DateOnly)),
		}
	}

	release, err := b.lock.Acquire(ctx, "batch-build", 10*time.Minute)
	if err != nil {
		if errors.Is(err, ErrRunLocked) {
			return nil, ErrBuildInProgress
		}
		return nil, err
	}
	defer release()

	candidates, err := b.repo.ListCollectionCandidates(ctx, collectionDate)
	if err != nil {
		return nil, fmt.Errorf("list collection candidates: %w", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, c := candidates[i].Invoice, candidates[j].Invoice
		if !a.DueDate.Equal(c.DueDate) {
			return a.DueDate.Before(c.DueDate)
		}
		return a.ID < c.ID
	})

	batchID := "DDB-" + b.ids.Generate().String()
	batch := &domain.Batch{
		ID:             batchID,
		BatchDate:      today,
		CollectionDate: collectionDate,
		Status:         domain.BatchDraft,
		Currency:       b.rt.Settings.Currency,
	}
	if exceptionRef != "" {
		batch.NoticeExceptionRef = &exceptionRef
	}

	result := &BuildResult{Excluded: []Exclusion{}, Deferred: []Exclusion{}}
	placed := make(map[string]bool)
	for _, candidate := range candidates {
		invoice := candidate.Invoice
		if placed[invoice.MemberID] {
			result.Deferred = append(result.Deferred, Exclusion{InvoiceID: invoice.ID, MemberID: invoice.MemberID, Reason: "member already has an item in this batch"})
			continue
		}

		item, reason, err := b.itemFor(ctx, candidate, collectionDate)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			b.rt.Logger.Info("invoice excluded from batch", "invoice_id", invoice.ID, "member_id", invoice.MemberID, "reason", reason)
			result.Excluded = append(result.Excluded, Exclusion{InvoiceID: invoice.ID, MemberID: invoice.MemberID, Reason: reason})
			continue
		}

		if exceptionRef != "" && item.SequenceType != domain.SequenceFirst {
			result.Excluded = append(result.Excluded, Exclusion{InvoiceID: invoice.ID, MemberID: invoice.MemberID, Reason: "shortened notice applies to first collections only"})
			continue
		}

		item.Position = len(batch.Items) + 1
		item.ID = fmt.Sprintf("%s-%d", batchID, item.Position)
		item.BatchID = batchID
		batch.Items = append(batch.Items, *item)
		placed[invoice.MemberID] = true
	}

	if len(batch.Items) == 0 {
		b.rt.Logger.Info("no collectable invoices, batch not created",
			"collection_date", collectionDate.Format(time.DateOnly),
			"excluded", len(result.Excluded),
		)
		return result, nil
	}

	batch.Recalculate()
	if err := batch.Validate(b.rt.Settings.Notice()); err != nil {
		return nil, err
	}

	if err := b.repo.CreateBatch(ctx, batch); err != nil {
		if errors.Is(err, store.ErrMemberInOpenBatch) {
			return nil, &domain.RuleViolationError{Rule: "member_in_open_batch", Message: err.Error()}
		}
		return nil, fmt.Errorf("create batch: %w", err)
	}

	b.rt.Metrics.BatchPersisted(len(batch.Items), batch.TotalCents)
	b.rt.Logger.Info("collection batch created",
		"batch_id", batch.ID,
		"collection_date", collectionDate.Format(time.DateOnly),
		"items", len(batch.Items),
		"total_cents", batch.TotalCents,
		"excluded", len(result.Excluded),
		"deferred", len(result.Deferred),
	)
	result.Batch = batch
	return result, nil
}

// itemFor returns the batch item for a candidate, or the reason it cannot be
// collected. Errors are reserved for infrastructure failures.
func (b *BatchBuilder) itemFor(ctx context.Context, candidate domain.CollectionCandidate, collectionDate time.Time) (*domain.BatchItem, string, error) {
	invoice := candidate.Invoice

	mandate, err := b.mandates.repo.GetActiveMandateForMember(ctx, invoice.MemberID)
	if err != nil {
		if errors.Is(err, store.ErrMandateNotFound) {
			return nil, "no active mandate", nil
		}
		return nil, "", fmt.Errorf("load mandate of member %s: %w", invoice.MemberID, err)
	}

	amount := candidate.AmountToCollect()
	if err := b.mandates.ValidateUsage(ctx, mandate, amount, collectionDate); err != nil {
		var rule *domain.RuleViolationError
		var invalid *domain.ValidationError
		if errors.As(err, &rule) || errors.As(err, &invalid) {
			return nil, err.Error(), nil
		}
		return nil, "", err
	}
	if mandate.FirstCollectionDate != nil && collectionDate.Before(domain.DateOf(*mandate.FirstCollectionDate)) {
		return nil, fmt.Sprintf("mandate %s cannot be collected before %s", mandate.ID, mandate.FirstCollectionDate.Format(time.DateOnly)), nil
	}

	sequence, err := b.mandates.DetermineSequenceType(ctx, mandate)
	if err != nil {
		return nil, "", err
	}

	debtorName := mandate.DebtorName
	if debtorName == "" {
		debtorName = candidate.MemberName
	}
	reference := invoice.LedgerRef
	if reference == "" {
		reference = invoice.ID
	}

	return &domain.BatchItem{
		InvoiceID:       invoice.ID,
		MemberID:        invoice.MemberID,
		MandateID:       mandate.ID,
		MandateSignDate: mandate.SignDate,
		DebtorName:      debtorName,
		IBAN:            mandate.IBAN,
		BIC:             mandate.BIC,
		AmountCents:     amount,
		SequenceType:    sequence,
		Status:          domain.ItemPending,
		RetryScheduleID: candidate.RetryScheduleID,
		RemittanceInfo:  fmt.Sprintf("Dues %s %s", invoice.PeriodStart.Format("2006-01"), reference),
	}, "", nil
}

// Get returns a batch with its items.
func (b *BatchBuilder) Get(ctx context.Context, id string) (*domain.Batch, error) {
	return b.repo.GetBatch(ctx, id)
}

// List returns recent batches, optionally filtered by status.
func (b *BatchBuilder) List(ctx context.Context, status *domain.BatchStatus, limit int) ([]domain.Batch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return b.repo.ListBatches(ctx, status, limit)
}

// Cancel releases a Draft batch so its invoices can be collected again.
func (b *BatchBuilder) Cancel(ctx context.Context, id string) error {
	if err := b.repo.CancelBatch(ctx, id, b.rt.Now()); err != nil {
		if errors.Is(err, store.ErrBatchStateChanged) {
			return &domain.RuleViolationError{Rule: "batch_transition", Message: fmt.Sprintf("batch %s is no longer a Draft and cannot be cancelled", id)}
		}
		return err
	}
	b.rt.Metrics.BatchStatus(string(domain.BatchCancelled))
	b.rt.Logger.Info("collection batch cancelled", "batch_id", id)
	return nil
}
