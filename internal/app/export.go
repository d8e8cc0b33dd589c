package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/pain008"
	"github.com/verenigingen/sepa-service/internal/store"
)

// ExportResult carries the encoded bank file of a batch.
type ExportResult struct {
	Batch      *domain.Batch
	XML        []byte
	ArchiveKey string
	Location   string
}

// BatchExporter encodes Draft batches to pain.008, archives the file and
// marks the batch Exported. Any failure leaves the batch Draft.
type BatchExporter struct {
	repo    BatchRepository
	archive Archive
	rt      Runtime
}

// NewBatchExporter creates a new exporter.
func NewBatchExporter(repo BatchRepository, archive Archive, rt Runtime) *BatchExporter {
	return &BatchExporter{repo: repo, archive: archive, rt: rt.withDefaults()}
}

// ArchiveKey is where the bank file of a batch is stored.
func ArchiveKey(batch *domain.Batch) string {
	return fmt.Sprintf("pain008/%04d/%02d/%s.xml", batch.BatchDate.Year(), int(batch.BatchDate.Month()), batch.ID)
}

// Export returns the bank file of a batch. Exported and Completed batches are
// re-encoded with their original creation time and keep their status.
func (e *BatchExporter) Export(ctx context.Context, batchID string) (*ExportResult, error) {
	batch, err := e.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	switch batch.Status {
	case domain.BatchExported, domain.BatchCompleted:
		createdAt := batch.UpdatedAt
		if batch.ExportedAt != nil {
			createdAt = *batch.ExportedAt
		}
		xml, err := e.encode(batch, createdAt)
		if err != nil {
			return nil, err
		}
		result := &ExportResult{Batch: batch, XML: xml}
		if batch.ArchiveKey != nil {
			result.ArchiveKey = *batch.ArchiveKey
		}
		return result, nil
	case domain.BatchDraft:
	default:
		return nil, &domain.RuleViolationError{Rule: "batch_transition", Message: fmt.Sprintf("batch %s is %s and cannot be exported", batch.ID, batch.Status)}
	}

	now := e.rt.Now()
	xml, err := e.encode(batch, now)
	if err != nil {
		e.rt.Logger.Error("failed to encode batch, batch left in Draft", "batch_id", batch.ID, "error", err)
		return nil, err
	}

	key := ArchiveKey(batch)
	location, err := e.archive.Put(ctx, key, xml, "application/xml")
	if err != nil {
		e.rt.Logger.Error("failed to archive bank file, batch left in Draft", "batch_id", batch.ID, "key", key, "error", err)
		return nil, fmt.Errorf("archive bank file: %w", err)
	}

	if err := e.repo.MarkBatchExported(ctx, batch.ID, key, now); err != nil {
		if errors.Is(err, store.ErrBatchStateChanged) {
			return nil, &domain.RuleViolationError{Rule: "batch_transition", Message: fmt.Sprintf("batch %s changed status during export", batch.ID)}
		}
		return nil, fmt.Errorf("mark batch exported: %w", err)
	}
	batch.Status = domain.BatchExported
	batch.ExportedAt = &now
	batch.ArchiveKey = &key

	e.rt.Metrics.BatchStatus(string(domain.BatchExported))
	e.rt.Logger.Info("collection batch exported",
		"batch_id", batch.ID,
		"items", len(batch.Items),
		"total_cents", batch.TotalCents,
		"archive_key", key,
	)
	e.rt.publish(ctx, domain.EventBatchExported, domain.BatchEvent{
		BatchID:        batch.ID,
		Status:         batch.Status,
		CollectionDate: batch.CollectionDate,
		ItemCount:      len(batch.Items),
		TotalCents:     batch.TotalCents,
		ArchiveKey:     key,
		OccurredAt:     now,
	})
	return &ExportResult{Batch: batch, XML: xml, ArchiveKey: key, Location: location}, nil
}

// encode maps encoder failures to validation errors: the batch content is
// what needs correcting before the export can be retried.
func (e *BatchExporter) encode(batch *domain.Batch, createdAt time.Time) ([]byte, error) {
	xml, err := pain008.Encode(batch, e.rt.Settings.Creditor, createdAt)
	if err != nil {
		return nil, &domain.ValidationError{Field: "batch", Message: fmt.Sprintf("batch %s cannot be encoded: %v", batch.ID, err)}
	}
	return xml, nil
}
