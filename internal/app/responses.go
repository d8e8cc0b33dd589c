/**
 * @description
 * Applies bank outcomes to batch items. Collections reduce the invoice and
 * notify the ledger; rejections are classified through the reason code table,
 * which decides the mandate action and whether a retry is planned.
 *
 * @notes
 * - Settling an item is conditional on it still being Pending, so replaying a
 *   response file is a no-op for items that already have an outcome.
 * - Every outcome writes a payment history row, successful or not.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// ApplyResult counts what one bank response did.
type ApplyResult struct {
	BatchID          string `json:"batch_id"`
	Collected        int    `json:"collected"`
	Failed           int    `json:"failed"`
	AlreadyProcessed int    `json:"already_processed"`
	Unmatched        int    `json:"unmatched"`
	Invalid          int    `json:"invalid"`
	RetriesScheduled int    `json:"retries_scheduled"`
	BatchCompleted   bool   `json:"batch_completed"`
}

// ResponseProcessor reconciles bank responses with batches.
type ResponseProcessor struct {
	repo     BatchRepository
	mandates *MandateManager
	retries  *RetryScheduler
	ledger   LedgerClient
	rt       Runtime
}

// NewResponseProcessor creates a new response processor.
func NewResponseProcessor(repo BatchRepository, mandates *MandateManager, retries *RetryScheduler, ledger LedgerClient, rt Runtime) *ResponseProcessor {
	return &ResponseProcessor{repo: repo, mandates: mandates, retries: retries, ledger: ledger, rt: rt.withDefaults()}
}

// Apply processes the transactions reported for one batch.
func (p *ResponseProcessor) Apply(ctx context.Context, batchID string, transactions []domain.BankTransaction) (*ApplyResult, error) {
	batch, err := p.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != domain.BatchExported && batch.Status != domain.BatchCompleted {
		return nil, &domain.RuleViolationError{Rule: "batch_not_exported", Message: fmt.Sprintf("batch %s is %s; responses apply to exported batches only", batch.ID, batch.Status)}
	}

	result := &ApplyResult{BatchID: batch.ID}
	for _, tx := range transactions {
		item, ok := batch.FindItem(strings.TrimSpace(tx.Reference))
		if !ok {
			result.Unmatched++
			p.rt.Logger.Warn("bank response references unknown item", "batch_id", batch.ID, "reference", tx.Reference)
			continue
		}
		outcome, ok := domain.ParseOutcome(tx.Outcome)
		if !ok {
			result.Invalid++
			p.rt.Logger.Warn("bank response has unknown outcome", "batch_id", batch.ID, "item_id", item.ID, "outcome", tx.Outcome)
			continue
		}
		if item.Status.IsTerminal() {
			result.AlreadyProcessed++
			continue
		}

		at := tx.ReceivedAt
		if at.IsZero() {
			at = p.rt.Now()
		}

		switch outcome {
		case domain.OutcomeCollected:
			err = p.applyCollected(ctx, batch, item, at)
		default:
			var retried bool
			retried, err = p.applyRejected(ctx, batch, item, tx.ReasonCode, at)
			if err == nil && retried {
				result.RetriesScheduled++
			}
		}
		if errors.Is(err, store.ErrItemAlreadyFinal) {
			result.AlreadyProcessed++
			continue
		}
		if err != nil {
			return result, fmt.Errorf("apply outcome for item %s: %w", item.ID, err)
		}
		if outcome == domain.OutcomeCollected {
			result.Collected++
		} else {
			result.Failed++
		}
	}

	if batch.Status == domain.BatchExported && batch.AllItemsTerminal() {
		if err := p.completeBatch(ctx, batch); err != nil {
			return result, err
		}
		result.BatchCompleted = batch.Status == domain.BatchCompleted
	}

	p.rt.Logger.Info("bank response applied",
		"batch_id", batch.ID,
		"collected", result.Collected,
		"failed", result.Failed,
		"already_processed", result.AlreadyProcessed,
		"unmatched", result.Unmatched,
		"invalid", result.Invalid,
	)
	return result, nil
}

func (p *ResponseProcessor) applyCollected(ctx context.Context, batch *domain.Batch, item *domain.BatchItem, at time.Time) error {
	err := p.repo.SettleItem(ctx, store.SettleItemParams{
		BatchID: batch.ID,
		ItemID:  item.ID,
		Status:  domain.ItemCollected,
		History: domain.PaymentHistoryEntry{
			ID:          uuid.NewString(),
			MemberID:    item.MemberID,
			InvoiceID:   item.InvoiceID,
			BatchID:     batch.ID,
			ItemID:      item.ID,
			MandateID:   item.MandateID,
			AmountCents: item.AmountCents,
			Status:      domain.HistoryCompleted,
			RecordedAt:  at,
		},
		InvoiceID:   item.InvoiceID,
		MandateID:   item.MandateID,
		AmountCents: item.AmountCents,
		SettledAt:   at,
	})
	if err != nil {
		return err
	}
	item.Status = domain.ItemCollected
	p.rt.Metrics.ItemOutcome(string(domain.OutcomeCollected), "")

	// The ledger also consumes payment.collected, so a failed call is not fatal.
	if invoice, err := p.repo.GetInvoice(ctx, item.InvoiceID); err != nil {
		p.rt.Logger.Error("failed to load invoice for ledger update", "invoice_id", item.InvoiceID, "error", err)
	} else if err := p.ledger.MarkPaid(ctx, invoice.LedgerRef, item.AmountCents); err != nil {
		p.rt.Logger.Error("failed to mark ledger invoice paid", "invoice_id", item.InvoiceID, "ledger_ref", invoice.LedgerRef, "error", err)
	}

	if item.RetryScheduleID != nil {
		if err := p.retries.MarkSuccessful(ctx, *item.RetryScheduleID); err != nil {
			p.rt.Logger.Error("failed to close retry schedule", "retry_schedule_id", *item.RetryScheduleID, "error", err)
		}
	}

	p.rt.publish(ctx, domain.EventPaymentCollected, domain.PaymentEvent{
		BatchID:     batch.ID,
		ItemID:      item.ID,
		InvoiceID:   item.InvoiceID,
		MemberID:    item.MemberID,
		MandateID:   item.MandateID,
		AmountCents: item.AmountCents,
		OccurredAt:  at,
	})
	return nil
}

// applyRejected reports whether a retry is now scheduled for the invoice.
func (p *ResponseProcessor) applyRejected(ctx context.Context, batch *domain.Batch, item *domain.BatchItem, rawCode string, at time.Time) (bool, error) {
	code, known := domain.LookupReasonCode(rawCode)
	if !known {
		p.rt.Logger.Warn("unknown SEPA reason code", "batch_id", batch.ID, "item_id", item.ID, "reason_code", rawCode)
	}
	reason := code.Code
	if reason == "" {
		reason = "UNSPECIFIED"
	}

	err := p.repo.SettleItem(ctx, store.SettleItemParams{
		BatchID:    batch.ID,
		ItemID:     item.ID,
		Status:     domain.ItemFailed,
		ReasonCode: &reason,
		History: domain.PaymentHistoryEntry{
			ID:                     uuid.NewString(),
			MemberID:               item.MemberID,
			InvoiceID:              item.InvoiceID,
			BatchID:                batch.ID,
			ItemID:                 item.ID,
			MandateID:              item.MandateID,
			AmountCents:            item.AmountCents,
			Status:                 domain.HistoryFailed,
			ReasonCode:             &reason,
			RequiresCustomerAction: code.RequiresCustomerAction || !code.RetryEligible,
			RecordedAt:             at,
		},
		InvoiceID:   item.InvoiceID,
		MandateID:   item.MandateID,
		AmountCents: item.AmountCents,
		SettledAt:   at,
	})
	if err != nil {
		return false, err
	}
	item.Status = domain.ItemFailed
	item.FailureReason = &reason
	p.rt.Metrics.ItemOutcome(string(domain.OutcomeRejected), reason)

	mandateReason := fmt.Sprintf("bank rejection %s: %s", reason, code.Description)
	var mandateErr error
	switch code.MandateAction {
	case domain.MandateActionSuspend:
		_, mandateErr = p.mandates.Suspend(ctx, item.MandateID, mandateReason)
	case domain.MandateActionCancel:
		_, mandateErr = p.mandates.Cancel(ctx, item.MandateID, mandateReason)
	}
	if mandateErr != nil {
		// A mandate that is already suspended or ended stays out of future batches anyway.
		p.rt.Logger.Warn("mandate action after rejection not applied", "mandate_id", item.MandateID, "action", code.MandateAction, "error", mandateErr)
	}

	code.Code = reason
	retry, err := p.retries.HandleFailure(ctx, *item, code, at)
	if err != nil {
		// The failure is recorded; the retry can be planned by hand.
		p.rt.Logger.Error("failed to schedule retry", "item_id", item.ID, "invoice_id", item.InvoiceID, "error", err)
	}
	retried := retry != nil && retry.Status == domain.RetryScheduled

	p.rt.publish(ctx, domain.EventPaymentFailed, domain.PaymentEvent{
		BatchID:                batch.ID,
		ItemID:                 item.ID,
		InvoiceID:              item.InvoiceID,
		MemberID:               item.MemberID,
		MandateID:              item.MandateID,
		AmountCents:            item.AmountCents,
		ReasonCode:             reason,
		RetryScheduled:         retried,
		RequiresCustomerAction: !retried,
		OccurredAt:             at,
	})
	return retried, nil
}

func (p *ResponseProcessor) completeBatch(ctx context.Context, batch *domain.Batch) error {
	now := p.rt.Now()
	if err := p.repo.CompleteBatch(ctx, batch.ID, now); err != nil {
		if errors.Is(err, store.ErrBatchStateChanged) {
			return nil
		}
		return fmt.Errorf("complete batch %s: %w", batch.ID, err)
	}
	batch.Status = domain.BatchCompleted
	batch.CompletedAt = &now

	collected := 0
	for _, item := range batch.Items {
		if item.Status == domain.ItemCollected {
			collected++
		}
	}
	p.rt.Metrics.BatchStatus(string(domain.BatchCompleted))
	p.rt.Logger.Info("collection batch completed", "batch_id", batch.ID, "collected", collected, "failed", len(batch.Items)-collected)
	p.rt.publish(ctx, domain.EventBatchCompleted, domain.BatchEvent{
		BatchID:        batch.ID,
		Status:         batch.Status,
		CollectionDate: batch.CollectionDate,
		ItemCount:      len(batch.Items),
		TotalCents:     batch.TotalCents,
		CollectedCount: collected,
		FailedCount:    len(batch.Items) - collected,
		OccurredAt:     now,
	})
	return nil
}
