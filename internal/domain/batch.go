/**
 * @description
 * Direct debit collection batches and their items.
 *
 * @notes
 * - A batch is immutable once exported; only item statuses and the batch
 *   status move afterwards, driven by bank responses.
 * - TotalCents must equal the sum of item amounts after every mutation.
 *   Validate never repairs a mismatch.
 */
package domain

import (
	"time"

	"github.com/samber/lo"
)

// BatchStatus is the lifecycle state of a collection batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "Draft"
	BatchExported  BatchStatus = "Exported"
	BatchCompleted BatchStatus = "Completed"
	BatchCancelled BatchStatus = "Cancelled"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchDraft:    {BatchExported, BatchCancelled},
	BatchExported: {BatchCompleted},
}

// CanTransition reports whether the batch table allows the move.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	return lo.Contains(batchTransitions[s], to)
}

// IsOpen is true while items of the batch may still be collected.
func (s BatchStatus) IsOpen() bool {
	return s == BatchDraft || s == BatchExported
}

// ItemStatus is the collection outcome of one batch item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "Pending"
	ItemCollected ItemStatus = "Collected"
	ItemFailed    ItemStatus = "Failed"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending: {ItemCollected, ItemFailed},
}

// CanTransition reports whether the item table allows the move.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	return lo.Contains(itemTransitions[s], to)
}

// IsTerminal is true once the bank reported an outcome.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemCollected || s == ItemFailed
}

// BatchItem is one member's collection entry. Debtor and mandate details are
// snapshotted at build time so the exported file never changes afterwards.
type BatchItem struct {
	ID              string       `json:"id"`
	BatchID         string       `json:"batch_id"`
	Position        int          `json:"position"`
	InvoiceID       string       `json:"invoice_id"`
	MemberID        string       `json:"member_id"`
	MandateID       string       `json:"mandate_reference"`
	MandateSignDate time.Time    `json:"mandate_sign_date"`
	DebtorName      string       `json:"debtor_name"`
	IBAN            string       `json:"iban"`
	BIC             string       `json:"bic,omitempty"`
	AmountCents     int64        `json:"amount_cents"`
	SequenceType    SequenceType `json:"sequence_type"`
	Status          ItemStatus   `json:"status"`
	FailureReason   *string      `json:"failure_reason,omitempty"`
	RetryScheduleID *string      `json:"retry_schedule_id,omitempty"`
	RemittanceInfo  string       `json:"remittance_info"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Batch groups the items collected on one collection date.
type Batch struct {
	ID                 string      `json:"id"`
	BatchDate          time.Time   `json:"batch_date"`
	CollectionDate     time.Time   `json:"collection_date"`
	Status             BatchStatus `json:"status"`
	Currency           string      `json:"currency"`
	TotalCents         int64       `json:"total_cents"`
	Items              []BatchItem `json:"items"`
	NoticeExceptionRef *string     `json:"notice_exception_ref,omitempty"`
	ArchiveKey         *string     `json:"archive_key,omitempty"`
	ExportedAt         *time.Time  `json:"exported_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// SumItems adds up the item amounts.
func (b *Batch) SumItems() int64 {
	return lo.SumBy(b.Items, func(item BatchItem) int64 { return item.AmountCents })
}

// Recalculate sets TotalCents from the items. Builders call it once after
// assembling; persisted totals are only ever compared, never rewritten.
func (b *Batch) Recalculate() {
	b.TotalCents = b.SumItems()
}

// AllItemsTerminal reports whether every item has a bank outcome.
func (b *Batch) AllItemsTerminal() bool {
	return len(b.Items) > 0 && lo.EveryBy(b.Items, func(item BatchItem) bool { return item.Status.IsTerminal() })
}

// FindItem resolves an item by its end-to-end reference.
func (b *Batch) FindItem(reference string) (*BatchItem, bool) {
	for i := range b.Items {
		if b.Items[i].ID == reference {
			return &b.Items[i], true
		}
	}
	return nil, false
}

// NoticePolicy carries the minimum notice configured for collections.
type NoticePolicy struct {
	RecurringBusinessDays int
	FirstUseBusinessDays  int
}

// EarliestCollectionDate returns the first allowed collection date for a batch
// built on batchDate. The shortened first-use notice applies only with a
// documented exception.
func (p NoticePolicy) EarliestCollectionDate(batchDate time.Time, withException bool) time.Time {
	days := p.RecurringBusinessDays
	if withException {
		days = p.FirstUseBusinessDays
	}
	return AddBusinessDays(batchDate, days)
}

// Validate runs the checks every save must pass.
func (b *Batch) Validate(policy NoticePolicy) error {
	if len(b.Items) == 0 {
		return invalid("items", "batch %s has no items", b.ID)
	}
	if sum := b.SumItems(); sum != b.TotalCents {
		return invalid("total_amount", "control sum mismatch: batch total %d does not equal item sum %d", b.TotalCents, sum)
	}

	withException := b.NoticeExceptionRef != nil && *b.NoticeExceptionRef != ""
	earliest := policy.EarliestCollectionDate(b.BatchDate, withException)
	if DateOf(b.CollectionDate).Before(earliest) {
		return invalid("collection_date", "collection date %s is before the earliest allowed date %s",
			b.CollectionDate.Format(time.DateOnly), earliest.Format(time.DateOnly))
	}

	seen := make(map[[2]string]struct{}, len(b.Items))
	for _, item := range b.Items {
		if item.AmountCents <= 0 {
			return invalid("amount", "item %s has a non-positive amount", item.ID)
		}
		if item.MandateID == "" {
			return invalid("mandate_reference", "item %s has no mandate reference", item.ID)
		}
		if withException && item.SequenceType != SequenceFirst {
			return invalid("notice_exception_ref", "shortened notice only applies to first collections, item %s is %s", item.ID, item.SequenceType)
		}
		key := [2]string{item.MemberID, item.MandateID}
		if _, dup := seen[key]; dup {
			return violation("duplicate_member", "member %s appears twice with mandate %s", item.MemberID, item.MandateID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// CollectionCandidate is an open invoice that may be collected in the next
// batch, together with a due retry when the invoice failed before.
type CollectionCandidate struct {
	Invoice          Invoice
	MemberName       string
	PaymentMethod    PaymentMethod
	RetryScheduleID  *string
	RetryAmountCents int64
}

// AmountToCollect is the retry amount for retries, else the outstanding amount.
func (c CollectionCandidate) AmountToCollect() int64 {
	if c.RetryScheduleID != nil && c.RetryAmountCents > 0 {
		return c.RetryAmountCents
	}
	return c.Invoice.OutstandingCents
}
