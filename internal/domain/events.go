/**
 * @description
 * Event payloads published on the events exchange. Consumers include the
 * ledger (invoice and payment events) and the notification system.
 */
package domain

import (
	"strings"
	"time"
)

// Routing keys.
const (
	EventInvoiceCreated   = "invoice.created"
	EventPaymentCollected = "payment.collected"
	EventPaymentFailed    = "payment.failed"
	EventMandateExpired   = "mandate.expired"
	EventMandateSuspended = "mandate.suspended"
	EventMandateCancelled = "mandate.cancelled"
	EventMandateReplaced  = "mandate.replaced"
	EventBatchExported    = "batch.exported"
	EventBatchCompleted   = "batch.completed"
	EventRetryExhausted   = "retry.exhausted"

	// RoutingBankResponse is consumed, not published.
	RoutingBankResponse = "bank.response.received"
)

type InvoiceCreatedEvent struct {
	InvoiceID   string    `json:"invoice_id"`
	LedgerRef   string    `json:"ledger_ref"`
	ScheduleID  string    `json:"schedule_id"`
	MemberID    string    `json:"member_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	PostingDate time.Time `json:"posting_date"`
	DueDate     time.Time `json:"due_date"`
}

type PaymentEvent struct {
	BatchID                string    `json:"batch_id"`
	ItemID                 string    `json:"item_id"`
	InvoiceID              string    `json:"invoice_id"`
	MemberID               string    `json:"member_id"`
	MandateID              string    `json:"mandate_id"`
	AmountCents            int64     `json:"amount_cents"`
	ReasonCode             string    `json:"reason_code,omitempty"`
	RetryScheduled         bool      `json:"retry_scheduled"`
	RequiresCustomerAction bool      `json:"requires_customer_action"`
	OccurredAt             time.Time `json:"occurred_at"`
}

type MandateEvent struct {
	MandateID  string        `json:"mandate_id"`
	MemberID   string        `json:"member_id"`
	Status     MandateStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	ReplacedBy string        `json:"replaced_by,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type BatchEvent struct {
	BatchID        string      `json:"batch_id"`
	Status         BatchStatus `json:"status"`
	CollectionDate time.Time   `json:"collection_date"`
	ItemCount      int         `json:"item_count"`
	TotalCents     int64       `json:"total_cents"`
	CollectedCount int         `json:"collected_count,omitempty"`
	FailedCount    int         `json:"failed_count,omitempty"`
	ArchiveKey     string      `json:"archive_key,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

type RetryExhaustedEvent struct {
	RetryScheduleID string    `json:"retry_schedule_id"`
	InvoiceID       string    `json:"invoice_id"`
	MemberID        string    `json:"member_id"`
	ReasonCode      string    `json:"reason_code"`
	Attempts        int       `json:"attempts"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// BankResponseMessage is the body delivered on the bank response queue.
type BankResponseMessage struct {
	BatchID      string            `json:"batch_id"`
	Transactions []BankTransaction `json:"transactions"`
}

func normalizeWord(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
