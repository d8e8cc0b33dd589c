package domain

import "time"

// HistoryStatus of a payment history entry.
type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
)

// PaymentHistoryEntry records every bank outcome for audit, successful or not.
type PaymentHistoryEntry struct {
	ID                     string        `json:"id"`
	MemberID               string        `json:"member_id"`
	InvoiceID              string        `json:"invoice_id"`
	BatchID                string        `json:"batch_id"`
	ItemID                 string        `json:"item_id"`
	MandateID              string        `json:"mandate_id"`
	AmountCents            int64         `json:"amount_cents"`
	Status                 HistoryStatus `json:"status"`
	ReasonCode             *string       `json:"reason_code,omitempty"`
	RequiresCustomerAction bool          `json:"requires_customer_action"`
	RecordedAt             time.Time     `json:"recorded_at"`
}

// Outcome is the normalized bank result for one transaction.
type Outcome string

const (
	OutcomeCollected Outcome = "Collected"
	OutcomeRejected  Outcome = "Rejected"
)

// ParseOutcome maps the vocabulary used by bank response files.
func ParseOutcome(raw string) (Outcome, bool) {
	switch normalizeWord(raw) {
	case "collected", "settled", "accepted", "paid":
		return OutcomeCollected, true
	case "rejected", "returned", "refused", "failed":
		return OutcomeRejected, true
	default:
		return "", false
	}
}

// BankTransaction is one line of a bank response.
type BankTransaction struct {
	Reference  string    `json:"reference"`
	Outcome    string    `json:"outcome"`
	ReasonCode string    `json:"reason_code,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Member is the billing projection of a member used when building batches.
type Member struct {
	ID            string        `json:"id"`
	FullName      string        `json:"full_name"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}
