package domain

import (
	"time"

	"github.com/samber/lo"
)

// RetryStatus tracks a retry schedule for a failed collection.
type RetryStatus string

const (
	RetryScheduled  RetryStatus = "Scheduled"
	RetrySuccessful RetryStatus = "Successful"
	RetryFailed     RetryStatus = "Failed"
	RetryExhausted  RetryStatus = "Exhausted"
	// RetryActionRequired holds an invoice out of collection after a
	// rejection that is neither retried nor settled through the mandate.
	RetryActionRequired RetryStatus = "ActionRequired"
)

var retryTransitions = map[RetryStatus][]RetryStatus{
	RetryScheduled: {RetrySuccessful, RetryFailed, RetryExhausted, RetryActionRequired},
	RetryFailed:    {RetryScheduled, RetryExhausted},
}

// BlocksCollection reports whether the invoice behind the schedule must stay
// out of batches until someone resolves it.
func (s RetryStatus) BlocksCollection() bool {
	return s == RetryExhausted || s == RetryActionRequired
}

// CanTransition reports whether the retry table allows the move.
func (s RetryStatus) CanTransition(to RetryStatus) bool {
	return lo.Contains(retryTransitions[s], to)
}

// RetrySchedule re-queues an invoice after a recoverable rejection. One schedule
// follows an invoice across attempts; Attempt counts the retries planned so far.
type RetrySchedule struct {
	ID               string      `json:"id"`
	InvoiceID        string      `json:"invoice_id"`
	MemberID         string      `json:"member_id"`
	OriginalItemID   string      `json:"original_item_id"`
	LastItemID       string      `json:"last_item_id"`
	ReasonCode       string      `json:"reason_code"`
	RetryDate        time.Time   `json:"retry_date"`
	RetryAmountCents int64       `json:"retry_amount_cents"`
	Attempt          int         `json:"attempt"`
	MaxAttempts      int         `json:"max_attempts"`
	Status           RetryStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsDue reports whether the retry can be picked up by a batch collecting on day.
func (r *RetrySchedule) IsDue(day time.Time) bool {
	return r.Status == RetryScheduled && !DateOf(r.RetryDate).After(DateOf(day))
}
