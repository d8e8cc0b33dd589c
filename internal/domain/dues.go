/**
 * @description
 * Dues schedules and the invoices they produce.
 *
 * @notes
 * - Amounts are int64 cents to avoid floating point drift on money.
 * - An invoice due date is derived from its posting date, never from the
 *   schedule's next_invoice_date, which can lie in the past during catch-up.
 */
package domain

import (
	"time"
)

// BillingFrequency controls how far next_invoice_date advances per period.
type BillingFrequency string

const (
	FrequencyMonthly    BillingFrequency = "Monthly"
	FrequencyQuarterly  BillingFrequency = "Quarterly"
	FrequencySemiAnnual BillingFrequency = "SemiAnnual"
	FrequencyAnnual     BillingFrequency = "Annual"
)

// Months returns the period length in months.
func (f BillingFrequency) Months() (int, error) {
	switch f {
	case FrequencyMonthly:
		return 1, nil
	case FrequencyQuarterly:
		return 3, nil
	case FrequencySemiAnnual:
		return 6, nil
	case FrequencyAnnual:
		return 12, nil
	default:
		return 0, invalid("billing_frequency", "unknown billing frequency %q", f)
	}
}

// NextPeriod returns the start of the period after the one starting at from.
func (f BillingFrequency) NextPeriod(from time.Time) (time.Time, error) {
	months, err := f.Months()
	if err != nil {
		return time.Time{}, err
	}
	return from.AddDate(0, months, 0), nil
}

// ScheduleStatus is the state of a dues schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "Active"
	SchedulePaused    ScheduleStatus = "Paused"
	ScheduleCancelled ScheduleStatus = "Cancelled"
	ScheduleCompleted ScheduleStatus = "Completed"
)

// DuesSchedule drives automatic invoice generation for one member.
type DuesSchedule struct {
	ID               string           `json:"id"`
	MemberID         string           `json:"member_id"`
	MembershipType   string           `json:"membership_type"`
	BillingFrequency BillingFrequency `json:"billing_frequency"`
	RateCents        int64            `json:"rate_cents"`
	Currency         string           `json:"currency"`
	Status           ScheduleStatus   `json:"status"`
	NextInvoiceDate  time.Time        `json:"next_invoice_date"`
	AutoGenerate     bool             `json:"auto_generate"`
	PaymentTerms     *PaymentTerms    `json:"payment_terms,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsDue reports whether the sweep should invoice this schedule on the given day.
func (s *DuesSchedule) IsDue(today time.Time) bool {
	return s.Status == ScheduleActive && s.AutoGenerate && !DateOf(s.NextInvoiceDate).After(DateOf(today))
}

// PaymentTerms is a template computing a due date from a posting date.
type PaymentTerms struct {
	Code       string `json:"code"`
	DueDays    int    `json:"due_days"`
	EndOfMonth bool   `json:"end_of_month"`
}

// DueDate applies the template. With EndOfMonth the due days count from the
// last day of the posting month.
func (t PaymentTerms) DueDate(posting time.Time) time.Time {
	base := DateOf(posting)
	if t.EndOfMonth {
		base = time.Date(base.Year(), base.Month()+1, 0, 0, 0, 0, 0, base.Location())
	}
	return base.AddDate(0, 0, t.DueDays)
}

// ComputeDueDate picks the template when present, else posting + defaultDays.
// It fails when the result would precede the posting date.
func ComputeDueDate(posting time.Time, terms *PaymentTerms, defaultDays int) (time.Time, error) {
	posting = DateOf(posting)
	due := posting.AddDate(0, 0, defaultDays)
	if terms != nil {
		due = terms.DueDate(posting)
	}
	if due.Before(posting) {
		return time.Time{}, invalid("due_date", "due date %s precedes posting date %s", due.Format(time.DateOnly), posting.Format(time.DateOnly))
	}
	return due, nil
}

// InvoiceStatus is the local view of the ledger invoice.
type InvoiceStatus string

const (
	InvoiceOpen      InvoiceStatus = "Open"
	InvoicePaid      InvoiceStatus = "Paid"
	InvoiceCancelled InvoiceStatus = "Cancelled"
)

// Invoice is the collection-side projection of a dues invoice created in the ledger.
type Invoice struct {
	ID               string        `json:"id"`
	LedgerRef        string        `json:"ledger_ref"`
	ScheduleID       string        `json:"schedule_id"`
	MemberID         string        `json:"member_id"`
	AmountCents      int64         `json:"amount_cents"`
	OutstandingCents int64         `json:"outstanding_cents"`
	Currency         string        `json:"currency"`
	PostingDate      time.Time     `json:"posting_date"`
	DueDate          time.Time     `json:"due_date"`
	PeriodStart      time.Time     `json:"period_start"`
	PeriodEnd        time.Time     `json:"period_end"`
	Status           InvoiceStatus `json:"status"`
	PaymentTermsCode *string       `json:"payment_terms_code,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// PaymentMethod on the member billing profile.
type PaymentMethod string

const (
	PaymentMethodSEPADirectDebit PaymentMethod = "SEPA Direct Debit"
	PaymentMethodBankTransfer    PaymentMethod = "Bank Transfer"
)

// LedgerInvoiceRequest is what the ledger needs to create one dues invoice.
// IdempotencyKey is stable per schedule and period so a repeated call returns
// the invoice created the first time.
type LedgerInvoiceRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	MemberID       string    `json:"member_id"`
	ScheduleID     string    `json:"schedule_id"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	PostingDate    time.Time `json:"posting_date"`
	DueDate        time.Time `json:"due_date"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	Description    string    `json:"description"`
}
