/**
 * @description
 * SEPA mandate model and its lifecycle transition table.
 *
 * @notes
 * - Status values are persisted as-is, so they must never be renamed.
 * - Version is the optimistic concurrency token; the store refuses writes
 *   carrying a stale version.
 */
package domain

import (
	"fmt"
	"time"
)

// MandateType is the kind of authorization the debtor signed.
type MandateType string

const (
	MandateTypeCore MandateType = "CORE"
	MandateTypeRCUR MandateType = "RCUR"
	MandateTypeOOFF MandateType = "OOFF"
)

// ParseMandateType validates a mandate type coming from an API or the database.
func ParseMandateType(raw string) (MandateType, error) {
	switch t := MandateType(raw); t {
	case MandateTypeCore, MandateTypeRCUR, MandateTypeOOFF:
		return t, nil
	default:
		return "", invalid("type", "unknown mandate type %q", raw)
	}
}

// MandateStatus is the lifecycle state of a mandate.
type MandateStatus string

const (
	MandateDraft     MandateStatus = "Draft"
	MandatePending   MandateStatus = "Pending"
	MandateActive    MandateStatus = "Active"
	MandateSuspended MandateStatus = "Suspended"
	MandateExpired   MandateStatus = "Expired"
	MandateCancelled MandateStatus = "Cancelled"
	MandateReplaced  MandateStatus = "Replaced"
)

var mandateTransitions = map[MandateStatus][]MandateStatus{
	MandateDraft:     {MandatePending, MandateCancelled},
	MandatePending:   {MandateActive, MandateCancelled},
	MandateActive:    {MandateSuspended, MandateExpired, MandateCancelled, MandateReplaced},
	MandateSuspended: {MandateActive, MandateCancelled, MandateExpired, MandateReplaced},
}

// CanTransition reports whether the table allows moving from one status to another.
func (s MandateStatus) CanTransition(to MandateStatus) bool {
	for _, allowed := range mandateTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal is true for statuses with no outgoing transitions.
func (s MandateStatus) IsTerminal() bool {
	return len(mandateTransitions[s]) == 0
}

// SequenceType is the SEPA sequence type reported for one collection.
type SequenceType string

const (
	SequenceFirst     SequenceType = "FRST"
	SequenceRecurring SequenceType = "RCUR"
	SequenceOneOff    SequenceType = "OOFF"
)

// Mandate is a debtor's authorization to collect by direct debit.
type Mandate struct {
	ID                  string        `json:"id"`
	MemberID            string        `json:"member_id"`
	DebtorName          string        `json:"debtor_name"`
	IBAN                string        `json:"iban"`
	BIC                 string        `json:"bic,omitempty"`
	Type                MandateType   `json:"type"`
	Status              MandateStatus `json:"status"`
	StatusReason        *string       `json:"status_reason,omitempty"`
	StatusChangedAt     *time.Time    `json:"status_changed_at,omitempty"`
	SignDate            time.Time     `json:"sign_date"`
	FirstCollectionDate *time.Time    `json:"first_collection_date,omitempty"`
	ExpiryDate          *time.Time    `json:"expiry_date,omitempty"`
	ActivatedAt         *time.Time    `json:"activated_at,omitempty"`
	LastCollectedAt     *time.Time    `json:"last_collected_at,omitempty"`
	PreviousMandateID   *string       `json:"previous_mandate_id,omitempty"`
	ReplacedByID        *string       `json:"replaced_by_id,omitempty"`
	Version             int           `json:"version"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// TransitionTo moves the mandate to a new status, stamping reason and time.
func (m *Mandate) TransitionTo(to MandateStatus, reason string, at time.Time) error {
	if !m.Status.CanTransition(to) {
		return violation("mandate_transition", "mandate %s cannot move from %s to %s", m.ID, m.Status, to)
	}
	m.Status = to
	m.StatusChangedAt = &at
	if reason != "" {
		m.StatusReason = &reason
	} else {
		m.StatusReason = nil
	}
	return nil
}

// IsExpiredOn reports whether the expiry date lies before the given day.
func (m *Mandate) IsExpiredOn(day time.Time) bool {
	if m.ExpiryDate == nil {
		return false
	}
	return DateOf(*m.ExpiryDate).Before(DateOf(day))
}

// ValidateFields checks the fields a mandate needs before it can be stored.
func (m *Mandate) ValidateFields() error {
	if m.MemberID == "" {
		return invalid("member_id", "member reference is required")
	}
	if m.DebtorName == "" {
		return invalid("debtor_name", "debtor name is required")
	}
	if err := ValidateIBAN(m.IBAN); err != nil {
		return err
	}
	if err := ValidateBIC(m.BIC); err != nil {
		return err
	}
	if m.SignDate.IsZero() {
		return invalid("sign_date", "sign date is required")
	}
	if m.ExpiryDate != nil && !m.ExpiryDate.After(m.SignDate) {
		return invalid("expiry_date", "expiry date must be after the sign date")
	}
	return nil
}

func (m *Mandate) String() string {
	return fmt.Sprintf("mandate %s (%s, %s)", m.ID, m.Type, m.Status)
}
