package app

import (
	"context"
	"fmt"
)

// Eligibility is the outcome of an invoice eligibility check.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// EligibilityValidator decides whether a member can be invoiced. It looks at
// member and membership status only; whether the invoice can be collected by
// direct debit is decided when a batch is built.
type EligibilityValidator struct {
	members MembershipSource
}

// NewEligibilityValidator creates a new validator.
func NewEligibilityValidator(members MembershipSource) *EligibilityValidator {
	return &EligibilityValidator{members: members}
}

// Check returns whether memberID may receive a dues invoice.
func (v *EligibilityValidator) Check(ctx context.Context, memberID string) (Eligibility, error) {
	billable, err := v.members.IsBillable(ctx, memberID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("check billable status of member %s: %w", memberID, err)
	}
	if !billable {
		return Eligibility{Reason: "member status is not billable"}, nil
	}

	active, err := v.members.HasActiveMembership(ctx, memberID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("check memberships of member %s: %w", memberID, err)
	}
	if !active {
		return Eligibility{Reason: "member has no active membership"}, nil
	}
	return Eligibility{Eligible: true}, nil
}
