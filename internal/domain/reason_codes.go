package domain

import "strings"

// Severity ranks how urgently a failed collection needs attention.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// MandateAction is what a rejection does to the mandate it was collected under.
type MandateAction string

const (
	MandateActionNone    MandateAction = "None"
	MandateActionSuspend MandateAction = "Suspend"
	MandateActionCancel  MandateAction = "Cancel"
)

// ReasonCode classifies one SEPA return/reject reason.
type ReasonCode struct {
	Code                   string        `json:"code"`
	Description            string        `json:"description"`
	RetryEligible          bool          `json:"retry_eligible"`
	BaseRetryDays          int           `json:"base_retry_days"`
	RequiresCustomerAction bool          `json:"requires_customer_action"`
	Severity               Severity      `json:"severity"`
	MandateAction          MandateAction `json:"mandate_action"`
}

var reasonCodes = map[string]ReasonCode{
	"AC01": {Description: "Incorrect account number", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionSuspend},
	"AC04": {Description: "Closed account number", RequiresCustomerAction: true, Severity: SeverityCritical, MandateAction: MandateActionSuspend},
	"AC06": {Description: "Blocked account", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionSuspend},
	"AC13": {Description: "Invalid debtor account type", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionSuspend},
	"AG01": {Description: "Transaction forbidden on this account", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionSuspend},
	"AG02": {Description: "Invalid bank operation code", RequiresCustomerAction: true, Severity: SeverityMedium, MandateAction: MandateActionNone},
	"AM04": {Description: "Insufficient funds", RetryEligible: true, BaseRetryDays: 3, Severity: SeverityLow, MandateAction: MandateActionNone},
	"AM05": {Description: "Duplicate collection", RequiresCustomerAction: true, Severity: SeverityMedium, MandateAction: MandateActionNone},
	"BE05": {Description: "Unrecognised initiating party", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionNone},
	"FF01": {Description: "Invalid file format", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionNone},
	"MD01": {Description: "No valid mandate", RequiresCustomerAction: true, Severity: SeverityCritical, MandateAction: MandateActionCancel},
	"MD02": {Description: "Missing or incorrect mandate data", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionSuspend},
	"MD06": {Description: "Refund requested by debtor", RequiresCustomerAction: true, Severity: SeverityMedium, MandateAction: MandateActionNone},
	"MD07": {Description: "Debtor deceased", RequiresCustomerAction: true, Severity: SeverityCritical, MandateAction: MandateActionCancel},
	"MS02": {Description: "Refused by debtor", RequiresCustomerAction: true, Severity: SeverityMedium, MandateAction: MandateActionNone},
	"MS03": {Description: "Reason not specified", RetryEligible: true, BaseRetryDays: 5, Severity: SeverityMedium, MandateAction: MandateActionNone},
	"RC01": {Description: "Incorrect BIC", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionSuspend},
	"RR01": {Description: "Missing debtor account or identification", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionNone},
	"RR02": {Description: "Missing debtor name or address", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionNone},
	"RR03": {Description: "Missing creditor name or address", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionNone},
	"RR04": {Description: "Regulatory reason", RequiresCustomerAction: true, Severity: SeverityHigh, MandateAction: MandateActionNone},
	"SL01": {Description: "Specific service offered by debtor agent", RequiresCustomerAction: true, Severity: SeverityMedium, MandateAction: MandateActionNone},
}

// LookupReasonCode classifies a bank reason code. Unknown codes are never
// retried and always need a person to look at them.
func LookupReasonCode(code string) (ReasonCode, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	rc, ok := reasonCodes[code]
	if !ok {
		return ReasonCode{
			Code:                   code,
			Description:            "Unknown reason code",
			RequiresCustomerAction: true,
			Severity:               SeverityMedium,
			MandateAction:          MandateActionNone,
		}, false
	}
	rc.Code = code
	return rc, true
}

// RetryOffsetDays is the delay of the given 1-based attempt: base, 2x, 4x and so on.
func (rc ReasonCode) RetryOffsetDays(attempt int) int {
	if !rc.RetryEligible || attempt < 1 {
		return 0
	}
	return rc.BaseRetryDays << (attempt - 1)
}
