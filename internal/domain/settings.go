package domain

// Creditor is the collecting organization as it appears in pain.008 files.
type Creditor struct {
	Name     string
	SchemeID string
	IBAN     string
	BIC      string
}

// CollectionSettings are read from configuration when batches and mandates
// are created. Nothing in the collection path hardcodes them.
type CollectionSettings struct {
	Creditor                  Creditor
	Currency                  string
	MandateMaxAmountCents     int64
	RecurringNoticeDays       int
	FirstCollectionNoticeDays int
	MandateDormancyMonths     int
	DefaultDueDays            int
	MaxCatchUpPeriods         int
	RetryMaxAttempts          int
}

// Notice returns the notice policy the batch validator enforces.
func (s CollectionSettings) Notice() NoticePolicy {
	return NoticePolicy{
		RecurringBusinessDays: s.RecurringNoticeDays,
		FirstUseBusinessDays:  s.FirstCollectionNoticeDays,
	}
}
