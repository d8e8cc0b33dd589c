package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/verenigingen/sepa-service/internal/app"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/pain008"
)

type createMandateRequest struct {
	MemberID          string  `json:"member_id" validate:"required"`
	DebtorName        string  `json:"debtor_name" validate:"required,max=70"`
	IBAN              string  `json:"iban" validate:"required,min=15,max=42"`
	BIC               string  `json:"bic" validate:"omitempty,min=8,max=11"`
	Type              string  `json:"type" validate:"required,oneof=CORE RCUR OOFF"`
	SignDate          string  `json:"sign_date" validate:"required,datetime=2006-01-02"`
	ExpiryDate        *string `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	ReplacesMandateID string  `json:"replaces_mandate_id"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type replaceMandateRequest struct {
	NewMandateID string `json:"new_mandate_id" validate:"required"`
}

type asOfRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

type buildBatchRequest struct {
	CollectionDate     string `json:"collection_date" validate:"required,datetime=2006-01-02"`
	NoticeExceptionRef string `json:"notice_exception_ref" validate:"max=35"`
}

type bankTransactionRequest struct {
	Reference  string `json:"reference" validate:"required"`
	Outcome    string `json:"outcome" validate:"required"`
	ReasonCode string `json:"reason_code" validate:"max=4"`
	ReceivedAt string `json:"received_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type bankResponseRequest struct {
	Transactions []bankTransactionRequest `json:"transactions" validate:"required,min=1,dive"`
}

type upsertMemberRequest struct {
	FullName      string `json:"full_name" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof='SEPA Direct Debit' 'Bank Transfer'"`
}

type paymentTermsRequest struct {
	Code       string `json:"code" validate:"required"`
	DueDays    int    `json:"due_days" validate:"gte=0"`
	EndOfMonth bool   `json:"end_of_month"`
}

type createScheduleRequest struct {
	ID               string               `json:"id" validate:"required"`
	MemberID         string               `json:"member_id" validate:"required"`
	MembershipType   string               `json:"membership_type" validate:"required"`
	BillingFrequency string               `json:"billing_frequency" validate:"required,oneof=Monthly Quarterly SemiAnnual Annual"`
	RateCents        int64                `json:"rate_cents" validate:"gte=0"`
	Currency         string               `json:"currency" validate:"omitempty,len=3"`
	NextInvoiceDate  string               `json:"next_invoice_date" validate:"required,datetime=2006-01-02"`
	AutoGenerate     *bool                `json:"auto_generate"`
	PaymentTerms     *paymentTermsRequest `json:"payment_terms"`
}

// batchItemView renders amounts as decimal strings the way the bank file does.
type batchItemView struct {
	domain.BatchItem
	Amount string `json:"amount"`
}

type batchView struct {
	domain.Batch
	Total string          `json:"total"`
	Items []batchItemView `json:"items"`
}

func newBatchView(b *domain.Batch) batchView {
	view := batchView{Batch: *b, Total: pain008.FormatAmount(b.TotalCents), Items: make([]batchItemView, 0, len(b.Items))}
	for _, item := range b.Items {
		view.Items = append(view.Items, batchItemView{BatchItem: item, Amount: pain008.FormatAmount(item.AmountCents)})
	}
	return view
}

type buildBatchResponse struct {
	Batch    *batchView      `json:"batch"`
	Excluded []app.Exclusion `json:"excluded"`
	Deferred []app.Exclusion `json:"deferred"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationResponse flattens validator errors into one message per field.
func validationResponse(err error) errorResponse {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return errorResponse{Error: err.Error()}
	}
	resp := errorResponse{Error: "validation failed", Fields: make(map[string]string, len(errs))}
	for _, fe := range errs {
		field := strings.SplitN(fe.Namespace(), ".", 2)
		name := fe.Field()
		if len(field) == 2 {
			name = field[1]
		}
		if fe.Param() != "" {
			resp.Fields[name] = fe.Tag() + "=" + fe.Param()
		} else {
			resp.Fields[name] = fe.Tag()
		}
	}
	return resp
}
