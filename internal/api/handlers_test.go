package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verenigingen/sepa-service/internal/app"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

type mandateServiceStub struct {
	created app.CreateMandateParams
	action  string
	reason  string
	err     error
	asOf    time.Time
}

func (s *mandateServiceStub) mandate(id string, status domain.MandateStatus) (*domain.Mandate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Mandate{ID: id, Status: status}, nil
}

func (s *mandateServiceStub) Create(ctx context.Context, p app.CreateMandateParams) (*domain.Mandate, error) {
	s.created = p
	return s.mandate("MNDT-2024-00001", domain.MandateDraft)
}

func (s *mandateServiceStub) Get(ctx context.Context, id string) (*domain.Mandate, error) {
	return s.mandate(id, domain.MandateActive)
}

func (s *mandateServiceStub) Submit(ctx context.Context, id string) (*domain.Mandate, error) {
	s.action = "submit"
	return s.mandate(id, domain.MandatePending)
}

func (s *mandateServiceStub) Activate(ctx context.Context, id string) (*domain.Mandate, error) {
	s.action = "activate"
	return s.mandate(id, domain.MandateActive)
}

func (s *mandateServiceStub) Suspend(ctx context.Context, id, reason string) (*domain.Mandate, error) {
	s.action, s.reason = "suspend", reason
	return s.mandate(id, domain.MandateSuspended)
}

func (s *mandateServiceStub) Cancel(ctx context.Context, id, reason string) (*domain.Mandate, error) {
	s.action, s.reason = "cancel", reason
	return s.mandate(id, domain.MandateCancelled)
}

func (s *mandateServiceStub) Expire(ctx context.Context, id, reason string) (*domain.Mandate, error) {
	s.action, s.reason = "expire", reason
	return s.mandate(id, domain.MandateExpired)
}

func (s *mandateServiceStub) Reactivate(ctx context.Context, id string) (*domain.Mandate, error) {
	s.action = "reactivate"
	return s.mandate(id, domain.MandateActive)
}

func (s *mandateServiceStub) Replace(ctx context.Context, oldID, newID string) (*domain.Mandate, *domain.Mandate, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return &domain.Mandate{ID: oldID, Status: domain.MandateReplaced, ReplacedByID: &newID},
		&domain.Mandate{ID: newID, Status: domain.MandateActive, PreviousMandateID: &oldID}, nil
}

func (s *mandateServiceStub) ExpireDue(ctx context.Context, asOf time.Time) (app.ExpiryResult, error) {
	s.asOf = asOf
	return app.ExpiryResult{Evaluated: 3, Expired: 1}, s.err
}

type batchServiceStub struct {
	req    app.BuildRequest
	result *app.BuildResult
	batch  *domain.Batch
	status *domain.BatchStatus
	err    error
}

func (s *batchServiceStub) Build(ctx context.Context, req app.BuildRequest) (*app.BuildResult, error) {
	s.req = req
	return s.result, s.err
}

func (s *batchServiceStub) Get(ctx context.Context, id string) (*domain.Batch, error) {
	if s.batch == nil {
		return nil, fmt.Errorf("load batch %s: %w", id, store.ErrBatchNotFound)
	}
	return s.batch, nil
}

func (s *batchServiceStub) List(ctx context.Context, status *domain.BatchStatus, limit int) ([]domain.Batch, error) {
	s.status = status
	if s.batch == nil {
		return nil, s.err
	}
	return []domain.Batch{*s.batch}, s.err
}

func (s *batchServiceStub) Cancel(ctx context.Context, id string) error {
	return s.err
}

type exporterStub struct {
	result *app.ExportResult
	err    error
}

func (s *exporterStub) Export(ctx context.Context, batchID string) (*app.ExportResult, error) {
	return s.result, s.err
}

type applierStub struct {
	batchID string
	txs     []domain.BankTransaction
	err     error
}

func (s *applierStub) Apply(ctx context.Context, batchID string, transactions []domain.BankTransaction) (*app.ApplyResult, error) {
	s.batchID, s.txs = batchID, transactions
	if s.err != nil {
		return nil, s.err
	}
	return &app.ApplyResult{BatchID: batchID, Collected: len(transactions)}, nil
}

type duesServiceStub struct{ today time.Time }

func (s *duesServiceStub) Sweep(ctx context.Context, today time.Time) (app.SweepResult, error) {
	s.today = today
	return app.SweepResult{Schedules: 2, Generated: 2}, nil
}

type retryServiceStub struct{ status domain.RetryStatus }

func (s *retryServiceStub) List(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetrySchedule, error) {
	s.status = status
	return []domain.RetrySchedule{{ID: "R-1", Status: status}}, nil
}

type recordStoreStub struct {
	member   domain.Member
	schedule *domain.DuesSchedule
	pingErr  error
}

func (s *recordStoreStub) UpsertMember(ctx context.Context, m domain.Member) error {
	s.member = m
	return nil
}

func (s *recordStoreStub) CreateSchedule(ctx context.Context, sched *domain.DuesSchedule) error {
	s.schedule = sched
	return nil
}

func (s *recordStoreStub) ListInvoicesBySchedule(ctx context.Context, scheduleID string) ([]domain.Invoice, error) {
	return nil, nil
}

func (s *recordStoreStub) ListPaymentHistory(ctx context.Context, memberID string, limit int) ([]domain.PaymentHistoryEntry, error) {
	return []domain.PaymentHistoryEntry{{ID: "H-1", MemberID: memberID, Status: domain.HistoryCompleted}}, nil
}

func (s *recordStoreStub) Ping(ctx context.Context) error { return s.pingErr }

type testAPI struct {
	mandates  *mandateServiceStub
	batches   *batchServiceStub
	exporter  *exporterStub
	responses *applierStub
	dues      *duesServiceStub
	retries   *retryServiceStub
	records   *recordStoreStub
	router    http.Handler
}

var apiNow = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

func newTestAPI(internalKey string) *testAPI {
	a := &testAPI{
		mandates:  &mandateServiceStub{},
		batches:   &batchServiceStub{},
		exporter:  &exporterStub{},
		responses: &applierStub{},
		dues:      &duesServiceStub{},
		retries:   &retryServiceStub{},
		records:   &recordStoreStub{},
	}
	h := NewHandler(Services{
		Mandates:  a.mandates,
		Dues:      a.dues,
		Batches:   a.batches,
		Exporter:  a.exporter,
		Responses: a.responses,
		Retries:   a.retries,
		Records:   a.records,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), func() time.Time { return apiNow })
	a.router = NewRouter(h, internalKey, nil)
	return a
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestInternalAuthMiddleware(t *testing.T) {
	a := newTestAPI("secret")

	rec := a.do(http.MethodGet, "/internal/sepa/mandates/MNDT-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/internal/sepa/mandates/MNDT-1", nil)
	req.Header.Set("X-Internal-API-Key", "secret")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestHealthReportsDatabase(t *testing.T) {
	a := newTestAPI("")
	a.records.pingErr = errors.New("connection refused")

	rec := a.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateMandate(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodPost, "/internal/sepa/mandates", `{
		"member_id": " M-1 ",
		"debtor_name": "Jan de Vries",
		"iban": "NL91ABNA0417164300",
		"type": "CORE",
		"sign_date": "2024-03-01",
		"expiry_date": "2027-03-01"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "M-1", a.mandates.created.MemberID)
	assert.Equal(t, domain.MandateTypeCore, a.mandates.created.Type)
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), a.mandates.created.SignDate)
	require.NotNil(t, a.mandates.created.ExpiryDate)
	assert.Equal(t, 2027, a.mandates.created.ExpiryDate.Year())

	var body domain.Mandate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "MNDT-2024-00001", body.ID)
}

func TestCreateMandateRejectsInvalidBody(t *testing.T) {
	a := newTestAPI("")

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{name: "malformed json", body: `{"member_id":`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"member":"M-1"}`, wantCode: http.StatusBadRequest},
		{name: "missing debtor", body: `{"member_id":"M-1","iban":"NL91ABNA0417164300","type":"CORE","sign_date":"2024-03-01"}`, wantCode: http.StatusUnprocessableEntity, wantField: "debtor_name"},
		{name: "bad type", body: `{"member_id":"M-1","debtor_name":"J","iban":"NL91ABNA0417164300","type":"B2B","sign_date":"2024-03-01"}`, wantCode: http.StatusUnprocessableEntity, wantField: "type"},
		{name: "bad date", body: `{"member_id":"M-1","debtor_name":"J","iban":"NL91ABNA0417164300","type":"CORE","sign_date":"01-03-2024"}`, wantCode: http.StatusUnprocessableEntity, wantField: "sign_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/internal/sepa/mandates", tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantField != "" {
				var body errorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Contains(t, body.Fields, tt.wantField)
			}
		})
	}
}

func TestMandateTransitions(t *testing.T) {
	a := newTestAPI("")

	for _, action := range []string{"submit", "activate", "suspend", "cancel", "expire", "reactivate"} {
		t.Run(action, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/internal/sepa/mandates/MNDT-1/"+action, `{"reason":"member request"}`)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, action, a.mandates.action)
		})
	}
	assert.Equal(t, "member request", a.mandates.reason)

	rec := a.do(http.MethodPost, "/internal/sepa/mandates/MNDT-1/activate", "")
	assert.Equal(t, http.StatusOK, rec.Code, "body is optional")

	rec = a.do(http.MethodPost, "/internal/sepa/mandates/MNDT-1/archive", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplaceMandate(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodPost, "/internal/sepa/mandates/MNDT-1/replace", `{"new_mandate_id":"MNDT-2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]domain.Mandate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.MandateReplaced, body["replaced"].Status)
	assert.Equal(t, "MNDT-2", body["successor"].ID)
}

func TestRunMandateExpiryDefaultsToToday(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodPost, "/internal/sepa/mandates/expiry/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC), a.mandates.asOf)

	rec = a.do(http.MethodPost, "/internal/sepa/mandates/expiry/run", `{"as_of":"2024-06-30"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.June, a.mandates.asOf.Month())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "validation", err: &domain.ValidationError{Field: "iban", Message: "bad checksum"}, wantCode: http.StatusUnprocessableEntity},
		{name: "rule violation", err: &domain.RuleViolationError{Rule: "mandate_transition", Message: "no"}, wantCode: http.StatusConflict},
		{name: "conflict", err: &domain.ConflictError{Entity: "mandate", ID: "MNDT-1"}, wantCode: http.StatusConflict},
		{name: "not found", err: fmt.Errorf("load: %w", store.ErrMandateNotFound), wantCode: http.StatusNotFound},
		{name: "run locked", err: app.ErrRunLocked, wantCode: http.StatusConflict},
		{name: "unexpected", err: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI("")
			a.mandates.err = tt.err

			rec := a.do(http.MethodGet, "/internal/sepa/mandates/MNDT-1", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "boom")
			}
		})
	}
}

func TestBuildBatch(t *testing.T) {
	a := newTestAPI("")
	a.batches.result = &app.BuildResult{
		Batch: &domain.Batch{
			ID:         "DDB-1",
			Status:     domain.BatchDraft,
			TotalCents: 2550,
			Items:      []domain.BatchItem{{ID: "DDB-1-1", AmountCents: 2550}},
		},
		Excluded: []app.Exclusion{{InvoiceID: "I-2", MemberID: "M-2", Reason: "no active mandate"}},
	}

	rec := a.do(http.MethodPost, "/internal/sepa/batches", `{"collection_date":"2024-03-11","notice_exception_ref":" PRENOTE-2024-03 "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC), a.batches.req.CollectionDate)
	assert.Equal(t, "PRENOTE-2024-03", a.batches.req.NoticeExceptionRef)

	var body struct {
		Batch struct {
			ID    string `json:"id"`
			Total string `json:"total"`
			Items []struct {
				Amount string `json:"amount"`
			} `json:"items"`
		} `json:"batch"`
		Excluded []app.Exclusion `json:"excluded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "25.50", body.Batch.Total)
	require.Len(t, body.Batch.Items, 1)
	assert.Equal(t, "25.50", body.Batch.Items[0].Amount)
	assert.Len(t, body.Excluded, 1)
}

func TestBuildBatchNothingCollectable(t *testing.T) {
	a := newTestAPI("")
	a.batches.result = &app.BuildResult{}

	rec := a.do(http.MethodPost, "/internal/sepa/batches", `{"collection_date":"2024-03-11"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"batch":null`)
}

func TestBuildBatchInProgress(t *testing.T) {
	a := newTestAPI("")
	a.batches.err = app.ErrBuildInProgress

	rec := a.do(http.MethodPost, "/internal/sepa/batches", `{"collection_date":"2024-03-11"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListAndGetBatches(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodGet, "/internal/sepa/batches/DDB-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.batches.batch = &domain.Batch{ID: "DDB-1", Status: domain.BatchExported, TotalCents: 100}
	rec = a.do(http.MethodGet, "/internal/sepa/batches?status=Exported&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, a.batches.status)
	assert.Equal(t, domain.BatchExported, *a.batches.status)
	assert.Contains(t, rec.Body.String(), `"total":"1.00"`)
}

func TestExportBatchReturnsXML(t *testing.T) {
	a := newTestAPI("")
	a.exporter.result = &app.ExportResult{
		Batch:      &domain.Batch{ID: "DDB-1"},
		XML:        []byte("<?xml version=\"1.0\"?><Document/>"),
		ArchiveKey: "pain008/2024/03/DDB-1.xml",
	}

	rec := a.do(http.MethodPost, "/internal/sepa/batches/DDB-1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "pain008/2024/03/DDB-1.xml", rec.Header().Get("X-Archive-Key"))
	assert.Contains(t, rec.Body.String(), "<Document/>")
}

func TestCancelBatchRuleViolation(t *testing.T) {
	a := newTestAPI("")
	a.batches.err = &domain.RuleViolationError{Rule: "batch_transition", Message: "batch DDB-1 is no longer a Draft"}

	rec := a.do(http.MethodPost, "/internal/sepa/batches/DDB-1/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "batch_transition", body.Rule)
}

func TestBankResponse(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodPost, "/internal/sepa/batches/DDB-1/responses", `{"transactions":[
		{"reference":" DDB-1-1 ","outcome":"Collected","received_at":"2024-03-12T10:00:00Z"},
		{"reference":"DDB-1-2","outcome":"Rejected","reason_code":"AM04"}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "DDB-1", a.responses.batchID)
	require.Len(t, a.responses.txs, 2)
	assert.Equal(t, "DDB-1-1", a.responses.txs[0].Reference)
	assert.Equal(t, 12, a.responses.txs[0].ReceivedAt.Day())
	assert.True(t, a.responses.txs[1].ReceivedAt.IsZero())

	rec = a.do(http.MethodPost, "/internal/sepa/batches/DDB-1/responses", `{"transactions":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDuesSweepAndRetries(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodPost, "/internal/sepa/dues/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apiNow, a.dues.today)

	rec = a.do(http.MethodGet, "/internal/sepa/retries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RetryScheduled, a.retries.status)

	a.do(http.MethodGet, "/internal/sepa/retries?status=Exhausted", "")
	assert.Equal(t, domain.RetryExhausted, a.retries.status)
}

func TestMembersAndSchedules(t *testing.T) {
	a := newTestAPI("")

	rec := a.do(http.MethodPut, "/internal/sepa/members/M-1", `{"full_name":"Jan de Vries","payment_method":"SEPA Direct Debit"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PaymentMethodSEPADirectDebit, a.records.member.PaymentMethod)
	assert.Equal(t, "M-1", a.records.member.ID)

	rec = a.do(http.MethodPut, "/internal/sepa/members/M-1", `{"full_name":"Jan","payment_method":"Cash"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(http.MethodPost, "/internal/sepa/schedules", `{
		"id":"S-1","member_id":"M-1","membership_type":"Regular","billing_frequency":"Quarterly",
		"rate_cents":4500,"next_invoice_date":"2024-04-01","payment_terms":{"code":"EOM14","due_days":14,"end_of_month":true}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sched := a.records.schedule
	require.NotNil(t, sched)
	assert.Equal(t, "EUR", sched.Currency)
	assert.True(t, sched.AutoGenerate)
	assert.Equal(t, domain.ScheduleActive, sched.Status)
	require.NotNil(t, sched.PaymentTerms)
	assert.True(t, sched.PaymentTerms.EndOfMonth)

	rec = a.do(http.MethodGet, "/internal/sepa/schedules/S-1/invoices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = a.do(http.MethodGet, "/internal/sepa/members/M-1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"H-1"`)
}
