package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
)

func TestBuildCreatesDraftBatch(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	m := h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if result.Batch == nil {
		t.Fatalf("expected a batch, excluded: %+v", result.Excluded)
	}

	b := result.Batch
	if b.Status != domain.BatchDraft || len(b.Items) != 1 || b.TotalCents != 1500 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if !strings.HasPrefix(b.ID, "DDB-") {
		t.Fatalf("unexpected batch id %s", b.ID)
	}
	if !b.CollectionDate.Equal(day(2024, time.March, 11)) || !b.BatchDate.Equal(day(2024, time.March, 4)) {
		t.Fatalf("unexpected dates: batch %s collection %s", b.BatchDate, b.CollectionDate)
	}

	item := b.Items[0]
	if item.ID != b.ID+"-1" || item.Position != 1 {
		t.Fatalf("unexpected item reference %s/%d", item.ID, item.Position)
	}
	if item.MandateID != m.ID || item.IBAN != m.IBAN || item.SequenceType != domain.SequenceFirst {
		t.Fatalf("unexpected mandate snapshot: %+v", item)
	}
	if item.RemittanceInfo != "Dues 2024-01 SINV-I-1" {
		t.Fatalf("unexpected remittance info %q", item.RemittanceInfo)
	}

	stored, err := h.repo.GetBatch(context.Background(), b.ID)
	if err != nil || len(stored.Items) != 1 {
		t.Fatalf("batch not persisted: %v", err)
	}
}

func TestBuildExcludesMembersWithoutMandate(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if result.Batch != nil {
		t.Fatalf("expected no batch, got %s", result.Batch.ID)
	}
	if len(result.Excluded) != 1 || result.Excluded[0].Reason != "no active mandate" {
		t.Fatalf("unexpected exclusions: %+v", result.Excluded)
	}
	if len(h.repo.batches) != 0 {
		t.Fatalf("no batch should be stored")
	}
	if h.repo.invoices["I-1"].Status != domain.InvoiceOpen {
		t.Fatalf("excluded invoice must stay open")
	}
}

func TestBuildIgnoresOtherPaymentMethods(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodBankTransfer)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if result.Batch != nil || len(result.Excluded) != 0 {
		t.Fatalf("bank transfer members are not candidates: %+v", result)
	}
}

func TestBuildTakesOldestInvoicePerMember(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-2", "M-1", 1500, day(2024, time.March, 1))
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.February, 1))

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(result.Batch.Items) != 1 || result.Batch.Items[0].InvoiceID != "I-1" {
		t.Fatalf("expected the oldest invoice to be collected: %+v", result.Batch.Items)
	}
	if len(result.Deferred) != 1 || result.Deferred[0].InvoiceID != "I-2" {
		t.Fatalf("expected the newer invoice to be deferred: %+v", result.Deferred)
	}
}

func TestBuildExcludesAmountsOverMandateLimit(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.addMember("M-2", "Els Bakker", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.activeMandate(t, "M-2", "NL44RABO0123456789")
	h.addInvoice("I-1", "M-1", testSettings.MandateMaxAmountCents+1, day(2024, time.March, 1))
	h.addInvoice("I-2", "M-2", 2500, day(2024, time.March, 1))

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(result.Batch.Items) != 1 || result.Batch.Items[0].MemberID != "M-2" {
		t.Fatalf("unexpected items: %+v", result.Batch.Items)
	}
	if len(result.Excluded) != 1 || !strings.Contains(result.Excluded[0].Reason, "exceeds the mandate maximum") {
		t.Fatalf("unexpected exclusions: %+v", result.Excluded)
	}
}

func TestBuildRespectsFirstCollectionDate(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	m := h.activeMandate(t, "M-1", "NL13TEST0123456789")
	stored := h.repo.mandates[m.ID]
	later := day(2024, time.March, 20)
	stored.FirstCollectionDate = &later
	h.repo.mandates[m.ID] = stored
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if result.Batch != nil || len(result.Excluded) != 1 {
		t.Fatalf("expected the invoice to wait for the first collection date: %+v", result)
	}
}

func TestBuildEnforcesNotice(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))
	short := day(2024, time.March, 6)

	_, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: short})
	var invalid *domain.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "collection_date" {
		t.Fatalf("expected notice violation, got %v", err)
	}

	result, err := h.builder.Build(context.Background(), BuildRequest{CollectionDate: short, NoticeExceptionRef: "PRENOTE-2024-03"})
	if err != nil {
		t.Fatalf("build with notice exception: %v", err)
	}
	if result.Batch == nil || result.Batch.NoticeExceptionRef == nil || *result.Batch.NoticeExceptionRef != "PRENOTE-2024-03" {
		t.Fatalf("expected batch carrying the exception reference: %+v", result)
	}

	_, err = h.builder.Build(context.Background(), BuildRequest{})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected validation error for a missing date, got %v", err)
	}
}

func TestBuildSkipsInvoicesInOpenBatches(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))
	ctx := context.Background()

	first, err := h.builder.Build(ctx, BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil || first.Batch == nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := h.builder.Build(ctx, BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if second.Batch != nil {
		t.Fatalf("invoice in an open batch must not be collected twice")
	}

	if err := h.builder.Cancel(ctx, first.Batch.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	third, err := h.builder.Build(ctx, BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil || third.Batch == nil {
		t.Fatalf("expected cancelled batch to release its invoice: %v", err)
	}
}

func TestBuildReportsConcurrentBuild(t *testing.T) {
	h := newHarness(t)
	release, err := h.lock.Acquire(context.Background(), "batch-build", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = h.builder.Build(context.Background(), BuildRequest{CollectionDate: h.collectionDate()})
	if !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("expected ErrBuildInProgress, got %v", err)
	}
}

func TestCancelOnlyDraftBatches(t *testing.T) {
	h := newHarness(t)
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))
	ctx := context.Background()

	result, err := h.builder.Build(ctx, BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := h.exporter.Export(ctx, result.Batch.ID); err != nil {
		t.Fatalf("export: %v", err)
	}

	err = h.builder.Cancel(ctx, result.Batch.ID)
	var rule *domain.RuleViolationError
	if !errors.As(err, &rule) || rule.Rule != "batch_transition" {
		t.Fatalf("expected batch_transition violation, got %v", err)
	}
}

func TestListBatchesFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	h.repo.batches["B-1"] = domain.Batch{ID: "B-1", Status: domain.BatchDraft}
	h.repo.batches["B-2"] = domain.Batch{ID: "B-2", Status: domain.BatchExported}

	all, err := h.builder.List(context.Background(), nil, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two batches, got %d (%v)", len(all), err)
	}
	status := domain.BatchExported
	exported, _ := h.builder.List(context.Background(), &status, 10)
	if len(exported) != 1 || exported[0].ID != "B-2" {
		t.Fatalf("unexpected filtered batches: %+v", exported)
	}
}

func TestBuildLeavesOutMembersAwaitingBankResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	awaiting := buildOneItemBatch(t, h)
	if _, err := h.exporter.Export(ctx, awaiting.ID); err != nil {
		t.Fatalf("export: %v", err)
	}

	h.addInvoice("I-2", "M-1", 1500, day(2024, time.March, 2))
	h.addMember("M-2", "Els Peeters", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-2", "NL44RABO0123456789")
	h.addInvoice("I-3", "M-2", 2000, day(2024, time.March, 2))

	result, err := h.builder.Build(ctx, BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build with a member awaiting a bank response: %v", err)
	}
	if result.Batch == nil || len(result.Batch.Items) != 1 {
		t.Fatalf("expected a batch with one item, got %+v", result)
	}
	if item := result.Batch.Items[0]; item.MemberID != "M-2" || item.InvoiceID != "I-3" {
		t.Fatalf("expected only M-2 to be collected, got %s/%s", item.MemberID, item.InvoiceID)
	}
}

func TestBuildSkipsInvoicesHeldForCustomerAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := exportedBatch(t, h)

	result, err := h.processor.Apply(ctx, batch.ID, []domain.BankTransaction{reject(batch.Items[0], "MS02")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Failed != 1 || result.RetriesScheduled != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if m := h.repo.mandates[batch.Items[0].MandateID]; m.Status != domain.MandateActive {
		t.Fatalf("MS02 must not touch the mandate, got %s", m.Status)
	}

	h.clock.Set(time.Date(2024, time.April, 2, 9, 0, 0, 0, time.UTC))
	rebuilt, err := h.builder.Build(ctx, BuildRequest{CollectionDate: h.collectionDate()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rebuilt.Batch != nil {
		t.Fatalf("refused invoice collected again in %s", rebuilt.Batch.ID)
	}
	if h.repo.invoices["I-1"].Status != domain.InvoiceOpen {
		t.Fatalf("held invoice must stay open")
	}
}

func TestBuildNoticeExceptionTakesFirstCollectionsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addMember("M-1", "Jan de Vries", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-1", "NL13TEST0123456789")
	h.addInvoice("I-1", "M-1", 1500, day(2024, time.March, 1))
	runCycle(t, h, "Collected", "")

	h.addInvoice("I-2", "M-1", 1500, day(2024, time.March, 2))
	h.addMember("M-2", "Els Peeters", domain.PaymentMethodSEPADirectDebit)
	h.activeMandate(t, "M-2", "NL44RABO0123456789")
	h.addInvoice("I-3", "M-2", 2000, day(2024, time.March, 2))

	short := domain.AddBusinessDays(h.clock.Now(), testSettings.FirstCollectionNoticeDays)
	result, err := h.builder.Build(ctx, BuildRequest{CollectionDate: short, NoticeExceptionRef: "LETTER-1"})
	if err != nil {
		t.Fatalf("build with notice exception: %v", err)
	}
	if result.Batch == nil || len(result.Batch.Items) != 1 {
		t.Fatalf("expected a batch with the first collection only, got %+v", result)
	}
	if item := result.Batch.Items[0]; item.MemberID != "M-2" || item.SequenceType != domain.SequenceFirst {
		t.Fatalf("unexpected item %s/%s", item.MemberID, item.SequenceType)
	}
	if len(result.Excluded) != 1 || result.Excluded[0].InvoiceID != "I-2" ||
		result.Excluded[0].Reason != "shortened notice applies to first collections only" {
		t.Fatalf("expected the recurring invoice to be excluded, got %+v", result.Excluded)
	}
}
