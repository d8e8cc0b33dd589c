package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// memoryRepo mirrors the store's conditional writes in memory.
type memoryRepo struct {
	mu        sync.Mutex
	mandates  map[string]domain.Mandate
	counters  map[string]int64
	schedules map[string]domain.DuesSchedule
	invoices  map[string]domain.Invoice
	members   map[string]domain.Member
	batches   map[string]domain.Batch
	retries   map[string]domain.RetrySchedule
	history   []domain.PaymentHistoryEntry

	// mandateConflicts fails the next n mandate updates with a version conflict.
	mandateConflicts int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		mandates:  map[string]domain.Mandate{},
		counters:  map[string]int64{},
		schedules: map[string]domain.DuesSchedule{},
		invoices:  map[string]domain.Invoice{},
		members:   map[string]domain.Member{},
		batches:   map[string]domain.Batch{},
		retries:   map[string]domain.RetrySchedule{},
	}
}

func copyBatch(b domain.Batch) domain.Batch {
	b.Items = append([]domain.BatchItem(nil), b.Items...)
	return b
}

func (r *memoryRepo) CreateMandate(ctx context.Context, m *domain.Mandate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mandates[m.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrMandateIDTaken, m.ID)
	}
	m.Version = 1
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	r.mandates[m.ID] = *m
	return nil
}

func (r *memoryRepo) GetMandate(ctx context.Context, id string) (*domain.Mandate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mandates[id]
	if !ok {
		return nil, store.ErrMandateNotFound
	}
	return &m, nil
}

func (r *memoryRepo) HasOpenMandate(ctx context.Context, memberID, iban, excludeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mandates {
		if m.MemberID == memberID && m.IBAN == iban && m.ID != excludeID && !m.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) GetActiveMandateForMember(ctx context.Context, memberID string) (*domain.Mandate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Mandate
	for _, m := range r.mandates {
		if m.MemberID != memberID || m.Status != domain.MandateActive {
			continue
		}
		m := m
		if found == nil || (m.ActivatedAt != nil && found.ActivatedAt != nil && m.ActivatedAt.After(*found.ActivatedAt)) {
			found = &m
		}
	}
	if found == nil {
		return nil, store.ErrMandateNotFound
	}
	return found, nil
}

func (r *memoryRepo) checkMandateWrite(m *domain.Mandate, expectedVersion int, ignore string) error {
	stored, ok := r.mandates[m.ID]
	if !ok || stored.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	if m.Status == domain.MandateActive {
		for _, other := range r.mandates {
			if other.ID != m.ID && other.ID != ignore && other.Status == domain.MandateActive &&
				other.MemberID == m.MemberID && other.IBAN == m.IBAN {
				return store.ErrActiveMandateExists
			}
		}
	}
	return nil
}

func (r *memoryRepo) UpdateMandate(ctx context.Context, m *domain.Mandate, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mandateConflicts > 0 {
		r.mandateConflicts--
		return store.ErrVersionConflict
	}
	if err := r.checkMandateWrite(m, expectedVersion, ""); err != nil {
		return err
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = time.Now()
	r.mandates[m.ID] = *m
	return nil
}

func (r *memoryRepo) ReplaceMandates(ctx context.Context, old *domain.Mandate, oldVersion int, successor *domain.Mandate, successorVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mandateConflicts > 0 {
		r.mandateConflicts--
		return store.ErrVersionConflict
	}
	if err := r.checkMandateWrite(old, oldVersion, ""); err != nil {
		return err
	}
	if err := r.checkMandateWrite(successor, successorVersion, old.ID); err != nil {
		return err
	}
	old.Version = oldVersion + 1
	successor.Version = successorVersion + 1
	r.mandates[old.ID] = *old
	r.mandates[successor.ID] = *successor
	return nil
}

func (r *memoryRepo) ListExpirableMandates(ctx context.Context, asOf, dormantBefore time.Time) ([]domain.Mandate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Mandate
	for _, m := range r.mandates {
		expired := (m.Status == domain.MandateActive || m.Status == domain.MandateSuspended) && m.IsExpiredOn(asOf)
		lastUse := m.CreatedAt
		if m.ActivatedAt != nil {
			lastUse = *m.ActivatedAt
		}
		if m.LastCollectedAt != nil {
			lastUse = *m.LastCollectedAt
		}
		dormant := m.Status == domain.MandateActive && lastUse.Before(dormantBefore)
		if expired || dormant {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) GetMandateUsage(ctx context.Context, mandateID string) (store.MandateUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var usage store.MandateUsage
	for _, b := range r.batches {
		for _, item := range b.Items {
			if item.MandateID != mandateID {
				continue
			}
			switch {
			case item.Status == domain.ItemCollected:
				usage.Collected++
			case item.Status == domain.ItemPending && b.Status.IsOpen():
				usage.Pending++
			}
		}
	}
	return usage, nil
}

func (r *memoryRepo) NextMandateCounter(ctx context.Context, prefix string, start int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.counters[prefix]
	if !ok {
		value = start
	} else {
		value++
	}
	r.counters[prefix] = value
	return value, nil
}

func (r *memoryRepo) ListDueSchedules(ctx context.Context, today time.Time) ([]domain.DuesSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DuesSchedule
	for _, s := range r.schedules {
		if s.IsDue(today) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) RecordGeneratedInvoice(ctx context.Context, inv *domain.Invoice, expectedNext, newNext time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.invoices {
		if existing.ScheduleID == inv.ScheduleID && existing.PeriodStart.Equal(inv.PeriodStart) {
			return store.ErrAlreadyInvoiced
		}
	}
	s, ok := r.schedules[inv.ScheduleID]
	if !ok || !domain.DateOf(s.NextInvoiceDate).Equal(domain.DateOf(expectedNext)) {
		return store.ErrScheduleAdvanced
	}
	inv.CreatedAt = time.Now()
	r.invoices[inv.ID] = *inv
	s.NextInvoiceDate = newNext
	r.schedules[s.ID] = s
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, store.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (r *memoryRepo) ListCollectionCandidates(ctx context.Context, collectionDate time.Time) ([]domain.CollectionCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inFlight := map[string]bool{}
	for _, b := range r.batches {
		if !b.Status.IsOpen() {
			continue
		}
		for _, item := range b.Items {
			if item.Status == domain.ItemPending {
				inFlight[item.MemberID] = true
			}
		}
	}

	var out []domain.CollectionCandidate
	for _, inv := range r.invoices {
		member, ok := r.members[inv.MemberID]
		if !ok || inv.Status != domain.InvoiceOpen || inv.OutstandingCents <= 0 ||
			member.PaymentMethod != domain.PaymentMethodSEPADirectDebit || inFlight[inv.MemberID] {
			continue
		}
		candidate := domain.CollectionCandidate{Invoice: inv, MemberName: member.FullName, PaymentMethod: member.PaymentMethod}
		blocked := false
		for _, rs := range r.retries {
			if rs.InvoiceID != inv.ID {
				continue
			}
			switch {
			case rs.Status.BlocksCollection():
				blocked = true
			case rs.Status == domain.RetryScheduled && rs.IsDue(collectionDate):
				id := rs.ID
				candidate.RetryScheduleID = &id
				candidate.RetryAmountCents = rs.RetryAmountCents
			case rs.Status == domain.RetryScheduled:
				blocked = true
			}
		}
		if !blocked {
			out = append(out, candidate)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Invoice.MemberID != out[j].Invoice.MemberID {
			return out[i].Invoice.MemberID < out[j].Invoice.MemberID
		}
		return out[i].Invoice.DueDate.Before(out[j].Invoice.DueDate)
	})
	return out, nil
}

func (r *memoryRepo) CreateBatch(ctx context.Context, b *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := map[string]bool{}
	for _, item := range b.Items {
		members[item.MemberID] = true
	}
	for _, existing := range r.batches {
		if !existing.Status.IsOpen() {
			continue
		}
		for _, item := range existing.Items {
			if item.Status == domain.ItemPending && members[item.MemberID] {
				return fmt.Errorf("%w: %s", store.ErrMemberInOpenBatch, item.MemberID)
			}
		}
	}
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	r.batches[b.ID] = copyBatch(*b)
	return nil
}

func (r *memoryRepo) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	b = copyBatch(b)
	return &b, nil
}

func (r *memoryRepo) ListBatches(ctx context.Context, status *domain.BatchStatus, limit int) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Batch
	for _, b := range r.batches {
		if status == nil || b.Status == *status {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) moveBatch(id string, from, to domain.BatchStatus, mutate func(*domain.Batch)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return store.ErrBatchNotFound
	}
	if b.Status != from {
		return store.ErrBatchStateChanged
	}
	b.Status = to
	if mutate != nil {
		mutate(&b)
	}
	r.batches[id] = b
	return nil
}

func (r *memoryRepo) MarkBatchExported(ctx context.Context, id, archiveKey string, at time.Time) error {
	return r.moveBatch(id, domain.BatchDraft, domain.BatchExported, func(b *domain.Batch) {
		b.ArchiveKey = &archiveKey
		b.ExportedAt = &at
	})
}

func (r *memoryRepo) CancelBatch(ctx context.Context, id string, at time.Time) error {
	return r.moveBatch(id, domain.BatchDraft, domain.BatchCancelled, nil)
}

func (r *memoryRepo) CompleteBatch(ctx context.Context, id string, at time.Time) error {
	return r.moveBatch(id, domain.BatchExported, domain.BatchCompleted, func(b *domain.Batch) {
		b.CompletedAt = &at
	})
}

func (r *memoryRepo) SettleItem(ctx context.Context, p store.SettleItemParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[p.BatchID]
	if !ok {
		return store.ErrBatchNotFound
	}
	item, ok := b.FindItem(p.ItemID)
	if !ok || item.Status != domain.ItemPending {
		return store.ErrItemAlreadyFinal
	}
	item.Status = p.Status
	item.FailureReason = p.ReasonCode
	r.batches[p.BatchID] = b
	r.history = append(r.history, p.History)

	if p.Status == domain.ItemCollected {
		inv := r.invoices[p.InvoiceID]
		inv.OutstandingCents -= p.AmountCents
		if inv.OutstandingCents <= 0 {
			inv.OutstandingCents = 0
			inv.Status = domain.InvoicePaid
		}
		r.invoices[p.InvoiceID] = inv
		m := r.mandates[p.MandateID]
		at := p.SettledAt
		m.LastCollectedAt = &at
		r.mandates[p.MandateID] = m
	}
	return nil
}

func (r *memoryRepo) CreateRetrySchedule(ctx context.Context, rs *domain.RetrySchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.retries {
		if existing.InvoiceID == rs.InvoiceID && existing.Status == domain.RetryScheduled {
			return errors.New("duplicate scheduled retry for invoice")
		}
	}
	rs.CreatedAt = time.Now()
	rs.UpdatedAt = rs.CreatedAt
	r.retries[rs.ID] = *rs
	return nil
}

func (r *memoryRepo) GetRetrySchedule(ctx context.Context, id string) (*domain.RetrySchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.retries[id]
	if !ok {
		return nil, store.ErrRetryScheduleNotFound
	}
	return &rs, nil
}

func (r *memoryRepo) UpdateRetrySchedule(ctx context.Context, rs *domain.RetrySchedule, expected domain.RetryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.retries[rs.ID]
	if !ok || stored.Status != expected {
		return store.ErrVersionConflict
	}
	r.retries[rs.ID] = *rs
	return nil
}

func (r *memoryRepo) ListRetrySchedules(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetrySchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RetrySchedule
	for _, rs := range r.retries {
		if rs.Status == status {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetryDate.Before(out[j].RetryDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// retryFor returns the retry schedule following an invoice.
func (r *memoryRepo) retryFor(invoiceID string) (domain.RetrySchedule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rs := range r.retries {
		if rs.InvoiceID == invoiceID {
			return rs, true
		}
	}
	return domain.RetrySchedule{}, false
}

type publishedEvent struct {
	RoutingKey string
	Body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{RoutingKey: routingKey, Body: body})
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.RoutingKey == routingKey {
			n++
		}
	}
	return n
}

type fakeLedger struct {
	mu        sync.Mutex
	byKey     map[string]string
	requests  []domain.LedgerInvoiceRequest
	paid      map[string]int64
	createErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{byKey: map[string]string{}, paid: map[string]int64{}}
}

func (l *fakeLedger) CreateInvoice(ctx context.Context, req domain.LedgerInvoiceRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return "", l.createErr
	}
	l.requests = append(l.requests, req)
	if ref, ok := l.byKey[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("SINV-%04d", len(l.byKey)+1)
	l.byKey[req.IdempotencyKey] = ref
	return ref, nil
}

func (l *fakeLedger) MarkPaid(ctx context.Context, invoiceRef string, amountCents int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paid[invoiceRef] += amountCents
	return nil
}

type fakeMembers struct {
	notBillable map[string]bool
	inactive    map[string]bool
	calls       int
	mu          sync.Mutex
}

func (m *fakeMembers) IsBillable(ctx context.Context, memberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return !m.notBillable[memberID], nil
}

func (m *fakeMembers) HasActiveMembership(ctx context.Context, memberID string) (bool, error) {
	return !m.inactive[memberID], nil
}

type memoryArchive struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (a *memoryArchive) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.files == nil {
		a.files = map[string][]byte{}
	}
	a.files[key] = append([]byte(nil), body...)
	return "memory://" + key, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

var testSettings = domain.CollectionSettings{
	Creditor: domain.Creditor{
		Name:     "Vereniging Groen",
		SchemeID: "NL98ZZZ999999999999",
		IBAN:     "NL91ABNA0417164300",
		BIC:      "ABNANL2A",
	},
	Currency:                  "EUR",
	MandateMaxAmountCents:     100000,
	RecurringNoticeDays:       5,
	FirstCollectionNoticeDays: 2,
	MandateDormancyMonths:     36,
	DefaultDueDays:            30,
	MaxCatchUpPeriods:         12,
	RetryMaxAttempts:          3,
}

// harness wires every collection component over the memory repo.
type harness struct {
	repo      *memoryRepo
	publisher *recordingPublisher
	ledger    *fakeLedger
	members   *fakeMembers
	archive   *memoryArchive
	clock     *testClock
	rt        Runtime
	lock      *LocalRunLock

	mandates  *MandateManager
	dues      *DuesEngine
	builder   *BatchBuilder
	exporter  *BatchExporter
	retries   *RetryScheduler
	processor *ResponseProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:      newMemoryRepo(),
		publisher: &recordingPublisher{},
		ledger:    newFakeLedger(),
		members:   &fakeMembers{notBillable: map[string]bool{}, inactive: map[string]bool{}},
		archive:   &memoryArchive{},
		clock:     &testClock{now: time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)}, // Monday
		lock:      NewLocalRunLock(),
	}
	h.rt = Runtime{
		Publisher: h.publisher,
		Exchange:  "test.events",
		Settings:  testSettings,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       h.clock.Now,
	}

	ids, err := NewMandateIDGenerator(h.repo, "MNDT-{YYYY}-#####", 1, h.clock.Now)
	if err != nil {
		t.Fatalf("create mandate id generator: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("create snowflake node: %v", err)
	}

	h.mandates = NewMandateManager(h.repo, ids, h.rt)
	h.dues = NewDuesEngine(h.repo, h.ledger, NewEligibilityValidator(h.members), h.lock, 4, h.rt)
	h.builder = NewBatchBuilder(h.repo, h.mandates, h.lock, node, h.rt)
	h.exporter = NewBatchExporter(h.repo, h.archive, h.rt)
	h.retries = NewRetryScheduler(h.repo, testSettings.RetryMaxAttempts, h.rt)
	h.processor = NewResponseProcessor(h.repo, h.mandates, h.retries, h.ledger, h.rt)
	return h
}

func (h *harness) addMember(id, name string, method domain.PaymentMethod) {
	h.repo.members[id] = domain.Member{ID: id, FullName: name, PaymentMethod: method}
}

func (h *harness) addSchedule(id, memberID string, next time.Time, rate int64) {
	h.repo.schedules[id] = domain.DuesSchedule{
		ID:               id,
		MemberID:         memberID,
		MembershipType:   "Regular",
		BillingFrequency: domain.FrequencyMonthly,
		RateCents:        rate,
		Currency:         "EUR",
		Status:           domain.ScheduleActive,
		NextInvoiceDate:  next,
		AutoGenerate:     true,
	}
}

func (h *harness) addInvoice(id, memberID string, outstanding int64, due time.Time) {
	h.repo.invoices[id] = domain.Invoice{
		ID:               id,
		LedgerRef:        "SINV-" + id,
		ScheduleID:       "sched-" + memberID,
		MemberID:         memberID,
		AmountCents:      outstanding,
		OutstandingCents: outstanding,
		Currency:         "EUR",
		PostingDate:      due.AddDate(0, 0, -30),
		DueDate:          due,
		PeriodStart:      due.AddDate(0, 0, -30),
		PeriodEnd:        due,
		Status:           domain.InvoiceOpen,
	}
}

// activeMandate creates, submits and activates a CORE mandate.
func (h *harness) activeMandate(t *testing.T, memberID, iban string) *domain.Mandate {
	t.Helper()
	ctx := context.Background()
	m, err := h.mandates.Create(ctx, CreateMandateParams{
		MemberID:   memberID,
		DebtorName: "Debtor " + memberID,
		IBAN:       iban,
		Type:       domain.MandateTypeCore,
		SignDate:   h.clock.Now().AddDate(0, -1, 0),
	})
	if err != nil {
		t.Fatalf("create mandate: %v", err)
	}
	if _, err := h.mandates.Submit(ctx, m.ID); err != nil {
		t.Fatalf("submit mandate: %v", err)
	}
	m, err = h.mandates.Activate(ctx, m.ID)
	if err != nil {
		t.Fatalf("activate mandate: %v", err)
	}
	return m
}

// collectionDate is the earliest date the recurring notice allows.
func (h *harness) collectionDate() time.Time {
	return domain.AddBusinessDays(h.clock.Now(), testSettings.RecurringNoticeDays)
}
