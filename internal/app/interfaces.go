/**
 * @description
 * Collaborator contracts for the collection components. The store package
 * satisfies the repositories; pkg clients satisfy the external ones.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// MandateRepository defines the mandate persistence the manager needs.
type MandateRepository interface {
	CreateMandate(ctx context.Context, m *domain.Mandate) error
	GetMandate(ctx context.Context, id string) (*domain.Mandate, error)
	HasOpenMandate(ctx context.Context, memberID, iban, excludeID string) (bool, error)
	GetActiveMandateForMember(ctx context.Context, memberID string) (*domain.Mandate, error)
	UpdateMandate(ctx context.Context, m *domain.Mandate, expectedVersion int) error
	ReplaceMandates(ctx context.Context, old *domain.Mandate, oldVersion int, successor *domain.Mandate, successorVersion int) error
	ListExpirableMandates(ctx context.Context, asOf, dormantBefore time.Time) ([]domain.Mandate, error)
	GetMandateUsage(ctx context.Context, mandateID string) (store.MandateUsage, error)
	NextMandateCounter(ctx context.Context, prefix string, start int64) (int64, error)
}

// DuesRepository defines the schedule and invoice persistence of the sweep.
type DuesRepository interface {
	ListDueSchedules(ctx context.Context, today time.Time) ([]domain.DuesSchedule, error)
	RecordGeneratedInvoice(ctx context.Context, inv *domain.Invoice, expectedNext, newNext time.Time) error
}

// BatchRepository defines batch persistence for building, exporting and settling.
type BatchRepository interface {
	ListCollectionCandidates(ctx context.Context, collectionDate time.Time) ([]domain.CollectionCandidate, error)
	CreateBatch(ctx context.Context, b *domain.Batch) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context, status *domain.BatchStatus, limit int) ([]domain.Batch, error)
	MarkBatchExported(ctx context.Context, id, archiveKey string, at time.Time) error
	CancelBatch(ctx context.Context, id string, at time.Time) error
	CompleteBatch(ctx context.Context, id string, at time.Time) error
	SettleItem(ctx context.Context, p store.SettleItemParams) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
}

// RetryRepository defines retry schedule persistence.
type RetryRepository interface {
	CreateRetrySchedule(ctx context.Context, rs *domain.RetrySchedule) error
	GetRetrySchedule(ctx context.Context, id string) (*domain.RetrySchedule, error)
	UpdateRetrySchedule(ctx context.Context, rs *domain.RetrySchedule, expected domain.RetryStatus) error
	ListRetrySchedules(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetrySchedule, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// LedgerClient is the invoicing system. It owns GL posting.
type LedgerClient interface {
	CreateInvoice(ctx context.Context, req domain.LedgerInvoiceRequest) (string, error)
	MarkPaid(ctx context.Context, invoiceRef string, amountCents int64) error
}

// MembershipSource answers read-only member status questions.
type MembershipSource interface {
	IsBillable(ctx context.Context, memberID string) (bool, error)
	HasActiveMembership(ctx context.Context, memberID string) (bool, error)
}

// Archive stores exported pain.008 files.
type Archive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Metrics receives collection counters. internal/metrics implements it.
type Metrics interface {
	InvoiceResult(result string)
	BatchPersisted(items int, amountCents int64)
	BatchStatus(status string)
	ItemOutcome(outcome, reasonCode string)
	Retry(status string)
	MandateTransition(status string)
	ObserveJob(job string, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) InvoiceResult(string)       {}
func (noopMetrics) BatchPersisted(int, int64)  {}
func (noopMetrics) BatchStatus(string)         {}
func (noopMetrics) ItemOutcome(string, string) {}
func (noopMetrics) Retry(string)               {}
func (noopMetrics) MandateTransition(string)   {}
func (noopMetrics) ObserveJob(string, float64) {}

// Runtime carries what every collection component shares: the event sink,
// the collection settings, logging, metrics and the business clock.
type Runtime struct {
	Publisher EventPublisher
	Exchange  string
	Settings  domain.CollectionSettings
	Logger    *slog.Logger
	Metrics   Metrics
	Now       func() time.Time
}

func (rt Runtime) withDefaults() Runtime {
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Metrics == nil {
		rt.Metrics = noopMetrics{}
	}
	if rt.Now == nil {
		rt.Now = time.Now
	}
	return rt
}

// today is the current business date.
func (rt Runtime) today() time.Time {
	return domain.DateOf(rt.Now())
}

// publish is fire-and-forget: a broker failure is logged and never fails the
// operation that produced the event.
func (rt Runtime) publish(ctx context.Context, routingKey string, body interface{}) {
	if rt.Publisher == nil {
		return
	}
	if err := rt.Publisher.Publish(ctx, rt.Exchange, routingKey, body); err != nil {
		rt.Logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}
