package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collection holds the Prometheus collectors for the collection cycle.
type Collection struct {
	invoicesGenerated *prometheus.CounterVec
	batchesBuilt      *prometheus.CounterVec
	batchItems        prometheus.Counter
	batchAmount       prometheus.Counter
	itemOutcomes      *prometheus.CounterVec
	retries           *prometheus.CounterVec
	mandateChanges    *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
}

// NewCollection registers the collectors on the given registerer.
// A nil registerer uses the Prometheus default.
func NewCollection(registerer prometheus.Registerer) *Collection {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Collection{
		invoicesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepa_dues_invoices_total",
			Help: "Dues periods processed by the sweep, by result.",
		}, []string{"result"}), // generated | skipped | ineligible | failed
		batchesBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepa_batches_total",
			Help: "Collection batch lifecycle events, by status reached.",
		}, []string{"status"}),
		batchItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sepa_batch_items_total",
			Help: "Items placed in persisted collection batches.",
		}),
		batchAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sepa_batch_amount_cents_total",
			Help: "Sum of amounts placed in persisted collection batches, in cents.",
		}),
		itemOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepa_item_outcomes_total",
			Help: "Bank outcomes applied to batch items, by outcome and reason code.",
		}, []string{"outcome", "reason_code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepa_retries_total",
			Help: "Retry schedule transitions, by status.",
		}, []string{"status"}),
		mandateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepa_mandate_transitions_total",
			Help: "Mandate status transitions, by target status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sepa_job_duration_seconds",
			Help:    "Duration of scheduled collection jobs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
	}

	registerer.MustRegister(
		m.invoicesGenerated,
		m.batchesBuilt,
		m.batchItems,
		m.batchAmount,
		m.itemOutcomes,
		m.retries,
		m.mandateChanges,
		m.jobDuration,
	)
	return m
}

func (m *Collection) InvoiceResult(result string) {
	m.invoicesGenerated.WithLabelValues(result).Inc()
}

func (m *Collection) BatchPersisted(items int, amountCents int64) {
	m.batchesBuilt.WithLabelValues("Draft").Inc()
	m.batchItems.Add(float64(items))
	m.batchAmount.Add(float64(amountCents))
}

func (m *Collection) BatchStatus(status string) {
	m.batchesBuilt.WithLabelValues(status).Inc()
}

func (m *Collection) ItemOutcome(outcome, reasonCode string) {
	m.itemOutcomes.WithLabelValues(outcome, reasonCode).Inc()
}

func (m *Collection) Retry(status string) {
	m.retries.WithLabelValues(status).Inc()
}

func (m *Collection) MandateTransition(status string) {
	m.mandateChanges.WithLabelValues(status).Inc()
}

func (m *Collection) ObserveJob(job string, seconds float64) {
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}
