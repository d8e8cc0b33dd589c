/**
 * @description
 * The dues sweep: turns due schedules into ledger invoices, one per billing
 * period.
 *
 * @notes
 * - Advancing next_invoice_date is the commit point. The store only moves it
 *   when it still points at the invoiced period, so a rerun or a concurrent
 *   sweep cannot invoice the same period twice.
 * - The ledger call carries <schedule_id>:<period> as idempotency key; a
 *   retried period gets the invoice the ledger created the first time.
 * - Due dates are computed from the posting date (the sweep day).
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
	"golang.org/x/sync/errgroup"
)

// SweepResult counts what one sweep did, per billing period.
type SweepResult struct {
	Schedules  int `json:"schedules"`
	Evaluated  int `json:"evaluated"`
	Generated  int `json:"generated"`
	Skipped    int `json:"skipped"`
	Ineligible int `json:"ineligible"`
	Failed     int `json:"failed"`
}

func (r *SweepResult) add(other SweepResult) {
	r.Schedules += other.Schedules
	r.Evaluated += other.Evaluated
	r.Generated += other.Generated
	r.Skipped += other.Skipped
	r.Ineligible += other.Ineligible
	r.Failed += other.Failed
}

// DuesEngine generates dues invoices from schedules.
type DuesEngine struct {
	repo        DuesRepository
	ledger      LedgerClient
	eligibility *EligibilityValidator
	lock        RunLock
	workers     int
	rt          Runtime
}

// NewDuesEngine creates a new dues engine. workers bounds the schedules
// processed in parallel.
func NewDuesEngine(repo DuesRepository, ledger LedgerClient, eligibility *EligibilityValidator, lock RunLock, workers int, rt Runtime) *DuesEngine {
	if workers < 1 {
		workers = 1
	}
	return &DuesEngine{
		repo:        repo,
		ledger:      ledger,
		eligibility: eligibility,
		lock:        lock,
		workers:     workers,
		rt:          rt.withDefaults(),
	}
}

// Sweep invoices every due period of every due schedule as of today.
// Failures are counted per period; only a failure to list schedules or to
// take the run lock fails the sweep.
func (e *DuesEngine) Sweep(ctx context.Context, today time.Time) (SweepResult, error) {
	release, err := e.lock.Acquire(ctx, "dues-sweep", 30*time.Minute)
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	today = domain.DateOf(today)
	schedules, err := e.repo.ListDueSchedules(ctx, today)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due schedules: %w", err)
	}

	var (
		mu     sync.Mutex
		result SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, schedule := range schedules {
		schedule := schedule
		g.Go(func() error {
			partial := e.processSchedule(gctx, schedule, today)
			mu.Lock()
			result.add(partial)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	e.rt.Logger.Info("dues sweep finished",
		"date", today.Format(time.DateOnly),
		"schedules", result.Schedules,
		"generated", result.Generated,
		"skipped", result.Skipped,
		"ineligible", result.Ineligible,
		"failed", result.Failed,
	)
	return result, nil
}

// processSchedule walks the schedule's due periods, oldest first, up to the
// catch-up cap. The first period that cannot be committed stops the walk so
// periods are never invoiced out of order.
func (e *DuesEngine) processSchedule(ctx context.Context, schedule domain.DuesSchedule, today time.Time) SweepResult {
	result := SweepResult{Schedules: 1}
	logger := e.rt.Logger.With("schedule_id", schedule.ID, "member_id", schedule.MemberID)

	maxPeriods := e.rt.Settings.MaxCatchUpPeriods
	if maxPeriods < 1 {
		maxPeriods = 1
	}

	period := domain.DateOf(schedule.NextInvoiceDate)
	for i := 0; i < maxPeriods && schedule.IsDue(today); i++ {
		result.Evaluated++

		outcome, next, err := e.invoicePeriod(ctx, schedule, period, today)
		e.rt.Metrics.InvoiceResult(outcome)
		switch outcome {
		case "generated":
			result.Generated++
		case "skipped":
			result.Skipped++
			logger.Info("period already invoiced", "period", period.Format(time.DateOnly), "reason", err)
			return result
		case "ineligible":
			result.Ineligible++
			logger.Info("member not eligible for invoicing", "period", period.Format(time.DateOnly), "reason", err)
			return result
		default:
			result.Failed++
			logger.Error("failed to invoice period", "period", period.Format(time.DateOnly), "error", err)
			return result
		}

		period = next
		schedule.NextInvoiceDate = next
	}
	return result
}

// invoicePeriod returns one of generated, skipped, ineligible or failed and
// the start of the following period.
func (e *DuesEngine) invoicePeriod(ctx context.Context, schedule domain.DuesSchedule, period, today time.Time) (string, time.Time, error) {
	eligibility, err := e.eligibility.Check(ctx, schedule.MemberID)
	if err != nil {
		return "failed", time.Time{}, err
	}
	if !eligibility.Eligible {
		return "ineligible", time.Time{}, errors.New(eligibility.Reason)
	}

	if schedule.RateCents <= 0 {
		return "failed", time.Time{}, &domain.ValidationError{Field: "rate", Message: fmt.Sprintf("schedule %s has a non-positive rate", schedule.ID)}
	}
	next, err := schedule.BillingFrequency.NextPeriod(period)
	if err != nil {
		return "failed", time.Time{}, err
	}

	posting := today
	due, err := domain.ComputeDueDate(posting, schedule.PaymentTerms, e.rt.Settings.DefaultDueDays)
	if err != nil {
		return "failed", time.Time{}, err
	}

	currency := schedule.Currency
	if currency == "" {
		currency = e.rt.Settings.Currency
	}
	periodEnd := next.AddDate(0, 0, -1)

	ledgerRef, err := e.ledger.CreateInvoice(ctx, domain.LedgerInvoiceRequest{
		IdempotencyKey: fmt.Sprintf("%s:%s", schedule.ID, period.Format(time.DateOnly)),
		MemberID:       schedule.MemberID,
		ScheduleID:     schedule.ID,
		AmountCents:    schedule.RateCents,
		Currency:       currency,
		PostingDate:    posting,
		DueDate:        due,
		PeriodStart:    period,
		PeriodEnd:      periodEnd,
		Description:    fmt.Sprintf("%s dues %s to %s", schedule.MembershipType, period.Format(time.DateOnly), periodEnd.Format(time.DateOnly)),
	})
	if err != nil {
		return "failed", time.Time{}, fmt.Errorf("create ledger invoice: %w", err)
	}

	invoice := &domain.Invoice{
		ID:               uuid.NewString(),
		LedgerRef:        ledgerRef,
		ScheduleID:       schedule.ID,
		MemberID:         schedule.MemberID,
		AmountCents:      schedule.RateCents,
		OutstandingCents: schedule.RateCents,
		Currency:         currency,
		PostingDate:      posting,
		DueDate:          due,
		PeriodStart:      period,
		PeriodEnd:        periodEnd,
		Status:           domain.InvoiceOpen,
	}
	if schedule.PaymentTerms != nil {
		code := schedule.PaymentTerms.Code
		invoice.PaymentTermsCode = &code
	}

	if err := e.repo.RecordGeneratedInvoice(ctx, invoice, period, next); err != nil {
		if errors.Is(err, store.ErrAlreadyInvoiced) || errors.Is(err, store.ErrScheduleAdvanced) {
			return "skipped", time.Time{}, err
		}
		return "failed", time.Time{}, fmt.Errorf("record invoice: %w", err)
	}

	e.rt.publish(ctx, domain.EventInvoiceCreated, domain.InvoiceCreatedEvent{
		InvoiceID:   invoice.ID,
		LedgerRef:   invoice.LedgerRef,
		ScheduleID:  invoice.ScheduleID,
		MemberID:    invoice.MemberID,
		AmountCents: invoice.AmountCents,
		Currency:    invoice.Currency,
		PostingDate: invoice.PostingDate,
		DueDate:     invoice.DueDate,
	})
	return "generated", next, nil
}
