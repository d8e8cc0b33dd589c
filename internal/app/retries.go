package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// RetryScheduler plans retries for recoverable rejections. Attempt n is due
// base x 2^(n-1) days after the failure; past the attempt cap the schedule is
// Exhausted and handed to a person. Non-retryable codes that leave the mandate
// untouched put the invoice on ActionRequired so batches skip it.
type RetryScheduler struct {
	repo        RetryRepository
	maxAttempts int
	rt          Runtime
}

// NewRetryScheduler creates a new retry scheduler.
func NewRetryScheduler(repo RetryRepository, maxAttempts int, rt Runtime) *RetryScheduler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryScheduler{repo: repo, maxAttempts: maxAttempts, rt: rt.withDefaults()}
}

// HandleFailure records a rejected item. It returns the retry schedule that
// now follows the invoice, or nil when the code suspends or cancels the
// mandate and no schedule existed.
func (s *RetryScheduler) HandleFailure(ctx context.Context, item domain.BatchItem, code domain.ReasonCode, failedAt time.Time) (*domain.RetrySchedule, error) {
	failedOn := domain.DateOf(failedAt)

	if item.RetryScheduleID == nil {
		if !code.RetryEligible {
			if code.MandateAction != domain.MandateActionNone {
				return nil, nil
			}
			return s.hold(ctx, item, code, failedOn)
		}
		rs := &domain.RetrySchedule{
			ID:               uuid.NewString(),
			InvoiceID:        item.InvoiceID,
			MemberID:         item.MemberID,
			OriginalItemID:   item.ID,
			LastItemID:       item.ID,
			ReasonCode:       code.Code,
			RetryDate:        failedOn.AddDate(0, 0, code.RetryOffsetDays(1)),
			RetryAmountCents: item.AmountCents,
			Attempt:          1,
			MaxAttempts:      s.maxAttempts,
			Status:           domain.RetryScheduled,
		}
		if err := s.repo.CreateRetrySchedule(ctx, rs); err != nil {
			return nil, fmt.Errorf("create retry schedule for invoice %s: %w", item.InvoiceID, err)
		}
		s.rt.Metrics.Retry(string(rs.Status))
		s.logScheduled(rs)
		return rs, nil
	}

	rs, err := s.repo.GetRetrySchedule(ctx, *item.RetryScheduleID)
	if err != nil {
		return nil, fmt.Errorf("load retry schedule %s: %w", *item.RetryScheduleID, err)
	}
	if rs.Status != domain.RetryScheduled {
		s.rt.Logger.Warn("retry schedule already settled, ignoring failure", "retry_schedule_id", rs.ID, "status", rs.Status, "item_id", item.ID)
		return rs, nil
	}

	expected := rs.Status
	rs.LastItemID = item.ID
	rs.ReasonCode = code.Code

	switch {
	case !code.RetryEligible && code.MandateAction == domain.MandateActionNone:
		rs.Status = domain.RetryActionRequired
	case !code.RetryEligible:
		rs.Status = domain.RetryFailed
	case rs.Attempt+1 > s.maxAttempts:
		rs.Status = domain.RetryExhausted
	default:
		// The failed attempt closes and the next one is planned in the same write.
		rs.Attempt++
		rs.RetryDate = failedOn.AddDate(0, 0, code.RetryOffsetDays(rs.Attempt))
	}

	if err := s.repo.UpdateRetrySchedule(ctx, rs, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, &domain.ConflictError{Entity: "retry schedule", ID: rs.ID}
		}
		return nil, fmt.Errorf("update retry schedule %s: %w", rs.ID, err)
	}
	s.rt.Metrics.Retry(string(rs.Status))

	switch rs.Status {
	case domain.RetryScheduled:
		s.logScheduled(rs)
	case domain.RetryExhausted:
		s.rt.Logger.Warn("retries exhausted, manual follow-up required",
			"retry_schedule_id", rs.ID,
			"invoice_id", rs.InvoiceID,
			"member_id", rs.MemberID,
			"reason_code", rs.ReasonCode,
			"attempts", rs.Attempt,
		)
		s.rt.publish(ctx, domain.EventRetryExhausted, domain.RetryExhaustedEvent{
			RetryScheduleID: rs.ID,
			InvoiceID:       rs.InvoiceID,
			MemberID:        rs.MemberID,
			ReasonCode:      rs.ReasonCode,
			Attempts:        rs.Attempt,
			OccurredAt:      s.rt.Now(),
		})
	case domain.RetryActionRequired:
		s.logHeld(rs)
	default:
		s.rt.Logger.Info("retry stopped by non-retryable code", "retry_schedule_id", rs.ID, "reason_code", rs.ReasonCode)
	}
	return rs, nil
}

// hold records a first rejection that needs the member before the invoice can
// be collected again.
func (s *RetryScheduler) hold(ctx context.Context, item domain.BatchItem, code domain.ReasonCode, failedOn time.Time) (*domain.RetrySchedule, error) {
	rs := &domain.RetrySchedule{
		ID:               uuid.NewString(),
		InvoiceID:        item.InvoiceID,
		MemberID:         item.MemberID,
		OriginalItemID:   item.ID,
		LastItemID:       item.ID,
		ReasonCode:       code.Code,
		RetryDate:        failedOn,
		RetryAmountCents: item.AmountCents,
		MaxAttempts:      s.maxAttempts,
		Status:           domain.RetryActionRequired,
	}
	if err := s.repo.CreateRetrySchedule(ctx, rs); err != nil {
		return nil, fmt.Errorf("hold invoice %s: %w", item.InvoiceID, err)
	}
	s.rt.Metrics.Retry(string(rs.Status))
	s.logHeld(rs)
	return rs, nil
}

func (s *RetryScheduler) logHeld(rs *domain.RetrySchedule) {
	s.rt.Logger.Warn("invoice held for customer action",
		"retry_schedule_id", rs.ID,
		"invoice_id", rs.InvoiceID,
		"member_id", rs.MemberID,
		"reason_code", rs.ReasonCode,
	)
}

// MarkSuccessful closes the schedule after a retry was collected.
func (s *RetryScheduler) MarkSuccessful(ctx context.Context, id string) error {
	rs, err := s.repo.GetRetrySchedule(ctx, id)
	if err != nil {
		return err
	}
	if !rs.Status.CanTransition(domain.RetrySuccessful) {
		return nil
	}
	expected := rs.Status
	rs.Status = domain.RetrySuccessful
	if err := s.repo.UpdateRetrySchedule(ctx, rs, expected); err != nil {
		return fmt.Errorf("update retry schedule %s: %w", id, err)
	}
	s.rt.Metrics.Retry(string(rs.Status))
	return nil
}

// List returns retry schedules in a status, soonest first.
func (s *RetryScheduler) List(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetrySchedule, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListRetrySchedules(ctx, status, limit)
}

func (s *RetryScheduler) logScheduled(rs *domain.RetrySchedule) {
	s.rt.Logger.Info("retry scheduled",
		"retry_schedule_id", rs.ID,
		"invoice_id", rs.InvoiceID,
		"member_id", rs.MemberID,
		"reason_code", rs.ReasonCode,
		"attempt", rs.Attempt,
		"retry_date", rs.RetryDate.Format(time.DateOnly),
	)
}
