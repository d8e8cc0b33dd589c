/**
 * @description
 * Mandate lifecycle management: creation, the status transition table,
 * replacement chains, sequence type determination and usage checks.
 *
 * @notes
 * - Every transition is read-modify-write against the stored version. A
 *   version conflict re-reads and retries once, then surfaces a ConflictError.
 * - Invoicing never consults this manager; mandates only matter when a batch
 *   is built.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// CreateMandateParams is the input for a new mandate.
type CreateMandateParams struct {
	MemberID   string
	DebtorName string
	IBAN       string
	BIC        string
	Type       domain.MandateType
	SignDate   time.Time
	ExpiryDate *time.Time
	// ReplacesMandateID lets a successor share the predecessor's IBAN while
	// the predecessor is still open.
	ReplacesMandateID string
}

// ExpiryResult summarizes one expiry run.
type ExpiryResult struct {
	Evaluated int `json:"evaluated"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}

// MandateManager owns mandate state.
type MandateManager struct {
	repo MandateRepository
	ids  *MandateIDGenerator
	rt   Runtime
}

// NewMandateManager creates a new mandate manager.
func NewMandateManager(repo MandateRepository, ids *MandateIDGenerator, rt Runtime) *MandateManager {
	return &MandateManager{repo: repo, ids: ids, rt: rt.withDefaults()}
}

// Create validates and stores a Draft mandate under a generated id.
func (m *MandateManager) Create(ctx context.Context, p CreateMandateParams) (*domain.Mandate, error) {
	mandateType, err := domain.ParseMandateType(string(p.Type))
	if err != nil {
		return nil, err
	}

	mandate := &domain.Mandate{
		MemberID:   strings.TrimSpace(p.MemberID),
		DebtorName: strings.TrimSpace(p.DebtorName),
		IBAN:       domain.NormalizeIBAN(p.IBAN),
		BIC:        strings.ToUpper(strings.TrimSpace(p.BIC)),
		Type:       mandateType,
		Status:     domain.MandateDraft,
		SignDate:   domain.DateOf(p.SignDate),
		ExpiryDate: p.ExpiryDate,
	}
	if err := mandate.ValidateFields(); err != nil {
		return nil, err
	}

	open, err := m.repo.HasOpenMandate(ctx, mandate.MemberID, mandate.IBAN, p.ReplacesMandateID)
	if err != nil {
		return nil, fmt.Errorf("check existing mandates: %w", err)
	}
	if open {
		return nil, &domain.RuleViolationError{
			Rule:    "duplicate_mandate",
			Message: fmt.Sprintf("member %s already has an open mandate for %s", mandate.MemberID, domain.MaskIBAN(mandate.IBAN)),
		}
	}

	// A taken id means the counter was reset underneath us; one fresh id is enough.
	for attempt := 0; attempt < 2; attempt++ {
		id, err := m.ids.Next(ctx)
		if err != nil {
			return nil, err
		}
		mandate.ID = id
		err = m.repo.CreateMandate(ctx, mandate)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrMandateIDTaken) && attempt == 0 {
			m.rt.Logger.Warn("generated mandate id already taken, retrying", "mandate_id", id)
			continue
		}
		return nil, fmt.Errorf("create mandate: %w", err)
	}

	m.rt.Logger.Info("mandate created",
		"mandate_id", mandate.ID,
		"member_id", mandate.MemberID,
		"iban", domain.MaskIBAN(mandate.IBAN),
		"type", mandate.Type,
	)
	m.rt.Metrics.MandateTransition(string(mandate.Status))
	return mandate, nil
}

// Get returns a mandate by id.
func (m *MandateManager) Get(ctx context.Context, id string) (*domain.Mandate, error) {
	return m.repo.GetMandate(ctx, id)
}

// Submit records the member's signature: Draft to Pending.
func (m *MandateManager) Submit(ctx context.Context, id string) (*domain.Mandate, error) {
	return m.transition(ctx, id, func(mandate *domain.Mandate, now time.Time) error {
		return mandate.TransitionTo(domain.MandatePending, "", now)
	})
}

// Activate verifies a Pending mandate. The first collection may not happen
// before the first-use notice has run from today.
func (m *MandateManager) Activate(ctx context.Context, id string) (*domain.Mandate, error) {
	return m.transition(ctx, id, func(mandate *domain.Mandate, now time.Time) error {
		if mandate.Status != domain.MandatePending {
			return &domain.RuleViolationError{Rule: "mandate_transition", Message: fmt.Sprintf("mandate %s cannot be activated from %s", mandate.ID, mandate.Status)}
		}
		return m.activate(mandate, now)
	})
}

func (m *MandateManager) activate(mandate *domain.Mandate, now time.Time) error {
	if mandate.IsExpiredOn(now) {
		return &domain.RuleViolationError{Rule: "mandate_expired", Message: fmt.Sprintf("mandate %s expired on %s", mandate.ID, mandate.ExpiryDate.Format(time.DateOnly))}
	}
	if err := mandate.TransitionTo(domain.MandateActive, "", now); err != nil {
		return err
	}
	first := domain.AddBusinessDays(now, m.rt.Settings.FirstCollectionNoticeDays)
	mandate.ActivatedAt = &now
	mandate.FirstCollectionDate = &first
	return nil
}

// Suspend blocks collections until the mandate is reactivated.
func (m *MandateManager) Suspend(ctx context.Context, id, reason string) (*domain.Mandate, error) {
	mandate, err := m.transition(ctx, id, func(mandate *domain.Mandate, now time.Time) error {
		return mandate.TransitionTo(domain.MandateSuspended, reason, now)
	})
	if err != nil {
		return nil, err
	}
	m.publishMandateEvent(ctx, domain.EventMandateSuspended, mandate, "")
	return mandate, nil
}

// Cancel ends the mandate for good.
func (m *MandateManager) Cancel(ctx context.Context, id, reason string) (*domain.Mandate, error) {
	mandate, err := m.transition(ctx, id, func(mandate *domain.Mandate, now time.Time) error {
		return mandate.TransitionTo(domain.MandateCancelled, reason, now)
	})
	if err != nil {
		return nil, err
	}
	m.publishMandateEvent(ctx, domain.EventMandateCancelled, mandate, "")
	return mandate, nil
}

// Expire is the time-triggered end of a mandate.
func (m *MandateManager) Expire(ctx context.Context, id, reason string) (*domain.Mandate, error) {
	if reason == "" {
		reason = "expired"
	}
	mandate, err := m.transition(ctx, id, func(mandate *domain.Mandate, now time.Time) error {
		return mandate.TransitionTo(domain.MandateExpired, reason, now)
	})
	if err != nil {
		return nil, err
	}
	m.publishMandateEvent(ctx, domain.EventMandateExpired, mandate, "")
	return mandate, nil
}

// Reactivate lifts a suspension.
func (m *MandateManager) Reactivate(ctx context.Context, id string) (*domain.Mandate, error) {
	return m.transition(ctx, id, func(mandate *domain.Mandate, now time.Time) error {
		if mandate.Status != domain.MandateSuspended {
			return &domain.RuleViolationError{Rule: "mandate_transition", Message: fmt.Sprintf("mandate %s is %s, only Suspended mandates can be reactivated", mandate.ID, mandate.Status)}
		}
		if mandate.IsExpiredOn(now) {
			return &domain.RuleViolationError{Rule: "mandate_expired", Message: fmt.Sprintf("mandate %s expired on %s", mandate.ID, mandate.ExpiryDate.Format(time.DateOnly))}
		}
		return mandate.TransitionTo(domain.MandateActive, "", now)
	})
}

// Replace marks oldID Replaced by newID and links both ways. A Pending
// successor is activated in the same write.
func (m *MandateManager) Replace(ctx context.Context, oldID, newID string) (*domain.Mandate, *domain.Mandate, error) {
	if oldID == newID {
		return nil, nil, &domain.ValidationError{Field: "new_mandate_id", Message: "a mandate cannot replace itself"}
	}

	for attempt := 0; attempt < 2; attempt++ {
		old, err := m.repo.GetMandate(ctx, oldID)
		if err != nil {
			return nil, nil, err
		}
		successor, err := m.repo.GetMandate(ctx, newID)
		if err != nil {
			return nil, nil, err
		}
		if old.MemberID != successor.MemberID {
			return nil, nil, &domain.RuleViolationError{Rule: "mandate_replace", Message: fmt.Sprintf("mandates %s and %s belong to different members", oldID, newID)}
		}
		if successor.Status != domain.MandatePending && successor.Status != domain.MandateActive {
			return nil, nil, &domain.RuleViolationError{Rule: "mandate_replace", Message: fmt.Sprintf("successor %s is %s, expected Pending or Active", newID, successor.Status)}
		}

		oldVersion, successorVersion := old.Version, successor.Version
		now := m.rt.Now()
		if err := old.TransitionTo(domain.MandateReplaced, "replaced by "+newID, now); err != nil {
			return nil, nil, err
		}
		old.ReplacedByID = &successor.ID
		if successor.Status == domain.MandatePending {
			if err := m.activate(successor, now); err != nil {
				return nil, nil, err
			}
		}
		successor.PreviousMandateID = &old.ID

		err = m.repo.ReplaceMandates(ctx, old, oldVersion, successor, successorVersion)
		if err == nil {
			m.rt.Logger.Info("mandate replaced", "mandate_id", old.ID, "replaced_by", successor.ID, "member_id", old.MemberID)
			m.rt.Metrics.MandateTransition(string(domain.MandateReplaced))
			m.publishMandateEvent(ctx, domain.EventMandateReplaced, old, successor.ID)
			return old, successor, nil
		}
		if errors.Is(err, store.ErrActiveMandateExists) {
			return nil, nil, activeExistsViolation(successor)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, nil, fmt.Errorf("replace mandate %s: %w", oldID, err)
		}
		m.rt.Logger.Warn("mandate version conflict during replace, retrying", "mandate_id", oldID, "replaced_by", newID)
	}
	return nil, nil, &domain.ConflictError{Entity: "mandate", ID: oldID}
}

// DetermineSequenceType reports OOFF for one-off mandates, RCUR once any
// collection succeeded under the mandate or a same-IBAN predecessor, else FRST.
func (m *MandateManager) DetermineSequenceType(ctx context.Context, mandate *domain.Mandate) (domain.SequenceType, error) {
	if mandate.Type == domain.MandateTypeOOFF {
		return domain.SequenceOneOff, nil
	}

	current := mandate
	visited := map[string]bool{}
	for current != nil && !visited[current.ID] {
		visited[current.ID] = true
		usage, err := m.repo.GetMandateUsage(ctx, current.ID)
		if err != nil {
			return "", fmt.Errorf("load usage of mandate %s: %w", current.ID, err)
		}
		if usage.Collected > 0 {
			return domain.SequenceRecurring, nil
		}
		if current.PreviousMandateID == nil {
			break
		}
		previous, err := m.repo.GetMandate(ctx, *current.PreviousMandateID)
		if err != nil {
			if errors.Is(err, store.ErrMandateNotFound) {
				break
			}
			return "", err
		}
		// A new account restarts the sequence.
		if previous.IBAN != mandate.IBAN {
			break
		}
		current = previous
	}
	return domain.SequenceFirst, nil
}

// ValidateUsage checks that a collection of amountCents on collectionDate is
// allowed under the mandate.
func (m *MandateManager) ValidateUsage(ctx context.Context, mandate *domain.Mandate, amountCents int64, collectionDate time.Time) error {
	if mandate.Status != domain.MandateActive {
		return &domain.RuleViolationError{Rule: "mandate_not_active", Message: fmt.Sprintf("mandate %s is %s", mandate.ID, mandate.Status)}
	}
	if amountCents <= 0 {
		return &domain.ValidationError{Field: "amount", Message: "collection amount must be positive"}
	}
	if limit := m.rt.Settings.MandateMaxAmountCents; limit > 0 && amountCents > limit {
		return &domain.RuleViolationError{Rule: "mandate_amount_limit", Message: fmt.Sprintf("amount %d exceeds the mandate maximum of %d cents", amountCents, limit)}
	}
	if mandate.IsExpiredOn(collectionDate) {
		return &domain.RuleViolationError{Rule: "mandate_expired", Message: fmt.Sprintf("mandate %s expired on %s", mandate.ID, mandate.ExpiryDate.Format(time.DateOnly))}
	}
	if mandate.Type == domain.MandateTypeOOFF {
		usage, err := m.repo.GetMandateUsage(ctx, mandate.ID)
		if err != nil {
			return fmt.Errorf("load usage of mandate %s: %w", mandate.ID, err)
		}
		if usage.Collected+usage.Pending > 0 {
			return &domain.RuleViolationError{Rule: "mandate_one_off_used", Message: fmt.Sprintf("one-off mandate %s was already used", mandate.ID)}
		}
	}
	return nil
}

// ExpireDue expires mandates past their expiry date and Active mandates that
// have not been used within the dormancy window. Failures are logged per
// mandate and do not stop the run.
func (m *MandateManager) ExpireDue(ctx context.Context, asOf time.Time) (ExpiryResult, error) {
	asOf = domain.DateOf(asOf)
	dormantBefore := asOf.AddDate(0, -m.rt.Settings.MandateDormancyMonths, 0)

	mandates, err := m.repo.ListExpirableMandates(ctx, asOf, dormantBefore)
	if err != nil {
		return ExpiryResult{}, fmt.Errorf("list expirable mandates: %w", err)
	}

	var result ExpiryResult
	for _, mandate := range mandates {
		result.Evaluated++
		reason := "expiry date passed"
		if !mandate.IsExpiredOn(asOf) {
			reason = fmt.Sprintf("unused for %d months", m.rt.Settings.MandateDormancyMonths)
		}
		if _, err := m.Expire(ctx, mandate.ID, reason); err != nil {
			result.Failed++
			m.rt.Logger.Error("failed to expire mandate", "mandate_id", mandate.ID, "member_id", mandate.MemberID, "error", err)
			continue
		}
		result.Expired++
	}
	return result, nil
}

// transition applies mutate to a fresh copy and writes it with the version it
// was read at.
func (m *MandateManager) transition(ctx context.Context, id string, mutate func(*domain.Mandate, time.Time) error) (*domain.Mandate, error) {
	for attempt := 0; attempt < 2; attempt++ {
		mandate, err := m.repo.GetMandate(ctx, id)
		if err != nil {
			return nil, err
		}
		version := mandate.Version
		from := mandate.Status
		if err := mutate(mandate, m.rt.Now()); err != nil {
			return nil, err
		}

		err = m.repo.UpdateMandate(ctx, mandate, version)
		if err == nil {
			m.rt.Logger.Info("mandate status changed", "mandate_id", id, "from", from, "to", mandate.Status)
			m.rt.Metrics.MandateTransition(string(mandate.Status))
			return mandate, nil
		}
		if errors.Is(err, store.ErrActiveMandateExists) {
			return nil, activeExistsViolation(mandate)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("update mandate %s: %w", id, err)
		}
		m.rt.Logger.Warn("mandate version conflict, retrying", "mandate_id", id, "version", version)
	}
	return nil, &domain.ConflictError{Entity: "mandate", ID: id}
}

func (m *MandateManager) publishMandateEvent(ctx context.Context, routingKey string, mandate *domain.Mandate, replacedBy string) {
	event := domain.MandateEvent{
		MandateID:  mandate.ID,
		MemberID:   mandate.MemberID,
		Status:     mandate.Status,
		ReplacedBy: replacedBy,
		OccurredAt: m.rt.Now(),
	}
	if mandate.StatusReason != nil {
		event.Reason = *mandate.StatusReason
	}
	m.rt.publish(ctx, routingKey, event)
}

func activeExistsViolation(mandate *domain.Mandate) error {
	return &domain.RuleViolationError{
		Rule:    "duplicate_mandate",
		Message: fmt.Sprintf("member %s already has an active mandate for %s", mandate.MemberID, domain.MaskIBAN(mandate.IBAN)),
	}
}
