package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/pain008"
)

const maxMandateIDLength = 35

// MandateCounter hands out the next value of a per-prefix counter.
type MandateCounter interface {
	NextMandateCounter(ctx context.Context, prefix string, start int64) (int64, error)
}

// MandateIDGenerator builds mandate references from the configured naming
// pattern. {YYYY}, {YY} and {MM} expand to the creation date and the single
// run of '#' becomes the zero-padded counter.
type MandateIDGenerator struct {
	counter MandateCounter
	pattern string
	start   int64
	now     func() time.Time
}

// NewMandateIDGenerator validates the pattern once so a bad setting fails at boot.
func NewMandateIDGenerator(counter MandateCounter, pattern string, start int64, now func() time.Time) (*MandateIDGenerator, error) {
	if _, _, _, err := splitCounterRun(pattern); err != nil {
		return nil, err
	}
	if start < 1 {
		start = 1
	}
	if now == nil {
		now = time.Now
	}
	return &MandateIDGenerator{counter: counter, pattern: pattern, start: start, now: now}, nil
}

// Next reserves the next counter value and renders the mandate id.
func (g *MandateIDGenerator) Next(ctx context.Context) (string, error) {
	expanded := expandDateTokens(g.pattern, g.now())
	prefix, width, suffix, err := splitCounterRun(expanded)
	if err != nil {
		return "", err
	}

	value, err := g.counter.NextMandateCounter(ctx, expanded, g.start)
	if err != nil {
		return "", fmt.Errorf("reserve mandate counter: %w", err)
	}

	id := fmt.Sprintf("%s%0*d%s", prefix, width, value, suffix)
	if len(id) > maxMandateIDLength {
		return "", &domain.ValidationError{Field: "mandate_id", Message: fmt.Sprintf("generated mandate id %q exceeds %d characters", id, maxMandateIDLength)}
	}
	if !pain008.IsSEPAText(id) {
		return "", &domain.ValidationError{Field: "mandate_id", Message: fmt.Sprintf("generated mandate id %q contains characters outside the SEPA set", id)}
	}
	return id, nil
}

func expandDateTokens(pattern string, at time.Time) string {
	return strings.NewReplacer(
		"{YYYY}", at.Format("2006"),
		"{YY}", at.Format("06"),
		"{MM}", at.Format("01"),
	).Replace(pattern)
}

// splitCounterRun cuts the pattern around its only run of '#'.
func splitCounterRun(pattern string) (prefix string, width int, suffix string, err error) {
	start := strings.IndexByte(pattern, '#')
	if start < 0 {
		return "", 0, "", &domain.ValidationError{Field: "mandate_id_pattern", Message: fmt.Sprintf("pattern %q has no # counter run", pattern)}
	}
	end := start
	for end < len(pattern) && pattern[end] == '#' {
		end++
	}
	if strings.IndexByte(pattern[end:], '#') >= 0 {
		return "", 0, "", &domain.ValidationError{Field: "mandate_id_pattern", Message: fmt.Sprintf("pattern %q has more than one # counter run", pattern)}
	}
	return pattern[:start], end - start, pattern[end:], nil
}
