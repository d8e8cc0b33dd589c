package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
)

func TestMandateIDGeneratorExpandsPattern(t *testing.T) {
	repo := newMemoryRepo()
	now := func() time.Time { return time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC) }

	gen, err := NewMandateIDGenerator(repo, "VG-{YY}{MM}-####", 7, now)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	first, err := gen.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	second, err := gen.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if first != "VG-2403-0007" {
		t.Fatalf("expected VG-2403-0007, got %s", first)
	}
	if second != "VG-2403-0008" {
		t.Fatalf("expected VG-2403-0008, got %s", second)
	}
}

func TestMandateIDGeneratorCounterPerExpandedPrefix(t *testing.T) {
	repo := newMemoryRepo()
	clock := &testClock{now: time.Date(2024, time.December, 31, 12, 0, 0, 0, time.UTC)}

	gen, err := NewMandateIDGenerator(repo, "MNDT-{YYYY}-###", 1, clock.Now)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if id, _ := gen.Next(context.Background()); id != "MNDT-2024-001" {
		t.Fatalf("expected MNDT-2024-001, got %s", id)
	}

	clock.Set(time.Date(2025, time.January, 1, 8, 0, 0, 0, time.UTC))
	if id, _ := gen.Next(context.Background()); id != "MNDT-2025-001" {
		t.Fatalf("expected the counter to restart for a new year, got %s", id)
	}
}

func TestMandateIDGeneratorRejectsBadPatterns(t *testing.T) {
	repo := newMemoryRepo()

	for _, pattern := range []string{"MNDT-{YYYY}", "MNDT-##-##"} {
		_, err := NewMandateIDGenerator(repo, pattern, 1, nil)
		var invalid *domain.ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("pattern %q: expected validation error, got %v", pattern, err)
		}
	}
}

func TestMandateIDGeneratorRejectsUnusableIDs(t *testing.T) {
	repo := newMemoryRepo()

	cases := map[string]string{
		"too long":      "VERENIGING-GROEN-LEDENADMINISTRATIE-####",
		"non-SEPA char": "MNDT_{YYYY}_####",
	}
	for name, pattern := range cases {
		gen, err := NewMandateIDGenerator(repo, pattern, 1, nil)
		if err != nil {
			t.Fatalf("%s: new generator: %v", name, err)
		}
		_, err = gen.Next(context.Background())
		var invalid *domain.ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}
